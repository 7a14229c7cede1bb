package main

import (
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kb-dk/Yggdrasil-sub000/internal/packaging"
)

func newReconcileCmd() *cobra.Command {
	var dryRun, upload bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Report and end work left over from a previous run",
		Long: `Lists containers left in the packaging directory and durable records that
never reached a final state. Without --dry-run every such record is ended and
its caller notified; with --upload intact containers are uploaded first and the
records they hold end as uploaded. Run while the service is stopped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			client, err := newStorageClient(cfg)
			if err != nil {
				return err
			}
			r := packaging.NewReconciler(cfg.Packaging, st, client, newReporter(cfg, st))

			mode := "reconcile"
			if dryRun {
				mode = "dry-run"
			}
			slog.Info("Starting reconcile", "dir", cfg.Packaging.Dir, "mode", mode, "upload", upload)

			res, err := r.Scan(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, o := range res.Orphans {
				status := "intact"
				if o.Err != nil {
					status = "damaged: " + o.Err.Error()
				}
				fmt.Fprintf(out, "container\t%s/%s\t%s\t%d records\t%s\n",
					o.Collection, o.Name(), humanize.IBytes(uint64(o.Size)), o.Records, status)
			}
			for _, d := range res.Dangling {
				fmt.Fprintf(out, "record\t%s\t%s\t%s\t%s\n", d.Collection(), d.ID(), d.Current(), d.ContainerID)
			}

			if dryRun {
				slog.Info("Reconcile complete", "mode", mode,
					"containers", len(res.Orphans), "records", len(res.Dangling))
				return nil
			}

			err = r.Resolve(ctx, res, upload)
			slog.Info("Reconcile complete", "mode", mode,
				"containers", len(res.Orphans), "uploaded", len(res.Uploaded), "records", len(res.Dangling))
			return err
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only list what would be reconciled")
	cmd.Flags().BoolVar(&upload, "upload", false, "Upload intact leftover containers before ending records")
	return cmd
}
