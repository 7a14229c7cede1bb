package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kb-dk/Yggdrasil-sub000/internal/storage"
)

func newCollectionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "collections",
		Short: "List the configured collections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := newStorageClient(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, id := range client.ListKnownCollections() {
				col, _ := cfg.Collection(id)
				fmt.Fprintf(out, "%s\t%v\ttolerates %d\t%s\n", id, col.Pillars, col.ToleratedFailures, col.Description)
			}
			return nil
		},
	}
}

func newChecksumsCmd() *cobra.Command {
	var collection, object string
	cmd := &cobra.Command{
		Use:   "checksums",
		Short: "Show the checksums each pillar holds for an object, or for the whole collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := newStorageClient(cfg)
			if err != nil {
				return err
			}
			sums, err := client.ListChecksums(cmd.Context(), object, collection)
			if err != nil {
				return err
			}
			printChecksums(cmd.OutOrStdout(), sums)
			return nil
		},
	}
	cmd.Flags().StringVar(&collection, "collection", "", "Collection id (required)")
	cmd.Flags().StringVar(&object, "object", "", "Object id; empty lists the whole collection")
	_ = cmd.MarkFlagRequired("collection")
	return cmd
}

func newExistsCmd() *cobra.Command {
	var collection, object string
	cmd := &cobra.Command{
		Use:   "exists",
		Short: "Check whether a quorum of pillars holds an object",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := newStorageClient(cfg)
			if err != nil {
				return err
			}
			ok, err := client.ExistsInCollection(cmd.Context(), object, collection)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ok)
			if !ok {
				return fmt.Errorf("%s not found in %s", object, collection)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&collection, "collection", "", "Collection id (required)")
	cmd.Flags().StringVar(&object, "object", "", "Object id (required)")
	_ = cmd.MarkFlagRequired("collection")
	_ = cmd.MarkFlagRequired("object")
	return cmd
}

func newFetchCmd() *cobra.Command {
	var collection, object, out string
	var offset, length int64
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download an object, or a byte range of it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := newStorageClient(cfg)
			if err != nil {
				return err
			}

			var rng *storage.ByteRange
			if cmd.Flags().Changed("offset") || cmd.Flags().Changed("length") {
				rng = &storage.ByteRange{Offset: offset, Length: length}
			}
			path, err := client.Fetch(cmd.Context(), object, collection, rng)
			if err != nil {
				return err
			}
			if out != "" {
				if err := os.Rename(path, out); err != nil {
					return fmt.Errorf("move download to %s: %w", out, err)
				}
				path = out
			}
			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", path, humanize.IBytes(uint64(info.Size())))
			return nil
		},
	}
	cmd.Flags().StringVar(&collection, "collection", "", "Collection id (required)")
	cmd.Flags().StringVar(&object, "object", "", "Object id (required)")
	cmd.Flags().Int64Var(&offset, "offset", 0, "First byte to read")
	cmd.Flags().Int64Var(&length, "length", 0, "Bytes to read; 0 reads to the end")
	cmd.Flags().StringVar(&out, "out", "", "Destination path (default: the fetch directory)")
	_ = cmd.MarkFlagRequired("collection")
	_ = cmd.MarkFlagRequired("object")
	return cmd
}

// printChecksums writes one line per object and pillar.
func printChecksums(w io.Writer, sums map[string][]storage.ChecksumEntry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	pillars := make([]string, 0, len(sums))
	for p := range sums {
		pillars = append(pillars, p)
	}
	sort.Strings(pillars)

	fmt.Fprintln(tw, "PILLAR\tOBJECT\tCHECKSUM")
	for _, p := range pillars {
		for _, e := range sums[p] {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", p, e.ObjectID, e.Checksum)
		}
	}
}
