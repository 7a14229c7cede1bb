// -------------------------------------------------------------------------------
// Transform - Metadata Transformation
//
// Project: Yggdrasil
//
// Turns the raw metadata of a preservation request into the stored metadata
// record. Each metadata model maps to an XSLT stylesheet run through xsltproc
// and, optionally, an XML schema checked with xmllint. Models without a
// stylesheet are stored as-is once they parse as well-formed XML.
// -------------------------------------------------------------------------------

package transform

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kb-dk/Yggdrasil-sub000/internal/config"
	"github.com/kb-dk/Yggdrasil-sub000/internal/model"
	"github.com/kb-dk/Yggdrasil-sub000/internal/telemetry"
)

// ValidationError reports metadata that could not be transformed or failed
// schema validation. Detail is the tool's diagnostic output.
type ValidationError struct {
	Model  string
	Stage  string // "parse", "transform" or "schema"
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("metadata %s failed for model %q: %s", e.Stage, e.Model, e.Detail)
}

// Transformer runs the configured stylesheets.
type Transformer struct {
	xsltproc    string
	xmllint     string
	workDir     string
	timeout     time.Duration
	stylesheets map[string]string
	schemas     map[string]string
	contentType string
}

// New creates a Transformer writing its output into cfg.WorkDir.
func New(cfg config.TransformConfig) (*Transformer, error) {
	if err := os.MkdirAll(cfg.WorkDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create transform directory: %w", err)
	}
	return &Transformer{
		xsltproc:    cfg.XSLTProc,
		xmllint:     cfg.XMLLint,
		workDir:     cfg.WorkDir,
		timeout:     cfg.Timeout,
		stylesheets: cfg.Stylesheets,
		schemas:     cfg.Schemas,
		contentType: cfg.ContentType,
	}, nil
}

// Transform writes the transformed metadata of request id to a local file.
// Bad metadata yields a *ValidationError; anything else is an operational
// failure.
func (t *Transformer) Transform(ctx context.Context, id, metadataModel string, metadata []byte) (*model.Content, error) {
	// --- Start tracing span ---
	ctx, span := telemetry.StartSpan(ctx, "Transform",
		telemetry.AttrRequestID.String(id),
	)
	defer span.End()

	if err := checkWellFormed(metadata); err != nil {
		return nil, &ValidationError{Model: metadataModel, Stage: "parse", Detail: err.Error()}
	}

	out := filepath.Join(t.workDir, id+".xml")
	stylesheet, ok := t.stylesheets[metadataModel]
	if !ok {
		if err := os.WriteFile(out, metadata, 0o640); err != nil {
			return nil, fmt.Errorf("write metadata: %w", err)
		}
	} else {
		if err := t.runXSLT(ctx, id, metadataModel, stylesheet, metadata, out); err != nil {
			return nil, err
		}
	}

	if schema, ok := t.schemas[metadataModel]; ok {
		if err := t.validate(ctx, metadataModel, schema, out); err != nil {
			os.Remove(out)
			return nil, err
		}
	}

	info, err := os.Stat(out)
	if err != nil {
		return nil, err
	}
	return &model.Content{Path: out, ContentType: t.contentType, Size: info.Size()}, nil
}

// runXSLT applies stylesheet to metadata and writes the result to out.
func (t *Transformer) runXSLT(ctx context.Context, id, metadataModel, stylesheet string, metadata []byte, out string) error {
	in, err := os.CreateTemp(t.workDir, id+"-*.raw.xml")
	if err != nil {
		return fmt.Errorf("stage metadata: %w", err)
	}
	defer os.Remove(in.Name())
	if _, err := in.Write(metadata); err != nil {
		in.Close()
		return fmt.Errorf("stage metadata: %w", err)
	}
	if err := in.Close(); err != nil {
		return fmt.Errorf("stage metadata: %w", err)
	}

	stderr, err := t.run(ctx, t.xsltproc, "-o", out, stylesheet, in.Name())
	if err != nil {
		os.Remove(out)
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ValidationError{Model: metadataModel, Stage: "transform", Detail: diagnostic(stderr, err)}
		}
		return fmt.Errorf("run %s: %w", t.xsltproc, err)
	}
	return nil
}

// validate checks path against the model's schema.
func (t *Transformer) validate(ctx context.Context, metadataModel, schema, path string) error {
	stderr, err := t.run(ctx, t.xmllint, "--noout", "--schema", schema, path)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ValidationError{Model: metadataModel, Stage: "schema", Detail: diagnostic(stderr, err)}
		}
		return fmt.Errorf("run %s: %w", t.xmllint, err)
	}
	return nil
}

// run executes name with args under the configured timeout and returns its
// stderr.
func (t *Transformer) run(ctx context.Context, name string, args ...string) (string, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	slog.Debug("Transform: ran tool", "tool", filepath.Base(name),
		"duration", time.Since(start), "error", err)
	return strings.TrimSpace(stderr.String()), err
}

// checkWellFormed reads every token of doc.
func checkWellFormed(doc []byte) error {
	if len(bytes.TrimSpace(doc)) == 0 {
		return errors.New("empty document")
	}
	dec := xml.NewDecoder(bytes.NewReader(doc))
	for {
		_, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func diagnostic(stderr string, err error) string {
	if stderr != "" {
		return stderr
	}
	return err.Error()
}
