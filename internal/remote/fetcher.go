// -------------------------------------------------------------------------------
// Fetcher - Content Download
//
// Project: Yggdrasil
//
// Downloads the content a preservation request points at into the fetch
// directory, bounded by the configured maximum size.
// -------------------------------------------------------------------------------

package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/kb-dk/Yggdrasil-sub000/internal/config"
	"github.com/kb-dk/Yggdrasil-sub000/internal/model"
)

// Fetcher downloads content referenced by preservation requests.
type Fetcher struct {
	client   *http.Client
	dir      string
	maxBytes int64
}

// NewFetcher creates a Fetcher writing into cfg.Dir.
func NewFetcher(cfg config.FetcherConfig) (*Fetcher, error) {
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create fetch directory: %w", err)
	}
	return &Fetcher{
		client:   newHTTPClient(cfg.Timeout),
		dir:      cfg.Dir,
		maxBytes: cfg.MaxBytes,
	}, nil
}

// Fetch downloads uri to a local file named after requestID. A partial file is
// never left behind on error.
func (f *Fetcher) Fetch(ctx context.Context, requestID, uri string) (*model.Content, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	out, err := os.CreateTemp(f.dir, requestID+"-*.content")
	if err != nil {
		return nil, fmt.Errorf("create content file: %w", err)
	}

	var body io.Reader = resp.Body
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	n, err := io.Copy(out, body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && f.maxBytes > 0 && n > f.maxBytes {
		err = fmt.Errorf("%w: more than %s", ErrTooLarge, humanize.IBytes(uint64(f.maxBytes)))
	}
	if err == nil && resp.ContentLength >= 0 && n != resp.ContentLength {
		err = fmt.Errorf("short download: got %d of %d bytes", n, resp.ContentLength)
	}
	if err != nil {
		os.Remove(out.Name())
		return nil, fmt.Errorf("fetch %s: %w", uri, err)
	}

	slog.Debug("Fetcher: downloaded content",
		"id", requestID, "uri", uri, "size", humanize.IBytes(uint64(n)))
	return &model.Content{
		Path:        out.Name(),
		ContentType: resp.Header.Get("Content-Type"),
		Size:        n,
	}, nil
}
