package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/kb-dk/Yggdrasil-sub000/internal/config"
	"github.com/kb-dk/Yggdrasil-sub000/internal/model"
)

// Delivery headers sent alongside the payload.
const (
	HeaderRequestID = "X-Yggdrasil-Request-Id"
	HeaderRecordID  = "X-Yggdrasil-Record-Id"
	HeaderChecksum  = "X-Yggdrasil-Checksum"
)

// Deliverer uploads extracted records to the caller's endpoint.
type Deliverer struct {
	client *http.Client
}

// NewDeliverer creates a Deliverer.
func NewDeliverer(cfg config.DeliveryConfig) *Deliverer {
	return &Deliverer{client: newHTTPClient(cfg.Timeout)}
}

// Deliver PUTs the payload file to d.URL.
func (d *Deliverer) Deliver(ctx context.Context, del model.Delivery) error {
	f, err := os.Open(del.Path)
	if err != nil {
		return fmt.Errorf("open payload: %w", err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, del.URL, f)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.ContentLength = del.Size
	if del.ContentType != "" {
		req.Header.Set("Content-Type", del.ContentType)
	}
	req.Header.Set(HeaderRequestID, del.RequestID)
	req.Header.Set(HeaderRecordID, del.RecordID)
	if del.Checksum != "" {
		req.Header.Set(HeaderChecksum, del.Checksum)
	}
	if del.Token != "" {
		req.Header.Set("Authorization", "Bearer "+del.Token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver %s: %w", del.RecordID, err)
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if err := checkStatus(resp); err != nil {
		return err
	}
	slog.Info("Deliverer: delivered record",
		"id", del.RequestID, "record", del.RecordID, "status", resp.StatusCode)
	return nil
}
