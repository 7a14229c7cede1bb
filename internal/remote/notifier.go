package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/kb-dk/Yggdrasil-sub000/internal/config"
	"github.com/kb-dk/Yggdrasil-sub000/internal/progress"
)

// Notifier posts lifecycle updates as JSON to a remote endpoint.
type Notifier struct {
	client *http.Client
	url    string
	token  string
}

// Compile-time check.
var _ progress.Notifier = (*Notifier)(nil)

// NewNotifier creates a Notifier for cfg.URL.
func NewNotifier(cfg config.NotifierConfig) *Notifier {
	return &Notifier{
		client: newHTTPClient(cfg.Timeout),
		url:    cfg.URL,
		token:  cfg.Token,
	}
}

// Notify sends u.
func (n *Notifier) Notify(ctx context.Context, u progress.Update) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify %s: %w", u.RequestID, err)
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	return checkStatus(resp)
}
