package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kb-dk/Yggdrasil-sub000/internal/config"
	"github.com/kb-dk/Yggdrasil-sub000/internal/handler"
	"github.com/kb-dk/Yggdrasil-sub000/internal/model"
)

const preservationJSON = `{
	"id": "req-1",
	"collection": "books",
	"model": "mods",
	"metadata": "<mods><title>Fox</title></mods>",
	"content_uri": "https://example.org/fox.pdf",
	"file_id": "file-1"
}`

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.QueueSize = 4
	if mutate != nil {
		mutate(cfg)
	}
	s := New(cfg)
	t.Cleanup(s.Close)
	return s
}

func post(t *testing.T, h http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func receive(t *testing.T, s *Server) handler.Message {
	t.Helper()
	select {
	case msg := <-s.Queue():
		return msg
	default:
		t.Fatal("queue is empty")
		return handler.Message{}
	}
}

func TestServer_AcceptsPreservation(t *testing.T) {
	s := newTestServer(t, nil)

	rec := post(t, s.Handler(), "/v1/preservation", preservationJSON, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp acceptedResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != "req-1" || resp.Kind != "preservation" || resp.QueueDepth != 1 {
		t.Errorf("unexpected response: %+v", resp)
	}

	msg := receive(t, s)
	want := model.PreservationRequest{
		ID:         "req-1",
		Collection: "books",
		Model:      "mods",
		Metadata:   []byte("<mods><title>Fox</title></mods>"),
		ContentURI: "https://example.org/fox.pdf",
		FileID:     "file-1",
	}
	if msg.Kind != handler.KindPreservation || msg.Preservation == nil {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if diff := cmp.Diff(want, *msg.Preservation); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
}

func TestServer_AcceptsImport(t *testing.T) {
	s := newTestServer(t, nil)

	body := `{"id":"imp-1","collection":"books","type":"FILE","container_id":"c1.warc",
		"record_id":"file-1","offset":120,"length":64,"delivery_url":"https://caller.example.org/in"}`
	rec := post(t, s.Handler(), "/v1/import", body, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	msg := receive(t, s)
	if msg.Kind != handler.KindImport || msg.Import == nil {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.Import.Offset == nil || *msg.Import.Offset != 120 || msg.Import.Length == nil || *msg.Import.Length != 64 {
		t.Errorf("range not decoded: %+v", msg.Import)
	}
}

func TestServer_QueueFull(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.Server.QueueSize = 1 })
	h := s.Handler()

	if rec := post(t, h, "/v1/preservation", preservationJSON, nil); rec.Code != http.StatusAccepted {
		t.Fatalf("first request: status = %d", rec.Code)
	}
	rec := post(t, h, "/v1/preservation", preservationJSON, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("second request: status = %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("503 should carry Retry-After")
	}
}

func TestServer_Auth(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.Auth.Token = "secret" })
	h := s.Handler()

	if rec := post(t, h, "/v1/preservation", preservationJSON, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}
	if rec := post(t, h, "/v1/preservation", preservationJSON, map[string]string{"Authorization": "Bearer nope"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", rec.Code)
	}
	if rec := post(t, h, "/v1/preservation", preservationJSON, map[string]string{"X-Yggdrasil-Token": "secret"}); rec.Code != http.StatusAccepted {
		t.Errorf("valid token: status = %d, want 202", rec.Code)
	}
}

func TestServer_Rejects(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
		ct   string
		want int
	}{
		{"malformed json", "/v1/preservation", `{"id":`, "application/json", http.StatusBadRequest},
		{"unknown field", "/v1/preservation", `{"id":"req-1","colour":"red"}`, "application/json", http.StatusBadRequest},
		{"missing id", "/v1/import", `{"collection":"books"}`, "application/json", http.StatusBadRequest},
		{"blank id", "/v1/preservation", `{"id":"   "}`, "application/json", http.StatusBadRequest},
		{"wrong content type", "/v1/preservation", preservationJSON, "text/xml", http.StatusUnsupportedMediaType},
		{"too large", "/v1/preservation", `{"id":"req-1","metadata":"` + strings.Repeat("x", 2048) + `"}`, "application/json", http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, func(c *config.Config) { c.Server.MaxRequestBytes = 1024 })
			rec := post(t, s.Handler(), tt.path, tt.body, map[string]string{"Content-Type": tt.ct})
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
			if len(s.Queue()) != 0 {
				t.Error("rejected request must not be queued")
			}
		})
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/preservation", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || resp.QueueSize != 4 || resp.Store != "" {
		t.Errorf("unexpected health: %+v", resp)
	}
}

type fixedState string

func (f fixedState) State() string { return string(f) }

func TestServer_HealthReportsStore(t *testing.T) {
	tests := []struct {
		state, status string
	}{
		{"closed", "ok"},
		{"open", "degraded"},
		{"half-open", "degraded"},
	}
	for _, tt := range tests {
		s := newTestServer(t, nil)
		s.SetStoreHealth(fixedState(tt.state))
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		var resp healthResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		if rec.Code != http.StatusOK || resp.Status != tt.status || resp.Store != tt.state {
			t.Errorf("store %s: status %d, body %+v", tt.state, rec.Code, resp)
		}
	}
}

func TestServer_Metrics(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.Telemetry.Metrics = config.MetricsConfig{Enabled: true, Path: "/metrics"}
	})
	post(t, s.Handler(), "/v1/preservation", preservationJSON, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "yggdrasil_ingress_requests_total") {
		t.Error("ingress counter missing from metrics output")
	}
}
