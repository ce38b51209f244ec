package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bmh/internal/commsmanager"
	"bmh/internal/config"
	"bmh/internal/journal"
	"bmh/internal/logging"
	"bmh/internal/metrics"
	"bmh/internal/testsupport"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithFreePorts(),
		testsupport.WithChannel("10.0.0.5", 21000, config.DacChannelConfig{
			TransmitterGroup: "KAAA",
			DataPort:         20001,
		}))
	path := testsupport.WriteConfig(t, cfg)
	loaded, _, _, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	jr, err := journal.Open(loaded.JournalPath())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = jr.Close() })

	m := metrics.New()
	mgr, err := commsmanager.New(loaded, path, logging.NewNop(), commsmanager.Options{
		Journal:        jr,
		Metrics:        m,
		DisableInotify: true,
		StatInterval:   time.Hour,
	})
	if err != nil {
		t.Fatalf("commsmanager.New: %v", err)
	}
	d, err := New(loaded, mgr, jr, m, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	return d
}

func serve(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAPIServerStatus(t *testing.T) {
	d := newTestDaemon(t)
	h := d.api.routes()

	w := serve(t, h, http.MethodGet, "/api/status")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	var resp Status
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Running {
		t.Fatal("unstarted daemon reported running")
	}
	if len(resp.Manager.Groups) != 1 || resp.Manager.Groups[0].Group != "KAAA" {
		t.Fatalf("unexpected groups: %+v", resp.Manager.Groups)
	}
	if resp.JournalPath == "" {
		t.Fatal("expected journal path")
	}
}

func TestAPIServerHistory(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()
	for _, ev := range []journal.Event{
		{Kind: journal.KindProcessLaunched, Group: "KAAA", Detail: "pid 10"},
		{Kind: journal.KindSilenceAlarm, Group: "KBBB"},
	} {
		if err := d.journal.Record(ctx, ev); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	h := d.api.routes()

	w := serve(t, h, http.MethodGet, "/api/history?group=KAAA&limit=10")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Events []journal.Event `json:"events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Events) != 1 || resp.Events[0].Kind != journal.KindProcessLaunched {
		t.Fatalf("unexpected events: %+v", resp.Events)
	}

	w = serve(t, h, http.MethodGet, "/api/history?limit=abc")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", w.Code)
	}
}

func TestAPIServerReload(t *testing.T) {
	d := newTestDaemon(t)
	h := d.api.routes()

	w := serve(t, h, http.MethodPost, "/api/reload")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d: %s", w.Code, w.Body.String())
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"changed":false}` {
		t.Fatalf("body = %s", got)
	}

	w = serve(t, h, http.MethodGet, "/api/reload")
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestAPIServerHealthAndMetrics(t *testing.T) {
	d := newTestDaemon(t)
	h := d.api.routes()

	if w := serve(t, h, http.MethodGet, "/healthz"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz before start = %d, want 503", w.Code)
	}

	serve(t, h, http.MethodGet, "/api/status")
	w := serve(t, h, http.MethodGet, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics = %d", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{"bmh_comms_http_requests_total", "bmh_comms_connected_groups"} {
		if !strings.Contains(body, name) {
			t.Fatalf("metrics output missing %s", name)
		}
	}

	if w := serve(t, h, http.MethodGet, "/nope"); w.Code != http.StatusNotFound {
		t.Fatalf("unknown path = %d, want 404", w.Code)
	}
}
