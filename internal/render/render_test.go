package render

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"sismobot/internal/config"
	"sismobot/internal/model"
	logx "sismobot/pkg/logx"
)

func testAlert() *model.Alert {
	return &model.Alert{
		ID:         "evt-1",
		Headline:   "Sismo detectado",
		Body:       "Sismo moderado registrado",
		Severity:   model.SeverityModerate,
		ObservedAt: time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(config.RendererConfig{
		BaseURL:   srv.URL,
		OutputDir: t.TempDir(),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestRenderAlertCardWritesImage(t *testing.T) {
	fake := []byte{0x89, 'P', 'N', 'G'}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/render" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		_, _ = w.Write(fake)
	}))

	path, err := c.RenderAlertCard(context.Background(), testAlert())
	if err != nil {
		t.Fatalf("RenderAlertCard: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read image: %v", err)
	}
	if string(got) != string(fake) {
		t.Fatalf("image bytes mismatch")
	}
}

func TestRenderAlertCardServiceError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "session lost", http.StatusInternalServerError)
	}))
	if _, err := c.RenderAlertCard(context.Background(), testAlert()); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestRenderEmptyImageRejected(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	if _, err := c.RenderAlertCard(context.Background(), testAlert()); err == nil {
		t.Fatal("expected error for empty image")
	}
}

func TestReset(t *testing.T) {
	var resetCalls int
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/reset" {
			resetCalls++
		}
		_, _ = w.Write([]byte("ok"))
	}))
	if err := c.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if resetCalls != 1 {
		t.Fatalf("reset calls = %d, want 1", resetCalls)
	}
}
