// Package render turns alerts into shareable card images by delegating to
// an external rendering service.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"sismobot/internal/config"
	"sismobot/internal/model"
	logx "sismobot/pkg/logx"
)

// Card is the payload sent to the rendering service.
type Card struct {
	Headline   string    `json:"headline"`
	Body       string    `json:"body"`
	Severity   string    `json:"severity"`
	ObservedAt time.Time `json:"observed_at"`
}

// Renderer produces alert card images. Implementations must be safe for
// concurrent use.
type Renderer interface {
	// RenderAlertCard renders the alert and returns the path of the
	// resulting image file.
	RenderAlertCard(ctx context.Context, alert *model.Alert) (string, error)
	// CapturePage captures an arbitrary page as an image (admin tooling).
	CapturePage(ctx context.Context, pageURL string) (string, error)
	// Reset tears down and reinitializes the service's rendering session.
	Reset(ctx context.Context) error
}

// Client talks to the HTTP rendering service.
type Client struct {
	base   string
	hc     *http.Client
	outDir string
	log    logx.Logger

	// resetMu serializes Reset against in-flight renders so a recovery
	// cycle never races a render using a torn-down session.
	resetMu sync.RWMutex
}

func NewClient(cfg config.RendererConfig, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("renderer.base_url is required")
	}
	timeout, err := config.ParseDurationOrDefault("renderer.timeout", cfg.Timeout, config.DefaultRenderTimeout)
	if err != nil {
		return nil, err
	}
	outDir := cfg.OutputDir
	if outDir == "" {
		outDir = os.TempDir()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base:   base,
		hc:     &http.Client{Timeout: timeout},
		outDir: outDir,
		log:    log,
	}, nil
}

func (c *Client) RenderAlertCard(ctx context.Context, alert *model.Alert) (string, error) {
	c.resetMu.RLock()
	defer c.resetMu.RUnlock()

	card := Card{
		Headline:   alert.Headline,
		Body:       alert.Body,
		Severity:   alert.Severity.String(),
		ObservedAt: alert.ObservedAt,
	}
	body, err := json.Marshal(card)
	if err != nil {
		return "", err
	}
	img, err := c.post(ctx, "/render", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("render card: %w", err)
	}
	return c.writeImage("card", img)
}

func (c *Client) CapturePage(ctx context.Context, pageURL string) (string, error) {
	c.resetMu.RLock()
	defer c.resetMu.RUnlock()

	form := url.Values{"url": {pageURL}}
	img, err := c.post(ctx, "/capture", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("capture page: %w", err)
	}
	return c.writeImage("page", img)
}

func (c *Client) Reset(ctx context.Context) error {
	c.resetMu.Lock()
	defer c.resetMu.Unlock()

	_, err := c.post(ctx, "/reset", "", nil)
	if err != nil {
		return fmt.Errorf("reset renderer: %w", err)
	}
	c.log.Info("renderer session reset")
	return nil
}

func (c *Client) post(ctx context.Context, path, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 20*1024*1024))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(b))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return nil, fmt.Errorf("renderer returned %d: %s", resp.StatusCode, msg)
	}
	return b, nil
}

func (c *Client) writeImage(kind string, img []byte) (string, error) {
	if len(img) == 0 {
		return "", fmt.Errorf("renderer returned empty image")
	}
	if err := os.MkdirAll(c.outDir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s-%d.png", kind, time.Now().UnixNano())
	path := filepath.Join(c.outDir, name)
	if err := os.WriteFile(path, img, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
