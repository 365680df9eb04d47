package feed

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"

	"sismobot/internal/config"
	"sismobot/internal/model"
)

type mockTransport struct {
	body       string
	statusCode int
	err        error
}

func (m *mockTransport) Do(_ *http.Request) (*http.Response, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Body:       io.NopCloser(bytes.NewBufferString(m.body)),
	}, nil
}

func loadFixture(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read fixture %s: %v", path, err)
	}
	return string(data)
}

func TestLatest(t *testing.T) {
	xml := loadFixture(t, "testdata/alerts.xml")

	tests := []struct {
		name      string
		transport *mockTransport
		want      *model.Alert
		wantErr   bool
	}{
		{
			name:      "newest entry wins",
			transport: &mockTransport{body: xml, statusCode: 200},
			want: &model.Alert{
				ID:       "evt-20240901-1",
				Headline: "Sismo detectado - Ameritó alerta sísmica",
				Body:     "Sismo fuerte detectado en la costa. Ameritó alerta en CDMX.",
				Severity: model.SeverityMajor,
			},
		},
		{
			name:      "http error status",
			transport: &mockTransport{body: "not found", statusCode: 404},
			wantErr:   true,
		},
		{
			name:      "network error",
			transport: &mockTransport{err: io.ErrUnexpectedEOF},
			wantErr:   true,
		},
		{
			name:      "invalid xml",
			transport: &mockTransport{body: "not xml at all", statusCode: 200},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.transport, "https://example.com/alertas", 0, nil)
			got, err := f.Latest(context.Background())

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got.ObservedAt = tt.want.ObservedAt // checked separately below
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("alert mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLatestEmptyFeed(t *testing.T) {
	empty := `<?xml version="1.0"?><rss version="2.0"><channel><title>x</title></channel></rss>`
	f := New(&mockTransport{body: empty, statusCode: 200}, "https://example.com/alertas", 0, nil)
	_, err := f.Latest(context.Background())
	if !errors.Is(err, ErrEmptyFeed) {
		t.Fatalf("expected ErrEmptyFeed, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		text string
		want model.Severity
	}{
		{"preventive wording", "Alerta preventiva en la zona", model.SeverityMinor},
		{"severe wording", "Severe shaking expected", model.SeverityMajor},
		{"triggered public alert", "El sismo ameritó alerta en la ciudad", model.SeverityMajor},
		{"no keyword defaults moderate", "Sismo registrado sin detalles", model.SeverityModerate},
		{"case insensitive", "EXTREME event", model.SeverityMajor},
	}
	c := NewClassifier(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Classify(tt.text); got != tt.want {
				t.Errorf("Classify(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestClassifierConfigRules(t *testing.T) {
	c := NewClassifier([]config.SeverityRule{
		{Keyword: "drill", Severity: "minor"},
		{Keyword: "tsunami", Severity: "major"},
		{Keyword: "bogus", Severity: "not-a-severity"}, // skipped
	})
	if got := c.Classify("Scheduled DRILL this afternoon"); got != model.SeverityMinor {
		t.Fatalf("drill = %v, want minor", got)
	}
	if got := c.Classify("Tsunami warning issued"); got != model.SeverityMajor {
		t.Fatalf("tsunami = %v, want major", got)
	}
	if got := c.Classify("something else"); got != model.SeverityModerate {
		t.Fatalf("default = %v, want moderate", got)
	}
}
