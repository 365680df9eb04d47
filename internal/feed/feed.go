// Package feed downloads the seismic alert feed and maps its newest entry
// to a domain alert.
package feed

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"sismobot/internal/config"
	"sismobot/internal/model"
)

// ErrEmptyFeed is returned when the feed parses but has no entries.
var ErrEmptyFeed = errors.New("feed has no entries")

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher downloads and parses the alert feed.
type Fetcher struct {
	client     HTTPClient
	url        string
	timeout    time.Duration
	classifier *Classifier
}

func New(client HTTPClient, url string, timeout time.Duration, classifier *Classifier) *Fetcher {
	if timeout <= 0 {
		timeout = config.DefaultFeedTimeout
	}
	if classifier == nil {
		classifier = NewClassifier(nil)
	}
	return &Fetcher{client: client, url: url, timeout: timeout, classifier: classifier}
}

// Latest fetches the feed and returns its newest entry as an alert.
func (f *Fetcher) Latest(ctx context.Context) (*model.Alert, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "sismobot/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	if len(parsed.Items) == 0 {
		return nil, ErrEmptyFeed
	}

	item := parsed.Items[0]
	alert := &model.Alert{
		ID:       entryID(item),
		Headline: strings.TrimSpace(item.Title),
		Body:     strings.TrimSpace(item.Description),
		Severity: f.classifier.Classify(item.Title + " " + item.Description),
	}
	if item.PublishedParsed != nil {
		alert.ObservedAt = *item.PublishedParsed
	} else {
		alert.ObservedAt = time.Now().UTC()
	}
	return alert, nil
}

// entryID returns a stable identifier for a feed entry. Entries without a
// GUID fall back to a hash of title+link.
func entryID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	if item.Link != "" {
		return item.Link
	}
	h := sha256.Sum256([]byte(item.Title + "|" + item.Published))
	return fmt.Sprintf("sha256:%x", h[:16])
}
