package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "sismobot/pkg/logx"
)

// fileStore is a dependency-free audit backend: one JSON line per delivery,
// appended to <path>.deliveries.jsonl.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	file *os.File
	path string
}

type deliveryRecord struct {
	At           int64  `json:"at"`
	AlertID      string `json:"alert_id"`
	SubscriberID string `json:"subscriber_id"`
	Severity     string `json:"severity"`
	OK           bool   `json:"ok"`
	Error        string `json:"error,omitempty"`
	TookMS       int64  `json:"took_ms,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	full := filepath.Join(dir, base+".deliveries.jsonl")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, file: f, path: full}, nil
}

func (s *fileStore) AppendDelivery(_ context.Context, e DeliveryEntry) error {
	if s == nil || s.file == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	rec := deliveryRecord{
		At:           e.At.Unix(),
		AlertID:      e.AlertID,
		SubscriberID: e.SubscriberID,
		Severity:     e.Severity,
		OK:           e.OK,
		Error:        e.Error,
		TookMS:       e.TookMS,
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.file.Write(append(b, '\n'))
	return err
}

func (s *fileStore) CountSince(_ context.Context, t int64) (ok, failed int, err error) {
	if s == nil {
		return 0, 0, ErrDisabled
	}
	s.mu.Lock()
	path := s.path
	s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var rec deliveryRecord
		if jerr := json.Unmarshal(sc.Bytes(), &rec); jerr != nil {
			continue // tolerate torn lines
		}
		if rec.At < t {
			continue
		}
		if rec.OK {
			ok++
		} else {
			failed++
		}
	}
	return ok, failed, sc.Err()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
