package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "sismobot/pkg/logx"
)

func TestFileStoreAppendAndCount(t *testing.T) {
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "audit")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	now := time.Now()
	entries := []DeliveryEntry{
		{At: now, AlertID: "evt-1", SubscriberID: "1", Severity: "moderate", OK: true, TookMS: 12},
		{At: now, AlertID: "evt-1", SubscriberID: "2", Severity: "moderate", OK: false, Error: "blocked"},
		{At: now.Add(-2 * time.Hour), AlertID: "evt-0", SubscriberID: "1", Severity: "minor", OK: true},
	}
	for _, e := range entries {
		if err := st.AppendDelivery(context.Background(), e); err != nil {
			t.Fatalf("AppendDelivery: %v", err)
		}
	}

	ok, failed, err := st.CountSince(context.Background(), now.Add(-time.Hour).Unix())
	if err != nil {
		t.Fatalf("CountSince: %v", err)
	}
	if ok != 1 || failed != 1 {
		t.Fatalf("counts = (%d ok, %d failed), want (1, 1)", ok, failed)
	}

	ok, failed, err = st.CountSince(context.Background(), 0)
	if err != nil {
		t.Fatalf("CountSince all: %v", err)
	}
	if ok != 2 || failed != 1 {
		t.Fatalf("all-time counts = (%d ok, %d failed), want (2, 1)", ok, failed)
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	st, err := Open(Config{}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("disabled storage: got (%v, %v)", st, err)
	}
	if _, err := Open(Config{Driver: "bogus"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
