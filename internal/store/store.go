// Package store keeps subscriber records and the last broadcast alert ID in
// a single JSON snapshot on disk. Mutations re-read the snapshot before
// applying (newest writer wins) and persist before returning.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"sismobot/internal/model"
	logx "sismobot/pkg/logx"
)

// Record is the per-subscriber state.
type Record struct {
	Subscribed bool           `json:"subscribed"`
	Muted      bool           `json:"muted"`
	Severity   model.Severity `json:"severity"`
	JoinedAt   time.Time      `json:"joined_at,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at,omitempty"`
}

type snapshot struct {
	Subscribers map[string]Record `json:"subscribers"`
	LastAlertID string            `json:"last_alert_id"`
	LastUpdate  time.Time         `json:"last_update"`
}

type Store struct {
	mu   sync.Mutex
	path string
	log  logx.Logger

	subs        map[string]Record
	lastAlertID string
}

// Open loads the snapshot at path, creating an empty store if the file does
// not exist. A corrupt snapshot is preserved as a ".backup" sidecar and the
// store starts empty rather than failing.
func Open(path string, log logx.Logger) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{
		path: path,
		log:  log,
		subs: map[string]Record{},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		// Keep the damaged file around for manual inspection, then start
		// from an empty snapshot.
		backup := s.path + ".backup"
		if werr := os.WriteFile(backup, b, 0o600); werr == nil {
			s.log.Warn("subscriber snapshot corrupt; preserved and reset",
				logx.String("path", s.path),
				logx.String("backup", backup),
				logx.Err(err))
		} else {
			s.log.Error("subscriber snapshot corrupt and backup failed",
				logx.String("path", s.path),
				logx.Err(werr))
		}
		return nil
	}
	if snap.Subscribers != nil {
		s.subs = snap.Subscribers
	}
	s.lastAlertID = snap.LastAlertID
	return nil
}

// save writes the snapshot via temp file + rename so a crash mid-write
// never leaves a truncated snapshot behind.
func (s *Store) save() error {
	snap := snapshot{
		Subscribers: s.subs,
		LastAlertID: s.lastAlertID,
		LastUpdate:  time.Now().UTC(),
	}
	b, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// Get returns the record for id. Unknown subscribers get a zero record with
// the default severity filter.
func (s *Store) Get(id string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.subs[id]; ok {
		return r
	}
	return Record{Severity: model.SeverityAll}
}

// reloadLocked refreshes in-memory state from the snapshot on disk so a
// mutation applies on top of external edits instead of clobbering them.
// An unreadable or invalid file leaves the in-memory state as is.
func (s *Store) reloadLocked() {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return
	}
	if snap.Subscribers != nil {
		s.subs = snap.Subscribers
	}
	s.lastAlertID = snap.LastAlertID
}

// Upsert applies fn to the record for id and persists the result. A record
// is created on first touch. When persisting fails the in-memory record is
// rolled back, so a later unrelated save cannot smuggle the mutation in.
func (s *Store) Upsert(id string, fn func(*Record)) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()
	prev, existed := s.subs[id]
	r := prev
	if !existed {
		r = Record{Severity: model.SeverityAll, JoinedAt: time.Now().UTC()}
	}
	if fn != nil {
		fn(&r)
	}
	r.UpdatedAt = time.Now().UTC()
	s.subs[id] = r
	if err := s.save(); err != nil {
		if existed {
			s.subs[id] = prev
		} else {
			delete(s.subs, id)
		}
		return Record{}, fmt.Errorf("persist subscriber %s: %w", id, err)
	}
	return r, nil
}

func (s *Store) Subscribe(id string) (Record, error) {
	return s.Upsert(id, func(r *Record) { r.Subscribed = true })
}

// Unsubscribe flips the record to unsubscribed. The record itself stays,
// so a returning subscriber keeps their severity filter, mute preference
// and join date. Physical deletion happens only through PurgeInactive.
func (s *Store) Unsubscribe(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()
	prev, ok := s.subs[id]
	if !ok || !prev.Subscribed {
		return nil
	}
	r := prev
	r.Subscribed = false
	r.UpdatedAt = time.Now().UTC()
	s.subs[id] = r
	if err := s.save(); err != nil {
		s.subs[id] = prev
		return fmt.Errorf("persist unsubscribe %s: %w", id, err)
	}
	return nil
}

// PurgeInactive deletes every record that is no longer subscribed and
// returns how many were removed. This is the only path that physically
// deletes subscriber records.
func (s *Store) PurgeInactive() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()
	purged := map[string]Record{}
	for id, r := range s.subs {
		if !r.Subscribed {
			purged[id] = r
		}
	}
	if len(purged) == 0 {
		return 0, nil
	}
	for id := range purged {
		delete(s.subs, id)
	}
	if err := s.save(); err != nil {
		for id, r := range purged {
			s.subs[id] = r
		}
		return 0, fmt.Errorf("persist purge: %w", err)
	}
	return len(purged), nil
}

// ListEligible returns the IDs of subscribers whose filter permits an alert
// of the given severity, excluding muted subscribers. Order is stable.
func (s *Store) ListEligible(severity model.Severity) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, r := range s.subs {
		if !r.Subscribed || r.Muted {
			continue
		}
		if !r.Severity.Permits(severity) {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Count returns total and active (subscribed, unmuted) subscriber counts.
func (s *Store) Count() (total, active int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.subs {
		total++
		if r.Subscribed && !r.Muted {
			active++
		}
	}
	return total, active
}

func (s *Store) LastAlertID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAlertID
}

func (s *Store) SetLastAlertID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()
	if s.lastAlertID == id {
		return nil
	}
	prev := s.lastAlertID
	s.lastAlertID = id
	if err := s.save(); err != nil {
		s.lastAlertID = prev
		return err
	}
	return nil
}

// SnapshotTo copies the current on-disk snapshot to dst. Used by the
// housekeeping backup job.
func (s *Store) SnapshotTo(dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Persist pending in-memory state first so the copy is current.
	if err := s.save(); err != nil {
		return err
	}
	src, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer src.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// RestoreFrom replaces the live snapshot with the backup at src.
func (s *Store) RestoreFrom(src string) error {
	b, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return fmt.Errorf("backup %s is not a valid snapshot: %w", src, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prevSubs, prevLast := s.subs, s.lastAlertID
	if snap.Subscribers != nil {
		s.subs = snap.Subscribers
	} else {
		s.subs = map[string]Record{}
	}
	s.lastAlertID = snap.LastAlertID
	if err := s.save(); err != nil {
		s.subs, s.lastAlertID = prevSubs, prevLast
		return err
	}
	return nil
}
