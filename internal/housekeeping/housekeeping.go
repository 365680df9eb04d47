// Package housekeeping runs scheduled maintenance: periodic snapshot
// backups of the subscriber store with pruning, plus list/restore helpers
// for the admin commands.
package housekeeping

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"sismobot/internal/config"
	logx "sismobot/pkg/logx"
)

// Snapshotter is the store surface the backup job uses.
type Snapshotter interface {
	SnapshotTo(dst string) error
	RestoreFrom(src string) error
}

type Config struct {
	BackupSpec  string
	BackupDir   string
	KeepBackups int
	Timezone    string
	// HeartbeatSpec schedules the transport health probe. Defaults to
	// every five minutes.
	HeartbeatSpec string
}

type Service struct {
	cfg   Config
	store Snapshotter
	log   logx.Logger
	probe func(ctx context.Context) error

	mu sync.Mutex
	c  *cron.Cron
}

func New(cfg Config, store Snapshotter, log logx.Logger) *Service {
	if cfg.BackupSpec == "" {
		cfg.BackupSpec = config.DefaultBackupSpec
	}
	if cfg.KeepBackups <= 0 {
		cfg.KeepBackups = config.DefaultKeepBackups
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = "backups"
	}
	if cfg.HeartbeatSpec == "" {
		cfg.HeartbeatSpec = "@every 5m"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, store: store, log: log}
}

// SetHeartbeat installs a periodic health probe run on HeartbeatSpec.
// Must be called before Start.
func (s *Service) SetHeartbeat(fn func(ctx context.Context) error) {
	s.mu.Lock()
	s.probe = fn
	s.mu.Unlock()
}

// Start schedules the backup job. Idempotent.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("housekeeping.timezone: %w", err)
		}
		loc = l
	}

	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(s.cfg.BackupSpec, func() {
		if _, err := s.BackupNow(); err != nil {
			s.log.Error("scheduled backup failed", logx.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("housekeeping.backup_spec %q: %w", s.cfg.BackupSpec, err)
	}
	if probe := s.probe; probe != nil {
		if _, err := c.AddFunc(s.cfg.HeartbeatSpec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := probe(ctx); err != nil {
				s.log.Warn("heartbeat probe failed", logx.Err(err))
				return
			}
			s.log.Debug("heartbeat probe ok")
		}); err != nil {
			return fmt.Errorf("housekeeping.heartbeat_spec %q: %w", s.cfg.HeartbeatSpec, err)
		}
	}
	c.Start()
	s.c = c
	s.log.Info("housekeeping started", logx.String("spec", s.cfg.BackupSpec), logx.String("dir", s.cfg.BackupDir))
	return nil
}

// Stop halts the scheduler and waits for a running job.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// BackupNow snapshots the store into a timestamped file and prunes old
// backups. Returns the backup path.
func (s *Service) BackupNow() (string, error) {
	name := fmt.Sprintf("subscribers-%s.json", time.Now().UTC().Format("20060102-150405"))
	dst := filepath.Join(s.cfg.BackupDir, name)
	if err := s.store.SnapshotTo(dst); err != nil {
		return "", fmt.Errorf("snapshot to %s: %w", dst, err)
	}
	s.log.Info("backup written", logx.String("path", dst))
	if err := s.prune(); err != nil {
		s.log.Warn("backup prune failed", logx.Err(err))
	}
	return dst, nil
}

// ListBackups returns available backup file names, newest first.
func (s *Service) ListBackups() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.BackupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "subscribers-") {
			continue
		}
		names = append(names, e.Name())
	}
	// Timestamped names sort chronologically; reverse for newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// Restore replaces the live store with the named backup.
func (s *Service) Restore(name string) error {
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid backup name %q", name)
	}
	return s.store.RestoreFrom(filepath.Join(s.cfg.BackupDir, name))
}

func (s *Service) prune() error {
	names, err := s.ListBackups()
	if err != nil {
		return err
	}
	for _, name := range names[min(len(names), s.cfg.KeepBackups):] {
		if err := os.Remove(filepath.Join(s.cfg.BackupDir, name)); err != nil {
			return err
		}
		s.log.Debug("old backup pruned", logx.String("name", name))
	}
	return nil
}
