package delivery

import (
	"fmt"
	"sync"
	"time"

	kit "sismobot/internal/transport"
)

const recentFailures = 10

// Failure is one recorded send failure.
type Failure struct {
	At   time.Time
	ID   string
	Kind kit.ErrorKind
	Err  string
}

// Stats counts send failures and escalates to the admin chat on every Nth
// failure so a broken transport surfaces without spamming.
type Stats struct {
	mu sync.Mutex

	total  int
	byKind map[kit.ErrorKind]int
	recent []Failure

	escalateEvery int
	admin         AdminNotifier
}

func NewStats(escalateEvery int, admin AdminNotifier) *Stats {
	if escalateEvery <= 0 {
		escalateEvery = 5
	}
	return &Stats{
		byKind:        map[kit.ErrorKind]int{},
		escalateEvery: escalateEvery,
		admin:         admin,
	}
}

func (s *Stats) Record(id string, kind kit.ErrorKind, err error) {
	s.mu.Lock()
	s.total++
	s.byKind[kind]++
	s.recent = append(s.recent, Failure{At: time.Now(), ID: id, Kind: kind, Err: err.Error()})
	if len(s.recent) > recentFailures {
		s.recent = s.recent[len(s.recent)-recentFailures:]
	}
	total := s.total
	escalate := total%s.escalateEvery == 0
	s.mu.Unlock()

	if escalate && s.admin != nil {
		_ = s.admin.Warn(fmt.Sprintf("delivery failures reached %d (latest: %s, %v)", total, kind, err))
	}
}

// Snapshot returns the counters for status reporting.
func (s *Stats) Snapshot() (total int, byKind map[kit.ErrorKind]int, recent []Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKind = make(map[kit.ErrorKind]int, len(s.byKind))
	for k, v := range s.byKind {
		byKind[k] = v
	}
	return s.total, byKind, append([]Failure(nil), s.recent...)
}

// Reset clears all counters. Used after a recovery cycle.
func (s *Stats) Reset() {
	s.mu.Lock()
	s.total = 0
	s.byKind = map[kit.ErrorKind]int{}
	s.recent = nil
	s.mu.Unlock()
}
