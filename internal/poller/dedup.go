package poller

// StateStore persists the ID of the last broadcast alert.
type StateStore interface {
	LastAlertID() string
	SetLastAlertID(id string) error
}

// Dedup decides whether an alert has already been handled.
type Dedup struct {
	state StateStore
}

func NewDedup(state StateStore) *Dedup {
	return &Dedup{state: state}
}

// IsNew reports whether id differs from the last committed alert. A blank
// ID is never new.
func (d *Dedup) IsNew(id string) bool {
	if id == "" {
		return false
	}
	return id != d.state.LastAlertID()
}

// Commit marks id as handled. Committed IDs survive restarts.
func (d *Dedup) Commit(id string) error {
	return d.state.SetLastAlertID(id)
}
