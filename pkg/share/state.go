package share

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pixyz/scheduler/pkg/types"
)

// StateMarker is a disk-backed mutex with an expiry, used to make packaging
// idempotent across workers sharing the same storage. The marker lives as a
// hidden file in the job's states directory and records who set it and until
// when it is considered held.
type StateMarker struct {
	store *Store
	jobID string
	kind  string
	ttl   time.Duration
}

type markerPayload struct {
	Owner    string    `json:"owner"`
	Deadline time.Time `json:"deadline"`
}

// NewStateMarker returns a marker of the given kind for jobID. A zero ttl
// means the marker never expires on its own.
func NewStateMarker(store *Store, jobID, kind string, ttl time.Duration) *StateMarker {
	return &StateMarker{store: store, jobID: jobID, kind: kind, ttl: ttl}
}

// Register creates the marker, failing with ErrStateExists when a live marker
// is already present. An expired marker is silently replaced.
func (m *StateMarker) Register(owner string) error {
	path, err := m.store.StatePath(m.jobID, m.kind)
	if err != nil {
		return err
	}
	if live, _ := m.readLive(path); live {
		return fmt.Errorf("%w: %s for job %s", types.ErrStateExists, m.kind, m.jobID)
	}
	deadline := time.Time{}
	if m.ttl > 0 {
		deadline = time.Now().Add(m.ttl)
	}
	data, err := json.Marshal(markerPayload{Owner: owner, Deadline: deadline})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Held reports whether a live marker exists
func (m *StateMarker) Held() (bool, error) {
	path, err := m.store.StatePath(m.jobID, m.kind)
	if err != nil {
		return false, err
	}
	live, err := m.readLive(path)
	return live, err
}

// Unregister removes the marker. Missing markers are not an error.
func (m *StateMarker) Unregister() error {
	path, err := m.store.StatePath(m.jobID, m.kind)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (m *StateMarker) readLive(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var p markerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		// corrupt marker, treat as stale
		return false, nil
	}
	if !p.Deadline.IsZero() && time.Now().After(p.Deadline) {
		return false, nil
	}
	return true, nil
}
