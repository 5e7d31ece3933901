package privacy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

var (
	// ErrNoState means nothing has been persisted yet.
	ErrNoState = errors.New("no persisted privacy state")
	// ErrStaleState means the persisted state is older than StateMaxAge.
	ErrStaleState = errors.New("persisted privacy state is stale")
	// ErrUnknownState means the persisted state names no known state.
	ErrUnknownState = errors.New("unknown privacy state")
)

// PersistedState is the on-disk record.
type PersistedState struct {
	State       State     `json:"state"`
	Timestamp   time.Time `json:"timestamp"`
	StartupTime time.Time `json:"startup_time"`
	Config      Config    `json:"config"`
}

// IStateStore persists the machine's state between restarts.
type IStateStore interface {
	Save(PersistedState) error
	Load() (PersistedState, error)
}

// FileStore keeps the state as a JSON file, replaced atomically on save.
type FileStore struct {
	Path string
}

func (f *FileStore) Save(s PersistedState) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".privacy-state-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func (f *FileStore) Load() (PersistedState, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return PersistedState{}, ErrNoState
		}
		return PersistedState{}, fmt.Errorf("read state: %w", err)
	}

	var s PersistedState
	if err := json.Unmarshal(data, &s); err != nil {
		return PersistedState{}, fmt.Errorf("parse state: %w", err)
	}
	if _, err := ParseState(string(s.State)); err != nil {
		return PersistedState{}, err
	}
	return s, nil
}

// LoadFresh loads from store and rejects records at least maxAge old.
func LoadFresh(store IStateStore, now time.Time, maxAge time.Duration) (PersistedState, error) {
	s, err := store.Load()
	if err != nil {
		return PersistedState{}, err
	}
	if age := now.Sub(s.Timestamp); age >= maxAge {
		return PersistedState{}, fmt.Errorf("%w: saved %s ago", ErrStaleState, age.Round(time.Second))
	}
	return s, nil
}
