package imap

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/meremail/meremail/internal/fileutil"
)

// StateFile is the name of the sync-state file under the data root.
const StateFile = ".imap-sync-state.json"

// SyncState tracks the per-folder last-sync instant across restarts so
// the polling sweep only asks the server for mail it has not seen.
type SyncState struct {
	mu   sync.Mutex
	path string

	Folders map[string]time.Time `json:"folders"`
}

// LoadSyncState reads the state file under dataDir, returning an empty
// state when the file does not exist yet.
func LoadSyncState(dataDir string) (*SyncState, error) {
	st := &SyncState{
		path:    filepath.Join(dataDir, StateFile),
		Folders: make(map[string]time.Time),
	}
	data, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return nil, eris.Wrap(err, "read imap sync state")
	}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, eris.Wrap(err, "parse imap sync state")
	}
	if st.Folders == nil {
		st.Folders = make(map[string]time.Time)
	}
	return st, nil
}

// Watermark returns the last-sync instant for folder. A folder seen for
// the first time gets fallback (typically now−24h).
func (s *SyncState) Watermark(folder string, fallback time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.Folders[folder]; ok {
		return t
	}
	return fallback
}

// Advance moves the folder watermark forward and persists the file.
// The watermark never moves backwards.
func (s *SyncState) Advance(folder string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.Folders[folder]; ok && prev.After(t) {
		return nil
	}
	s.Folders[folder] = t.UTC()
	return s.saveLocked()
}

func (s *SyncState) saveLocked() error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return eris.Wrap(err, "encode imap sync state")
	}
	if err := fileutil.SecureWriteFile(s.path, data, 0600); err != nil {
		return eris.Wrap(err, "write imap sync state")
	}
	return nil
}
