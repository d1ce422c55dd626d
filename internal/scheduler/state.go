package scheduler

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/meremail/meremail/internal/fileutil"
)

// StateFile is the name of the scheduler-state file under the data
// root.
const StateFile = ".daily-scheduler-state.json"

// State keys each daily task by the ISO date it last completed, which
// makes re-runs on the same day no-ops.
type State struct {
	path string

	LastBackupDate           string `json:"lastBackupDate"`
	LastRetentionCleanupDate string `json:"lastRetentionCleanupDate"`
}

// LoadState reads the state file under dataDir, returning an empty
// state when none exists.
func LoadState(dataDir string) (*State, error) {
	st := &State{path: filepath.Join(dataDir, StateFile)}
	data, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return nil, eris.Wrap(err, "read scheduler state")
	}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, eris.Wrap(err, "parse scheduler state")
	}
	return st, nil
}

func (s *State) save() error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return eris.Wrap(err, "encode scheduler state")
	}
	if err := fileutil.SecureWriteFile(s.path, data, 0600); err != nil {
		return eris.Wrap(err, "write scheduler state")
	}
	return nil
}
