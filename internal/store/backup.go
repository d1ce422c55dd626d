package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// Backup writes a consistent snapshot of the database to destPath using
// VACUUM INTO, which is safe while the database is in use. The
// destination must not already exist.
func (s *Store) Backup(destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return &StorageError{Kind: KindIO, Op: "backup", Err: err}
	}
	if _, err := os.Stat(destPath); err == nil {
		return &StorageError{Kind: KindConflict, Op: "backup",
			Err: fmt.Errorf("backup target %s already exists", destPath)}
	}
	if _, err := s.db.Exec(`VACUUM INTO ?`, destPath); err != nil {
		return classify("backup", err)
	}
	return nil
}
