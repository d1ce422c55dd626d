// Package scheduler runs the daily maintenance tasks: a database
// snapshot and the trash/junk retention sweep.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/meremail/meremail/internal/store"
)

const (
	backupRetention = 7 * 24 * time.Hour
	trashRetention  = 30 * 24 * time.Hour
)

// Scheduler owns the hourly cron entry and the date-keyed task state.
// Each task runs at most once per calendar day; a failed task leaves
// its date unchanged so the next hour retries.
type Scheduler struct {
	store   *store.Store
	log     *slog.Logger
	dataDir string
	state   *State
	cron    *cron.Cron
	now     func() time.Time

	mu sync.Mutex // serializes task runs
}

// New creates a scheduler persisting its state under dataDir.
func New(st *store.Store, log *slog.Logger, dataDir string) (*Scheduler, error) {
	state, err := LoadState(dataDir)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		store:   st,
		log:     log,
		dataDir: dataDir,
		state:   state,
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
		))),
		now: time.Now,
	}, nil
}

// Run executes the daily tasks once immediately, then on an hourly
// cron entry until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.RunDailyTasks()

	if _, err := s.cron.AddFunc("0 * * * *", s.RunDailyTasks); err != nil {
		return fmt.Errorf("schedule hourly entry: %w", err)
	}
	s.cron.Start()
	s.log.Info("scheduler started")

	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// RunDailyTasks runs every task whose date key is not today.
func (s *Scheduler) RunDailyTasks() {
	s.mu.Lock()
	defer s.mu.Unlock()

	today := s.now().UTC().Format("2006-01-02")

	if s.state.LastBackupDate != today {
		if err := s.runBackup(); err != nil {
			s.log.Error("daily backup failed", "error", err)
		} else {
			s.state.LastBackupDate = today
			if err := s.state.save(); err != nil {
				s.log.Error("scheduler state save failed", "error", err)
			}
		}
	}

	if s.state.LastRetentionCleanupDate != today {
		if err := s.runRetention(); err != nil {
			s.log.Error("retention sweep failed", "error", err)
		} else {
			s.state.LastRetentionCleanupDate = today
			if err := s.state.save(); err != nil {
				s.log.Error("scheduler state save failed", "error", err)
			}
		}
	}
}

// runBackup snapshots the database into backups/ and prunes snapshots
// older than seven days.
func (s *Scheduler) runBackup() error {
	dir := filepath.Join(s.dataDir, "backups")
	name := fmt.Sprintf("meremail-%s.db", s.now().UTC().Format("2006-01-02T150405Z"))
	dest := filepath.Join(dir, name)

	start := s.now()
	if err := s.store.Backup(dest); err != nil {
		return err
	}
	s.log.Info("database backed up", "path", dest, "duration", time.Since(start))

	s.pruneBackups(dir)
	return nil
}

func (s *Scheduler) pruneBackups(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.log.Warn("backup prune: read dir failed", "error", err)
		return
	}
	cutoff := s.now().Add(-backupRetention)
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "meremail-") || !strings.HasSuffix(e.Name(), ".db") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil {
			s.log.Warn("backup prune failed", "path", path, "error", err)
		} else {
			s.log.Info("old backup pruned", "path", path)
		}
	}
}

// runRetention permanently deletes threads past the 30-day window:
// trash by the instant they were trashed, junk by creation. Attachment
// files cascade with the rows.
func (s *Scheduler) runRetention() error {
	cutoff := s.now().Add(-trashRetention)

	trashed, err := s.store.ListExpiredTrashThreads(cutoff)
	if err != nil {
		return err
	}
	junk, err := s.store.ListExpiredJunkThreads(cutoff)
	if err != nil {
		return err
	}

	deleted := 0
	for _, id := range append(trashed, junk...) {
		paths, err := s.store.DeleteThread(id)
		if err != nil {
			s.log.Warn("thread deletion failed", "thread", id, "error", err)
			continue
		}
		deleted++
		for _, rel := range paths {
			abs := filepath.Join(s.dataDir, rel)
			if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
				s.log.Warn("attachment file removal failed", "path", abs, "error", err)
			}
		}
	}
	if deleted > 0 {
		s.log.Info("retention sweep completed",
			"trash", len(trashed), "junk", len(junk), "deleted", deleted)
	}
	return nil
}
