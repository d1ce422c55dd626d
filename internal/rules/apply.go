package rules

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rotisserie/eris"

	"github.com/meremail/meremail/internal/store"
)

// ActionConfig is the decoded action_config payload. Only
// move_to_folder uses it.
type ActionConfig struct {
	FolderID int64 `json:"folder_id"`
}

// Applier executes rule actions against the store.
type Applier struct {
	store *store.Store
	log   *slog.Logger
}

// NewApplier creates an Applier.
func NewApplier(st *store.Store, log *slog.Logger) *Applier {
	return &Applier{store: st, log: log}
}

// Apply executes the rule's action on the thread. messageID, when
// non-zero, scopes mark_read to that single message (the import-time
// case); zero applies it to the whole thread (the retroactive case).
func (a *Applier) Apply(rule *store.Rule, threadID, messageID int64, now time.Time) error {
	switch rule.ActionType {
	case store.ActionDeleteThread:
		trash, err := a.store.GetFolderByName(store.FolderTrash)
		if err != nil {
			return eris.Wrap(err, "resolve trash folder")
		}
		if err := a.store.MoveThreadToFolder(threadID, trash.ID, now); err != nil {
			return eris.Wrapf(err, "trash thread %d", threadID)
		}
		return a.markRead(threadID, messageID, now)

	case store.ActionMoveToFolder:
		var cfg ActionConfig
		if err := json.Unmarshal(rule.ActionConfig, &cfg); err != nil {
			return eris.Wrapf(err, "decode action config for rule %d", rule.ID)
		}
		if err := a.store.MoveThreadToFolder(threadID, cfg.FolderID, now); err != nil {
			return eris.Wrapf(err, "move thread %d to folder %d", threadID, cfg.FolderID)
		}
		return nil

	case store.ActionMarkRead:
		return a.markRead(threadID, messageID, now)

	case store.ActionAddToReplyLater:
		if err := a.store.SetThreadReplyLater(threadID, &now); err != nil {
			return eris.Wrapf(err, "set reply later on thread %d", threadID)
		}
		return nil

	case store.ActionAddToSetAside:
		if err := a.store.SetThreadSetAside(threadID, &now); err != nil {
			return eris.Wrapf(err, "set aside thread %d", threadID)
		}
		return nil
	}
	return eris.Errorf("unknown action type %q", rule.ActionType)
}

func (a *Applier) markRead(threadID, messageID int64, now time.Time) error {
	if messageID != 0 {
		if err := a.store.MarkMessageRead(messageID, now); err != nil {
			return eris.Wrapf(err, "mark message %d read", messageID)
		}
		return nil
	}
	if err := a.store.MarkThreadRead(threadID, now); err != nil {
		return eris.Wrapf(err, "mark thread %d read", threadID)
	}
	return nil
}

// ApplyFirstMatch evaluates the enabled rules against the context and
// applies the first match. It returns the matched rule, or nil when no
// rule fired.
func (a *Applier) ApplyFirstMatch(ctx *Context, threadID, messageID int64, now time.Time) (*store.Rule, error) {
	ruleSet, err := a.store.ListEnabledRules()
	if err != nil {
		return nil, eris.Wrap(err, "load rules")
	}
	rule := Match(ruleSet, ctx)
	if rule == nil {
		return nil, nil
	}
	if err := a.Apply(rule, threadID, messageID, now); err != nil {
		return rule, err
	}
	a.log.Info("rule applied",
		"rule", rule.Name, "rule_id", rule.ID,
		"action", rule.ActionType, "thread_id", threadID)
	return rule, nil
}
