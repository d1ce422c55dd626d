package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Rule action types.
const (
	ActionDeleteThread    = "delete_thread"
	ActionMoveToFolder    = "move_to_folder"
	ActionMarkRead        = "mark_read"
	ActionAddToReplyLater = "add_to_reply_later"
	ActionAddToSetAside   = "add_to_set_aside"
)

// ValidAction reports whether s names a known rule action.
func ValidAction(s string) bool {
	switch s {
	case ActionDeleteThread, ActionMoveToFolder, ActionMarkRead,
		ActionAddToReplyLater, ActionAddToSetAside:
		return true
	}
	return false
}

// Rule application statuses.
const (
	ApplicationPending   = "pending"
	ApplicationRunning   = "running"
	ApplicationCompleted = "completed"
	ApplicationFailed    = "failed"
)

// Rule is a stored filtering rule. Conditions holds the boolean
// condition tree as JSON; the rules package owns its shape. FolderIDs
// restricts the rule to threads in those folders (empty = all).
type Rule struct {
	ID           int64
	Name         string
	Conditions   json.RawMessage
	ActionType   string
	ActionConfig json.RawMessage
	FolderIDs    []int64
	Position     int
	Enabled      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const ruleColumns = `id, name, conditions, action_type, action_config, folder_ids, position, enabled, created_at, updated_at`

func scanRule(row interface{ Scan(...any) error }) (*Rule, error) {
	var r Rule
	var conditions, folderIDs string
	var actionConfig sql.NullString
	err := row.Scan(&r.ID, &r.Name, &conditions, &r.ActionType, &actionConfig,
		&folderIDs, &r.Position, &r.Enabled, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Conditions = json.RawMessage(conditions)
	if actionConfig.Valid {
		r.ActionConfig = json.RawMessage(actionConfig.String)
	}
	if err := json.Unmarshal([]byte(folderIDs), &r.FolderIDs); err != nil {
		r.FolderIDs = nil
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

func marshalFolderIDs(ids []int64) string {
	if len(ids) == 0 {
		return "[]"
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// CreateRule inserts a rule at the end of the ordering.
func (s *Store) CreateRule(r *Rule, now time.Time) (*Rule, error) {
	var actionConfig sql.NullString
	if len(r.ActionConfig) > 0 {
		actionConfig = sql.NullString{String: string(r.ActionConfig), Valid: true}
	}
	var id int64
	err := s.withTx(func(tx *sql.Tx) error {
		var maxPos sql.NullInt64
		if err := tx.QueryRow(`SELECT MAX(position) FROM rules`).Scan(&maxPos); err != nil {
			return classify("next rule position", err)
		}
		res, err := tx.Exec(`
			INSERT INTO rules (name, conditions, action_type, action_config, folder_ids,
				position, enabled, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, r.Name, string(r.Conditions), r.ActionType, actionConfig,
			marshalFolderIDs(r.FolderIDs), maxPos.Int64+1, r.Enabled,
			utcSecond(now), utcSecond(now))
		if err != nil {
			return classify("create rule", err)
		}
		id, err = res.LastInsertId()
		return classify("create rule", err)
	})
	if err != nil {
		return nil, err
	}
	return s.GetRule(id)
}

// GetRule returns a rule by id.
func (s *Store) GetRule(id int64) (*Rule, error) {
	r, err := scanRule(s.db.QueryRow(
		`SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id))
	if err != nil {
		return nil, classify("get rule", err)
	}
	return r, nil
}

// ListRules returns all rules ordered by position.
func (s *Store) ListRules() ([]Rule, error) {
	return s.listRules(`SELECT ` + ruleColumns + ` FROM rules ORDER BY position, id`)
}

// ListEnabledRules returns the enabled rules in evaluation order.
func (s *Store) ListEnabledRules() ([]Rule, error) {
	return s.listRules(`SELECT ` + ruleColumns + ` FROM rules WHERE enabled = 1 ORDER BY position, id`)
}

func (s *Store) listRules(query string) ([]Rule, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, classify("list rules", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, classify("scan rule", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// UpdateRule rewrites a rule's definition, preserving its position.
func (s *Store) UpdateRule(r *Rule, now time.Time) error {
	var actionConfig sql.NullString
	if len(r.ActionConfig) > 0 {
		actionConfig = sql.NullString{String: string(r.ActionConfig), Valid: true}
	}
	res, err := s.db.Exec(`
		UPDATE rules
		SET name = ?, conditions = ?, action_type = ?, action_config = ?,
			folder_ids = ?, enabled = ?, updated_at = ?
		WHERE id = ?
	`, r.Name, string(r.Conditions), r.ActionType, actionConfig,
		marshalFolderIDs(r.FolderIDs), r.Enabled, utcSecond(now), r.ID)
	if err != nil {
		return classify("update rule", err)
	}
	return requireRow(res, "update rule")
}

// ReorderRules rewrites rule positions to follow the given id order.
func (s *Store) ReorderRules(ids []int64, now time.Time) error {
	return s.withTx(func(tx *sql.Tx) error {
		for i, id := range ids {
			res, err := tx.Exec(
				`UPDATE rules SET position = ?, updated_at = ? WHERE id = ?`,
				i+1, utcSecond(now), id)
			if err != nil {
				return classify("reorder rules", err)
			}
			if err := requireRow(res, "reorder rules"); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteRule removes a rule. Past applications keep their history with
// rule_id nulled by the schema.
func (s *Store) DeleteRule(id int64) error {
	res, err := s.db.Exec(`DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return classify("delete rule", err)
	}
	return requireRow(res, "delete rule")
}

// RuleApplication tracks a retroactive run of one rule over the
// archive.
type RuleApplication struct {
	ID             int64
	RuleID         sql.NullInt64
	Status         string
	TotalCount     int64
	ProcessedCount int64
	MatchedCount   int64
	Error          sql.NullString
	StartedAt      *time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
}

const applicationColumns = `id, rule_id, status, total_count, processed_count, matched_count, error, started_at, completed_at, created_at`

func scanApplication(row interface{ Scan(...any) error }) (*RuleApplication, error) {
	var a RuleApplication
	var started, completed sql.NullTime
	err := row.Scan(&a.ID, &a.RuleID, &a.Status, &a.TotalCount, &a.ProcessedCount,
		&a.MatchedCount, &a.Error, &started, &completed, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.StartedAt = timePtr(started)
	a.CompletedAt = timePtr(completed)
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

// CreateRuleApplication records a pending retroactive run.
func (s *Store) CreateRuleApplication(ruleID int64, now time.Time) (*RuleApplication, error) {
	res, err := s.db.Exec(`
		INSERT INTO rule_applications (rule_id, status, created_at)
		VALUES (?, 'pending', ?)
	`, ruleID, utcSecond(now))
	if err != nil {
		return nil, classify("create rule application", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, classify("create rule application", err)
	}
	return s.GetRuleApplication(id)
}

// GetRuleApplication returns an application by id.
func (s *Store) GetRuleApplication(id int64) (*RuleApplication, error) {
	a, err := scanApplication(s.db.QueryRow(
		`SELECT `+applicationColumns+` FROM rule_applications WHERE id = ?`, id))
	if err != nil {
		return nil, classify("get rule application", err)
	}
	return a, nil
}

// ListRuleApplications returns applications newest first.
func (s *Store) ListRuleApplications(limit int) ([]RuleApplication, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT `+applicationColumns+` FROM rule_applications
		ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, classify("list rule applications", err)
	}
	defer rows.Close()

	var out []RuleApplication
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, classify("scan rule application", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// StartRuleApplication marks the run as running with its planned total.
func (s *Store) StartRuleApplication(id, total int64, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE rule_applications
		SET status = 'running', total_count = ?, started_at = ?
		WHERE id = ? AND status = 'pending'
	`, total, utcSecond(now), id)
	if err != nil {
		return classify("start rule application", err)
	}
	return requireRow(res, "start rule application")
}

// UpdateRuleApplicationProgress persists counters after a batch.
func (s *Store) UpdateRuleApplicationProgress(id, processed, matched int64) error {
	res, err := s.db.Exec(`
		UPDATE rule_applications SET processed_count = ?, matched_count = ?
		WHERE id = ? AND status = 'running'
	`, processed, matched, id)
	if err != nil {
		return classify("update rule application", err)
	}
	return requireRow(res, "update rule application")
}

// CompleteRuleApplication marks the run completed.
func (s *Store) CompleteRuleApplication(id int64, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE rule_applications SET status = 'completed', completed_at = ?
		WHERE id = ? AND status = 'running'
	`, utcSecond(now), id)
	if err != nil {
		return classify("complete rule application", err)
	}
	return requireRow(res, "complete rule application")
}

// FailRuleApplication marks the run failed with the error message.
func (s *Store) FailRuleApplication(id int64, errMsg string, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE rule_applications SET status = 'failed', error = ?, completed_at = ?
		WHERE id = ? AND status IN ('pending', 'running')
	`, errMsg, utcSecond(now), id)
	if err != nil {
		return classify("fail rule application", err)
	}
	return requireRow(res, "fail rule application")
}

// FailStaleApplications marks any application still pending or running
// as failed. Called once at startup: a run that survives a restart in
// that state was interrupted and will not resume.
func (s *Store) FailStaleApplications(now time.Time) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE rule_applications
		SET status = 'failed', error = 'interrupted by restart', completed_at = ?
		WHERE status IN ('pending', 'running')
	`, utcSecond(now))
	if err != nil {
		return 0, classify("fail stale applications", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify("fail stale applications", err)
	}
	return n, nil
}
