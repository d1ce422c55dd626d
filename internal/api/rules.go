package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/meremail/meremail/internal/rules"
	"github.com/meremail/meremail/internal/store"
)

type ruleJSON struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	Conditions   json.RawMessage `json:"conditions"`
	ActionType   string          `json:"action_type"`
	ActionConfig json.RawMessage `json:"action_config,omitempty"`
	FolderIDs    []int64         `json:"folder_ids,omitempty"`
	Position     int             `json:"position"`
	Enabled      bool            `json:"enabled"`
}

func toRuleJSON(r *store.Rule) ruleJSON {
	return ruleJSON{
		ID:           r.ID,
		Name:         r.Name,
		Conditions:   r.Conditions,
		ActionType:   r.ActionType,
		ActionConfig: r.ActionConfig,
		FolderIDs:    r.FolderIDs,
		Position:     r.Position,
		Enabled:      r.Enabled,
	}
}

type ruleRequest struct {
	Name         string          `json:"name"`
	Conditions   json.RawMessage `json:"conditions"`
	ActionType   string          `json:"action_type"`
	ActionConfig json.RawMessage `json:"action_config,omitempty"`
	FolderIDs    []int64         `json:"folder_ids,omitempty"`
	Enabled      bool            `json:"enabled"`
}

// validateRule rejects rules whose condition tree or action would
// never be applicable.
func validateRule(req *ruleRequest) string {
	if req.Name == "" {
		return "Rule name is required"
	}
	if !store.ValidAction(req.ActionType) {
		return "Unknown action type"
	}
	if _, err := rules.ParseConditions(req.Conditions); err != nil {
		return "Malformed condition tree"
	}
	return ""
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	ruleSet, err := s.store.ListRules()
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	out := make([]ruleJSON, 0, len(ruleSet))
	for i := range ruleSet {
		out = append(out, toRuleJSON(&ruleSet[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": out})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed rule payload")
		return
	}
	if msg := validateRule(&req); msg != "" {
		writeError(w, http.StatusBadRequest, "invalid_rule", msg)
		return
	}

	rule, err := s.store.CreateRule(&store.Rule{
		Name:         req.Name,
		Conditions:   req.Conditions,
		ActionType:   req.ActionType,
		ActionConfig: req.ActionConfig,
		FolderIDs:    req.FolderIDs,
		Enabled:      req.Enabled,
	}, s.now())
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRuleJSON(rule))
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}
	var req ruleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed rule payload")
		return
	}
	if msg := validateRule(&req); msg != "" {
		writeError(w, http.StatusBadRequest, "invalid_rule", msg)
		return
	}

	rule, err := s.store.GetRule(id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	rule.Name = req.Name
	rule.Conditions = req.Conditions
	rule.ActionType = req.ActionType
	rule.ActionConfig = req.ActionConfig
	rule.FolderIDs = req.FolderIDs
	rule.Enabled = req.Enabled

	if err := s.store.UpdateRule(rule, s.now()); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleJSON(rule))
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteRule(id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type reorderRequest struct {
	IDs []int64 `json:"ids"`
}

func (s *Server) handleReorderRules(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := decodeJSON(r, &req); err != nil || len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "ids is required")
		return
	}
	if err := s.store.ReorderRules(req.IDs, s.now()); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type applicationJSON struct {
	ID             int64      `json:"id"`
	RuleID         int64      `json:"rule_id,omitempty"`
	Status         string     `json:"status"`
	TotalCount     int64      `json:"total_count"`
	ProcessedCount int64      `json:"processed_count"`
	MatchedCount   int64      `json:"matched_count"`
	Error          string     `json:"error,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func toApplicationJSON(a *store.RuleApplication) applicationJSON {
	return applicationJSON{
		ID:             a.ID,
		RuleID:         a.RuleID.Int64,
		Status:         a.Status,
		TotalCount:     a.TotalCount,
		ProcessedCount: a.ProcessedCount,
		MatchedCount:   a.MatchedCount,
		Error:          a.Error.String,
		StartedAt:      a.StartedAt,
		CompletedAt:    a.CompletedAt,
	}
}

// handleApplyRule starts a retroactive application job and returns the
// handle to poll; the work itself runs in the background.
func (s *Server) handleApplyRule(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}
	app, err := s.runner.Start(id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toApplicationJSON(app))
}

func (s *Server) handleGetApplication(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}
	app, err := s.store.GetRuleApplication(id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toApplicationJSON(app))
}
