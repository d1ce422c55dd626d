// Package rules evaluates stored filtering rules against messages and
// applies their actions, both at import time and in retroactive batch
// jobs over the existing archive.
package rules

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/meremail/meremail/internal/store"
)

// Group operators.
const (
	OpAnd = "AND"
	OpOr  = "OR"
)

// Match types.
const (
	MatchExact    = "exact"
	MatchContains = "contains"
	MatchRegex    = "regex"
)

// Leaf fields.
const (
	FieldThreadSubject      = "thread_subject"
	FieldEmailSubject       = "email_subject"
	FieldSenderName         = "sender_name"
	FieldSenderEmail        = "sender_email"
	FieldToName             = "to_name"
	FieldToEmail            = "to_email"
	FieldCcName             = "cc_name"
	FieldCcEmail            = "cc_email"
	FieldContent            = "content"
	FieldAttachmentFilename = "attachment_filename"
	FieldSenderInContacts   = "sender_in_contacts"

	headerFieldPrefix = "header:"
)

// Node is one element of a condition tree: a group when Operator is
// AND/OR, otherwise a leaf. The tree is stored as JSON on the rule row.
type Node struct {
	Operator   string `json:"operator,omitempty"`
	Conditions []Node `json:"conditions,omitempty"`

	Field     string `json:"field,omitempty"`
	MatchType string `json:"match_type,omitempty"`
	Value     string `json:"value,omitempty"`
	Negate    bool   `json:"negate,omitempty"`
}

// IsGroup reports whether the node is a condition group.
func (n *Node) IsGroup() bool {
	switch strings.ToUpper(n.Operator) {
	case OpAnd, OpOr:
		return true
	}
	return false
}

// ParseConditions decodes a stored condition tree.
func ParseConditions(raw json.RawMessage) (*Node, error) {
	var n Node
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// Context carries the message fields a rule can match against. At
// import time it is built from the incoming message; retroactively it
// is rebuilt from a thread's earliest message.
type Context struct {
	ThreadSubject       string
	EmailSubject        string
	SenderName          string
	SenderEmail         string
	ToNames             []string
	ToEmails            []string
	CcNames             []string
	CcEmails            []string
	Content             string
	AttachmentFilenames []string
	Headers             map[string]string
	FolderID            int64
}

// Evaluate walks the condition tree against the context. An empty
// group never matches.
func Evaluate(n *Node, ctx *Context) bool {
	if n == nil {
		return false
	}
	if n.IsGroup() {
		if len(n.Conditions) == 0 {
			return false
		}
		if strings.ToUpper(n.Operator) == OpAnd {
			for i := range n.Conditions {
				if !Evaluate(&n.Conditions[i], ctx) {
					return false
				}
			}
			return true
		}
		for i := range n.Conditions {
			if Evaluate(&n.Conditions[i], ctx) {
				return true
			}
		}
		return false
	}
	return evaluateLeaf(n, ctx)
}

func evaluateLeaf(n *Node, ctx *Context) bool {
	matched := leafMatches(n, ctx)
	if n.Negate {
		return !matched
	}
	return matched
}

func leafMatches(n *Node, ctx *Context) bool {
	if n.Field == FieldSenderInContacts {
		return senderInList(n.Value, ctx.SenderEmail)
	}
	if name, ok := strings.CutPrefix(n.Field, headerFieldPrefix); ok {
		return matchValue(n, headerValue(ctx.Headers, name))
	}

	switch n.Field {
	case FieldThreadSubject:
		return matchValue(n, ctx.ThreadSubject)
	case FieldEmailSubject:
		return matchValue(n, ctx.EmailSubject)
	case FieldSenderName:
		return matchValue(n, ctx.SenderName)
	case FieldSenderEmail:
		return matchValue(n, ctx.SenderEmail)
	case FieldToName:
		return matchAny(n, ctx.ToNames)
	case FieldToEmail:
		return matchAny(n, ctx.ToEmails)
	case FieldCcName:
		return matchAny(n, ctx.CcNames)
	case FieldCcEmail:
		return matchAny(n, ctx.CcEmails)
	case FieldContent:
		return matchValue(n, ctx.Content)
	case FieldAttachmentFilename:
		return matchAny(n, ctx.AttachmentFilenames)
	}
	return false
}

// senderInList matches when the sender appears in the JSON address
// array stored as the leaf value.
func senderInList(value, sender string) bool {
	var addrs []string
	if err := json.Unmarshal([]byte(value), &addrs); err != nil {
		return false
	}
	for _, a := range addrs {
		if strings.EqualFold(strings.TrimSpace(a), sender) {
			return true
		}
	}
	return false
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func matchAny(n *Node, values []string) bool {
	for _, v := range values {
		if matchValue(n, v) {
			return true
		}
	}
	return false
}

func matchValue(n *Node, value string) bool {
	switch n.MatchType {
	case MatchExact:
		return strings.EqualFold(value, n.Value)
	case MatchContains:
		return strings.Contains(strings.ToLower(value), strings.ToLower(n.Value))
	case MatchRegex:
		// An invalid pattern never matches.
		re, err := regexp.Compile("(?i)" + n.Value)
		if err != nil {
			return false
		}
		return re.MatchString(value)
	}
	return false
}

// Match returns the first enabled rule whose conditions match the
// context, honoring rule positions and per-rule folder restrictions.
// A rule with no folder restriction applies everywhere.
func Match(ruleSet []store.Rule, ctx *Context) *store.Rule {
	for i := range ruleSet {
		r := &ruleSet[i]
		if !r.Enabled {
			continue
		}
		if len(r.FolderIDs) > 0 && ctx.FolderID != 0 && !containsID(r.FolderIDs, ctx.FolderID) {
			continue
		}
		node, err := ParseConditions(r.Conditions)
		if err != nil {
			continue
		}
		if Evaluate(node, ctx) {
			return r
		}
	}
	return nil
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
