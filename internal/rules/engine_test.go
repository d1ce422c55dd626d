package rules

import (
	"testing"
)

func leaf(field, matchType, value string) Node {
	return Node{Field: field, MatchType: matchType, Value: value}
}

func TestEvaluateLeaves(t *testing.T) {
	ctx := &Context{
		ThreadSubject: "Quarterly report",
		EmailSubject:  "Re: Quarterly report",
		SenderName:    "Alice Liddell",
		SenderEmail:   "alice@example.com",
		ToNames:       []string{"Me", "Bob"},
		ToEmails:      []string{"me@example.com", "bob@example.com"},
		CcEmails:      []string{"cc@example.com"},
		Content:       "Please find the Numbers attached.",
		AttachmentFilenames: []string{
			"q3-report.xlsx", "notes.txt",
		},
		Headers: map[string]string{"List-Unsubscribe": "<mailto:leave@example.com>"},
	}

	tests := []struct {
		name string
		node Node
		want bool
	}{
		{"exact subject", leaf(FieldThreadSubject, MatchExact, "quarterly REPORT"), true},
		{"exact mismatch", leaf(FieldThreadSubject, MatchExact, "quarterly"), false},
		{"contains sender email", leaf(FieldSenderEmail, MatchContains, "ALICE@"), true},
		{"contains content", leaf(FieldContent, MatchContains, "numbers"), true},
		{"multi-valued to", leaf(FieldToEmail, MatchExact, "bob@example.com"), true},
		{"multi-valued cc miss", leaf(FieldCcEmail, MatchContains, "bob"), false},
		{"attachment regex", leaf(FieldAttachmentFilename, MatchRegex, `\.xlsx$`), true},
		{"invalid regex never matches", leaf(FieldContent, MatchRegex, `([`), false},
		{"header match", leaf("header:list-unsubscribe", MatchContains, "mailto:"), true},
		{"header absent", leaf("header:X-Missing", MatchContains, "x"), false},
		{"unknown field", leaf("bogus_field", MatchContains, "x"), false},
		{"sender in contacts", leaf(FieldSenderInContacts, "", `["ALICE@example.com","x@y.z"]`), true},
		{"sender not in contacts", leaf(FieldSenderInContacts, "", `["x@y.z"]`), false},
		{"sender list invalid json", leaf(FieldSenderInContacts, "", `not json`), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(&tt.node, ctx); got != tt.want {
				t.Errorf("Evaluate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluateNegate(t *testing.T) {
	ctx := &Context{SenderEmail: "alice@example.com"}
	n := leaf(FieldSenderEmail, MatchContains, "alice")
	n.Negate = true
	if Evaluate(&n, ctx) {
		t.Error("negated match should be false")
	}
	n.Value = "bob"
	if !Evaluate(&n, ctx) {
		t.Error("negated miss should be true")
	}
}

func TestEvaluateGroups(t *testing.T) {
	ctx := &Context{
		SenderEmail:  "news@letter.com",
		EmailSubject: "Weekly digest",
	}

	and := Node{Operator: "AND", Conditions: []Node{
		leaf(FieldSenderEmail, MatchContains, "news@"),
		leaf(FieldEmailSubject, MatchContains, "digest"),
	}}
	if !Evaluate(&and, ctx) {
		t.Error("AND group should match")
	}

	and.Conditions[1].Value = "invoice"
	if Evaluate(&and, ctx) {
		t.Error("AND group with one miss should not match")
	}

	or := Node{Operator: "or", Conditions: []Node{
		leaf(FieldSenderEmail, MatchExact, "nobody@x.y"),
		leaf(FieldEmailSubject, MatchContains, "weekly"),
	}}
	if !Evaluate(&or, ctx) {
		t.Error("OR group should match")
	}

	empty := Node{Operator: "AND"}
	if Evaluate(&empty, ctx) {
		t.Error("empty group must never match")
	}

	nested := Node{Operator: "OR", Conditions: []Node{
		{Operator: "AND", Conditions: []Node{
			leaf(FieldSenderEmail, MatchContains, "news@"),
			leaf(FieldEmailSubject, MatchContains, "weekly"),
		}},
		leaf(FieldSenderEmail, MatchExact, "other@x.y"),
	}}
	if !Evaluate(&nested, ctx) {
		t.Error("nested group should match")
	}
}
