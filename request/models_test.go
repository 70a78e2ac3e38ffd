package request

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusApproved, true},
		{StatusPending, StatusRejected, true},
		{StatusPending, StatusPending, false},
		{StatusApproved, StatusRejected, false},
		{StatusApproved, StatusApproved, false},
		{StatusRejected, StatusApproved, false},
		{StatusRejected, StatusPending, false},
		{StatusPending, Status("archived"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestCloneIsIndependent(t *testing.T) {
	decided := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	r := &Request{
		Kind:      KindMaterials,
		Status:    StatusApproved,
		Payload:   map[string]any{"item": "calculator"},
		DecidedAt: &decided,
	}

	c := r.Clone()
	c.Payload["item"] = "laptop"
	c.Status = StatusRejected
	*c.DecidedAt = decided.Add(time.Hour)

	if r.Payload["item"] != "calculator" {
		t.Errorf("payload mutated through clone: %v", r.Payload["item"])
	}
	if r.Status != StatusApproved {
		t.Errorf("status mutated through clone: %v", r.Status)
	}
	if !r.DecidedAt.Equal(decided) {
		t.Errorf("decided_at mutated through clone: %v", r.DecidedAt)
	}
}

func TestCanReplace(t *testing.T) {
	pending := &Request{Status: StatusPending}
	approved := &Request{Status: StatusApproved, AdminNotes: "ok", AssignedTeacherID: "t-1"}

	tests := []struct {
		name string
		cur  *Request
		next Request
		want bool
	}{
		{"pending stays pending", pending, Request{Status: StatusPending, AdminNotes: "draft"}, true},
		{"pending to approved", pending, Request{Status: StatusApproved}, true},
		{"pending to unknown", pending, Request{Status: Status("archived")}, false},
		{"decided payload only", approved, Request{Status: StatusApproved, AdminNotes: "ok", AssignedTeacherID: "t-1", Payload: map[string]any{"k": 1}}, true},
		{"decided status flipped", approved, Request{Status: StatusRejected, AdminNotes: "ok", AssignedTeacherID: "t-1"}, false},
		{"decided notes rewritten", approved, Request{Status: StatusApproved, AdminNotes: "rewritten", AssignedTeacherID: "t-1"}, false},
		{"decided teacher changed", approved, Request{Status: StatusApproved, AdminNotes: "ok", AssignedTeacherID: "t-2"}, false},
		{"decided reopened", approved, Request{Status: StatusPending, AdminNotes: "ok", AssignedTeacherID: "t-1"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanReplace(tt.cur, &tt.next); got != tt.want {
				t.Errorf("CanReplace() = %v, want %v", got, tt.want)
			}
		})
	}
}
