package types

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestResolveRoom_Deterministic(t *testing.T) {
	if ResolveRoom(2025, "CS") != ResolveRoom(2025, "CS") {
		t.Fatal("ResolveRoom should be deterministic")
	}
	if got := ResolveRoom(2025, "CS"); got != "room_2025_CS" {
		t.Errorf("Expected room_2025_CS, got %s", got)
	}
}

func TestResolveRoom_BranchCaseNormalization(t *testing.T) {
	if ResolveRoom(2025, "cs") != ResolveRoom(2025, "CS") {
		t.Error("cs and CS should resolve to the same room")
	}
	if ResolveRoom(2025, " Cs ") != ResolveRoom(2025, "CS") {
		t.Error("surrounding whitespace should not change the room")
	}
}

func TestResolveRoom_InjectiveOverDistinctPairs(t *testing.T) {
	years := []int{1, 20, 202, 2020, 2024, 2025, 20205}
	branches := []string{"CS", "ECE", "5-CS", "A", "ME-2", "2"}

	seen := make(map[string]string)
	for _, y := range years {
		for _, b := range branches {
			room := ResolveRoom(y, b)
			key := fmt.Sprintf("%d/%s", y, b)
			if prev, exists := seen[room]; exists {
				t.Fatalf("%s and %s both resolve to %s", prev, key, room)
			}
			seen[room] = key
		}
	}
}

func TestResolveRoom_DifferentYearDifferentRoom(t *testing.T) {
	if ResolveRoom(2024, "CS") == ResolveRoom(2025, "CS") {
		t.Error("different years must not share a room")
	}
}

func TestIdentityClaim_Validate(t *testing.T) {
	valid := IdentityClaim{UserID: "u1", Email: "a@campus.edu", Role: RoleStudent, BatchYear: 2025, BatchBranch: "CS"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Valid claim rejected: %v", err)
	}

	tests := []struct {
		name  string
		claim IdentityClaim
		field string
	}{
		{"bad role", IdentityClaim{UserID: "u1", Email: "a@b", Role: "ADMIN", BatchYear: 2025, BatchBranch: "CS"}, "role"},
		{"bad year", IdentityClaim{UserID: "u1", Email: "a@b", Role: RoleStudent, BatchYear: 25, BatchBranch: "CS"}, "batchYear"},
		{"bad branch", IdentityClaim{UserID: "u1", Email: "a@b", Role: RoleStudent, BatchYear: 2025, BatchBranch: "C S"}, "batchBranch"},
		{"bad user", IdentityClaim{UserID: "", Email: "a@b", Role: RoleStudent, BatchYear: 2025, BatchBranch: "CS"}, "userId"},
		{"bad email", IdentityClaim{UserID: "u1", Email: "nope", Role: RoleStudent, BatchYear: 2025, BatchBranch: "CS"}, "email"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.claim.Validate()
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if _, ok := vErr.FieldErrors[tt.field]; !ok {
				t.Errorf("Expected field %s in %v", tt.field, vErr.FieldErrors)
			}
		})
	}
}

func TestMessage_ValidateRoomConsistency(t *testing.T) {
	msg := &Message{SenderID: "u1", Content: "hi", RoomID: "room_2025_CS", Year: 2025, Branch: "CS"}
	if err := msg.Validate(); err != nil {
		t.Fatalf("Consistent message rejected: %v", err)
	}

	msg.RoomID = "room_2024_CS"
	if err := msg.Validate(); err == nil {
		t.Error("Mismatched room should be rejected")
	}

	msg = &Message{SenderID: "u1", Content: "hi", RoomID: "room_2025_CS", Year: 2025, Branch: "cs"}
	if err := msg.Validate(); err == nil {
		t.Error("Lowercase branch should be rejected at persistence")
	}
}

func TestNormalizeContent(t *testing.T) {
	got, err := NormalizeContent("  hello  ", 10)
	if err != nil || got != "hello" {
		t.Errorf("Expected trimmed content, got %q, %v", got, err)
	}
	if _, err := NormalizeContent("   ", 10); err == nil {
		t.Error("Blank content should fail")
	}
	if _, err := NormalizeContent(strings.Repeat("a", 11), 10); err == nil {
		t.Error("Overlong content should fail")
	}
}

func TestValidateChannelName(t *testing.T) {
	if name, err := ValidateChannelName(" general "); err != nil || name != "general" {
		t.Errorf("Expected general, got %q, %v", name, err)
	}
	for _, bad := range []string{"", "has space", "-leading", strings.Repeat("x", 51)} {
		if _, err := ValidateChannelName(bad); err == nil {
			t.Errorf("Expected %q to be rejected", bad)
		}
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{fmt.Errorf("wrap: %w", ErrForbidden), CodeForbidden},
		{ErrBlocked, CodeBlocked},
		{ErrNotFoundOrForbidden, CodeNotFound},
		{fmt.Errorf("insert: %w", ErrConflict), CodeConflict},
		{NewValidationError("content", "empty"), CodeValidationFailed},
		{ErrUnauthenticated, CodeUnauthenticated},
		{ErrRateLimited, CodeRateLimited},
		{errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		if got := ErrorCode(tt.err); got != tt.code {
			t.Errorf("ErrorCode(%v) = %s, want %s", tt.err, got, tt.code)
		}
	}
}

func TestPage_Normalize(t *testing.T) {
	if p := (Page{}).Normalize(); p.Limit != DefaultPageLimit || p.Offset != 0 {
		t.Errorf("Unexpected default page %+v", p)
	}
	if p := (Page{Limit: 1000, Offset: -3}).Normalize(); p.Limit != MaxPageLimit || p.Offset != 0 {
		t.Errorf("Unexpected clamped page %+v", p)
	}
}

func TestEventKind_InboundClosedSet(t *testing.T) {
	for _, kind := range InboundKinds() {
		if !kind.IsInbound() {
			t.Errorf("%s should be inbound", kind)
		}
	}
	for _, kind := range []EventKind{EventMessageNew, EventChannelDeleted, "unknown"} {
		if kind.IsInbound() {
			t.Errorf("%s should not be inbound", kind)
		}
	}
}
