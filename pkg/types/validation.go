package types

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
var (
	userIDRegex      = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	branchRegex      = regexp.MustCompile(`^[A-Za-z0-9-]+$`)
	channelNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)
)

const (
	MaxContentLength     = 4000
	MaxChannelNameLength = 50
	MaxDescriptionLength = 500
)

// IsValidUserID checks if a user ID meets format requirements
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 64 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidBranch checks a batch branch such as "CS" or "ECE"
func IsValidBranch(branch string) bool {
	if len(branch) < 1 || len(branch) > 20 {
		return false
	}
	return branchRegex.MatchString(branch)
}

// IsValidRole checks the role is one of the three platform roles
func IsValidRole(role Role) bool {
	switch role {
	case RoleStudent, RoleProfessor, RoleSuperAdmin:
		return true
	default:
		return false
	}
}

// Validate checks every claim field; used after strict token decoding
func (c IdentityClaim) Validate() error {
	v := &ValidationError{}
	if !IsValidUserID(c.UserID) {
		v.Add("userId", "must be 1-64 characters, alphanumeric + underscore/hyphen")
	}
	if !strings.Contains(c.Email, "@") {
		v.Add("email", "must be an email address")
	}
	if !IsValidRole(c.Role) {
		v.Add("role", "must be STUDENT, PROFESSOR or SUPER_ADMIN")
	}
	if c.BatchYear < 1900 || c.BatchYear > 9999 {
		v.Add("batchYear", "must be a four digit year")
	}
	if !IsValidBranch(c.BatchBranch) {
		v.Add("batchBranch", "must be 1-20 alphanumeric characters")
	}
	return v.OrNil()
}

// NormalizeContent trims content and enforces the length bounds
func NormalizeContent(content string, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = MaxContentLength
	}
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", NewValidationError("content", "must not be empty")
	}
	if utf8.RuneCountInString(trimmed) > maxLen {
		return "", NewValidationError("content", "too long")
	}
	return trimmed, nil
}

// ValidateChannelName checks a channel name and returns its trimmed form
func ValidateChannelName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || len(trimmed) > MaxChannelNameLength {
		return "", NewValidationError("name", "must be 1-50 characters")
	}
	if !channelNameRegex.MatchString(trimmed) {
		return "", NewValidationError("name", "may contain letters, digits, underscore and hyphen")
	}
	return trimmed, nil
}

// Validate enforces the room/year/branch consistency of a batch message
func (m *Message) Validate() error {
	v := &ValidationError{}
	if !IsValidUserID(m.SenderID) {
		v.Add("senderId", "invalid")
	}
	if m.Content == "" {
		v.Add("content", "must not be empty")
	}
	if m.Branch != NormalizeBranch(m.Branch) || !IsValidBranch(m.Branch) {
		v.Add("branch", "must be an uppercase batch branch")
	}
	if m.RoomID != ResolveRoom(m.Year, m.Branch) {
		v.Add("roomId", "does not match year and branch")
	}
	return v.OrNil()
}
