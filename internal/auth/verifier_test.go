package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"campuschat/pkg/types"
)

const testSecret = "test-secret"

func validClaim() types.IdentityClaim {
	return types.IdentityClaim{
		UserID:      "alice",
		Email:       "alice@campus.edu",
		Role:        types.RoleStudent,
		BatchYear:   2025,
		BatchBranch: "CSE",
	}
}

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}
	return v
}

func sign(t *testing.T, method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return token
}

func baseClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"userId":      "alice",
		"email":       "alice@campus.edu",
		"role":        "STUDENT",
		"batchYear":   2025,
		"batchBranch": "CSE",
		"exp":         time.Now().Add(time.Hour).Unix(),
	}
}

func TestNewVerifier_RequiresSecret(t *testing.T) {
	if _, err := NewVerifier(""); err == nil {
		t.Error("Empty secret should be rejected")
	}
}

func TestVerifier_IssueAndVerify(t *testing.T) {
	v := newTestVerifier(t)

	token, err := v.Issue(validClaim(), time.Hour)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	for _, raw := range []string{token, "Bearer " + token, "bearer " + token} {
		claim, err := v.Verify(raw)
		if err != nil {
			t.Fatalf("Verify(%q...) failed: %v", raw[:10], err)
		}
		if claim != validClaim() {
			t.Errorf("Expected %+v, got %+v", validClaim(), claim)
		}
	}
}

func TestVerifier_NormalizesBranch(t *testing.T) {
	v := newTestVerifier(t)
	claims := baseClaims()
	claims["batchBranch"] = "cse"

	claim, err := v.Verify(sign(t, jwt.SigningMethodHS256, []byte(testSecret), claims))
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claim.BatchBranch != "CSE" || claim.Room() != "room_2025_CSE" {
		t.Errorf("Expected normalized branch, got %q (room %s)", claim.BatchBranch, claim.Room())
	}
}

func TestVerifier_RejectsBadTokens(t *testing.T) {
	v := newTestVerifier(t)

	mutate := func(fn func(c jwt.MapClaims)) string {
		claims := baseClaims()
		fn(claims)
		return sign(t, jwt.SigningMethodHS256, []byte(testSecret), claims)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-token"},
		{"wrong secret", sign(t, jwt.SigningMethodHS256, []byte("other-secret"), baseClaims())},
		{"wrong algorithm", sign(t, jwt.SigningMethodHS512, []byte(testSecret), baseClaims())},
		{"none algorithm", sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, baseClaims())},
		{"expired", mutate(func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Minute).Unix() })},
		{"missing exp", mutate(func(c jwt.MapClaims) { delete(c, "exp") })},
		{"missing userId", mutate(func(c jwt.MapClaims) { delete(c, "userId") })},
		{"missing batchBranch", mutate(func(c jwt.MapClaims) { delete(c, "batchBranch") })},
		{"year as string", mutate(func(c jwt.MapClaims) { c["batchYear"] = "2025" })},
		{"fractional year", mutate(func(c jwt.MapClaims) { c["batchYear"] = 2025.5 })},
		{"negative year", mutate(func(c jwt.MapClaims) { c["batchYear"] = -1 })},
		{"unknown role", mutate(func(c jwt.MapClaims) { c["role"] = "ADMIN" })},
		{"userId as number", mutate(func(c jwt.MapClaims) { c["userId"] = 42 })},
		{"unknown field", mutate(func(c jwt.MapClaims) { c["isAdmin"] = true })},
		{"invalid branch", mutate(func(c jwt.MapClaims) { c["batchBranch"] = "C S E" })},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			if !errors.Is(err, types.ErrUnauthenticated) {
				t.Errorf("Expected ErrUnauthenticated, got %v", err)
			}
			if types.PublicMessage(err) != "invalid credentials" {
				t.Errorf("Public message should stay generic, got %q", types.PublicMessage(err))
			}
		})
	}
}

func TestVerifier_ToleratesRegisteredClaims(t *testing.T) {
	v := newTestVerifier(t)
	claims := baseClaims()
	claims["iat"] = time.Now().Unix()
	claims["nbf"] = time.Now().Add(-time.Minute).Unix()
	claims["iss"] = "campus-auth"
	claims["sub"] = "alice"

	if _, err := v.Verify(sign(t, jwt.SigningMethodHS256, []byte(testSecret), claims)); err != nil {
		t.Errorf("Registered claims should be accepted: %v", err)
	}
}

func TestVerifier_IssueRejectsInvalidClaim(t *testing.T) {
	v := newTestVerifier(t)
	claim := validClaim()
	claim.Role = "JANITOR"
	if _, err := v.Issue(claim, time.Hour); err == nil {
		t.Error("Issue should validate the claim")
	}
	if _, err := v.Issue(validClaim(), 0); err == nil {
		t.Error("Issue should reject a non-positive ttl")
	}
}

func TestExtractToken(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws?token=query-token", nil)
	req.Header.Set("Authorization", "Bearer header-token")
	if got := ExtractToken(req); got != "query-token" {
		t.Errorf("Query token should win, got %q", got)
	}

	req = httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Authorization", "Bearer header-token")
	if got := ExtractToken(req); got != "Bearer header-token" {
		t.Errorf("Expected header value, got %q", got)
	}

	req = httptest.NewRequest("GET", "/ws", nil)
	if got := ExtractToken(req); got != "" {
		t.Errorf("Expected empty token, got %q", got)
	}
}
