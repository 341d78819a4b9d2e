// Package auth verifies signed identity tokens at connection and request time.
package auth

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"campuschat/pkg/types"
)

const bearerPrefix = "Bearer "

// Verifier checks HS256 tokens and turns them into identity claims.
// It holds no mutable state and is safe for concurrent use.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier creates a verifier for the shared signing secret
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("token secret cannot be empty")
	}
	return &Verifier{secret: []byte(secret), now: time.Now}, nil
}

// tokenPayload mirrors the payload with pointer fields so absent claims are detectable.
// TECHNICAL DISCOVERY: Typed fields reject "2025" for batchYear instead of coercing it
type tokenPayload struct {
	UserID      *string `json:"userId"`
	Email       *string `json:"email"`
	Role        *string `json:"role"`
	BatchYear   *int    `json:"batchYear"`
	BatchBranch *string `json:"batchBranch"`

	// Registered claims validated by the jwt parser
	Exp *json.Number `json:"exp"`
	Iat *json.Number `json:"iat"`
	Nbf *json.Number `json:"nbf"`
	Iss *string      `json:"iss"`
	Sub *string      `json:"sub"`
}

// Verify accepts "Bearer <token>" or a bare token and returns the verified claim.
// Every failure is reported as types.ErrUnauthenticated.
func (v *Verifier) Verify(raw string) (types.IdentityClaim, error) {
	token := strings.TrimSpace(raw)
	if len(token) >= len(bearerPrefix) && strings.EqualFold(token[:len(bearerPrefix)], bearerPrefix) {
		token = strings.TrimSpace(token[len(bearerPrefix):])
	}
	if token == "" {
		return types.IdentityClaim{}, fmt.Errorf("%w: missing token", types.ErrUnauthenticated)
	}

	_, err := jwt.Parse(token,
		func(t *jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return types.IdentityClaim{}, fmt.Errorf("%w: %v", types.ErrUnauthenticated, err)
	}

	claim, err := decodePayload(token)
	if err != nil {
		return types.IdentityClaim{}, fmt.Errorf("%w: %v", types.ErrUnauthenticated, err)
	}
	return claim, nil
}

// decodePayload re-reads the signed payload strictly
func decodePayload(token string) (types.IdentityClaim, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return types.IdentityClaim{}, errors.New("malformed token")
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return types.IdentityClaim{}, fmt.Errorf("malformed payload: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	var payload tokenPayload
	if err := decoder.Decode(&payload); err != nil {
		return types.IdentityClaim{}, fmt.Errorf("invalid payload: %w", err)
	}

	if payload.UserID == nil || payload.Email == nil || payload.Role == nil ||
		payload.BatchYear == nil || payload.BatchBranch == nil {
		return types.IdentityClaim{}, errors.New("payload missing required claims")
	}

	claim := types.IdentityClaim{
		UserID:      *payload.UserID,
		Email:       *payload.Email,
		Role:        types.Role(*payload.Role),
		BatchYear:   *payload.BatchYear,
		BatchBranch: types.NormalizeBranch(*payload.BatchBranch),
	}
	if err := claim.Validate(); err != nil {
		return types.IdentityClaim{}, err
	}
	return claim, nil
}

// Issue signs a token for claim valid for ttl
func (v *Verifier) Issue(claim types.IdentityClaim, ttl time.Duration) (string, error) {
	if err := claim.Validate(); err != nil {
		return "", err
	}
	if ttl <= 0 {
		return "", errors.New("token ttl must be positive")
	}

	now := v.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"userId":      claim.UserID,
		"email":       claim.Email,
		"role":        string(claim.Role),
		"batchYear":   claim.BatchYear,
		"batchBranch": claim.BatchBranch,
		"iat":         now.Unix(),
		"exp":         now.Add(ttl).Unix(),
	})
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ExtractToken reads the credential from ?token= or the Authorization header.
// FUNCTIONAL DISCOVERY: Browsers cannot set headers on a WebSocket handshake, so the query wins
func ExtractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return r.Header.Get("Authorization")
}
