// Package auth verifies the operator credential resubmitted at the AUTH
// step and the bearer token guarding the control API.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrEmptyCredential = errors.New("credential is empty")
	ErrWrongCredential = errors.New("credential does not match")
	ErrMissingToken    = errors.New("missing authorization header")
	ErrInvalidToken    = errors.New("invalid API token")
)

// Verifier checks an operator credential.
type Verifier interface {
	Verify(credential string) error
}

// BcryptVerifier compares credentials against a bcrypt hash. With an
// empty hash any non-empty credential is accepted.
type BcryptVerifier struct {
	hash []byte
}

// NewBcryptVerifier rejects a malformed hash. With an empty hash any
// non-empty credential verifies.
func NewBcryptVerifier(hash string) (*BcryptVerifier, error) {
	if hash == "" {
		return &BcryptVerifier{}, nil
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("NewBcryptVerifier: %w", err)
	}
	return &BcryptVerifier{hash: []byte(hash)}, nil
}

func (v *BcryptVerifier) Verify(credential string) error {
	if strings.TrimSpace(credential) == "" {
		return ErrEmptyCredential
	}
	if len(v.hash) == 0 {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(credential)); err != nil {
		return ErrWrongCredential
	}
	return nil
}

// HashCredential returns a bcrypt hash suitable for the operator password
// setting.
func HashCredential(credential string, cost int) (string, error) {
	if credential == "" {
		return "", ErrEmptyCredential
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(credential), cost)
	if err != nil {
		return "", fmt.Errorf("HashCredential: %w", err)
	}
	return string(h), nil
}

// CheckBearer validates the "Authorization: Bearer <token>" header of r
// against want.
func CheckBearer(r *http.Request, want string) error {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ErrMissingToken
	}

	token := header
	// RFC 6750: the "Bearer" scheme is case-insensitive.
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = token[7:]
	} else {
		return ErrInvalidToken
	}
	token = strings.TrimSpace(token)

	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(want)) != 1 {
		return ErrInvalidToken
	}
	return nil
}
