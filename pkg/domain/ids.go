// Package domain holds identifier types shared across the ledger packages.
package domain

import (
	"strings"

	dErrors "halalledger/pkg/domain-errors"
)

const (
	maxBatchIDLength   = 128
	maxPrincipalLength = 256
)

// BatchID identifies a batch. Producers choose it; the ledger only requires it to be
// non-empty, bounded and unique.
type BatchID string

// Principal is an authenticated actor identity, typically a wallet address.
// Addresses compare case-insensitively, so the canonical form is lower case.
type Principal string

// SystemPrincipal signs events the ledger emits on its own behalf (admin bootstrap).
const SystemPrincipal Principal = "system"

func (b BatchID) String() string   { return string(b) }
func (p Principal) String() string { return string(p) }

// IsZero reports whether the principal is unset.
func (p Principal) IsZero() bool { return p == "" }

// ParseBatchID validates a batch id from external input.
//
// Errors: CodeInvalidInput when empty, too long or containing control characters.
func ParseBatchID(s string) (BatchID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "batch id cannot be empty")
	}
	if len(s) > maxBatchIDLength {
		return "", dErrors.New(dErrors.CodeInvalidInput, "batch id must be 128 characters or less")
	}
	if hasControl(s) {
		return "", dErrors.New(dErrors.CodeInvalidInput, "batch id contains control characters")
	}
	return BatchID(s), nil
}

// ParsePrincipal validates and canonicalizes a principal identifier.
func ParsePrincipal(s string) (Principal, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "principal cannot be empty")
	}
	if len(s) > maxPrincipalLength {
		return "", dErrors.New(dErrors.CodeInvalidInput, "principal is too long")
	}
	if hasControl(s) {
		return "", dErrors.New(dErrors.CodeInvalidInput, "principal contains control characters")
	}
	return Principal(s), nil
}

// Short renders long addresses as 0x1234...abcd for timelines and reports.
func (p Principal) Short() string {
	s := string(p)
	if len(s) <= 12 {
		return s
	}
	return s[:6] + "..." + s[len(s)-4:]
}

func hasControl(s string) bool {
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return true
		}
	}
	return false
}
