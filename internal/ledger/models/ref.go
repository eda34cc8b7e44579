package models

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/sha3"
)

// ComputeRef derives the provenance reference of a committed event: the Keccak-256
// digest of the RFC 8785 canonical JSON encoding, hex encoded with a 0x prefix.
// The ref field itself is excluded so the digest is stable.
func ComputeRef(e Event) (string, error) {
	e.Ref = ""
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal event for ref: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize event: %w", err)
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(canonical)
	return "0x" + hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyRef reports whether e.Ref matches its content.
func VerifyRef(e Event) bool {
	ref, err := ComputeRef(e)
	if err != nil {
		return false
	}
	return ref == e.Ref
}
