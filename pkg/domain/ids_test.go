package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "halalledger/pkg/domain-errors"
)

// TestParseBatchID_Invariants validates "batch ids are non-empty, bounded and printable".
func TestParseBatchID_Invariants(t *testing.T) {
	t.Run("rejects blank string", func(t *testing.T) {
		_, err := ParseBatchID("   ")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects overlong id", func(t *testing.T) {
		_, err := ParseBatchID(strings.Repeat("x", 129))
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects embedded control characters", func(t *testing.T) {
		_, err := ParseBatchID("B\x001")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("trims but keeps case", func(t *testing.T) {
		id, err := ParseBatchID(" RAISIN-2025-001 ")
		require.NoError(t, err)
		assert.Equal(t, BatchID("RAISIN-2025-001"), id)
	})
}

func TestParsePrincipal(t *testing.T) {
	t.Run("canonicalizes to lower case", func(t *testing.T) {
		p, err := ParsePrincipal("0xAbCdEF0123456789")
		require.NoError(t, err)
		assert.Equal(t, Principal("0xabcdef0123456789"), p)
	})

	t.Run("rejects empty", func(t *testing.T) {
		_, err := ParsePrincipal("")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})
}

func TestPrincipalShort(t *testing.T) {
	assert.Equal(t, "0x70c7...2f4a", Principal("0x70c7e3a1b9d0000000000000000000000a1b2f4a").Short())
	assert.Equal(t, "alice", Principal("alice").Short())
}
