// Package statestore persists conversation contexts in SQLite with
// canonical serialisation, checksums, opportunistic compression, and a
// backup-then-fallback recovery pipeline.
package statestore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"skillforge/internal/types"
)

// canonicalJSON produces a deterministic encoding: the context is first
// marshalled, then rebuilt through a generic value so every object's keys
// are emitted sorted. Checksums over this form are stable across processes.
func canonicalJSON(ctx *types.ConversationContext) ([]byte, error) {
	raw, err := json.Marshal(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to serialise context: %w", err)
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("failed to normalise context: %w", err)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to re-serialise context: %w", err)
	}
	return canonical, nil
}

// checksum returns the hex SHA-256 of the canonical bytes.
func checksum(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// decodeContext deserialises a canonical payload.
func decodeContext(data []byte) (*types.ConversationContext, error) {
	var ctx types.ConversationContext
	if err := json.Unmarshal(data, &ctx); err != nil {
		return nil, fmt.Errorf("failed to deserialise context: %w", err)
	}
	return &ctx, nil
}
