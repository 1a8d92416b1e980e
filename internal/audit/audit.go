// Package audit implements the append-only, hash-chained event trail every
// execution carries. Each entry links to its predecessor by SHA-256 so any
// after-the-fact edit to a persisted row breaks verification.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Kind classifies one audit entry.
type Kind string

const (
	KindStateTransition  Kind = "state_transition"
	KindApprovalRequest  Kind = "approval_request"
	KindApprovalDecision Kind = "approval_decision"
	KindStepStart        Kind = "step_start"
	KindStepComplete     Kind = "step_complete"
	KindRollbackStart    Kind = "rollback_start"
	KindRollbackComplete Kind = "rollback_complete"
	KindSystem           Kind = "system"
)

// ZeroHash is the prev_hash of the first entry in every chain: 32 zero bytes.
var ZeroHash = hex.EncodeToString(make([]byte, sha256.Size))

// Entry is one link in an execution's audit chain.
type Entry struct {
	Sequence    int64          `json:"sequence"`
	ExecutionID string         `json:"execution_id"`
	Timestamp   string         `json:"timestamp"`
	Kind        Kind           `json:"kind"`
	Payload     map[string]any `json:"payload"`
	PrevHash    string         `json:"prev_hash"`
	EntryHash   string         `json:"entry_hash"`
}

// ComputeHash derives the entry hash: SHA-256 over the raw previous hash
// bytes, the decimal sequence, the timestamp, the kind, and the canonical
// JSON payload.
func ComputeHash(prevHash string, sequence int64, timestamp string, kind Kind, payload map[string]any) (string, error) {
	prev, err := hex.DecodeString(prevHash)
	if err != nil {
		return "", fmt.Errorf("decode prev_hash: %w", err)
	}
	if len(prev) != sha256.Size {
		return "", fmt.Errorf("prev_hash is %d bytes, want %d", len(prev), sha256.Size)
	}
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}

	h := sha256.New()
	h.Write(prev)
	h.Write([]byte(strconv.FormatInt(sequence, 10)))
	h.Write([]byte(timestamp))
	h.Write([]byte(kind))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CanonicalJSON renders payload deterministically: object keys sorted at
// every level, numbers in their shortest form. Achieved by round-tripping
// through generic JSON values, whose map keys encoding/json emits sorted.
func CanonicalJSON(payload any) ([]byte, error) {
	if payload == nil {
		return []byte("null"), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// Chain builds successive entries for one execution. It carries only the tip;
// persistence belongs to the store.
type Chain struct {
	executionID string
	nextSeq     int64
	lastHash    string
}

// NewChain starts an empty chain for an execution.
func NewChain(executionID string) *Chain {
	return &Chain{executionID: executionID, nextSeq: 1, lastHash: ZeroHash}
}

// ResumeChain continues a chain whose tail is already persisted.
func ResumeChain(executionID string, lastSequence int64, lastHash string) *Chain {
	if lastHash == "" {
		lastHash = ZeroHash
	}
	return &Chain{executionID: executionID, nextSeq: lastSequence + 1, lastHash: lastHash}
}

// Append creates the next entry in the chain and advances the tip.
func (c *Chain) Append(kind Kind, payload map[string]any, now time.Time) (Entry, error) {
	ts := now.UTC().Format(time.RFC3339Nano)
	hash, err := ComputeHash(c.lastHash, c.nextSeq, ts, kind, payload)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{
		Sequence:    c.nextSeq,
		ExecutionID: c.executionID,
		Timestamp:   ts,
		Kind:        kind,
		Payload:     payload,
		PrevHash:    c.lastHash,
		EntryHash:   hash,
	}
	c.nextSeq++
	c.lastHash = hash
	return e, nil
}

// Tip returns the last sequence issued (0 if none) and its hash.
func (c *Chain) Tip() (int64, string) {
	return c.nextSeq - 1, c.lastHash
}

// Verify checks a full chain: 1-based contiguous sequences, zero-hash anchor,
// prev linkage, and recomputed entry hashes. Entries must be in sequence
// order.
func Verify(entries []Entry) error {
	prev := ZeroHash
	for i, e := range entries {
		if e.Sequence != int64(i+1) {
			return fmt.Errorf("entry %d: sequence %d, want %d", i, e.Sequence, i+1)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("entry %d: prev_hash mismatch", i)
		}
		computed, err := ComputeHash(e.PrevHash, e.Sequence, e.Timestamp, e.Kind, e.Payload)
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		if computed != e.EntryHash {
			return fmt.Errorf("entry %d: entry_hash mismatch", i)
		}
		prev = e.EntryHash
	}
	return nil
}
