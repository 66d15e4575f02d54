package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix allows migration.
const (
	DomainPayload  = "agentsync/payload/v1"
	DomainOps      = "agentsync/ops/v1"
	DomainProposal = "agentsync/proposal/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// PayloadHash is the content hash of a record payload.
// Two backends holding the same payload report the same hash.
func PayloadHash(payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	canonical, err := MarshalCanonical(payload)
	if err != nil {
		return "", fmt.Errorf("PayloadHash: %w", err)
	}
	return hashWithDomain(DomainPayload, canonical), nil
}

// OpsDigest hashes the ordered operations of a transaction, excluding versions.
// The WAL stores it so replay can detect a corrupted operation body.
func OpsDigest(ops []Operation) (string, error) {
	arr := make([]any, 0, len(ops))
	for i, op := range ops {
		payload := op.Record.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		arr = append(arr, map[string]any{
			"kind":    string(op.Kind),
			"key":     op.Key(),
			"payload": payload,
		})
		if _, err := MarshalCanonical(payload); err != nil {
			return "", fmt.Errorf("OpsDigest: op[%d]: %w", i, err)
		}
	}
	canonical, err := MarshalCanonical(arr)
	if err != nil {
		return "", fmt.Errorf("OpsDigest: %w", err)
	}
	return hashWithDomain(DomainOps, canonical), nil
}

// ProposalID derives a stable id for a proposal from its cycle, phase and content.
func ProposalID(cycleID, phase, content string) string {
	canonical, err := MarshalCanonical(map[string]any{
		"cycle_id": cycleID,
		"phase":    phase,
		"content":  content,
	})
	if err != nil {
		// Only strings are involved; encoding cannot fail.
		panic(fmt.Sprintf("ProposalID: %v", err))
	}
	return hashWithDomain(DomainProposal, canonical)
}
