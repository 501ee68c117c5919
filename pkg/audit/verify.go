package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/agentgate/agentgate/pkg/canonical"
	"github.com/agentgate/agentgate/pkg/contracts"
	"github.com/agentgate/agentgate/pkg/signing"
)

// VerifyReport is the result of a chain verification pass.
// BrokenAt is the log-order index of the first bad event, -1 when valid.
type VerifyReport struct {
	Valid    bool   `json:"valid"`
	BrokenAt int    `json:"broken_at"`
	Count    int    `json:"count"`
	Detail   string `json:"detail,omitempty"`
}

// VerifyChain re-reads events in [from, to) of the log, recomputes each
// hash, checks continuity and verifies every signature under the
// gateway's public key. A missing signature is corruption.
func (l *Log) VerifyChain(ctx context.Context, from, to int) (*VerifyReport, error) {
	events, err := l.Events(ctx, Filter{FromIndex: from, ToIndex: to})
	if err != nil {
		return nil, err
	}
	return VerifyEvents(events, l.PublicKey(), from == 0), nil
}

// VerifyEvents checks a contiguous slice of events. When fromGenesis is
// set the first event must chain from the genesis marker; otherwise the
// first event's previous hash is taken on trust and only continuity from
// there on is checked.
func VerifyEvents(events []*contracts.AuditEvent, pubKeyHex string, fromGenesis bool) *VerifyReport {
	report := &VerifyReport{Valid: true, BrokenAt: -1, Count: len(events)}

	expectedPrev := GenesisHash
	for i, ev := range events {
		if (fromGenesis || i > 0) && ev.PreviousEventHash != expectedPrev {
			return broken(report, i, "previous_event_hash discontinuity")
		}

		body, err := hashableBytes(ev)
		if err != nil {
			return broken(report, i, "event not canonicalizable")
		}
		if canonical.HashBytes(body) != ev.EventHash {
			return broken(report, i, "event_hash mismatch")
		}

		if ev.EventSignature == "" {
			return broken(report, i, "missing signature")
		}
		ok, err := signing.VerifyWithKey(pubKeyHex, ev.EventSignature, body)
		if err != nil || !ok {
			return broken(report, i, "signature verification failed")
		}

		expectedPrev = ev.EventHash
	}
	return report
}

func broken(r *VerifyReport, at int, detail string) *VerifyReport {
	r.Valid = false
	r.BrokenAt = at
	r.Detail = detail
	return r
}

// MerkleRoot computes the evidence-export root over events in [from, to):
// event hashes sorted lexicographically, folded pairwise under SHA-256.
// An odd node at any level is carried up unchanged.
func (l *Log) MerkleRoot(ctx context.Context, from, to int) (string, error) {
	events, err := l.Events(ctx, Filter{FromIndex: from, ToIndex: to})
	if err != nil {
		return "", err
	}
	hashes := make([]string, 0, len(events))
	for _, ev := range events {
		hashes = append(hashes, ev.EventHash)
	}
	return FoldMerkle(hashes), nil
}

// FoldMerkle folds a set of hex hashes into a single root.
func FoldMerkle(hashes []string) string {
	if len(hashes) == 0 {
		return ""
	}
	level := append([]string(nil), hashes...)
	sort.Strings(level)
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			sum := sha256.Sum256([]byte(level[i] + level[i+1]))
			next = append(next, hex.EncodeToString(sum[:]))
		}
		level = next
	}
	return level[0]
}
