// Package auditlog appends a tamper-evident, hash-chained JSONL record of
// every redaction lifecycle transition, independent of and never affected
// by the redactions it describes.
package auditlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/errs"
)

// Entry is one append-only audit record. EntryHash chains to PreviousHash
// so truncating or editing a past entry is detectable by replaying the
// chain and recomputing hashes.
type Entry struct {
	EntryID      string                 `json:"entry_id"`
	RequestID    string                 `json:"request_id"`
	Phase        string                 `json:"phase"` // requested|approval_recorded|approved|rejected|executed|failed
	Actor        string                 `json:"actor"`
	ActorRole    string                 `json:"actor_role"`
	Action       string                 `json:"action"`
	Details      map[string]interface{} `json:"details,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	PreviousHash string                 `json:"previous_hash,omitempty"`
	EntryHash    string                 `json:"entry_hash"`
}

// EntryParams is what callers supply; the Log fills in EntryID,
// Timestamp, PreviousHash, and EntryHash.
type EntryParams struct {
	RequestID string
	Phase     string
	Actor     string
	ActorRole string
	Action    string
	Details   map[string]interface{}
}

// Log appends Entry records to a single JSONL file, one write at a time.
// Record(...) serializes writers against each other so PreviousHash
// always reflects the true append order.
type Log struct {
	mu           sync.Mutex
	file         *os.File
	lastHash     string
	nowFunc      func() time.Time
}

// Open opens (creating if absent) the audit log at path and seeds
// lastHash from the final line already on disk, so appends across process
// restarts continue the same chain.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, err, "auditlog: open %s", path)
	}
	l := &Log{file: f, nowFunc: time.Now}

	last, err := readLastEntry(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if last != nil {
		l.lastHash = last.EntryHash
	}
	return l, nil
}

func readLastEntry(f *os.File) (*Entry, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return nil, errs.Wrap(errs.StorageError, err, "auditlog: seek to start")
	}
	dec := json.NewDecoder(f)
	var last *Entry
	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			break
		}
		cp := e
		last = &cp
	}
	if _, err := f.Seek(0, 2); err != nil {
		return nil, errs.Wrap(errs.StorageError, err, "auditlog: seek to end")
	}
	return last, nil
}

func computeHash(e Entry) string {
	e.EntryHash = ""
	raw, _ := json.Marshal(e)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Record appends a new entry and returns an error when it cannot; on
// write failure that error is an errs.TransientStorage error so callers
// can log-and-continue per their own policy.
func (l *Log) Record(ctx context.Context, p EntryParams) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	id, err := uuid.NewRandom()
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, err, "auditlog: generate entry id")
	}

	now := time.Now
	if l.nowFunc != nil {
		now = l.nowFunc
	}

	entry := Entry{
		EntryID:      id.String(),
		RequestID:    p.RequestID,
		Phase:        p.Phase,
		Actor:        p.Actor,
		ActorRole:    p.ActorRole,
		Action:       p.Action,
		Details:      p.Details,
		Timestamp:    now().UTC(),
		PreviousHash: l.lastHash,
	}
	entry.EntryHash = computeHash(entry)

	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, err, "auditlog: marshal entry")
	}
	raw = append(raw, '\n')
	if _, err := l.file.Write(raw); err != nil {
		return nil, errs.Wrap(errs.TransientStorage, err, "auditlog: append entry")
	}

	l.lastHash = entry.EntryHash
	return &entry, nil
}

// Close releases the underlying file handle.
func (l *Log) Close() error {
	return l.file.Close()
}

// VerifyChain re-reads path from the start and confirms every entry's
// EntryHash is correctly derived and every PreviousHash links to the
// prior entry's EntryHash.
func VerifyChain(path string) (ok bool, reason string, err error) {
	f, openErr := os.Open(path)
	if openErr != nil {
		return false, "", errs.Wrap(errs.StorageError, openErr, "auditlog: open %s for verification", path)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	var prevHash string
	index := 0
	for {
		var e Entry
		if decErr := dec.Decode(&e); decErr != nil {
			break
		}
		if e.PreviousHash != prevHash {
			return false, fmt.Sprintf("entry %d: previous_hash mismatch", index), nil
		}
		want := computeHash(e)
		if want != e.EntryHash {
			return false, fmt.Sprintf("entry %d: entry_hash does not match its own contents", index), nil
		}
		prevHash = e.EntryHash
		index++
	}
	return true, "", nil
}
