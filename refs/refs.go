// Package refs defines the opaque record reference used across the index and
// query paths, plus an interner that maps references to dense 32-bit IDs so
// hot paths can track sets of records in roaring bitmaps instead of string
// maps.
package refs

import (
	"fmt"
	"strings"
	"sync"
)

// Ref identifies a record as "<owner>:<recordID>". It is the only record
// identity the geo index ever stores; resolving a Ref back to record data is
// the ledger's job.
type Ref string

// New builds a Ref from its parts.
func New(owner, recordID string) Ref {
	return Ref(owner + ":" + recordID)
}

// Parse splits a Ref into owner and record ID.
func Parse(r Ref) (owner, recordID string, err error) {
	owner, recordID, ok := strings.Cut(string(r), ":")
	if !ok || owner == "" || recordID == "" {
		return "", "", fmt.Errorf("malformed record ref %q", r)
	}
	return owner, recordID, nil
}

// Interner assigns dense uint32 IDs to Refs. IDs are stable for the lifetime
// of the interner and start at 0. Safe for concurrent use.
type Interner struct {
	mu   sync.RWMutex
	ids  map[Ref]uint32
	refs []Ref
}

// NewInterner creates an empty interner.
func NewInterner() *Interner {
	return &Interner{ids: make(map[Ref]uint32)}
}

// Intern returns the dense ID for r, assigning one on first sight.
func (in *Interner) Intern(r Ref) uint32 {
	in.mu.RLock()
	id, ok := in.ids[r]
	in.mu.RUnlock()
	if ok {
		return id
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if id, ok := in.ids[r]; ok {
		return id
	}
	id = uint32(len(in.refs))
	in.ids[r] = id
	in.refs = append(in.refs, r)
	return id
}

// Lookup resolves a dense ID back to its Ref.
func (in *Interner) Lookup(id uint32) (Ref, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if int(id) >= len(in.refs) {
		return "", false
	}
	return in.refs[id], true
}

// Len returns the number of interned refs.
func (in *Interner) Len() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return len(in.refs)
}
