// Package ledger tracks which server produced which tool result.
//
// Every dispatched tool call is recorded with its originating server key and
// sensitivity flag. The ledger is the routing authority for placeholder
// resolution: a placeholder's tool-call id is looked up here to find the
// owning server. Records are immutable and live for the whole conversation
// session; nothing expires on its own. Only an explicit Reset (chat clear)
// empties the ledger.
package ledger

import (
	"errors"
	"fmt"
	"sync"
)

// ErrDuplicateToolCall reports a Record call that conflicts with an existing
// record for the same tool-call id.
var ErrDuplicateToolCall = errors.New("duplicate tool call id")

// ErrNotFound reports a lookup for an unrecorded tool-call id.
var ErrNotFound = errors.New("tool call not recorded")

// Record is one immutable tool-call entry.
type Record struct {
	ToolCallID  string
	ServerKey   string
	ToolName    string
	IsSensitive bool
}

// Ledger is the per-session tool-call registry. Safe for concurrent use.
type Ledger struct {
	mu      sync.RWMutex
	records map[string]Record
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{records: make(map[string]Record)}
}

// Record stores a tool-call entry. Recording the same id twice with identical
// values is an idempotent no-op; recording it with different values returns
// ErrDuplicateToolCall.
func (l *Ledger) Record(toolCallID, serverKey, toolName string, isSensitive bool) error {
	if toolCallID == "" {
		return fmt.Errorf("tool call id is required")
	}
	rec := Record{
		ToolCallID:  toolCallID,
		ServerKey:   serverKey,
		ToolName:    toolName,
		IsSensitive: isSensitive,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.records[toolCallID]; ok {
		if existing == rec {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrDuplicateToolCall, toolCallID)
	}
	l.records[toolCallID] = rec
	return nil
}

// LookupServer returns the server key that owns a tool call.
func (l *Ledger) LookupServer(toolCallID string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[toolCallID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, toolCallID)
	}
	return rec.ServerKey, nil
}

// Lookup returns the full record for a tool call.
func (l *Ledger) Lookup(toolCallID string) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[toolCallID]
	return rec, ok
}

// IsSensitive reports whether a tool call was made through a sensitive tool.
// Unknown ids are treated as sensitive — the safe default for routing
// decisions made before tools/list metadata arrives.
func (l *Ledger) IsSensitive(toolCallID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[toolCallID]
	if !ok {
		return true
	}
	return rec.IsSensitive
}

// Len returns the number of recorded tool calls.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Reset clears all records. Invoked on explicit chat clear, never implicitly.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = make(map[string]Record)
}
