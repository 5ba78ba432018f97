// Package stats implements the node-wide statistics counters: message
// counts, reconnects, and errors, plus per-table publish counts and
// largest-payload tracking for operators sizing the shadow buffer. All
// counters are safe for concurrent use, though the scheduler's
// single-mutex cooperative model means most callers hit Stats from one
// goroutine at a time in practice. A small mutex-guarded struct of
// counters, updated as work happens and snapshotted on demand for
// reporting.
package stats

import "sync"

// TableStats holds the per-table publish counters.
type TableStats struct {
	ConfigPublishes uint64
	StatePublishes  uint64
	StatusPublishes uint64
	LargestPayload  int
}

// Snapshot is a point-in-time, read-only copy of all counters.
type Snapshot struct {
	MessagesPublished uint64
	MessagesReceived  uint64
	PublishErrors     uint64
	DecodeErrors      uint64
	Reconnects        uint64
	Evictions         uint64
	ByTable           map[string]TableStats
}

// Stats is the mutex-guarded counter set owned by one node.
type Stats struct {
	mu                sync.Mutex
	messagesPublished uint64
	messagesReceived  uint64
	publishErrors     uint64
	decodeErrors      uint64
	reconnects        uint64
	evictions         uint64
	byTable           map[string]*TableStats
}

// New returns a zeroed Stats.
func New() *Stats {
	return &Stats{byTable: make(map[string]*TableStats)}
}

// RecordPublish records one successful publish of sectionName bytes for
// table, updating the per-table and node-wide counters.
func (s *Stats) RecordPublish(table, sectionName string, payloadSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messagesPublished++
	t := s.byTable[table]
	if t == nil {
		t = &TableStats{}
		s.byTable[table] = t
	}
	switch sectionName {
	case "config":
		t.ConfigPublishes++
	case "state":
		t.StatePublishes++
	case "status":
		t.StatusPublishes++
	}
	if payloadSize > t.LargestPayload {
		t.LargestPayload = payloadSize
	}
}

// RecordReceive records one inbound message delivered by the transport,
// whether or not the dispatcher routes it anywhere.
func (s *Stats) RecordReceive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messagesReceived++
}

// IncPublishErrors counts a failed outbound publish.
func (s *Stats) IncPublishErrors() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishErrors++
}

// IncDecodeErrors counts a malformed inbound payload.
func (s *Stats) IncDecodeErrors() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decodeErrors++
}

// IncReconnects counts a successful transport reconnect.
func (s *Stats) IncReconnects() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnects++
}

// IncEvictions counts a device dropped by the eviction sweep.
func (s *Stats) IncEvictions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictions++
}

// Snapshot returns a copy of all counters, safe to read without further
// locking.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTable := make(map[string]TableStats, len(s.byTable))
	for k, v := range s.byTable {
		byTable[k] = *v
	}
	return Snapshot{
		MessagesPublished: s.messagesPublished,
		MessagesReceived:  s.messagesReceived,
		PublishErrors:     s.publishErrors,
		DecodeErrors:      s.decodeErrors,
		Reconnects:        s.reconnects,
		Evictions:         s.evictions,
		ByTable:           byTable,
	}
}
