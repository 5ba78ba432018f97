// Package slot implements the owner-side status-slot manager: per-device
// liveness and status tracking with find-or-allocate-or-drop semantics,
// last-will handling, and eviction after a grace period, exposed as
// named accessors on a proper Slot type rather than raw struct offsets.
package slot

// Slot is one tracked device's liveness record plus its deserialized
// status payload. An invalid slot (Valid == false) holds no semantic
// content and may be reused by any subsequent device.
type Slot struct {
	NodeID           string
	Valid            bool
	Online           bool
	EvictionPending  bool
	LastSeenMS       uint32
	EvictionDeadline uint32
	// StatusData holds the deserialized status section for this device:
	// a fixed buffer sized to the table type's status layout, decoded by
	// dispatch.Dispatcher on every inbound status message. Applications
	// overlay their own typed status struct on this buffer's layout.
	StatusData []byte
}

// Manager owns a fixed-capacity array of slots for one owner table
// registration.
type Manager struct {
	slots []Slot
}

// NewManager allocates a Manager with maxSlots capacity.
func NewManager(maxSlots int) *Manager {
	return &Manager{slots: make([]Slot, maxSlots)}
}

// Find returns the valid slot for nodeID, if any. Slot uniqueness means
// at most one match exists.
func (m *Manager) Find(nodeID string) (*Slot, bool) {
	for i := range m.slots {
		if m.slots[i].Valid && m.slots[i].NodeID == nodeID {
			return &m.slots[i], true
		}
	}
	return nil, false
}

// FindOrAllocate returns the existing valid slot for nodeID, or
// initializes a free one. ok is false only when no slot exists for
// nodeID AND the array is full — the caller must drop the incoming
// status and warn.
func (m *Manager) FindOrAllocate(nodeID string, nowMS uint32) (*Slot, bool) {
	if s, found := m.Find(nodeID); found {
		return s, true
	}
	for i := range m.slots {
		if !m.slots[i].Valid {
			m.slots[i] = Slot{
				NodeID:     nodeID,
				Valid:      true,
				Online:     true,
				LastSeenMS: nowMS,
			}
			return &m.slots[i], true
		}
	}
	return nil, false
}

// Count returns the number of valid slots.
func (m *Manager) Count() int {
	n := 0
	for i := range m.slots {
		if m.slots[i].Valid {
			n++
		}
	}
	return n
}

// Capacity returns the slot array's fixed size (the table type's
// max_slots).
func (m *Manager) Capacity() int { return len(m.slots) }

// ForEach iterates valid slots in array order, which is stable across
// calls and sufficient for callers such as ForeachNode.
func (m *Manager) ForEach(fn func(s *Slot)) {
	for i := range m.slots {
		if m.slots[i].Valid {
			fn(&m.slots[i])
		}
	}
}

// EvictDue scans valid slots with a pending eviction whose deadline has
// passed, invalidates them, and returns the evicted node ids — one
// eviction callback per returned id is the caller's responsibility.
// Eviction never fires before the grace deadline.
func (m *Manager) EvictDue(nowMS uint32) []string {
	var evicted []string
	for i := range m.slots {
		s := &m.slots[i]
		if !s.Valid || !s.EvictionPending {
			continue
		}
		if nowMS-s.EvictionDeadline < 1<<31 { // now >= deadline, wraparound-safe
			evicted = append(evicted, s.NodeID)
			*s = Slot{}
		}
	}
	return evicted
}
