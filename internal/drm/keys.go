package drm

import (
	"bytes"
	"sync"
)

// KeyStatus mirrors the CDM key status values.
type KeyStatus int

const (
	KeyStatusUsable KeyStatus = iota
	KeyStatusInternalError
	KeyStatusExpired
	KeyStatusOutputRestricted
	KeyStatusOutputDownscaled
	KeyStatusPending
	KeyStatusReleased
)

// String returns the status name.
func (s KeyStatus) String() string {
	switch s {
	case KeyStatusUsable:
		return "usable"
	case KeyStatusInternalError:
		return "internal-error"
	case KeyStatusExpired:
		return "expired"
	case KeyStatusOutputRestricted:
		return "output-restricted"
	case KeyStatusOutputDownscaled:
		return "output-downscaled"
	case KeyStatusPending:
		return "status-pending"
	case KeyStatusReleased:
		return "released"
	default:
		return "unknown"
	}
}

type keyEntry struct {
	kid    []byte
	status KeyStatus
}

// KeyTable tracks the key ids known to a session and their status.
type KeyTable struct {
	mu         sync.RWMutex
	keys       []keyEntry
	defaultKID []byte
}

// NewKeyTable creates an empty table.
func NewKeyTable() *KeyTable { return &KeyTable{} }

// Add inserts kid or, when already present, leaves its status alone.
func (t *KeyTable) Add(kid []byte, status KeyStatus) {
	if len(kid) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.indexLocked(kid) >= 0 {
		return
	}
	t.keys = append(t.keys, keyEntry{kid: append([]byte(nil), kid...), status: status})
}

// SetStatus inserts or updates kid.
func (t *KeyTable) SetStatus(kid []byte, status KeyStatus) {
	if len(kid) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if i := t.indexLocked(kid); i >= 0 {
		t.keys[i].status = status
		return
	}
	t.keys = append(t.keys, keyEntry{kid: append([]byte(nil), kid...), status: status})
}

// Status returns the status of kid.
func (t *KeyTable) Status(kid []byte) (KeyStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i := t.indexLocked(kid); i >= 0 {
		return t.keys[i].status, true
	}
	return 0, false
}

// Has reports whether kid is known.
func (t *KeyTable) Has(kid []byte) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.indexLocked(kid) >= 0
}

// Usable reports whether kid is known and usable.
func (t *KeyTable) Usable(kid []byte) bool {
	s, ok := t.Status(kid)
	return ok && s == KeyStatusUsable
}

// AnyUsable reports whether at least one key is usable.
func (t *KeyTable) AnyUsable() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, k := range t.keys {
		if k.status == KeyStatusUsable {
			return true
		}
	}
	return false
}

// SetDefault sets the default key id and adds it to the table.
func (t *KeyTable) SetDefault(kid []byte) {
	if len(kid) == 0 {
		return
	}
	t.Add(kid, KeyStatusPending)
	t.mu.Lock()
	t.defaultKID = append([]byte(nil), kid...)
	t.mu.Unlock()
}

// Default returns the default key id, falling back to the first key.
func (t *KeyTable) Default() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.defaultKID) > 0 {
		return t.defaultKID
	}
	if len(t.keys) > 0 {
		return t.keys[0].kid
	}
	return nil
}

// IDs returns a copy of every key id.
func (t *KeyTable) IDs() [][]byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([][]byte, len(t.keys))
	for i, k := range t.keys {
		out[i] = append([]byte(nil), k.kid...)
	}
	return out
}

// Len returns the number of keys.
func (t *KeyTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.keys)
}

func (t *KeyTable) indexLocked(kid []byte) int {
	for i, k := range t.keys {
		if bytes.Equal(k.kid, kid) {
			return i
		}
	}
	return -1
}
