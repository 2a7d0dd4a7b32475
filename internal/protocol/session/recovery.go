package session

import "sync"

// RecoveryEntry is a transmitted message kept for replay after reconnect.
type RecoveryEntry struct {
	Sequence uint64
	Message  Message
}

// RecoveryBuffer is a fixed-size ring of the most recently transmitted
// messages. The oldest entry is evicted when the ring is full. A size of 0
// disables recovery.
type RecoveryBuffer struct {
	mu      sync.Mutex
	entries []RecoveryEntry
	start   int
	count   int
}

func NewRecoveryBuffer(size int) *RecoveryBuffer {
	if size < 0 {
		size = 0
	}
	return &RecoveryBuffer{entries: make([]RecoveryEntry, size)}
}

// Append stores e and reports whether an older entry was evicted.
func (b *RecoveryBuffer) Append(e RecoveryEntry) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	size := len(b.entries)
	if size == 0 {
		return false
	}
	if b.count < size {
		b.entries[(b.start+b.count)%size] = e
		b.count++
		return false
	}
	b.entries[b.start] = e
	b.start = (b.start + 1) % size
	return true
}

// Entries returns the buffered entries in ascending sequence order.
func (b *RecoveryBuffer) Entries() []RecoveryEntry {
	return b.After(0)
}

// After returns buffered entries with a sequence greater than seq, in
// ascending order.
func (b *RecoveryBuffer) After(seq uint64) []RecoveryEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	size := len(b.entries)
	out := make([]RecoveryEntry, 0, b.count)
	for i := 0; i < b.count; i++ {
		e := b.entries[(b.start+i)%size]
		if e.Sequence > seq {
			out = append(out, e)
		}
	}
	return out
}

func (b *RecoveryBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *RecoveryBuffer) Cap() int {
	return len(b.entries)
}

func (b *RecoveryBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.entries)
	b.start = 0
	b.count = 0
}
