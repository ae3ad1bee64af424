package mock

import "sync"

// Broadcaster records every event fanned out by the engine
type Broadcaster struct {
	mu     sync.Mutex
	events []BroadcastEventRecord
}

// BroadcastEventRecord is one captured broadcast
type BroadcastEventRecord struct {
	Type string
	Data interface{}
}

// NewBroadcaster creates a recording broadcaster
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

func (b *Broadcaster) BroadcastEvent(eventType string, data interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, BroadcastEventRecord{Type: eventType, Data: data})
}

// Events returns a copy of the captured broadcasts
func (b *Broadcaster) Events() []BroadcastEventRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BroadcastEventRecord, len(b.events))
	copy(out, b.events)
	return out
}

// LastOfType returns the most recent event of the given type
func (b *Broadcaster) LastOfType(eventType string) (BroadcastEventRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.events) - 1; i >= 0; i-- {
		if b.events[i].Type == eventType {
			return b.events[i], true
		}
	}
	return BroadcastEventRecord{}, false
}
