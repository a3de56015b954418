package event

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrInterrupt signals that a handler wants to stop further processing. On
// veto topics (BeforeTransfer, BeforeCharacterCreate) it aborts the operation.
var ErrInterrupt = errors.New("event: interrupted")

// Topic identifies one event stream on the bus.
type Topic string

const (
	BeforeCharacterCreate Topic = "before_character_create"
	CharacterCreated      Topic = "character_created"
	CharacterDeleted      Topic = "character_deleted"
	CharacterAttached     Topic = "character_attached"
	CharacterDetached     Topic = "character_detached"
	BeforeTransfer        Topic = "before_transfer"
	TransferDone          Topic = "transfer_done"
	MoneyChanged          Topic = "money_changed"
)

// HandlerFunc handles one event. Returns (modified data, nil) to continue the
// chain, or (data, ErrInterrupt) to stop it.
type HandlerFunc func(ctx context.Context, topic Topic, data interface{}) (interface{}, error)

type handlerEntry struct {
	priority int
	fn       HandlerFunc
	name     string
}

// Bus fans events out to priority-ordered handlers. Registration happens
// during setup; Publish is safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic][]*handlerEntry
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Topic][]*handlerEntry)}
}

// Subscribe adds a handler for topic with the given priority (lower runs
// first). name is used for Unsubscribe.
func (b *Bus) Subscribe(topic Topic, priority int, name string, fn HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := append(b.handlers[topic], &handlerEntry{priority: priority, fn: fn, name: name})
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].priority < entries[j].priority
	})
	b.handlers[topic] = entries
}

// Unsubscribe removes all handlers with the given name for topic.
func (b *Bus) Unsubscribe(topic Topic, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.handlers[topic]
	n := 0
	for _, e := range entries {
		if e.name != name {
			entries[n] = e
			n++
		}
	}
	b.handlers[topic] = entries[:n]
}

// UnsubscribeAll removes every handler registered under name, on all topics.
func (b *Bus) UnsubscribeAll(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, entries := range b.handlers {
		n := 0
		for _, e := range entries {
			if e.name != name {
				entries[n] = e
				n++
			}
		}
		b.handlers[topic] = entries[:n]
	}
}

// Publish runs all handlers for topic in priority order. Data flows through
// each handler, allowing modification. A handler returning ErrInterrupt stops
// the chain; other handler errors are ignored and the chain continues.
func (b *Bus) Publish(ctx context.Context, topic Topic, data interface{}) (interface{}, error) {
	b.mu.RLock()
	entries := make([]*handlerEntry, len(b.handlers[topic]))
	copy(entries, b.handlers[topic])
	b.mu.RUnlock()

	var err error
	for _, e := range entries {
		data, err = e.fn(ctx, topic, data)
		if errors.Is(err, ErrInterrupt) {
			return data, err
		}
	}
	return data, nil
}
