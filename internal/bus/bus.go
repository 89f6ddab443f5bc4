// Package bus is the in-process event bus connecting the engines. The
// engines never call each other directly; everything downstream of a
// write flows through topics published here.
package bus

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// Topics published across the system.
const (
	TopicUserCreated           = "user.created"
	TopicWatchlistTokenAdded   = "user.watchlist.token.added"
	TopicWatchlistTokenRemoved = "user.watchlist.token.removed"
	TopicCommentCreated        = "comment.created"
	TopicEmojiReacted          = "emoji.reacted"
	TopicNewTokenCreated       = "new-token-created"
	TopicTokensUpdated         = "tokens.updated"
)

// MaxListeners caps handlers per pattern; registrations beyond it are
// rejected so a leaked subscription loop surfaces early.
const MaxListeners = 20

const queueDepth = 64

type Event struct {
	Topic       string    `json:"topic"`
	AggregateID string    `json:"aggregateId"`
	Timestamp   time.Time `json:"timestamp"`
	Payload     any       `json:"payload"`
}

type Handler func(Event)

type subscription struct {
	pattern []string
	queue   chan Event
}

// Bus delivers events to handlers registered against topic patterns. A
// pattern may use "*" for exactly one segment ("user.watchlist.*").
// Each subscription drains its own bounded queue on a dedicated
// goroutine, so per-topic ordering is preserved without spawning a
// goroutine per event.
type Bus struct {
	mu     sync.Mutex
	subs   map[string][]*subscription
	wg     sync.WaitGroup
	closed bool
}

func New() *Bus {
	return &Bus{subs: make(map[string][]*subscription)}
}

// On registers h for every topic matching pattern.
func (b *Bus) On(pattern string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	if len(b.subs[pattern]) >= MaxListeners {
		return fmt.Errorf("listener limit (%d) reached for pattern %q", MaxListeners, pattern)
	}

	sub := &subscription{
		pattern: strings.Split(pattern, "."),
		queue:   make(chan Event, queueDepth),
	}
	b.subs[pattern] = append(b.subs[pattern], sub)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for ev := range sub.queue {
			h(ev)
		}
	}()
	return nil
}

// Emit publishes ev to every matching subscription. Enqueueing is
// synchronous; handler execution is not. A full subscription queue
// blocks the emitter rather than dropping events.
func (b *Bus) Emit(topic string, ev Event) {
	ev.Topic = topic
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		log.Printf("[Bus] Dropping %q: bus closed", topic)
		return
	}
	var targets []*subscription
	segments := strings.Split(topic, ".")
	for _, subs := range b.subs {
		for _, s := range subs {
			if matchSegments(s.pattern, segments) {
				targets = append(targets, s)
			}
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.queue <- ev
	}
}

// Close stops accepting events and waits for queued handlers to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, s := range subs {
			close(s.queue)
		}
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func matchSegments(pattern, topic []string) bool {
	if len(pattern) != len(topic) {
		return false
	}
	for i, p := range pattern {
		if p != "*" && p != topic[i] {
			return false
		}
	}
	return true
}
