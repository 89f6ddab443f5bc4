package bus

import (
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestOnExactTopic(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	var got []Event
	if err := b.On(TopicCommentCreated, func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("On: %v", err)
	}

	b.Emit(TopicCommentCreated, Event{AggregateID: "0xabc", Payload: "hi"})
	b.Emit(TopicEmojiReacted, Event{AggregateID: "0xabc"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0].Topic != TopicCommentCreated || got[0].AggregateID != "0xabc" {
		t.Errorf("unexpected event: %+v", got[0])
	}
	if got[0].Timestamp.IsZero() {
		t.Error("Emit should stamp a timestamp")
	}
}

func TestWildcardMatchesOneSegment(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	count := 0
	if err := b.On("user.watchlist.token.*", func(ev Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}); err != nil {
		t.Fatalf("On: %v", err)
	}

	b.Emit(TopicWatchlistTokenAdded, Event{})
	b.Emit(TopicWatchlistTokenRemoved, Event{})
	b.Emit(TopicUserCreated, Event{}) // different shape, must not match

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 2
	})
}

func TestWildcardDoesNotSpanSegments(t *testing.T) {
	b := New()
	defer b.Close()

	delivered := make(chan string, 4)
	_ = b.On("user.*", func(ev Event) { delivered <- ev.Topic })

	b.Emit("user.created", Event{})
	b.Emit("user.watchlist.token.added", Event{})
	b.Close()

	close(delivered)
	var topics []string
	for topic := range delivered {
		topics = append(topics, topic)
	}
	if len(topics) != 1 || topics[0] != "user.created" {
		t.Errorf("wildcard matched across segments: %v", topics)
	}
}

func TestOrderingPreservedPerSubscription(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	var seen []int
	_ = b.On("seq", func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.Payload.(int))
		mu.Unlock()
	})

	for i := 0; i < 50; i++ {
		b.Emit("seq", Event{Payload: i})
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 50
	})
	mu.Lock()
	defer mu.Unlock()
	for i, v := range seen {
		if v != i {
			t.Fatalf("ordering broken at %d: got %d", i, v)
		}
	}
}

func TestListenerCap(t *testing.T) {
	b := New()
	defer b.Close()

	for i := 0; i < MaxListeners; i++ {
		if err := b.On("capped", func(Event) {}); err != nil {
			t.Fatalf("registration %d rejected: %v", i, err)
		}
	}
	if err := b.On("capped", func(Event) {}); err == nil {
		t.Errorf("registration %d should exceed the cap", MaxListeners+1)
	}
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	counts := make(map[int]int)
	for i := 0; i < 3; i++ {
		i := i
		_ = b.On(TopicNewTokenCreated, func(Event) {
			mu.Lock()
			counts[i]++
			mu.Unlock()
		})
	}

	b.Emit(TopicNewTokenCreated, Event{Payload: "token"})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts[0] == 1 && counts[1] == 1 && counts[2] == 1
	})
}

func TestEmitAfterCloseIsDropped(t *testing.T) {
	b := New()
	received := false
	_ = b.On("x", func(Event) { received = true })
	b.Close()
	b.Emit("x", Event{})
	time.Sleep(10 * time.Millisecond)
	if received {
		t.Error("event delivered after Close")
	}
}
