package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tokenlive/discovery-engine/internal/cache"
)

const (
	clientBuffer      = 64
	heartbeatInterval = 30 * time.Second
	sseWriteTimeout   = 10 * time.Second
)

// Broadcaster multiplexes one KV subscription per channel across all
// in-process SSE clients on that channel. The upstream subscription is
// opened when the first client registers and released when the last
// one leaves, so the subscriber connection never carries more channels
// than the clients need.
type Broadcaster struct {
	store cache.Store

	mu       sync.Mutex
	channels map[string]*channelHub
}

type channelHub struct {
	unsubscribe func()
	clients     map[string]chan string
}

func NewBroadcaster(store cache.Store) *Broadcaster {
	return &Broadcaster{store: store, channels: make(map[string]*channelHub)}
}

// Register attaches a new client to channel. The returned release
// function detaches it; calling release more than once is safe.
func (b *Broadcaster) Register(channel string) (id string, ch <-chan string, release func(), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	hub, ok := b.channels[channel]
	if !ok {
		hub = &channelHub{clients: make(map[string]chan string)}
		unsub, err := b.store.Subscribe(context.Background(), channel, func(msg string) {
			b.fanOut(channel, msg)
		})
		if err != nil {
			return "", nil, nil, fmt.Errorf("subscribe %s: %w", channel, err)
		}
		hub.unsubscribe = unsub
		b.channels[channel] = hub
	}

	id = uuid.NewString()
	client := make(chan string, clientBuffer)
	hub.clients[id] = client
	log.Printf("[SSE] Client %s joined %s (%d on channel)", id, channel, len(hub.clients))

	return id, client, func() { b.release(channel, id) }, nil
}

// fanOut delivers msg to every client on the channel. A client whose
// buffer is full is disconnected rather than queued behind.
func (b *Broadcaster) fanOut(channel, msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hub, ok := b.channels[channel]
	if !ok {
		return
	}
	for id, client := range hub.clients {
		select {
		case client <- msg:
		default:
			log.Printf("[SSE] Dropping slow client %s on %s", id, channel)
			close(client)
			delete(hub.clients, id)
		}
	}
	b.releaseHubLocked(channel, hub)
}

func (b *Broadcaster) release(channel, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hub, ok := b.channels[channel]
	if !ok {
		return
	}
	if client, present := hub.clients[id]; present {
		close(client)
		delete(hub.clients, id)
		log.Printf("[SSE] Client %s left %s (%d on channel)", id, channel, len(hub.clients))
	}
	b.releaseHubLocked(channel, hub)
}

// releaseHubLocked drops the upstream subscription once no clients
// remain on the channel.
func (b *Broadcaster) releaseHubLocked(channel string, hub *channelHub) {
	if len(hub.clients) > 0 {
		return
	}
	hub.unsubscribe()
	delete(b.channels, channel)
	log.Printf("[SSE] Released upstream subscription for %s", channel)
}

// ClientCount reports active clients on a channel.
func (b *Broadcaster) ClientCount(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	hub, ok := b.channels[channel]
	if !ok {
		return 0
	}
	return len(hub.clients)
}

// sseStream describes one streaming endpoint: the channel to fan in,
// the snapshot emitted after the connection event, and the event name
// wrapped around each delta ("" sends anonymous data-only events).
type sseStream struct {
	channel       string
	snapshotEvent string
	snapshot      []byte
	deltaEvent    string
}

// serveSSE runs the per-connection lifecycle: headers, connection
// event, snapshot, then deltas until the client goes away.
func (h *APIHandler) serveSSE(c *gin.Context, stream sseStream) {
	id, deltas, release, err := h.broadcaster.Register(stream.channel)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to open stream")
		return
	}
	defer release()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
	c.Writer.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(c.Writer)
	writeEvent := func(name string, data []byte) bool {
		// Write deadline errors are ignored: not every server stack
		// supports per-write deadlines, and a genuinely dead client
		// surfaces through the write itself.
		_ = rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout))
		if name != "" {
			if _, err := fmt.Fprintf(c.Writer, "event: %s\n", name); err != nil {
				return false
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return false
		}
		c.Writer.Flush()
		return true
	}

	connPayload, err := jsonBytes(gin.H{
		"type":         "connection",
		"connectionId": id,
		"channel":      stream.channel,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil || !writeEvent("connection", connPayload) {
		return
	}
	if stream.snapshotEvent != "" && stream.snapshot != nil {
		if !writeEvent(stream.snapshotEvent, stream.snapshot) {
			return
		}
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case msg, ok := <-deltas:
			if !ok {
				return
			}
			if !writeEvent(stream.deltaEvent, []byte(msg)) {
				return
			}
		case <-heartbeat.C:
			_ = rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout))
			if _, err := fmt.Fprint(c.Writer, ": heartbeat\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}
