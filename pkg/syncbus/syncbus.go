// Package syncbus delivers SyncEvent records to subscribed live clients
// (web dashboards, CLI watchers, API long-pollers) over an in-process
// subscription channel or a websocket transport, with per-client rate
// limiting, TTL expiry, and heartbeat-driven client eviction.
package syncbus

import (
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/joborch/jobhub/pkg/config"
	"github.com/joborch/jobhub/pkg/log"
	"github.com/joborch/jobhub/pkg/metrics"
	"github.com/joborch/jobhub/pkg/types"
	"golang.org/x/time/rate"
)

// ErrQueueFull is returned by Publish when the ingest queue has no room;
// callers treat it as advisory, not fatal, since drops are expected here.
var ErrQueueFull = errors.New("syncbus: ingest queue full")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// intentFrame is the first message a websocket client must send: it
// declares the client's kind and the event-type set it subscribes to.
type intentFrame struct {
	Kind            types.ClientKind `json:"kind"`
	UserTag         string           `json:"user_tag"`
	SubscribedTypes []types.EventType `json:"subscribed_types"`
}

// connectAck is sent back once a client's intent frame is accepted.
type connectAck struct {
	Type              types.EventType `json:"type"`
	ClientID          string          `json:"client_id"`
	ServerTime        time.Time       `json:"server_time"`
	HeartbeatInterval time.Duration   `json:"heartbeat_interval"`
}

// client is the bus's internal record of one subscriber, local or remote.
type client struct {
	types.Client
	limiter *rate.Limiter
	send    chan *types.SyncEvent
	conn    *websocket.Conn // nil for in-process subscribers
	closed  sync.Once
}

func (c *client) close() {
	c.closed.Do(func() {
		close(c.send)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// Bus is the Sync Bus: a single-process cooperative dispatch loop fed by
// a bounded ingest queue, fanning events out to the subscription index.
type Bus struct {
	cfg config.SyncBusConfig

	mu      sync.RWMutex
	clients map[string]*client

	ingest chan *types.SyncEvent
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Bus. Call Start to begin the dispatch and heartbeat loops.
func New(cfg config.SyncBusConfig) *Bus {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 100 * time.Millisecond
	}
	if cfg.ClientTimeout <= 0 {
		cfg.ClientTimeout = 60 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.ClientRateLimit <= 0 {
		cfg.ClientRateLimit = 20
	}
	if cfg.ClientRateBurst <= 0 {
		cfg.ClientRateBurst = 40
	}
	return &Bus{
		cfg:     cfg,
		clients: make(map[string]*client),
		ingest:  make(chan *types.SyncEvent, cfg.QueueCapacity),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the batch-dispatch loop and the heartbeat-eviction loop.
func (b *Bus) Start() {
	b.wg.Add(2)
	go func() { defer b.wg.Done(); b.run() }()
	go func() { defer b.wg.Done(); b.heartbeatLoop() }()
}

// Stop halts both loops and closes every client's send channel.
func (b *Bus) Stop() {
	close(b.stopCh)
	b.wg.Wait()
	b.mu.Lock()
	for id, c := range b.clients {
		c.close()
		delete(b.clients, id)
	}
	b.mu.Unlock()
}

// Publish enqueues an event for dispatch. It never blocks: a full ingest
// queue drops the event and increments the dropped-events counter.
func (b *Bus) Publish(ev *types.SyncEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	metrics.SyncEventsPublishedTotal.WithLabelValues(string(ev.Type)).Inc()
	select {
	case b.ingest <- ev:
		return nil
	default:
		metrics.SyncEventsDroppedTotal.WithLabelValues("queue_full").Inc()
		return ErrQueueFull
	}
}

// ClientCount reports the number of currently registered clients.
func (b *Bus) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// RegisterLocal registers an in-process subscriber (the Coordinator
// listening for terminal job events, for example) and returns its ID and
// a receive-only channel of delivered events. Call Unregister when done.
func (b *Bus) RegisterLocal(kind types.ClientKind, userTag string, subscribed []types.EventType) (string, <-chan *types.SyncEvent) {
	c := b.newClient(kind, userTag, subscribed, nil)
	return c.ID, c.send
}

// Unregister removes a client from every subscription path and closes
// its channel or websocket connection.
func (b *Bus) Unregister(clientID string) {
	b.mu.Lock()
	c, ok := b.clients[clientID]
	if ok {
		delete(b.clients, clientID)
	}
	b.mu.Unlock()
	if ok {
		c.close()
		metrics.SyncClientsConnected.Dec()
	}
}

func (b *Bus) newClient(kind types.ClientKind, userTag string, subscribed []types.EventType, conn *websocket.Conn) *client {
	subs := make(map[types.EventType]bool, len(subscribed))
	for _, t := range subscribed {
		subs[t] = true
	}
	c := &client{
		Client: types.Client{
			ID:              uuid.NewString(),
			Kind:            kind,
			UserTag:         userTag,
			SubscribedTypes: subs,
			LastHeartbeat:   time.Now(),
			ConnectedAt:     time.Now(),
		},
		limiter: rate.NewLimiter(rate.Limit(b.cfg.ClientRateLimit), b.cfg.ClientRateBurst),
		send:    make(chan *types.SyncEvent, 256),
		conn:    conn,
	}
	b.mu.Lock()
	b.clients[c.ID] = c
	b.mu.Unlock()
	metrics.SyncClientsConnected.Inc()
	return c
}

// ServeWebSocket upgrades an HTTP request to a websocket connection,
// reads the client's intent frame, and drives its lifecycle: an ack
// write, a dedicated writer goroutine preserving per-client ordering,
// and a reader goroutine that updates the heartbeat on every pong.
func (b *Bus) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithComponent("syncbus").Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	var intent intentFrame
	if err := conn.ReadJSON(&intent); err != nil {
		_ = conn.Close()
		return
	}

	c := b.newClient(intent.Kind, intent.UserTag, intent.SubscribedTypes, conn)

	if err := conn.WriteJSON(connectAck{
		Type:              types.EventClientConnect,
		ClientID:          c.ID,
		ServerTime:        time.Now(),
		HeartbeatInterval: b.cfg.HeartbeatInterval,
	}); err != nil {
		b.Unregister(c.ID)
		return
	}

	conn.SetPongHandler(func(string) error {
		b.mu.Lock()
		if existing, ok := b.clients[c.ID]; ok {
			existing.LastHeartbeat = time.Now()
		}
		b.mu.Unlock()
		return nil
	})

	go b.writeLoop(c)
	b.readLoop(c)
}

func (b *Bus) writeLoop(c *client) {
	for ev := range c.send {
		if err := c.conn.WriteJSON(ev); err != nil {
			b.Unregister(c.ID)
			return
		}
	}
}

func (b *Bus) readLoop(c *client) {
	defer b.Unregister(c.ID)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Bus) heartbeatLoop() {
	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.pingAndEvict()
		case <-b.stopCh:
			return
		}
	}
}

// pingAndEvict only applies to websocket-backed clients: in-process
// subscribers (RegisterLocal) have no pong path to refresh LastHeartbeat
// and are expected to live as long as their owning goroutine does.
func (b *Bus) pingAndEvict() {
	now := time.Now()
	var stale []string
	b.mu.RLock()
	for id, c := range b.clients {
		if c.conn == nil {
			continue
		}
		if now.Sub(c.LastHeartbeat) > b.cfg.ClientTimeout {
			stale = append(stale, id)
			continue
		}
		_ = c.conn.WriteControl(websocket.PingMessage, nil, now.Add(5*time.Second))
	}
	b.mu.RUnlock()
	for _, id := range stale {
		b.Unregister(id)
	}
}

func (b *Bus) run() {
	ticker := time.NewTicker(b.cfg.BatchTimeout)
	defer ticker.Stop()

	var batch []*types.SyncEvent
	for {
		select {
		case ev := <-b.ingest:
			batch = append(batch, ev)
			if len(batch) >= b.cfg.BatchSize {
				b.flush(batch)
				batch = nil
			}
		case <-ticker.C:
			if len(batch) > 0 {
				b.flush(batch)
				batch = nil
			}
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bus) flush(batch []*types.SyncEvent) {
	sort.SliceStable(batch, func(i, j int) bool { return batch[i].Priority > batch[j].Priority })
	for _, ev := range batch {
		b.dispatch(ev)
	}
}

func (b *Bus) dispatch(ev *types.SyncEvent) {
	if ev.TTL > 0 && time.Since(ev.Timestamp) > ev.TTL {
		metrics.SyncEventsDroppedTotal.WithLabelValues("ttl_expired").Inc()
		return
	}
	for _, c := range b.targets(ev) {
		b.deliver(c, ev)
	}
}

func (b *Bus) targets(ev *types.SyncEvent) []*client {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(ev.TargetClientIDs) > 0 {
		out := make([]*client, 0, len(ev.TargetClientIDs))
		for _, id := range ev.TargetClientIDs {
			if c, ok := b.clients[id]; ok {
				out = append(out, c)
			}
		}
		return out
	}

	var out []*client
	for _, c := range b.clients {
		cc := c.Client
		if cc.Subscribes(ev.Type) {
			out = append(out, c)
		}
	}
	return out
}

func (b *Bus) deliver(c *client, ev *types.SyncEvent) {
	if !c.limiter.Allow() {
		metrics.SyncEventsDroppedTotal.WithLabelValues("rate_limited").Inc()
		return
	}
	select {
	case c.send <- ev:
	default:
		metrics.SyncEventsDroppedTotal.WithLabelValues("client_buffer_full").Inc()
	}
}
