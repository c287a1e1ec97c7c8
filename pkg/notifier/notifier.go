// Package notifier implements the Notifier (C7): a priority-ordered delivery
// queue that fans a NotificationMessage out to one or more channels, honoring
// per-channel-per-recipient rate limits and cooldowns, and retrying failed
// sends with exponential backoff. The ready/delayed min-heap pair and
// ticker-driven drain loop follow the same shape as the Error Engine's retry
// queue.
package notifier

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/joborch/jobhub/pkg/config"
	"github.com/joborch/jobhub/pkg/log"
	"github.com/joborch/jobhub/pkg/metrics"
	"github.com/joborch/jobhub/pkg/taskstore"
	"github.com/joborch/jobhub/pkg/types"
	"github.com/rs/zerolog"
)

// SyncPublisher is the Sync Bus capability used to announce deliveries.
// Satisfied structurally by *syncbus.Bus. Optional.
type SyncPublisher interface {
	Publish(ev *types.SyncEvent) error
}

// ChannelsForSeverity returns the deterministic channel set a classified
// error's severity fans out to. Log is always included so every
// notification leaves a durable trail even when every other channel is
// unconfigured or fails.
func ChannelsForSeverity(severity types.ErrorSeverity) []types.NotificationChannel {
	switch severity {
	case types.SeverityCritical:
		return []types.NotificationChannel{types.ChannelEmail, types.ChannelSlack, types.ChannelWebhook, types.ChannelLog}
	case types.SeverityHigh:
		return []types.NotificationChannel{types.ChannelEmail, types.ChannelSlack, types.ChannelLog}
	case types.SeverityMedium:
		return []types.NotificationChannel{types.ChannelEmail, types.ChannelLog}
	default:
		return []types.NotificationChannel{types.ChannelLog}
	}
}

// Notifier queues and delivers NotificationMessages across configured
// channels.
type Notifier struct {
	cfg      config.NotifierConfig
	store    *taskstore.Store
	syncBus  SyncPublisher
	channels map[types.NotificationChannel]Channel
	logger   zerolog.Logger

	mu      sync.Mutex
	ready   readyQueue
	delayed delayQueue
	limits  map[limitKey]*slidingWindow
	cooled  map[types.NotificationChannel]time.Time

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Notifier. Channels with no configured endpoint are skipped
// except Log, which is always registered.
func New(store *taskstore.Store, cfg config.NotifierConfig) *Notifier {
	n := &Notifier{
		cfg:      cfg,
		store:    store,
		channels: map[types.NotificationChannel]Channel{types.ChannelLog: logChannel{}},
		logger:   log.WithComponent("notifier"),
		limits:   make(map[limitKey]*slidingWindow),
		cooled:   make(map[types.NotificationChannel]time.Time),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}

	if cfg.SMTPAddr != "" {
		n.channels[types.ChannelEmail] = emailChannel{addr: cfg.SMTPAddr, from: cfg.SMTPFrom}
	}
	if cfg.WebhookURL != "" {
		wh := newWebhookChannel(cfg.WebhookURL, cfg.WebhookSecret)
		n.channels[types.ChannelWebhook] = wh
		n.channels[types.ChannelTeams] = teamsChannel{http: wh}
		n.channels[types.ChannelDiscord] = discordChannel{http: wh}
	}
	if cfg.SlackWebhookURL != "" {
		n.channels[types.ChannelSlack] = slackChannel{webhookURL: cfg.SlackWebhookURL}
	}
	// SMS/Push have no dedicated provider config: each message names its own
	// endpoint via Recipient, so the channel is always available.
	n.channels[types.ChannelSMS] = providerForwardChannel{client: httpClient()}
	n.channels[types.ChannelPush] = providerForwardChannel{client: httpClient()}

	heap.Init(&n.ready)
	heap.Init(&n.delayed)
	return n
}

// SetSyncBus wires the Sync Bus so delivered notifications also emit a
// SyncEvent. Optional.
func (n *Notifier) SetSyncBus(bus SyncPublisher) {
	n.syncBus = bus
}

// Start begins the delivery drain loop.
func (n *Notifier) Start() {
	n.wg.Add(1)
	go n.run()
}

// Stop halts the drain loop and waits for it to exit.
func (n *Notifier) Stop() {
	close(n.stopCh)
	n.wg.Wait()
}

// Enqueue admits a message onto the ready queue. It implements
// errorengine.NotificationEnqueuer.
func (n *Notifier) Enqueue(msg types.NotificationMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.MaxRetries == 0 {
		msg.MaxRetries = n.cfg.MaxRetries
	}
	msg.Status = types.NotificationPending

	if n.store != nil {
		if err := n.store.SaveNotification(&msg); err != nil {
			return fmt.Errorf("persist notification: %w", err)
		}
	}

	n.mu.Lock()
	heap.Push(&n.ready, &queueItem{msg: msg})
	n.mu.Unlock()

	metrics.NotificationsQueuedTotal.WithLabelValues(string(msg.Channel)).Inc()
	n.wakeUp()
	return nil
}

func (n *Notifier) wakeUp() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *Notifier) run() {
	defer n.wg.Done()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-n.wake:
			n.drain()
		case <-ticker.C:
			n.releaseDelayed()
			n.drain()
		case <-n.stopCh:
			return
		}
	}
}

// releaseDelayed moves delayed items whose retry time has elapsed back onto
// the ready queue.
func (n *Notifier) releaseDelayed() {
	now := time.Now()
	n.mu.Lock()
	defer n.mu.Unlock()
	for n.delayed.Len() > 0 && !n.delayed[0].readyAt.After(now) {
		item := heap.Pop(&n.delayed).(*queueItem)
		heap.Push(&n.ready, item)
	}
}

// drain delivers every ready message in priority order, deferring rate
// limited or cooled-down sends without consuming a retry attempt.
func (n *Notifier) drain() {
	for {
		n.mu.Lock()
		if n.ready.Len() == 0 {
			n.mu.Unlock()
			return
		}
		item := heap.Pop(&n.ready).(*queueItem)
		n.mu.Unlock()

		n.deliver(item)
	}
}

func (n *Notifier) deliver(item *queueItem) {
	msg := item.msg
	ch, ok := n.channels[msg.Channel]
	if !ok {
		n.fail(item, fmt.Errorf("channel %s not configured", msg.Channel))
		return
	}

	if n.inCooldown(msg.Channel) {
		n.requeueLater(item, n.cfg.Cooldown)
		return
	}
	if !n.allow(msg.Channel, msg.Recipient) {
		metrics.NotificationsRateLimitedTotal.WithLabelValues(string(msg.Channel)).Inc()
		n.requeueLater(item, time.Hour/time.Duration(max(1, n.cfg.RateLimitPerHour)))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	err := ch.Send(ctx, &msg)
	cancel()

	if err != nil {
		n.markCooldown(msg.Channel)
		n.fail(item, err)
		return
	}

	msg.Status = types.NotificationDelivered
	msg.DeliveredAt = time.Now()
	n.persist(msg)
	metrics.NotificationsDeliveredTotal.WithLabelValues(string(msg.Channel)).Inc()
	n.emitDelivered(msg)
}

func (n *Notifier) fail(item *queueItem, sendErr error) {
	msg := item.msg
	msg.Attempt++
	msg.LastError = sendErr.Error()
	n.logger.Warn().Err(sendErr).Str("channel", string(msg.Channel)).Str("job_id", msg.JobID).Int("attempt", msg.Attempt).Msg("notification delivery failed")

	if msg.Attempt >= msg.MaxRetries {
		msg.Status = types.NotificationFailed
		n.persist(msg)
		metrics.NotificationsFailedTotal.WithLabelValues(string(msg.Channel)).Inc()
		return
	}

	msg.Status = types.NotificationRetrying
	n.persist(msg)
	n.requeueLater(&queueItem{msg: msg}, retryDelay(msg.Attempt))
}

func (n *Notifier) requeueLater(item *queueItem, delay time.Duration) {
	item.readyAt = time.Now().Add(delay)
	n.mu.Lock()
	heap.Push(&n.delayed, item)
	n.mu.Unlock()
}

func (n *Notifier) persist(msg types.NotificationMessage) {
	if n.store == nil {
		return
	}
	if err := n.store.SaveNotification(&msg); err != nil {
		n.logger.Error().Err(err).Str("id", msg.ID).Msg("persist notification status failed")
	}
}

func (n *Notifier) emitDelivered(msg types.NotificationMessage) {
	if n.syncBus == nil {
		return
	}
	_ = n.syncBus.Publish(&types.SyncEvent{
		Type: types.EventNotificationSent, JobID: msg.JobID, Priority: msg.Priority,
		Timestamp: time.Now(), Data: map[string]any{"channel": string(msg.Channel), "notification_id": msg.ID},
	})
}

// retryDelay implements the spec's exact backoff formula:
// min(60*2^(attempt-1), 3600) seconds.
func retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 60 * time.Second
	b.Multiplier = 2
	b.MaxInterval = 3600 * time.Second
	b.RandomizationFactor = 0

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d <= 0 {
		d = b.MaxInterval
	}
	return d
}
