package notifier

import (
	"net/http"
	"time"

	"github.com/joborch/jobhub/pkg/types"
)

func httpClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// queueItem is one message in either the ready or delayed heap.
type queueItem struct {
	msg     types.NotificationMessage
	readyAt time.Time // only meaningful while sitting in the delayed heap
}

// readyQueue is a container/heap.Interface max-heap on NotificationPriority:
// Urgent drains before Critical, Critical before High, and so on.
type readyQueue []*queueItem

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	return q[i].msg.Priority > q[j].msg.Priority
}

func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *readyQueue) Push(x any) {
	*q = append(*q, x.(*queueItem))
}

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// delayQueue is a container/heap.Interface min-heap on readyAt.
type delayQueue []*queueItem

func (q delayQueue) Len() int { return len(q) }

func (q delayQueue) Less(i, j int) bool { return q[i].readyAt.Before(q[j].readyAt) }

func (q delayQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *delayQueue) Push(x any) {
	*q = append(*q, x.(*queueItem))
}

func (q *delayQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// limitKey scopes a sliding-window rate limit to one channel/recipient pair.
type limitKey struct {
	channel   types.NotificationChannel
	recipient string
}

// slidingWindow counts sends in the trailing hour. A token-bucket limiter
// models a burst-then-refill shape; "N per hour" is a trailing count, so a
// plain timestamp slice is the direct fit.
type slidingWindow struct {
	sends []time.Time
}

func (w *slidingWindow) allow(limit int, now time.Time) bool {
	cutoff := now.Add(-time.Hour)
	kept := w.sends[:0]
	for _, t := range w.sends {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.sends = kept
	if len(w.sends) >= limit {
		return false
	}
	w.sends = append(w.sends, now)
	return true
}

// allow reports whether channel/recipient is still within its hourly budget,
// recording the attempt if so.
func (n *Notifier) allow(channel types.NotificationChannel, recipient string) bool {
	if n.cfg.RateLimitPerHour <= 0 {
		return true
	}
	key := limitKey{channel: channel, recipient: recipient}

	n.mu.Lock()
	defer n.mu.Unlock()
	w, ok := n.limits[key]
	if !ok {
		w = &slidingWindow{}
		n.limits[key] = w
	}
	return w.allow(n.cfg.RateLimitPerHour, time.Now())
}

// inCooldown reports whether channel is still within its post-failure
// cooldown window.
func (n *Notifier) inCooldown(channel types.NotificationChannel) bool {
	if n.cfg.Cooldown <= 0 {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	until, ok := n.cooled[channel]
	return ok && time.Now().Before(until)
}

func (n *Notifier) markCooldown(channel types.NotificationChannel) {
	if n.cfg.Cooldown <= 0 {
		return
	}
	n.mu.Lock()
	n.cooled[channel] = time.Now().Add(n.cfg.Cooldown)
	n.mu.Unlock()
}
