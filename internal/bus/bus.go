// Package bus implements the two-tier event bus: immediate in-process
// fan-out plus a polled SQLite change log that relays events between
// processes sharing a database.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/anteroom/anteroom/internal/store"
	"github.com/anteroom/anteroom/pkg/models"
)

const (
	// PollInterval is how often the change log is scanned for rows
	// written by other processes.
	PollInterval = 1500 * time.Millisecond

	// CleanupInterval is how often old change log rows are pruned.
	CleanupInterval = 5 * time.Minute

	// CleanupMaxAge is the retention window for change log rows.
	CleanupMaxAge = 10 * time.Minute

	defaultQueueSize = 64
)

// Subscriber receives events for one channel. Events arrives in publish
// order; slow consumers lose events rather than block publishers.
type Subscriber struct {
	Channel string
	Events  chan models.Event
}

// Bus is the process-wide event bus.
type Bus struct {
	processID string
	manager   *store.Manager
	logger    *slog.Logger
	queueSize int

	mu   sync.Mutex
	subs map[string]map[*Subscriber]struct{}

	lastSeen map[string]int64
	dropped  atomic.Int64

	pollCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a bus backed by the given database manager. The manager may
// be nil, in which case the bus is purely in-process.
func New(manager *store.Manager, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		processID: uuid.New().String(),
		manager:   manager,
		logger:    logger.With("component", "bus"),
		queueSize: defaultQueueSize,
		subs:      make(map[string]map[*Subscriber]struct{}),
		lastSeen:  make(map[string]int64),
	}
}

// ProcessID returns this bus instance's identity in the change log.
func (b *Bus) ProcessID() string {
	return b.processID
}

// Dropped returns how many events were discarded due to full subscriber
// queues.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribe registers a subscriber for a channel.
func (b *Bus) Subscribe(channel string) *Subscriber {
	sub := &Subscriber{
		Channel: channel,
		Events:  make(chan models.Event, b.queueSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*Subscriber]struct{})
	}
	b.subs[channel][sub] = struct{}{}
	return sub
}

// Unsubscribe removes a subscriber and closes its event channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[sub.Channel]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.Channel)
	}
	close(sub.Events)
}

// Publish delivers an event to local subscribers immediately and records
// it in the channel's change log for other processes. A change log write
// failure does not affect local delivery.
func (b *Bus) Publish(ctx context.Context, channel string, event models.Event) {
	b.deliverLocal(channel, event)

	if b.manager == nil {
		return
	}
	dbName := store.DatabaseForChannel(channel)
	st, err := b.manager.Get(dbName)
	if err != nil {
		b.logger.Warn("change log database unavailable", "database", dbName, "error", err)
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Warn("failed to encode event", "error", err)
		return
	}
	if err := st.AppendChangeLog(ctx, b.processID, channel, string(event.Kind), string(payload)); err != nil {
		b.logger.Warn("failed to append change log", "channel", channel, "error", err)
	}
}

func (b *Bus) deliverLocal(channel string, event models.Event) {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs[channel]))
	for sub := range b.subs[channel] {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.Events <- event:
		default:
			b.dropped.Add(1)
			b.logger.Warn("subscriber queue full, dropping event",
				"channel", channel, "event", event.Kind)
		}
	}
}

// StartPolling begins scanning change logs for events published by other
// processes. The high-water mark is seeded to the current maximum so only
// rows written after startup replay.
func (b *Bus) StartPolling(ctx context.Context) {
	if b.manager == nil || b.pollCancel != nil {
		return
	}

	for _, name := range b.manager.Names() {
		st, err := b.manager.Get(name)
		if err != nil {
			b.logger.Warn("skipping database for polling", "database", name, "error", err)
			continue
		}
		max, err := st.MaxChangeLogID(ctx)
		if err != nil {
			b.logger.Warn("failed to seed change log position", "database", name, "error", err)
			continue
		}
		b.lastSeen[name] = max
	}

	pollCtx, cancel := context.WithCancel(ctx)
	b.pollCancel = cancel

	b.wg.Add(1)
	go b.pollLoop(pollCtx)
}

// StopPolling stops the poller and waits for it to exit.
func (b *Bus) StopPolling() {
	if b.pollCancel == nil {
		return
	}
	b.pollCancel()
	b.wg.Wait()
	b.pollCancel = nil
}

func (b *Bus) pollLoop(ctx context.Context) {
	defer b.wg.Done()

	poll := time.NewTicker(PollInterval)
	defer poll.Stop()
	cleanup := time.NewTicker(CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			b.pollOnce(ctx)
		case <-cleanup.C:
			b.cleanupOnce(ctx)
		}
	}
}

// pollOnce replays foreign change log rows onto local subscribers.
func (b *Bus) pollOnce(ctx context.Context) {
	for _, name := range b.manager.Names() {
		st, err := b.manager.Get(name)
		if err != nil {
			continue
		}
		rows, err := st.ChangeLogSince(ctx, b.lastSeen[name])
		if err != nil {
			b.logger.Warn("change log read failed", "database", name, "error", err)
			continue
		}
		for _, row := range rows {
			b.lastSeen[name] = row.ID
			if row.ProcessID == b.processID {
				continue
			}
			var event models.Event
			if err := json.Unmarshal([]byte(row.Payload), &event); err != nil {
				b.logger.Warn("malformed change log payload", "id", row.ID, "error", err)
				continue
			}
			b.deliverLocal(row.Channel, event)
		}
	}
}

func (b *Bus) cleanupOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-CleanupMaxAge)
	for _, name := range b.manager.Names() {
		st, err := b.manager.Get(name)
		if err != nil {
			continue
		}
		n, err := st.PruneChangeLog(ctx, cutoff)
		if err != nil {
			b.logger.Warn("change log prune failed", "database", name, "error", err)
			continue
		}
		if n > 0 {
			b.logger.Debug("pruned change log", "database", name, "rows", n)
		}
	}
}

// ConversationChannel names the per-conversation event channel.
func ConversationChannel(conversationID string) string {
	return "conversation:" + conversationID
}

// GlobalChannel names the shared-database broadcast channel.
func GlobalChannel(dbName string) string {
	return "global:" + dbName
}
