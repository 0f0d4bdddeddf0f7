// Package approvals implements the broker that parks destructive-operation
// requests until a human approves, denies, or lets them expire.
package approvals

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	// DefaultWaitTimeout is how long a requester waits before the
	// operation is treated as denied.
	DefaultWaitTimeout = 5 * time.Minute

	// SweepInterval is how often expired requests are collected.
	SweepInterval = time.Minute

	// MaxAge is how long an unresolved request may exist before the
	// sweeper denies it.
	MaxAge = 10 * time.Minute

	// MaxMessageChars caps the stored prompt text.
	MaxMessageChars = 10_000
)

// PendingApproval describes an unresolved request, for surfacing to UIs.
type PendingApproval struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
}

type pendingEntry struct {
	message   string
	owner     string
	createdAt time.Time
	result    chan bool
}

// Broker tracks pending approval requests. Each request is resolved at
// most once; every exit path removes its entry.
type Broker struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingEntry

	sweepCancel context.CancelFunc
	wg          sync.WaitGroup
}

// NewBroker creates an approval broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		logger:  logger.With("component", "approvals"),
		pending: make(map[string]*pendingEntry),
	}
}

// Request registers a new approval request and returns its opaque ID.
// The message is truncated to MaxMessageChars.
func (b *Broker) Request(message, owner string) string {
	if len(message) > MaxMessageChars {
		// Cut on a rune boundary so the stored text stays valid UTF-8.
		cut := MaxMessageChars
		for cut > 0 && !utf8.RuneStart(message[cut]) {
			cut--
		}
		message = message[:cut]
	}

	id := newToken()
	entry := &pendingEntry{
		message:   message,
		owner:     owner,
		createdAt: time.Now(),
		result:    make(chan bool, 1),
	}

	b.mu.Lock()
	b.pending[id] = entry
	b.mu.Unlock()

	b.logger.Info("approval requested", "id", id, "owner", owner)
	return id
}

// Wait blocks until the request is resolved, the timeout passes, or ctx is
// cancelled. Unknown IDs, timeouts, and cancellation all report false. The
// entry is removed on every exit path.
func (b *Broker) Wait(ctx context.Context, id string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}

	b.mu.Lock()
	entry, ok := b.pending[id]
	b.mu.Unlock()
	if !ok {
		return false
	}

	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case approved := <-entry.result:
		return approved
	case <-timer.C:
		b.logger.Info("approval timed out", "id", id)
		return false
	case <-ctx.Done():
		return false
	}
}

// Resolve fulfils a pending request. It reports false when the ID is
// unknown, already resolved, or the owner does not match the requester.
func (b *Broker) Resolve(id string, approved bool, owner string) bool {
	b.mu.Lock()
	entry, ok := b.pending[id]
	if !ok {
		b.mu.Unlock()
		return false
	}
	if entry.owner != owner {
		b.mu.Unlock()
		b.logger.Warn("approval owner mismatch", "id", id, "owner", owner)
		return false
	}
	delete(b.pending, id)
	b.mu.Unlock()

	// The channel is buffered; if the waiter already left, the value is
	// simply discarded.
	select {
	case entry.result <- approved:
	default:
	}

	b.logger.Info("approval resolved", "id", id, "approved", approved)
	return true
}

// Pending returns a snapshot of unresolved requests.
func (b *Broker) Pending() []PendingApproval {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := make([]PendingApproval, 0, len(b.pending))
	for id, entry := range b.pending {
		result = append(result, PendingApproval{
			ID:        id,
			Message:   entry.message,
			Owner:     entry.owner,
			CreatedAt: entry.createdAt,
		})
	}
	return result
}

// StartSweeper begins periodic expiry of stale requests. Expired entries
// are denied so parked waiters wake up.
func (b *Broker) StartSweeper(ctx context.Context) {
	if b.sweepCancel != nil {
		return
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	b.sweepCancel = cancel

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				b.sweepOnce(time.Now())
			}
		}
	}()
}

// StopSweeper stops the sweeper and waits for it to exit.
func (b *Broker) StopSweeper() {
	if b.sweepCancel == nil {
		return
	}
	b.sweepCancel()
	b.wg.Wait()
	b.sweepCancel = nil
}

func (b *Broker) sweepOnce(now time.Time) {
	cutoff := now.Add(-MaxAge)

	b.mu.Lock()
	var expired []*pendingEntry
	for id, entry := range b.pending {
		if entry.createdAt.Before(cutoff) {
			delete(b.pending, id)
			expired = append(expired, entry)
			b.logger.Info("approval expired", "id", id)
		}
	}
	b.mu.Unlock()

	for _, entry := range expired {
		select {
		case entry.result <- false:
		default:
		}
	}
}

func newToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
