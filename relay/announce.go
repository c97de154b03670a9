package relay

import (
	"context"
	"sync"
	"time"

	"github.com/dcmshare/dcmrelay"
	"github.com/dcmshare/dcmrelay/metrics"
)

const flushTimeout = 10 * time.Second

// Notifier delivers study announcements to the remote party.
type Notifier interface {
	Announce(ctx context.Context, n dcmrelay.Notification) error
}

type pendingAnnouncement struct {
	n     dcmrelay.Notification
	timer *time.Timer
}

// announcer sends notifications, optionally holding each study back until it
// has been quiet for delay.
type announcer struct {
	notifier Notifier
	delay    time.Duration
	metrics  *metrics.Metrics

	mu      sync.Mutex
	pending map[string]*pendingAnnouncement
	closed  bool
}

func newAnnouncer(notifier Notifier, delay time.Duration, m *metrics.Metrics) *announcer {
	return &announcer{
		notifier: notifier,
		delay:    delay,
		metrics:  m,
		pending:  make(map[string]*pendingAnnouncement),
	}
}

func (a *announcer) schedule(ctx context.Context, n dcmrelay.Notification) {
	if a.delay <= 0 {
		a.send(ctx, n)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if p, ok := a.pending[n.Ref.Hash]; ok {
		p.n = n
		p.timer.Reset(a.delay)
		return
	}
	p := &pendingAnnouncement{n: n}
	p.timer = time.AfterFunc(a.delay, func() { a.fire(n.Ref.Hash, p) })
	a.pending[n.Ref.Hash] = p
}

// fire sends p if it is still the pending announcement for hash. Whoever
// removes an entry from pending sends it, so a timer racing flush or a
// rescheduled timer cannot drop or repeat an announcement.
func (a *announcer) fire(hash string, p *pendingAnnouncement) {
	a.mu.Lock()
	if a.pending[hash] != p {
		a.mu.Unlock()
		return
	}
	delete(a.pending, hash)
	n := p.n
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	a.send(ctx, n)
}

// flush stops all timers and sends what is still pending, including entries
// whose timer has fired but not yet claimed them.
func (a *announcer) flush() {
	a.mu.Lock()
	a.closed = true
	due := make([]dcmrelay.Notification, 0, len(a.pending))
	for hash, p := range a.pending {
		p.timer.Stop()
		due = append(due, p.n)
		delete(a.pending, hash)
	}
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for _, n := range due {
		a.send(ctx, n)
	}
}

func (a *announcer) send(ctx context.Context, n dcmrelay.Notification) {
	if a.notifier == nil {
		log.Warnw("No notifier configured; study not announced", "study", n.Ref.Hash)
		return
	}
	outcome := "sent"
	if err := a.notifier.Announce(ctx, n); err != nil {
		outcome = "failed"
		log.Errorw("Failed to announce study", "study", n.Ref.Hash, "err", dcmrelay.ErrMessaging{Op: "announce", Err: err})
	} else {
		log.Infow("Announced study", "study", n.Ref.Hash)
	}
	if a.metrics != nil {
		a.metrics.RecordNotification(ctx, outcome)
	}
}
