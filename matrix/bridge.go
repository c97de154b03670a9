// Package matrix carries study announcements over Matrix rooms and turns
// announcements posted by the remote party into fetch requests.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dcmshare/dcmrelay"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"
)

var log = logging.Logger("dcmrelay/matrix")

var ErrNoRooms = errors.New("not joined to any room")

type EventKind int

const (
	EventInvited EventKind = iota + 1
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventInvited:
		return "invited"
	case EventMessage:
		return "message"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is what a Client reports from its sync loop.
type Event struct {
	Kind   EventKind
	RoomID string
	Sender string
	Body   string
}

// Client is the messaging transport. Sync pushes events until ctx is done.
type Client interface {
	UserID() string
	Sync(ctx context.Context, events chan<- Event) error
	JoinRoom(ctx context.Context, roomID string) error
	JoinedRooms(ctx context.Context) ([]string, error)
	SendText(ctx context.Context, roomID, text string) error
}

// NotificationFunc handles a study reference announced in roomID.
type NotificationFunc func(ctx context.Context, roomID string, ref dcmrelay.StudyRef)

type Option func(*Bridge) error

// WithJoinDelays sets the first delay between room join attempts and the
// cap at which joining is abandoned. Defaults are 2s and 1h.
func WithJoinDelays(initial, maxDelay time.Duration) Option {
	return func(b *Bridge) error {
		if initial <= 0 || maxDelay < initial {
			return fmt.Errorf("join delays must satisfy 0 < initial <= max, got %s and %s", initial, maxDelay)
		}
		b.joinInitial, b.joinMax = initial, maxDelay
		return nil
	}
}

// Bridge runs a single dispatch loop over the client's events. Joins and
// notification handling run in their own goroutines so the loop never
// blocks on them.
type Bridge struct {
	client         Client
	onNotification NotificationFunc
	joinInitial    time.Duration
	joinMax        time.Duration
	wg             sync.WaitGroup
}

func New(client Client, onNotification NotificationFunc, options ...Option) (*Bridge, error) {
	b := &Bridge{
		client:         client,
		onNotification: onNotification,
		joinInitial:    2 * time.Second,
		joinMax:        time.Hour,
	}
	for i, opt := range options {
		if err := opt(b); err != nil {
			return nil, fmt.Errorf("option %d error: %s", i, err)
		}
	}
	return b, nil
}

// Run syncs and dispatches until ctx is done, then waits for the goroutines
// it started.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.wg.Wait()
	events := make(chan Event, 64)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := b.client.Sync(ctx, events); err != nil {
			return dcmrelay.ErrMessaging{Op: "sync", Err: err}
		}
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case ev := <-events:
				b.dispatch(ctx, ev)
			case <-ctx.Done():
				return nil
			}
		}
	})
	return g.Wait()
}

func (b *Bridge) dispatch(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventInvited:
		log.Infow("Invited to room", "room", ev.RoomID, "by", ev.Sender)
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.join(ctx, ev.RoomID)
		}()
	case EventMessage:
		if ev.Sender == b.client.UserID() {
			return
		}
		ref, err := dcmrelay.ParseStudyRef(ev.Body)
		if err != nil {
			log.Debugw("Ignoring message without a study reference", "room", ev.RoomID, "sender", ev.Sender)
			return
		}
		log.Infow("Received study announcement", "room", ev.RoomID, "sender", ev.Sender, "study", ref.Hash)
		if b.onNotification == nil {
			return
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.onNotification(ctx, ev.RoomID, ref)
		}()
	default:
		log.Warnw("Unknown event", "kind", ev.Kind)
	}
}

// cappedBackOff doubles the delay from its initial value and stops once the
// delay reaches max.
type cappedBackOff struct {
	exp *backoff.ExponentialBackOff
	max time.Duration
}

func newCappedBackOff(initial, maxDelay time.Duration) *cappedBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initial
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = maxDelay
	exp.MaxElapsedTime = 0
	exp.Reset()
	return &cappedBackOff{exp: exp, max: maxDelay}
}

func (c *cappedBackOff) NextBackOff() time.Duration {
	d := c.exp.NextBackOff()
	if d == backoff.Stop || d >= c.max {
		return backoff.Stop
	}
	return d
}

func (c *cappedBackOff) Reset() { c.exp.Reset() }

func (b *Bridge) join(ctx context.Context, roomID string) {
	err := backoff.RetryNotify(func() error {
		return b.client.JoinRoom(ctx, roomID)
	}, backoff.WithContext(newCappedBackOff(b.joinInitial, b.joinMax), ctx), func(err error, wait time.Duration) {
		log.Warnw("Failed to join room; retrying", "room", roomID, "wait", wait, "err", err)
	})
	if err != nil {
		if ctx.Err() == nil {
			log.Errorw("Abandoned joining room", "room", roomID, "err", err)
		}
		return
	}
	log.Infow("Joined room", "room", roomID)
}

// Announce posts the notification to every joined room.
func (b *Bridge) Announce(ctx context.Context, n dcmrelay.Notification) error {
	rooms, err := b.client.JoinedRooms(ctx)
	if err != nil {
		return dcmrelay.ErrMessaging{Op: "announce", Err: err}
	}
	if len(rooms) == 0 {
		return dcmrelay.ErrMessaging{Op: "announce", Err: ErrNoRooms}
	}
	text := n.String()
	var errs []error
	for _, room := range rooms {
		if err := b.client.SendText(ctx, room, text); err != nil {
			errs = append(errs, fmt.Errorf("room %s: %w", room, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return dcmrelay.ErrMessaging{Op: "announce", Err: err}
	}
	return nil
}

// Reply posts a status line to a room.
func (b *Bridge) Reply(ctx context.Context, roomID, text string) error {
	if err := b.client.SendText(ctx, roomID, text); err != nil {
		return dcmrelay.ErrMessaging{Op: "reply", Err: err}
	}
	return nil
}
