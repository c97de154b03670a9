package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dcmshare/dcmrelay"
	"github.com/stretchr/testify/require"
)

type countingNotifier struct {
	mu   sync.Mutex
	sent []dcmrelay.Notification
}

func (c *countingNotifier) Announce(_ context.Context, n dcmrelay.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return nil
}

func (c *countingNotifier) notifications() []dcmrelay.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]dcmrelay.Notification(nil), c.sent...)
}

func notification(hash, patientID string) dcmrelay.Notification {
	return dcmrelay.Notification{Ref: dcmrelay.StudyRef{Hash: hash}, PatientID: patientID}
}

func TestAnnouncer_FlushWhileTimerFires(t *testing.T) {
	for i := 0; i < 20; i++ {
		notifier := &countingNotifier{}
		a := newAnnouncer(notifier, time.Millisecond, nil)
		a.schedule(context.Background(), notification("h1", "P1"))

		// Hold the lock until the timer has fired so its callback is waiting
		// to claim the entry when flush runs.
		a.mu.Lock()
		p := a.pending["h1"]
		time.Sleep(20 * time.Millisecond)
		require.False(t, p.timer.Stop(), "timer should have fired")
		a.mu.Unlock()
		a.flush()

		require.Eventually(t, func() bool { return len(notifier.notifications()) == 1 }, time.Second, time.Millisecond)
		require.Never(t, func() bool { return len(notifier.notifications()) > 1 }, 20*time.Millisecond, time.Millisecond)
	}
}

func TestAnnouncer_ClaimsEachEntryOnce(t *testing.T) {
	tests := []struct {
		name string
		run  func(a *announcer)
		want []string
	}{
		{
			name: "flush then stale fire",
			run: func(a *announcer) {
				a.schedule(context.Background(), notification("h1", "P1"))
				p := a.pending["h1"]
				a.flush()
				a.fire("h1", p)
			},
			want: []string{"P1"},
		},
		{
			name: "fire then flush",
			run: func(a *announcer) {
				a.schedule(context.Background(), notification("h1", "P1"))
				a.fire("h1", a.pending["h1"])
				a.flush()
			},
			want: []string{"P1"},
		},
		{
			name: "stale timer after reschedule",
			run: func(a *announcer) {
				a.schedule(context.Background(), notification("h1", "P1"))
				first := a.pending["h1"]
				a.fire("h1", first)
				a.schedule(context.Background(), notification("h1", "P2"))
				a.fire("h1", first)
				a.flush()
			},
			want: []string{"P1", "P2"},
		},
		{
			name: "reschedule keeps latest",
			run: func(a *announcer) {
				a.schedule(context.Background(), notification("h1", "P1"))
				a.schedule(context.Background(), notification("h1", "P2"))
				a.flush()
			},
			want: []string{"P2"},
		},
		{
			name: "nothing scheduled after flush",
			run: func(a *announcer) {
				a.flush()
				a.schedule(context.Background(), notification("h1", "P1"))
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			notifier := &countingNotifier{}
			a := newAnnouncer(notifier, time.Hour, nil)
			test.run(a)
			var got []string
			for _, n := range notifier.notifications() {
				got = append(got, n.PatientID)
			}
			require.Equal(t, test.want, got)
		})
	}
}
