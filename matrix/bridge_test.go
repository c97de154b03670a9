package matrix_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dcmshare/dcmrelay"
	"github.com/dcmshare/dcmrelay/matrix"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const self = "@relay:example.org"

type sentMessage struct {
	room, text string
}

type fakeClient struct {
	inbox     chan matrix.Event
	joinErr   error
	mu        sync.Mutex
	joins     map[string]int
	rooms     []string
	sent      []sentMessage
	sendErr   map[string]error
	syncError error
}

func newFakeClient() *fakeClient {
	return &fakeClient{inbox: make(chan matrix.Event), joins: map[string]int{}}
}

func (f *fakeClient) UserID() string { return self }

func (f *fakeClient) Sync(ctx context.Context, events chan<- matrix.Event) error {
	if f.syncError != nil {
		return f.syncError
	}
	for {
		select {
		case ev := <-f.inbox:
			events <- ev
		case <-ctx.Done():
			return nil
		}
	}
}

func (f *fakeClient) JoinRoom(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins[roomID]++
	if f.joinErr != nil {
		return f.joinErr
	}
	f.rooms = append(f.rooms, roomID)
	return nil
}

func (f *fakeClient) JoinedRooms(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.rooms...), nil
}

func (f *fakeClient) SendText(_ context.Context, roomID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.sendErr[roomID]; err != nil {
		return err
	}
	f.sent = append(f.sent, sentMessage{roomID, text})
	return nil
}

func (f *fakeClient) joinCount(room string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins[room]
}

func testRef() dcmrelay.StudyRef {
	var key dcmrelay.StudyKey
	for i := range key {
		key[i] = byte(i)
	}
	return dcmrelay.StudyRef{Hash: dcmrelay.DeriveID(key, "1.2.3"), Key: key}
}

func runBridge(t *testing.T, b *matrix.Bridge) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	return cancel, done
}

func TestBridge_DispatchesNotifications(t *testing.T) {
	defer goleak.VerifyNone(t)

	client := newFakeClient()
	got := make(chan dcmrelay.StudyRef, 4)
	rooms := make(chan string, 4)
	b, err := matrix.New(client, func(_ context.Context, room string, ref dcmrelay.StudyRef) {
		rooms <- room
		got <- ref
	})
	require.NoError(t, err)
	cancel, done := runBridge(t, b)

	ref := testRef()
	body := dcmrelay.Notification{Ref: ref, PatientID: "P1"}.String()
	client.inbox <- matrix.Event{Kind: matrix.EventMessage, RoomID: "!own:example.org", Sender: self, Body: body}
	client.inbox <- matrix.Event{Kind: matrix.EventMessage, RoomID: "!a:example.org", Sender: "@peer:example.org", Body: "hello"}
	client.inbox <- matrix.Event{Kind: matrix.EventMessage, RoomID: "!a:example.org", Sender: "@peer:example.org", Body: body}

	select {
	case r := <-got:
		require.Equal(t, ref, r)
		require.Equal(t, "!a:example.org", <-rooms)
	case <-time.After(5 * time.Second):
		t.Fatal("notification not dispatched")
	}
	cancel()
	require.NoError(t, <-done)
	require.Empty(t, got, "own and malformed messages must be ignored")
}

func TestBridge_JoinsOnInvite(t *testing.T) {
	defer goleak.VerifyNone(t)

	client := newFakeClient()
	b, err := matrix.New(client, nil, matrix.WithJoinDelays(time.Millisecond, 8*time.Millisecond))
	require.NoError(t, err)
	cancel, done := runBridge(t, b)

	client.inbox <- matrix.Event{Kind: matrix.EventInvited, RoomID: "!a:example.org", Sender: "@peer:example.org"}
	require.Eventually(t, func() bool {
		rooms, _ := client.JoinedRooms(context.Background())
		return len(rooms) == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, client.joinCount("!a:example.org"))

	cancel()
	require.NoError(t, <-done)
}

func TestBridge_AbandonsJoinAtCap(t *testing.T) {
	defer goleak.VerifyNone(t)

	client := newFakeClient()
	client.joinErr = errors.New("forbidden")
	b, err := matrix.New(client, nil, matrix.WithJoinDelays(time.Millisecond, 8*time.Millisecond))
	require.NoError(t, err)
	cancel, done := runBridge(t, b)

	client.inbox <- matrix.Event{Kind: matrix.EventInvited, RoomID: "!a:example.org", Sender: "@peer:example.org"}
	// One immediate attempt, then retries after 1ms, 2ms and 4ms. The next
	// delay would reach the cap.
	require.Eventually(t, func() bool {
		return client.joinCount("!a:example.org") == 4
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 4, client.joinCount("!a:example.org"))

	cancel()
	require.NoError(t, <-done)
}

func TestBridge_SyncFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	client := newFakeClient()
	client.syncError = errors.New("unknown token")
	b, err := matrix.New(client, nil)
	require.NoError(t, err)
	err = b.Run(context.Background())
	var me dcmrelay.ErrMessaging
	require.True(t, errors.As(err, &me))
	require.Equal(t, "sync", me.Op)
}

func TestBridge_Announce(t *testing.T) {
	ctx := context.Background()
	n := dcmrelay.Notification{Ref: testRef(), PatientID: "P1", PatientName: "DOE^JANE"}

	t.Run("no rooms", func(t *testing.T) {
		b, err := matrix.New(newFakeClient(), nil)
		require.NoError(t, err)
		require.ErrorIs(t, b.Announce(ctx, n), matrix.ErrNoRooms)
	})

	t.Run("every joined room", func(t *testing.T) {
		client := newFakeClient()
		client.rooms = []string{"!a:example.org", "!b:example.org"}
		b, err := matrix.New(client, nil)
		require.NoError(t, err)
		require.NoError(t, b.Announce(ctx, n))
		require.Equal(t, []sentMessage{
			{"!a:example.org", n.String()},
			{"!b:example.org", n.String()},
		}, client.sent)

		parsed, err := dcmrelay.ParseStudyRef(client.sent[0].text)
		require.NoError(t, err)
		require.Equal(t, n.Ref, parsed)
	})

	t.Run("partial failure", func(t *testing.T) {
		client := newFakeClient()
		client.rooms = []string{"!a:example.org", "!b:example.org"}
		client.sendErr = map[string]error{"!a:example.org": errors.New("rate limited")}
		b, err := matrix.New(client, nil)
		require.NoError(t, err)
		err = b.Announce(ctx, n)
		require.ErrorContains(t, err, "rate limited")
		require.Len(t, client.sent, 1)
	})
}

func TestBridge_Reply(t *testing.T) {
	client := newFakeClient()
	b, err := matrix.New(client, nil)
	require.NoError(t, err)
	require.NoError(t, b.Reply(context.Background(), "!a:example.org", "study abc: sent 2"))
	require.Equal(t, []sentMessage{{"!a:example.org", "study abc: sent 2"}}, client.sent)
}

func TestWithJoinDelays_Invalid(t *testing.T) {
	_, err := matrix.New(newFakeClient(), nil, matrix.WithJoinDelays(time.Second, time.Millisecond))
	require.Error(t, err)
	_, err = matrix.New(newFakeClient(), nil, matrix.WithJoinDelays(0, time.Second))
	require.Error(t, err)
}
