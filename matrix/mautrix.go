package matrix

import (
	"context"
	"errors"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MautrixClient is a Client backed by a logged in mautrix session.
type MautrixClient struct {
	c       *mautrix.Client
	started time.Time
}

var _ Client = (*MautrixClient)(nil)

// Login authenticates user on homeserver with a password.
func Login(ctx context.Context, homeserver, user, password, deviceName string) (*MautrixClient, error) {
	c, err := mautrix.NewClient(homeserver, "", "")
	if err != nil {
		return nil, err
	}
	_, err = c.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: user,
		},
		Password:                 password,
		InitialDeviceDisplayName: deviceName,
		StoreCredentials:         true,
	})
	if err != nil {
		return nil, err
	}
	log.Infow("Logged in to homeserver", "homeserver", homeserver, "user", c.UserID)
	return &MautrixClient{c: c, started: time.Now()}, nil
}

func (m *MautrixClient) UserID() string {
	return m.c.UserID.String()
}

// Sync runs the long-poll loop. Messages sent before the client logged in
// are not reported.
func (m *MautrixClient) Sync(ctx context.Context, events chan<- Event) error {
	syncer, ok := m.c.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errors.New("unsupported syncer")
	}
	push := func(ctx context.Context, ev Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		member := evt.Content.AsMember()
		if member.Membership != event.MembershipInvite || evt.GetStateKey() != m.c.UserID.String() {
			return
		}
		push(ctx, Event{Kind: EventInvited, RoomID: evt.RoomID.String(), Sender: evt.Sender.String()})
	})
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		if time.UnixMilli(evt.Timestamp).Before(m.started) {
			return
		}
		msg := evt.Content.AsMessage()
		if msg.MsgType != event.MsgText && msg.MsgType != event.MsgNotice {
			return
		}
		push(ctx, Event{Kind: EventMessage, RoomID: evt.RoomID.String(), Sender: evt.Sender.String(), Body: msg.Body})
	})

	err := m.c.SyncWithContext(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (m *MautrixClient) JoinRoom(ctx context.Context, roomID string) error {
	_, err := m.c.JoinRoomByID(ctx, id.RoomID(roomID))
	return err
}

func (m *MautrixClient) JoinedRooms(ctx context.Context) ([]string, error) {
	resp, err := m.c.JoinedRooms(ctx)
	if err != nil {
		return nil, err
	}
	rooms := make([]string, len(resp.JoinedRooms))
	for i, r := range resp.JoinedRooms {
		rooms[i] = r.String()
	}
	return rooms, nil
}

func (m *MautrixClient) SendText(ctx context.Context, roomID, text string) error {
	_, err := m.c.SendText(ctx, id.RoomID(roomID), text)
	return err
}
