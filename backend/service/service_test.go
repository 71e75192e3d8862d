package service

import (
	"context"
	"testing"
	"time"

	"github.com/adwski/vent-relay/backend/model"
	"github.com/adwski/vent-relay/backend/sanitize"
	store "github.com/adwski/vent-relay/backend/storage/memory"
	sw "github.com/adwski/vent-relay/backend/switch"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const noticeWait = time.Second

func newTestService(t *testing.T) *Service {
	t.Helper()
	logger := zerolog.Nop()
	san, err := sanitize.New([]string{"badger"})
	require.NoError(t, err)
	return NewService(Config{
		Store:     store.NewMemStore(),
		Switch:    sw.NewSwitch(&logger),
		Sanitizer: san,
		Logger:    &logger,
	})
}

func attach(t *testing.T, svc *Service, connID string) model.Wire {
	t.Helper()
	wire := model.Wire{
		RX: make(chan model.Event),
		TX: make(chan model.Notice, 8),
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	svc.Attach(ctx, connID, wire)
	return wire
}

func waitNotice(t *testing.T, wire model.Wire) model.Notice {
	t.Helper()
	select {
	case notice := <-wire.TX:
		return notice
	case <-time.After(noticeWait):
		t.Fatal("no notice arrived in time")
	}
	return model.Notice{}
}

func requireNoNotice(t *testing.T, wire model.Wire) {
	t.Helper()
	select {
	case notice := <-wire.TX:
		t.Fatalf("unexpected notice: %s", spew.Sdump(notice))
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPairingNotifiesBothMembers(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	svc := newTestService(t)

	venter := attach(t, svc, "V1")
	listener := attach(t, svc, "L1")

	req.NoError(svc.JoinQueue(ctx, "V1", model.RoleVenter))
	req.Equal(model.Status{Venters: 1}, svc.Status())
	requireNoNotice(t, venter)

	req.NoError(svc.JoinQueue(ctx, "L1", model.RoleListener))

	for _, wire := range []model.Wire{venter, listener} {
		notice := waitNotice(t, wire)
		req.Equal(model.NoticeRoomJoined, notice.Type)
		req.Equal("room-V1-L1", notice.Room)
	}
	req.Equal(model.Status{Rooms: 1}, svc.Status())
}

func TestLoneVenterStaysQueued(t *testing.T) {
	req := require.New(t)
	svc := newTestService(t)

	venter := attach(t, svc, "V1")
	req.NoError(svc.JoinQueue(context.Background(), "V1", model.RoleVenter))

	req.Equal(model.Status{Venters: 1}, svc.Status())
	requireNoNotice(t, venter)
}

func TestPairingIsFIFO(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	svc := newTestService(t)

	v1 := attach(t, svc, "V1")
	v2 := attach(t, svc, "V2")
	attach(t, svc, "L1")

	req.NoError(svc.JoinQueue(ctx, "V1", model.RoleVenter))
	req.NoError(svc.JoinQueue(ctx, "V2", model.RoleVenter))
	req.NoError(svc.JoinQueue(ctx, "L1", model.RoleListener))

	notice := waitNotice(t, v1)
	req.Equal("room-V1-L1", notice.Room)
	requireNoNotice(t, v2)
	req.Equal(model.Status{Venters: 1, Rooms: 1}, svc.Status())
}

func TestRelaySanitizes(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	svc := newTestService(t)

	venter := attach(t, svc, "V1")
	listener := attach(t, svc, "L1")
	req.NoError(svc.JoinQueue(ctx, "V1", model.RoleVenter))
	req.NoError(svc.JoinQueue(ctx, "L1", model.RoleListener))
	room := waitNotice(t, venter).Room
	waitNotice(t, listener)

	req.NoError(svc.Relay(ctx, "V1", room, "<b>hello</b> badger"))

	notice := waitNotice(t, listener)
	req.Equal(model.NoticeMessage, notice.Type)
	req.Equal("hello ******", notice.Text)

	// the sender does not hear its own message
	requireNoNotice(t, venter)
}

func TestRelayUnknownRoomIsDropped(t *testing.T) {
	req := require.New(t)
	svc := newTestService(t)

	attach(t, svc, "V1")
	req.NoError(svc.Relay(context.Background(), "V1", "room-nope", "hello"))
}

func TestPartnerDisconnect(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	svc := newTestService(t)

	venter := attach(t, svc, "V1")
	listener := attach(t, svc, "L1")
	req.NoError(svc.JoinQueue(ctx, "V1", model.RoleVenter))
	req.NoError(svc.JoinQueue(ctx, "L1", model.RoleListener))
	room := waitNotice(t, venter).Room
	waitNotice(t, listener)

	svc.Detach(ctx, "L1")

	got, err := svc.GetRoom(room)
	req.NoError(err)
	req.Equal([]string{"V1"}, got.Members)

	// broadcasting into the half-empty room reaches no one, without error
	req.NoError(svc.Relay(ctx, "V1", room, "anyone there?"))
	requireNoNotice(t, venter)
	requireNoNotice(t, listener)
}

func TestQueuedDisconnect(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	svc := newTestService(t)

	attach(t, svc, "V1")
	v2 := attach(t, svc, "V2")
	attach(t, svc, "L1")

	req.NoError(svc.JoinQueue(ctx, "V1", model.RoleVenter))
	req.NoError(svc.JoinQueue(ctx, "V2", model.RoleVenter))
	svc.Detach(ctx, "V1")
	req.Equal(model.Status{Venters: 1}, svc.Status())

	// V1 is never referenced again, V2 pairs next
	req.NoError(svc.JoinQueue(ctx, "L1", model.RoleListener))
	notice := waitNotice(t, v2)
	req.Equal("room-V2-L1", notice.Room)
}

func TestDetachIdempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	attach(t, svc, "V1")
	svc.Detach(ctx, "V1")
	svc.Detach(ctx, "V1")

	// never-attached ids unwind cleanly too
	svc.Detach(ctx, "ghost")
}

func TestEventDispatch(t *testing.T) {
	req := require.New(t)
	svc := newTestService(t)

	venter := attach(t, svc, "V1")
	listener := attach(t, svc, "L1")

	venter.RX <- model.Event{Type: model.EventJoinQueue, Role: "venter"}
	listener.RX <- model.Event{Type: model.EventJoinQueue, Role: "listener"}

	room := waitNotice(t, venter).Room
	req.Equal("room-V1-L1", room)
	waitNotice(t, listener)

	venter.RX <- model.Event{Type: model.EventMessage, Room: room, Text: "hi"}
	notice := waitNotice(t, listener)
	req.Equal("hi", notice.Text)

	listener.RX <- model.Event{Type: model.EventLeaveRoom, Room: room}
	req.Eventually(func() bool {
		got, err := svc.GetRoom(room)
		return err == nil && len(got.Members) == 1
	}, noticeWait, 5*time.Millisecond)

	venter.RX <- model.Event{Type: model.EventMessage, Room: room, Text: "gone?"}
	requireNoNotice(t, listener)

	// bogus events are dropped without breaking the loop
	venter.RX <- model.Event{Type: "bogus"}
	venter.RX <- model.Event{Type: model.EventJoinQueue, Role: "neither"}
	req.Equal(model.Status{Rooms: 1}, svc.Status())
}

func TestExplicitJoinRoom(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	svc := newTestService(t)

	venter := attach(t, svc, "V1")
	listener := attach(t, svc, "L1")
	req.NoError(svc.JoinQueue(ctx, "V1", model.RoleVenter))
	req.NoError(svc.JoinQueue(ctx, "L1", model.RoleListener))
	room := waitNotice(t, venter).Room
	waitNotice(t, listener)

	req.NoError(svc.LeaveRoom(ctx, "L1", room))

	// explicit re-join, not a pairing
	req.NoError(svc.JoinRoom(ctx, "L1", room))
	req.NoError(svc.Relay(ctx, "V1", room, "back?"))
	notice := waitNotice(t, listener)
	req.Equal("back?", notice.Text)

	req.ErrorIs(svc.JoinRoom(ctx, "L1", "room-nope"), ErrJoin)
}
