package service

import (
	"context"
	"errors"

	"github.com/adwski/vent-relay/backend/model"
	"github.com/rs/zerolog"
)

var (
	ErrJoin       = errors.New("unable to join room")
	ErrLeave      = errors.New("unable to leave room")
	ErrPair       = errors.New("pairing failed")
	ErrUnknownEvt = errors.New("unknown event type")
)

type (
	Store interface {
		Register(connID string)
		Deregister(connID string) (string, bool)
		Enqueue(role model.Role, connID string)
		TryPair() (*model.PairingResult, error)
		JoinRoom(connID, name string) error
		LeaveRoom(connID, name string)
		GetRoom(name string) (*model.Room, error)
		RoomOf(connID string) (string, bool)
		QueueLen(role model.Role) int
		RoomCount() int
	}

	Switch interface {
		Attach(endpoint string, wire model.Wire)
		Detach(endpoint string)
		Join(room, endpoint string)
		Leave(room, endpoint string)
		Send(ctx context.Context, notice model.Notice) bool
		Broadcast(ctx context.Context, notice model.Notice, room string) int
	}

	Sanitizer interface {
		Sanitize(raw string) (string, error)
	}

	Service struct {
		store    Store
		sw       Switch
		sanitize Sanitizer
		logger   zerolog.Logger
	}

	Config struct {
		Store     Store
		Switch    Switch
		Sanitizer Sanitizer
		Logger    *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:    cfg.Store,
		sw:       cfg.Switch,
		sanitize: cfg.Sanitizer,
		logger:   cfg.Logger.With().Str("component", "relay").Logger(),
	}
}

// Attach registers a new connection and starts its event loop. Events
// arriving on the wire's RX channel are applied one at a time, so a
// connection's state transitions never interleave.
func (svc *Service) Attach(ctx context.Context, connID string, wire model.Wire) {
	svc.store.Register(connID)
	svc.sw.Attach(connID, wire)
	svc.logger.Debug().
		Str("connID", connID).
		Msg("connection attached")

	go svc.handleEvents(ctx, connID, wire.RX)
}

// Detach unwinds a disconnected connection: queue entry, room
// membership and wire are all dropped. Idempotent.
func (svc *Service) Detach(_ context.Context, connID string) {
	room, roomed := svc.store.Deregister(connID)
	svc.sw.Detach(connID)
	svc.logger.Debug().
		Str("connID", connID).
		Bool("wasRoomed", roomed).
		Str("room", room).
		Msg("connection detached")
}

func (svc *Service) handleEvents(ctx context.Context, connID string, rx <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-rx:
			if !ok {
				return
			}
			ev.SRC = connID
			if err := svc.dispatch(ctx, ev); err != nil {
				svc.logger.Debug().Err(err).
					Str("connID", connID).
					Str("type", ev.Type).
					Msg("event dropped")
			}
		}
	}
}

// dispatch applies a single client event. Failures are corrected
// locally and logged, never surfaced back to the sender.
func (svc *Service) dispatch(ctx context.Context, ev model.Event) error {
	switch ev.Type {
	case model.EventJoinQueue:
		role, err := model.ParseRole(ev.Role)
		if err != nil {
			return err
		}
		return svc.JoinQueue(ctx, ev.SRC, role)
	case model.EventJoinRoom:
		return svc.JoinRoom(ctx, ev.SRC, ev.Room)
	case model.EventMessage:
		return svc.Relay(ctx, ev.SRC, ev.Room, ev.Text)
	case model.EventLeaveRoom:
		return svc.LeaveRoom(ctx, ev.SRC, ev.Room)
	}
	return ErrUnknownEvt
}

// JoinQueue enqueues the connection for its role and attempts a
// pairing right away. Pairing is the only place entries leave the
// queues besides disconnect, there is no background sweep.
func (svc *Service) JoinQueue(ctx context.Context, connID string, role model.Role) error {
	svc.store.Enqueue(role, connID)
	svc.logger.Debug().
		Str("connID", connID).
		Str("role", string(role)).
		Msg("joined queue")

	res, err := svc.store.TryPair()
	if err != nil {
		return errors.Join(ErrPair, err)
	}
	if res == nil {
		return nil
	}

	svc.sw.Join(res.Room, res.VenterID)
	svc.sw.Join(res.Room, res.ListenerID)
	svc.logger.Info().
		Str("venter", res.VenterID).
		Str("listener", res.ListenerID).
		Str("room", res.Room).
		Msg("paired")

	go func() {
		for _, member := range []string{res.VenterID, res.ListenerID} {
			svc.sw.Send(ctx, model.Notice{
				DST:  member,
				Type: model.NoticeRoomJoined,
				Room: res.Room,
			})
		}
	}()
	return nil
}

// JoinRoom handles an explicit room join, distinct from
// pairing-induced joins.
func (svc *Service) JoinRoom(_ context.Context, connID, room string) error {
	prev, roomed := svc.store.RoomOf(connID)
	if err := svc.store.JoinRoom(connID, room); err != nil {
		return errors.Join(ErrJoin, err)
	}
	if roomed && prev != room {
		svc.sw.Leave(prev, connID)
	}
	svc.sw.Join(room, connID)
	svc.logger.Debug().
		Str("connID", connID).
		Str("room", room).
		Msg("joined room")
	return nil
}

func (svc *Service) LeaveRoom(_ context.Context, connID, room string) error {
	svc.store.LeaveRoom(connID, room)
	svc.sw.Leave(room, connID)
	svc.logger.Debug().
		Str("connID", connID).
		Str("room", room).
		Msg("left room")
	return nil
}

// Relay sanitizes a message and fans it out to the room. Unsanitizable
// messages and messages to rooms with no live membership are dropped,
// the sender is never told.
func (svc *Service) Relay(ctx context.Context, connID, room, raw string) error {
	if _, err := svc.store.GetRoom(room); err != nil {
		svc.logger.Debug().
			Str("connID", connID).
			Str("room", room).
			Msg("message to unknown room dropped")
		return nil
	}
	clean, err := svc.sanitize.Sanitize(raw)
	if err != nil {
		svc.logger.Warn().Err(err).
			Str("connID", connID).
			Str("room", room).
			Msg("unsanitizable message dropped")
		return nil
	}
	svc.sw.Broadcast(ctx, model.Notice{
		SRC:  connID,
		Type: model.NoticeMessage,
		Room: room,
		Text: clean,
	}, room)
	return nil
}

// GetRoom returns a membership snapshot for the inspection API.
func (svc *Service) GetRoom(name string) (*model.Room, error) {
	return svc.store.GetRoom(name)
}

// Status reports queue and room occupancy.
func (svc *Service) Status() model.Status {
	return model.Status{
		Venters:   svc.store.QueueLen(model.RoleVenter),
		Listeners: svc.store.QueueLen(model.RoleListener),
		Rooms:     svc.store.RoomCount(),
	}
}
