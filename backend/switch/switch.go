package _switch

import (
	"context"
	"sync"
	"time"

	"github.com/adwski/vent-relay/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second
)

// Switch delivers notices to connected endpoints. Every live
// connection attaches a wire; room membership decides who a broadcast
// reaches.
type Switch struct {
	logger    zerolog.Logger
	mx        *sync.RWMutex
	endpoints map[string]model.Wire
	rooms     map[string]map[string]struct{}
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger:    logger.With().Str("component", "switch").Logger(),
		mx:        &sync.RWMutex{},
		endpoints: make(map[string]model.Wire),
		rooms:     make(map[string]map[string]struct{}),
	}
}

func (sw *Switch) Attach(endpoint string, wire model.Wire) {
	sw.mx.Lock()
	defer sw.mx.Unlock()
	sw.endpoints[endpoint] = wire

	sw.logger.Debug().
		Str("endpoint", endpoint).
		Msg("endpoint attached")
}

// Detach drops the endpoint's wire and removes it from any room it was
// joined to. Safe to call for unknown endpoints.
func (sw *Switch) Detach(endpoint string) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	delete(sw.endpoints, endpoint)
	for room, members := range sw.rooms {
		delete(members, endpoint)
		if len(members) == 0 {
			delete(sw.rooms, room)
		}
	}

	sw.logger.Debug().
		Str("endpoint", endpoint).
		Msg("endpoint detached")
}

func (sw *Switch) Join(room, endpoint string) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	members, ok := sw.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		sw.rooms[room] = members
	}
	members[endpoint] = struct{}{}
}

func (sw *Switch) Leave(room, endpoint string) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	members, ok := sw.rooms[room]
	if !ok {
		return
	}
	delete(members, endpoint)
	if len(members) == 0 {
		delete(sw.rooms, room)
	}
}

// Send delivers a notice to its DST endpoint. Returns false if the
// endpoint is unknown or its wire did not accept the notice in time.
func (sw *Switch) Send(ctx context.Context, notice model.Notice) bool {
	sw.mx.RLock()
	wire, ok := sw.endpoints[notice.DST]
	sw.mx.RUnlock()

	logger := sw.logger.With().
		Str("dst", notice.DST).
		Str("type", notice.Type).Logger()

	if !ok {
		logger.Debug().Msg("cannot send, dst not found")
		return false
	}
	sent, _ := send(ctx, notice, wire.TX, &logger)
	return sent
}

// Broadcast fans a notice out to every member of the room except its
// SRC. Returns the number of endpoints reached.
func (sw *Switch) Broadcast(ctx context.Context, notice model.Notice, room string) int {
	sw.mx.RLock()
	var wires []model.Wire
	for member := range sw.rooms[room] {
		if member == notice.SRC {
			continue
		}
		if wire, ok := sw.endpoints[member]; ok {
			wires = append(wires, wire)
		}
	}
	sw.mx.RUnlock()

	logger := sw.logger.With().
		Str("room", room).
		Str("type", notice.Type).
		Str("src", notice.SRC).Logger()

	var reached int
	for _, wire := range wires {
		sent, canceled := send(ctx, notice, wire.TX, &logger)
		if canceled {
			break
		}
		if sent {
			reached++
		}
	}
	if reached == 0 {
		logger.Debug().Msg("broadcast did not reach anyone")
	}
	return reached
}

func send(ctx context.Context, notice model.Notice, tx chan<- model.Notice, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Msg("dead endpoint")
	case tx <- notice:
		logger.Debug().Msg("notice is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
