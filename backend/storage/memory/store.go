package memory

import (
	"errors"
	"slices"
	"sync"

	"github.com/adwski/vent-relay/backend/model"
)

const (
	defaultMaxMembers = 2
)

var (
	ErrRoomNotFound = errors.New("room is not found")
	ErrRoomConflict = errors.New("room with this name already exists")
	ErrRoomIsFull   = errors.New("room is full")
)

// MemStore holds the matchmaking queues, room membership and the
// connection registry. A single mutex guards every mutation, so the
// check-dequeue-create sequence in TryPair is atomic with respect to
// concurrent joins and disconnects.
type MemStore struct {
	mx     *sync.Mutex
	queues map[model.Role][]string
	rooms  map[string]map[string]struct{}
	conns  map[string]string // connID -> room name, "" while unroomed
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx: &sync.Mutex{},
		queues: map[model.Role][]string{
			model.RoleVenter:   nil,
			model.RoleListener: nil,
		},
		rooms: make(map[string]map[string]struct{}),
		conns: make(map[string]string),
	}
}

// Register records a live connection. Must be called before the
// connection is enqueued or roomed.
func (ms *MemStore) Register(connID string) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if _, ok := ms.conns[connID]; !ok {
		ms.conns[connID] = ""
	}
}

// Deregister unwinds a disconnected connection: it is removed from any
// role queue and from its room (if it had one), and the registry entry
// is dropped. Idempotent, returns the room the connection left, if any.
func (ms *MemStore) Deregister(connID string) (string, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	ms.removeQueued(connID)

	room, ok := ms.conns[connID]
	if !ok {
		return "", false
	}
	delete(ms.conns, connID)
	if room == "" {
		return "", false
	}
	ms.leave(connID, room)
	return room, true
}

// Enqueue appends connID to the role's queue. Duplicate join requests
// (same id, any queue) and ids already in a room are no-ops.
func (ms *MemStore) Enqueue(role model.Role, connID string) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if room, ok := ms.conns[connID]; !ok || room != "" {
		return
	}
	for _, q := range ms.queues {
		if slices.Contains(q, connID) {
			return
		}
	}
	ms.queues[role] = append(ms.queues[role], connID)
}

// RemoveQueued removes connID from whichever queue contains it.
func (ms *MemStore) RemoveQueued(connID string) {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	ms.removeQueued(connID)
}

func (ms *MemStore) removeQueued(connID string) {
	for role, q := range ms.queues {
		if i := slices.Index(q, connID); i >= 0 {
			ms.queues[role] = append(q[:i:i], q[i+1:]...)
			return
		}
	}
}

func (ms *MemStore) QueueLen(role model.Role) int {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	return len(ms.queues[role])
}

// TryPair pops the oldest waiting venter and listener, creates their
// room and maps both connections to it. If either queue is empty it
// returns nil and leaves both queues untouched. A popped id that is no
// longer registered aborts the pairing, the live half goes back to the
// front of its queue.
func (ms *MemStore) TryPair() (*model.PairingResult, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if len(ms.queues[model.RoleVenter]) == 0 || len(ms.queues[model.RoleListener]) == 0 {
		return nil, nil
	}

	venter := ms.queues[model.RoleVenter][0]
	listener := ms.queues[model.RoleListener][0]
	ms.queues[model.RoleVenter] = ms.queues[model.RoleVenter][1:]
	ms.queues[model.RoleListener] = ms.queues[model.RoleListener][1:]

	_, venterLive := ms.conns[venter]
	_, listenerLive := ms.conns[listener]
	if !venterLive || !listenerLive {
		if venterLive {
			ms.requeueFront(model.RoleVenter, venter)
		}
		if listenerLive {
			ms.requeueFront(model.RoleListener, listener)
		}
		return nil, nil
	}

	name := model.RoomName(venter, listener)
	if _, ok := ms.rooms[name]; ok {
		ms.requeueFront(model.RoleVenter, venter)
		ms.requeueFront(model.RoleListener, listener)
		return nil, ErrRoomConflict
	}

	ms.rooms[name] = map[string]struct{}{
		venter:   {},
		listener: {},
	}
	ms.conns[venter] = name
	ms.conns[listener] = name

	return &model.PairingResult{
		VenterID:   venter,
		ListenerID: listener,
		Room:       name,
	}, nil
}

func (ms *MemStore) requeueFront(role model.Role, connID string) {
	ms.queues[role] = append([]string{connID}, ms.queues[role]...)
}

// JoinRoom adds connID to an existing room's membership. Re-joining a
// room the connection is already in is a no-op.
func (ms *MemStore) JoinRoom(connID, name string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	members, ok := ms.rooms[name]
	if !ok {
		return ErrRoomNotFound
	}
	if _, ok = members[connID]; ok {
		return nil
	}
	if len(members) >= defaultMaxMembers {
		return ErrRoomIsFull
	}
	ms.removeQueued(connID)
	// a connection is in at most one room at a time
	if prev := ms.conns[connID]; prev != "" && prev != name {
		ms.leave(connID, prev)
	}
	members[connID] = struct{}{}
	ms.conns[connID] = name
	return nil
}

// LeaveRoom removes connID from the room's membership and clears its
// registry mapping. Not an error if connID was not a member. A room
// whose last member leaves is evicted.
func (ms *MemStore) LeaveRoom(connID, name string) {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	ms.leave(connID, name)
}

func (ms *MemStore) leave(connID, name string) {
	members, ok := ms.rooms[name]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(ms.rooms, name)
	}
	if ms.conns[connID] == name {
		ms.conns[connID] = ""
	}
}

// GetRoom returns a membership snapshot.
func (ms *MemStore) GetRoom(name string) (*model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	members, ok := ms.rooms[name]
	if !ok {
		return nil, ErrRoomNotFound
	}
	room := &model.Room{
		Name:    name,
		Members: make([]string, 0, len(members)),
	}
	for id := range members {
		room.Members = append(room.Members, id)
	}
	slices.Sort(room.Members)
	return room, nil
}

// RoomOf returns the room the connection currently belongs to, if any.
func (ms *MemStore) RoomOf(connID string) (string, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.conns[connID]
	return room, ok && room != ""
}

func (ms *MemStore) RoomCount() int {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	return len(ms.rooms)
}
