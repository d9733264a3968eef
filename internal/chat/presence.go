package chat

import (
	"fmt"
	"sort"
	"strings"
)

// AnonymousName is the username template that expands to "Anonymous<N>".
const AnonymousName = "Anonymous"

// PresenceRegistry owns the connection/room/username mappings. A connection
// id maps to at most one room at a time; usernames are unique per room, not
// globally. The registry never owns a connection: disconnect purges every
// entry for its id.
type PresenceRegistry struct {
	connRoom   map[string]string
	connName   map[string]string
	roomConns  map[string]map[string]struct{}
	roomNames  map[string]map[string]struct{}
	anonCount  map[string]int
	background map[string]struct{}
}

// RoomSnapshot is a point-in-time view of a room's membership.
type RoomSnapshot struct {
	MemberCount int
	ActiveCount int
	Usernames   []string
}

// SwitchResult describes what a room transition did to the previous room.
type SwitchResult struct {
	Username  string
	PrevRoom  string
	PrevName  string
	PrevEmpty bool
}

// NewPresenceRegistry returns an empty registry.
func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{
		connRoom:   make(map[string]string),
		connName:   make(map[string]string),
		roomConns:  make(map[string]map[string]struct{}),
		roomNames:  make(map[string]map[string]struct{}),
		anonCount:  make(map[string]int),
		background: make(map[string]struct{}),
	}
}

// Join places the connection in room under requestedUsername. The anonymous
// template resolves to a sticky prior identity when the connection has one,
// otherwise to the next free Anonymous<N> for the room. A concrete name that
// is already occupied rejects with ErrUsernameTaken and no state change.
func (p *PresenceRegistry) Join(connID, room, requestedUsername string) (string, error) {
	username, err := p.resolveUsername(connID, room, requestedUsername)
	if err != nil {
		return "", err
	}

	p.connRoom[connID] = room
	p.connName[connID] = username
	if p.roomConns[room] == nil {
		p.roomConns[room] = make(map[string]struct{})
	}
	p.roomConns[room][connID] = struct{}{}
	if p.roomNames[room] == nil {
		p.roomNames[room] = make(map[string]struct{})
	}
	p.roomNames[room][username] = struct{}{}

	return username, nil
}

func (p *PresenceRegistry) resolveUsername(connID, room, requested string) (string, error) {
	taken := p.roomNames[room]

	if requested != AnonymousName {
		if _, occupied := taken[requested]; occupied {
			return "", ErrUsernameTaken
		}
		return requested, nil
	}

	// Sticky identity: a connection that previously held an anonymous name
	// keeps it when it re-requests the template.
	if prior := p.connName[connID]; strings.HasPrefix(prior, AnonymousName) && prior != AnonymousName {
		if _, occupied := taken[prior]; !occupied {
			return prior, nil
		}
	}

	// Allocate the next free Anonymous<N>. N only ever grows per room;
	// concretely taken names are skipped by probing forward.
	counter := p.anonCount[room]
	for {
		counter++
		candidate := fmt.Sprintf("%s%d", AnonymousName, counter)
		if _, occupied := taken[candidate]; !occupied {
			p.anonCount[room] = counter
			return candidate, nil
		}
	}
}

// Leave removes the connection from room. It is idempotent: leaving a room
// the connection is not in reports left=false and changes nothing. empty
// reports whether the room's member set drained, which resets the room's
// anonymous counter.
func (p *PresenceRegistry) Leave(connID, room string) (left, empty bool) {
	return p.leave(connID, room, false)
}

func (p *PresenceRegistry) leave(connID, room string, keepName bool) (left, empty bool) {
	if p.connRoom[connID] != room {
		return false, false
	}

	username := p.connName[connID]
	delete(p.connRoom, connID)
	if !keepName {
		delete(p.connName, connID)
	}

	if conns := p.roomConns[room]; conns != nil {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(p.roomConns, room)
			empty = true
		}
	}
	if names := p.roomNames[room]; names != nil {
		delete(names, username)
		if len(names) == 0 {
			delete(p.roomNames, room)
		}
	}
	if empty {
		delete(p.anonCount, room)
	}

	return true, empty
}

// SwitchRoom composes leave(old)+join(new) as one logical transition. When
// the join is rejected the connection is left roomless; the old room is not
// rejoined. The connection's name survives the transition so a sticky
// anonymous identity carries across rooms.
func (p *PresenceRegistry) SwitchRoom(connID, newRoom, requestedUsername string) (SwitchResult, error) {
	res := SwitchResult{
		PrevRoom: p.connRoom[connID],
		PrevName: p.connName[connID],
	}
	if res.PrevRoom != "" {
		_, res.PrevEmpty = p.leave(connID, res.PrevRoom, true)
	}

	username, err := p.Join(connID, newRoom, requestedUsername)
	if err != nil {
		return res, err
	}
	res.Username = username
	return res, nil
}

// Disconnect forcibly removes the connection from whatever room it occupies
// and purges every registry entry for its id. Safe to call repeatedly.
func (p *PresenceRegistry) Disconnect(connID string) (room, username string, empty bool) {
	room = p.connRoom[connID]
	username = p.connName[connID]
	if room != "" {
		_, empty = p.leave(connID, room, false)
	}
	delete(p.connName, connID)
	delete(p.background, connID)
	return room, username, empty
}

// Rename rebinds the connection's username (reconnect restore). When the
// connection is in a room the new name must not be occupied there.
func (p *PresenceRegistry) Rename(connID, username string) error {
	room := p.connRoom[connID]
	if room != "" {
		if _, occupied := p.roomNames[room][username]; occupied && p.connName[connID] != username {
			return ErrUsernameTaken
		}
		if prior := p.connName[connID]; prior != "" {
			delete(p.roomNames[room], prior)
		}
		p.roomNames[room][username] = struct{}{}
	}
	p.connName[connID] = username
	return nil
}

// SetBackground flags the connection as backgrounded or foregrounded.
// Background members still count toward the room total but not as active.
func (p *PresenceRegistry) SetBackground(connID string, background bool) {
	if background {
		p.background[connID] = struct{}{}
	} else {
		delete(p.background, connID)
	}
}

// Room reports which room the connection is in, if any.
func (p *PresenceRegistry) Room(connID string) string {
	return p.connRoom[connID]
}

// Username reports the connection's current username, if any.
func (p *PresenceRegistry) Username(connID string) string {
	return p.connName[connID]
}

// Connections returns the ids of every member of room.
func (p *PresenceRegistry) Connections(room string) []string {
	conns := p.roomConns[room]
	if len(conns) == 0 {
		return nil
	}
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// Snapshot returns the membership view used for presence queries.
func (p *PresenceRegistry) Snapshot(room string) RoomSnapshot {
	conns := p.roomConns[room]
	snap := RoomSnapshot{MemberCount: len(conns)}
	for id := range conns {
		if _, bg := p.background[id]; !bg {
			snap.ActiveCount++
		}
	}
	snap.Usernames = make([]string, 0, len(p.roomNames[room]))
	for name := range p.roomNames[room] {
		snap.Usernames = append(snap.Usernames, name)
	}
	sort.Strings(snap.Usernames)
	return snap
}

// Rooms returns the names of every room that currently has members, sorted.
func (p *PresenceRegistry) Rooms() []string {
	out := make([]string, 0, len(p.roomConns))
	for room := range p.roomConns {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// RoomCount reports how many rooms currently have members.
func (p *PresenceRegistry) RoomCount() int {
	return len(p.roomConns)
}
