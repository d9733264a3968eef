package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iconvo/relay/internal/protocol"
)

func newCoordinator(t *testing.T) (*RoomCoordinator, *fakeTransport, *PresenceRegistry, *MessageStore) {
	t.Helper()
	transport := &fakeTransport{}
	presence := NewPresenceRegistry()
	store := memoryStore()
	coord := NewRoomCoordinator(testConfig(), presence, store, transport)
	return coord, transport, presence, store
}

func joinReq(room, username string) protocol.JoinRequest {
	return protocol.JoinRequest{Room: room, Username: username}
}

func TestJoinConfirmationPrecedesBroadcast(t *testing.T) {
	coord, transport, _, store := newCoordinator(t)
	store.Append("general", makeMessage("m1", "general", "Earlier", "history line", time.Now()))

	coord.HandleJoin("conn-a", joinReq("general", "Alice"))

	require.GreaterOrEqual(t, len(transport.events), 2)
	first := transport.events[0]
	assert.Equal(t, "conn-a", first.ConnID)
	assert.Equal(t, protocol.EventJoined, first.Event.Event)
	payload, ok := first.Event.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "general", payload["room"])
	assert.Equal(t, "Alice", payload["username"])
	history, ok := payload["messageHistory"].([]*protocol.Message)
	require.True(t, ok)
	require.Len(t, history, 1)
	assert.Equal(t, "history line", history[0].Body)

	joined := transport.named(protocol.EventUserJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, "general", joined[0].Room)
	assert.Equal(t, "conn-a", joined[0].Exclude, "the joiner never hears its own announcement")

	counts := transport.named(protocol.EventUserCount)
	require.Len(t, counts, 1)
}

func TestJoinValidation(t *testing.T) {
	coord, transport, _, _ := newCoordinator(t)
	cfg := coord.cfg

	cases := []struct {
		name string
		req  protocol.JoinRequest
	}{
		{"missing room", joinReq("", "Alice")},
		{"missing username", joinReq("general", "  ")},
		{"room name too long", joinReq(overlong(cfg.MaxRoomNameLength), "Alice")},
		{"username too long", joinReq("general", overlong(cfg.MaxUsernameLength))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			transport.reset()
			coord.HandleJoin("conn-a", tc.req)
			errs := transport.named(protocol.EventJoinError)
			require.Len(t, errs, 1)
			assert.Equal(t, "conn-a", errs[0].ConnID)
		})
	}
}

func overlong(limit int) string {
	b := make([]byte, limit+1)
	for i := range b {
		b[i] = 'x'
	}
	return string(b)
}

func TestJoinSameRoomRejected(t *testing.T) {
	coord, transport, _, _ := newCoordinator(t)

	coord.HandleJoin("conn-a", joinReq("general", "Alice"))
	transport.reset()

	coord.HandleJoin("conn-a", joinReq("general", "Alice"))
	errs := transport.named(protocol.EventJoinError)
	require.Len(t, errs, 1)
	assert.Equal(t, "You are already in this room", errs[0].Event.Data)
}

func TestJoinRateLimited(t *testing.T) {
	coord, transport, presence, _ := newCoordinator(t)
	max := coord.cfg.JoinRate.Max

	for i := 0; i < max; i++ {
		room := "room-" + string(rune('a'+i))
		coord.HandleJoin("conn-a", joinReq(room, "Alice"))
	}
	transport.reset()

	coord.HandleJoin("conn-a", joinReq("one-too-many", "Alice"))
	errs := transport.named(protocol.EventJoinError)
	require.Len(t, errs, 1)
	assert.NotEqual(t, "one-too-many", presence.Room("conn-a"), "a throttled join must not move the connection")
}

func TestJoinUsernameTaken(t *testing.T) {
	coord, transport, presence, _ := newCoordinator(t)

	coord.HandleJoin("conn-a", joinReq("general", "Alice"))
	transport.reset()

	coord.HandleJoin("conn-b", joinReq("general", "Alice"))

	taken := transport.named(protocol.EventUsernameTaken)
	require.Len(t, taken, 1)
	assert.Equal(t, "conn-b", taken[0].ConnID)
	assert.Empty(t, transport.named(protocol.EventUserJoined), "a failed join is never announced")
	assert.Equal(t, "general", presence.Room("conn-a"), "the winner keeps its place")
	assert.Equal(t, "", presence.Room("conn-b"))
}

func TestRoomSwitchAnnouncesDeparture(t *testing.T) {
	coord, transport, presence, _ := newCoordinator(t)

	coord.HandleJoin("conn-a", joinReq("general", "Alice"))
	coord.HandleJoin("conn-b", joinReq("general", "Bob"))
	transport.reset()

	coord.HandleJoin("conn-b", joinReq("random", "Bob"))

	// The old room hears a departure line before anything else.
	departures := transport.named(protocol.EventReceive)
	require.Len(t, departures, 1)
	assert.Equal(t, "general", departures[0].Room)
	assert.Equal(t, "Server: Bob left the chat", departures[0].Event.Data)

	assert.Equal(t, "random", presence.Room("conn-b"))

	// Both rooms get a count refresh: general after the departure, random
	// after the join.
	counts := transport.named(protocol.EventUserCount)
	rooms := make(map[string]bool)
	for _, c := range counts {
		rooms[c.Room] = true
	}
	assert.True(t, rooms["general"])
	assert.True(t, rooms["random"])
}

func TestSilentJoinSkipsAnnouncement(t *testing.T) {
	coord, transport, _, _ := newCoordinator(t)

	coord.HandleJoin("conn-a", joinReq("general", "Alice"))
	transport.reset()

	silent := false
	coord.HandleJoin("conn-b", protocol.JoinRequest{Room: "general", Username: "Bob", Broadcast: &silent})

	assert.Empty(t, transport.named(protocol.EventUserJoined))
	require.Len(t, transport.named(protocol.EventJoined), 1, "the joiner still gets its confirmation")
	require.Len(t, transport.named(protocol.EventUserCount), 1, "counts still refresh")
}

func TestLeaveAnnouncesAndIsIdempotent(t *testing.T) {
	coord, transport, presence, _ := newCoordinator(t)

	coord.HandleJoin("conn-a", joinReq("general", "Alice"))
	coord.HandleJoin("conn-b", joinReq("general", "Bob"))
	transport.reset()

	coord.HandleLeave("conn-b", "general")
	require.Len(t, transport.named(protocol.EventReceive), 1)
	assert.Equal(t, "", presence.Room("conn-b"))

	transport.reset()
	coord.HandleLeave("conn-b", "general")
	assert.Empty(t, transport.events, "a second leave is silent")
}

func TestLeaveWrongRoomIsSilent(t *testing.T) {
	coord, transport, _, _ := newCoordinator(t)

	coord.HandleJoin("conn-a", joinReq("general", "Alice"))
	transport.reset()

	coord.HandleLeave("conn-a", "random")
	assert.Empty(t, transport.events)
}

func TestLastLeaveFlushesHistory(t *testing.T) {
	dir := t.TempDir()
	transport := &fakeTransport{}
	presence := NewPresenceRegistry()
	store := NewMessageStore(StoreOptions{Dir: dir, Persist: true, MaxHistory: 100})
	coord := NewRoomCoordinator(testConfig(), presence, store, transport)

	coord.HandleJoin("conn-a", joinReq("general", "Alice"))
	store.Append("general", makeMessage("m1", "general", "Alice", "hello", time.Now()))
	coord.HandleLeave("conn-a", "general")
	store.FlushAll()

	reloaded := NewMessageStore(StoreOptions{Dir: dir, Persist: true, MaxHistory: 100})
	recent := reloaded.Recent("general", 0)
	require.Len(t, recent, 1, "history outlives the emptied room")
	assert.Equal(t, "hello", recent[0].Body)
}

func TestDisconnectClearsMembership(t *testing.T) {
	coord, transport, presence, _ := newCoordinator(t)

	coord.HandleJoin("conn-a", joinReq("general", "Alice"))
	coord.HandleJoin("conn-b", joinReq("general", "Bob"))
	transport.reset()

	coord.HandleDisconnect("conn-b")

	assert.Equal(t, 1, presence.Snapshot("general").MemberCount)
	require.Len(t, transport.named(protocol.EventReceive), 1)

	transport.reset()
	coord.HandleDisconnect("conn-b")
	assert.Empty(t, transport.events, "a repeated disconnect is silent")
}

func TestBroadcastUserCountSkipsEmptyRoom(t *testing.T) {
	coord, transport, _, _ := newCoordinator(t)

	coord.BroadcastUserCount("ghost-town")
	assert.Empty(t, transport.events)
}
