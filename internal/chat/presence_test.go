package chat

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinRejectsOccupiedUsername(t *testing.T) {
	p := NewPresenceRegistry()

	name, err := p.Join("conn-a", "general", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", name)

	_, err = p.Join("conn-b", "general", "Alice")
	assert.ErrorIs(t, err, ErrUsernameTaken)

	// The loser's attempt must not disturb the winner.
	assert.Equal(t, "general", p.Room("conn-a"))
	assert.Equal(t, "", p.Room("conn-b"))
	snap := p.Snapshot("general")
	assert.Equal(t, 1, snap.MemberCount)
	assert.Equal(t, []string{"Alice"}, snap.Usernames)
}

func TestUsernameUniquenessIsPerRoom(t *testing.T) {
	p := NewPresenceRegistry()

	_, err := p.Join("conn-a", "general", "Alice")
	require.NoError(t, err)
	_, err = p.Join("conn-b", "random", "Alice")
	assert.NoError(t, err, "the same name in a different room is fine")
}

func TestAnonymousAllocationIsSequential(t *testing.T) {
	p := NewPresenceRegistry()

	for i := 1; i <= 5; i++ {
		name, err := p.Join(fmt.Sprintf("conn-%d", i), "general", AnonymousName)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("Anonymous%d", i), name)
	}

	snap := p.Snapshot("general")
	assert.Equal(t, 5, snap.MemberCount)
	seen := make(map[string]bool)
	for _, name := range snap.Usernames {
		assert.False(t, seen[name], "duplicate username %s in room", name)
		seen[name] = true
	}
}

func TestAnonymousAllocationSkipsTakenNames(t *testing.T) {
	p := NewPresenceRegistry()

	_, err := p.Join("conn-a", "general", "Anonymous1")
	require.NoError(t, err)

	name, err := p.Join("conn-b", "general", AnonymousName)
	require.NoError(t, err)
	assert.Equal(t, "Anonymous2", name, "concretely taken Anonymous1 must be probed past")
}

func TestStickyAnonymousIdentityAcrossSwitch(t *testing.T) {
	p := NewPresenceRegistry()

	name, err := p.Join("conn-a", "general", AnonymousName)
	require.NoError(t, err)
	require.Equal(t, "Anonymous1", name)

	res, err := p.SwitchRoom("conn-a", "random", AnonymousName)
	require.NoError(t, err)
	assert.Equal(t, "Anonymous1", res.Username, "anonymous identity should stick across rooms")
	assert.Equal(t, "general", res.PrevRoom)
	assert.True(t, res.PrevEmpty)
}

func TestAnonymousCounterResetsWhenRoomEmpties(t *testing.T) {
	p := NewPresenceRegistry()

	_, err := p.Join("conn-a", "general", AnonymousName)
	require.NoError(t, err)
	_, empty := p.Leave("conn-a", "general")
	require.True(t, empty)

	name, err := p.Join("conn-b", "general", AnonymousName)
	require.NoError(t, err)
	assert.Equal(t, "Anonymous1", name, "numbering restarts once the room has emptied")
}

func TestLeaveIsIdempotent(t *testing.T) {
	p := NewPresenceRegistry()

	_, err := p.Join("conn-a", "general", "Alice")
	require.NoError(t, err)

	left, empty := p.Leave("conn-a", "general")
	assert.True(t, left)
	assert.True(t, empty)

	left, empty = p.Leave("conn-a", "general")
	assert.False(t, left, "second leave must be a no-op")
	assert.False(t, empty)
}

func TestSwitchRoomFailureLeavesConnectionRoomless(t *testing.T) {
	p := NewPresenceRegistry()

	_, err := p.Join("conn-a", "general", "Alice")
	require.NoError(t, err)
	_, err = p.Join("conn-b", "random", "Bob")
	require.NoError(t, err)

	// Bob tries to switch into general under Alice's name.
	res, err := p.SwitchRoom("conn-b", "general", "Alice")
	assert.ErrorIs(t, err, ErrUsernameTaken)
	assert.Equal(t, "random", res.PrevRoom)
	assert.Equal(t, "", p.Room("conn-b"), "failed switch leaves the connection roomless")
	assert.Equal(t, 0, p.Snapshot("random").MemberCount, "the old room is not rejoined")
}

func TestDisconnectPurgesEveryEntry(t *testing.T) {
	p := NewPresenceRegistry()

	_, err := p.Join("conn-a", "general", "Alice")
	require.NoError(t, err)
	p.SetBackground("conn-a", true)

	room, username, empty := p.Disconnect("conn-a")
	assert.Equal(t, "general", room)
	assert.Equal(t, "Alice", username)
	assert.True(t, empty)

	assert.Equal(t, "", p.Room("conn-a"))
	assert.Equal(t, "", p.Username("conn-a"))
	assert.Equal(t, 0, p.Snapshot("general").MemberCount)
	assert.Equal(t, 0, p.RoomCount())

	// Safe to call repeatedly.
	room, _, _ = p.Disconnect("conn-a")
	assert.Equal(t, "", room)
}

func TestRenameValidatesAgainstCurrentRoom(t *testing.T) {
	p := NewPresenceRegistry()

	_, err := p.Join("conn-a", "general", "Alice")
	require.NoError(t, err)
	_, err = p.Join("conn-b", "general", "Bob")
	require.NoError(t, err)

	assert.ErrorIs(t, p.Rename("conn-b", "Alice"), ErrUsernameTaken)
	require.NoError(t, p.Rename("conn-b", "Robert"))
	assert.Equal(t, "Robert", p.Username("conn-b"))
	assert.Equal(t, []string{"Alice", "Robert"}, p.Snapshot("general").Usernames)
}

func TestBackgroundMembersAreNotActive(t *testing.T) {
	p := NewPresenceRegistry()

	_, err := p.Join("conn-a", "general", "Alice")
	require.NoError(t, err)
	_, err = p.Join("conn-b", "general", "Bob")
	require.NoError(t, err)

	p.SetBackground("conn-b", true)
	snap := p.Snapshot("general")
	assert.Equal(t, 2, snap.MemberCount)
	assert.Equal(t, 1, snap.ActiveCount)

	p.SetBackground("conn-b", false)
	assert.Equal(t, 2, p.Snapshot("general").ActiveCount)
}
