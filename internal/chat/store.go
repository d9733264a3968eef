package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/iconvo/relay/internal/protocol"
)

// maxSearchResults caps how many messages a search returns.
const maxSearchResults = 50

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// MessageStore owns the per-room ordered message logs. The in-memory log is
// authoritative; snapshots are written behind it on a best-effort basis and
// a failed write never surfaces past a log line. Mutating methods run only
// on the event loop; the write mutex exists solely to serialize the
// background snapshot writers.
type MessageStore struct {
	dir          string
	persist      bool
	maxHistory   int
	editWindow   time.Duration
	deleteWindow time.Duration

	rooms map[string]*roomLog

	writeMu sync.Mutex
	written map[string]uint64
	writes  sync.WaitGroup

	now func() time.Time
}

type roomLog struct {
	messages []*protocol.Message
	loaded   bool
	gen      uint64
}

// StoreOptions configures a MessageStore.
type StoreOptions struct {
	Dir          string
	Persist      bool
	MaxHistory   int
	EditWindow   time.Duration
	DeleteWindow time.Duration
}

// Identity is the author identity used for edit/delete ownership checks.
// When a stored message carries an external user id it must match; messages
// without one fall back to the username.
type Identity struct {
	UserID   string
	Username string
}

func (id Identity) owns(m *protocol.Message) bool {
	if m.UserID != "" {
		return m.UserID == id.UserID
	}
	return m.Username != "" && m.Username == id.Username
}

// NewMessageStore builds a store. When persistence is enabled the snapshot
// directory is created eagerly; failure to create it degrades the store to
// memory-only mode.
func NewMessageStore(opts StoreOptions) *MessageStore {
	s := &MessageStore{
		dir:          opts.Dir,
		persist:      opts.Persist,
		maxHistory:   opts.MaxHistory,
		editWindow:   opts.EditWindow,
		deleteWindow: opts.DeleteWindow,
		rooms:        make(map[string]*roomLog),
		written:      make(map[string]uint64),
		now:          time.Now,
	}
	if s.maxHistory <= 0 {
		s.maxHistory = 100
	}
	if s.editWindow <= 0 {
		s.editWindow = 15 * time.Minute
	}
	if s.deleteWindow <= 0 {
		s.deleteWindow = time.Hour
	}
	if s.persist {
		if err := os.MkdirAll(s.dir, 0o755); err != nil {
			log.Printf("Message persistence disabled: creating %s: %v", s.dir, err)
			s.persist = false
		}
	}
	return s
}

// Append adds a message to the room's log, truncating the oldest entries
// beyond the history limit, and schedules a snapshot write.
func (s *MessageStore) Append(room string, msg *protocol.Message) {
	rl := s.ensureLoaded(room)
	rl.messages = append(rl.messages, msg)
	if excess := len(rl.messages) - s.maxHistory; excess > 0 {
		rl.messages = append([]*protocol.Message(nil), rl.messages[excess:]...)
	}
	s.scheduleSnapshot(room)
}

// Recent returns up to limit messages for room in insertion order, newest
// last. A limit <= 0 returns the whole log.
func (s *MessageStore) Recent(room string, limit int) []*protocol.Message {
	rl := s.ensureLoaded(room)
	msgs := rl.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*protocol.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// Page returns a window of the room's log for the HTTP history API:
// offset messages back from the newest, then up to limit entries.
func (s *MessageStore) Page(room string, limit, offset int) []*protocol.Message {
	rl := s.ensureLoaded(room)
	msgs := rl.messages
	end := len(msgs) - offset
	if end < 0 {
		end = 0
	}
	start := 0
	if limit > 0 && end-limit > 0 {
		start = end - limit
	}
	out := make([]*protocol.Message, 0, end-start)
	for _, m := range msgs[start:end] {
		out = append(out, m.Clone())
	}
	return out
}

// Find returns the message with the given id, or ErrNotFound.
func (s *MessageStore) Find(room, messageID string) (*protocol.Message, error) {
	if m := s.lookup(room, messageID); m != nil {
		return m.Clone(), nil
	}
	return nil, ErrNotFound
}

// EditInPlace replaces the body of a stored message. The editor must own the
// message and the message must be younger than the edit window. The stored
// id and timestamp never change.
func (s *MessageStore) EditInPlace(room, messageID, newBody string, editor Identity) (*protocol.Message, error) {
	m := s.lookup(room, messageID)
	if m == nil {
		return nil, ErrNotFound
	}
	if !editor.owns(m) {
		return nil, ErrNotOwner
	}
	if s.now().Sub(m.Timestamp) > s.editWindow {
		return nil, ErrTooOld
	}

	m.Body = newBody
	m.Edited = true
	editedAt := s.now()
	m.EditedAt = &editedAt
	s.scheduleSnapshot(room)
	return m.Clone(), nil
}

// DeleteForEveryone removes a message from the shared log. Ownership and the
// delete window are checked the same way as edits.
func (s *MessageStore) DeleteForEveryone(room, messageID string, requester Identity) error {
	rl := s.ensureLoaded(room)
	idx := -1
	for i, m := range rl.messages {
		if m.ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotFound
	}
	m := rl.messages[idx]
	if !requester.owns(m) {
		return ErrNotOwner
	}
	if s.now().Sub(m.Timestamp) > s.deleteWindow {
		return ErrTooOld
	}

	rl.messages = append(rl.messages[:idx], rl.messages[idx+1:]...)
	s.scheduleSnapshot(room)
	return nil
}

// MutateReactions applies fn to the stored message's reaction map and
// returns the updated message.
func (s *MessageStore) MutateReactions(room, messageID string, fn func(reactions map[string][]string)) (*protocol.Message, error) {
	m := s.lookup(room, messageID)
	if m == nil {
		return nil, ErrNotFound
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
	fn(m.Reactions)
	for emoji, users := range m.Reactions {
		if len(users) == 0 {
			delete(m.Reactions, emoji)
		}
	}
	s.scheduleSnapshot(room)
	return m.Clone(), nil
}

// Search returns messages whose body or author matches term
// (case-insensitive substring), newest first, capped at maxSearchResults.
// An empty room searches every loaded room.
func (s *MessageStore) Search(term, room string) []*protocol.Message {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return nil
	}

	var scope []string
	if room != "" {
		s.ensureLoaded(room)
		scope = []string{room}
	} else {
		scope = make([]string, 0, len(s.rooms))
		for name := range s.rooms {
			scope = append(scope, name)
		}
	}

	var hits []*protocol.Message
	for _, name := range scope {
		for _, m := range s.rooms[name].messages {
			if strings.Contains(strings.ToLower(m.Body), term) ||
				strings.Contains(strings.ToLower(m.Username), term) {
				hits = append(hits, m.Clone())
			}
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		return hits[i].Timestamp.After(hits[j].Timestamp)
	})
	if len(hits) > maxSearchResults {
		hits = hits[:maxSearchResults]
	}
	return hits
}

// MessageCount reports the total number of messages held in memory.
func (s *MessageStore) MessageCount() int {
	total := 0
	for _, rl := range s.rooms {
		total += len(rl.messages)
	}
	return total
}

// Flush synchronously writes the room's snapshot. Called when a room empties
// and at shutdown; failures are logged, never raised.
func (s *MessageStore) Flush(room string) {
	if !s.persist {
		return
	}
	rl, ok := s.rooms[room]
	if !ok {
		return
	}
	data, err := json.Marshal(rl.messages)
	if err != nil {
		log.Printf("Snapshot marshal failed for room %q: %v", room, err)
		return
	}
	rl.gen++
	s.writeSnapshot(room, rl.gen, data)
}

// FlushAll flushes every loaded room and waits for in-flight snapshot
// writers to drain.
func (s *MessageStore) FlushAll() {
	for room := range s.rooms {
		s.Flush(room)
	}
	s.writes.Wait()
}

func (s *MessageStore) lookup(room, messageID string) *protocol.Message {
	rl := s.ensureLoaded(room)
	for _, m := range rl.messages {
		if m.ID == messageID {
			return m
		}
	}
	return nil
}

// ensureLoaded returns the room's log, reading the on-disk snapshot the
// first time the room is touched. Snapshot files are bounded by the history
// limit, so the read is small enough to do inline.
func (s *MessageStore) ensureLoaded(room string) *roomLog {
	rl, ok := s.rooms[room]
	if !ok {
		rl = &roomLog{}
		s.rooms[room] = rl
	}
	if rl.loaded {
		return rl
	}
	rl.loaded = true

	if !s.persist {
		return rl
	}
	data, err := os.ReadFile(s.snapshotPath(room))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Printf("Snapshot read failed for room %q: %v", room, err)
		}
		return rl
	}
	var msgs []*protocol.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		log.Printf("Snapshot for room %q is corrupt, starting empty: %v", room, err)
		return rl
	}
	if excess := len(msgs) - s.maxHistory; excess > 0 {
		msgs = msgs[excess:]
	}
	rl.messages = msgs
	return rl
}

// scheduleSnapshot marshals the room's log now and writes it behind the
// event loop.
func (s *MessageStore) scheduleSnapshot(room string) {
	if !s.persist {
		return
	}
	rl := s.rooms[room]
	data, err := json.Marshal(rl.messages)
	if err != nil {
		log.Printf("Snapshot marshal failed for room %q: %v", room, err)
		return
	}
	rl.gen++
	gen := rl.gen
	s.writes.Add(1)
	go func() {
		defer s.writes.Done()
		s.writeSnapshot(room, gen, data)
	}()
}

func (s *MessageStore) writeSnapshot(room string, gen uint64, data []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// Writers may reach the lock out of order; never let an older snapshot
	// overwrite a newer one.
	if gen <= s.written[room] {
		return
	}
	s.written[room] = gen

	path := s.snapshotPath(room)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Printf("Snapshot write failed for room %q: %v", room, err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		log.Printf("Snapshot rename failed for room %q: %v", room, err)
	}
}

func (s *MessageStore) snapshotPath(room string) string {
	safe := unsafeFileChars.ReplaceAllString(room, "_")
	if safe == "" {
		safe = "_"
	}
	return filepath.Join(s.dir, fmt.Sprintf("%s.json", safe))
}
