package protocol

import "time"

// Message is a stored chat message. Timestamps marshal as RFC 3339 to stay
// compatible with the ISO-8601 strings existing clients expect.
type Message struct {
	ID        string              `json:"id"`
	Room      string              `json:"room"`
	Username  string              `json:"username"`
	UserID    string              `json:"userId,omitempty"`
	Body      string              `json:"message"`
	Timestamp time.Time           `json:"timestamp"`
	ReplyTo   *ReplyRef           `json:"replyTo,omitempty"`
	Edited    bool                `json:"edited,omitempty"`
	EditedAt  *time.Time          `json:"editedAt,omitempty"`
	Reactions map[string][]string `json:"reactions,omitempty"`
}

// ReplyRef snapshots the message being replied to, so the reference stays
// renderable after the original scrolls out of history.
type ReplyRef struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Body      string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Clone returns a deep copy of the message. Stored messages are mutated in
// place by edits and reactions, so anything handed to a marshaller or a test
// gets its own copy.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	dup := *m
	if m.ReplyTo != nil {
		ref := *m.ReplyTo
		dup.ReplyTo = &ref
	}
	if m.EditedAt != nil {
		at := *m.EditedAt
		dup.EditedAt = &at
	}
	if m.Reactions != nil {
		dup.Reactions = make(map[string][]string, len(m.Reactions))
		for emoji, users := range m.Reactions {
			dup.Reactions[emoji] = append([]string(nil), users...)
		}
	}
	return &dup
}
