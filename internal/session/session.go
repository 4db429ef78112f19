// Package session persists conversation histories and keeps them
// within the model's context budget.
package session

import (
	"time"

	"github.com/meridianhq/conduit/pkg/models"
)

// Session is one conversation history, keyed by "channel:chat_id".
// The agent loop is the single writer; stores guard their own maps,
// but a Session itself is not safe for concurrent mutation.
type Session struct {
	Key       string
	CreatedAt time.Time
	UpdatedAt time.Time

	turns []models.Turn

	// persisted counts turns already written by the store, so saves
	// can append instead of rewriting. A replaced history forces a
	// full rewrite on the next save.
	persisted int
	rewrite   bool
}

// New creates an empty session.
func New(key string) *Session {
	now := time.Now().UTC()
	return &Session{Key: key, CreatedAt: now, UpdatedAt: now}
}

// Append adds turns to the history.
func (s *Session) Append(turns ...models.Turn) {
	if len(turns) == 0 {
		return
	}
	s.turns = append(s.turns, turns...)
	s.UpdatedAt = time.Now().UTC()
}

// AddTurn appends a plain turn with the current timestamp.
func (s *Session) AddTurn(role models.Role, content string) {
	s.Append(models.Turn{Role: role, Content: content, Timestamp: time.Now().UTC()})
}

// History returns a copy of the turns. Callers may mutate it freely.
func (s *Session) History() []models.Turn {
	out := make([]models.Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Len returns the number of turns.
func (s *Session) Len() int { return len(s.turns) }

// UserTurnCount counts user turns, the unit periodic memory
// extraction is keyed on.
func (s *Session) UserTurnCount() int {
	n := 0
	for _, t := range s.turns {
		if t.Role == models.RoleUser {
			n++
		}
	}
	return n
}

// ReplaceHistory swaps the entire history, as after compaction. The
// next save rewrites the persisted file instead of appending.
func (s *Session) ReplaceHistory(turns []models.Turn) {
	s.turns = append([]models.Turn(nil), turns...)
	s.persisted = 0
	s.rewrite = true
	s.UpdatedAt = time.Now().UTC()
}

// unsaved returns turns appended since the last save.
func (s *Session) unsaved() []models.Turn {
	if s.persisted >= len(s.turns) {
		return nil
	}
	return s.turns[s.persisted:]
}

// markSaved records that every current turn is on disk.
func (s *Session) markSaved() {
	s.persisted = len(s.turns)
	s.rewrite = false
}
