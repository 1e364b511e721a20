// Package session keeps per-conversation layer caches and runs
// prefill and decode against a shared transformer.
package session

import (
	"encoding/binary"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/samcharles93/ember/internal/cache"
	"github.com/samcharles93/ember/internal/device"
)

// Dialog is one turn of input. Role is informational.
type Dialog struct {
	Role   string   `json:"role,omitempty" cbor:"role,omitempty"`
	Tokens []uint32 `json:"tokens" cbor:"tokens"`
}

// Session is a conversation bound to one cache set. busy is held for the
// whole of a request; mu guards the fields read by List.
type Session struct {
	id   string
	busy sync.Mutex

	mu      sync.Mutex
	caches  *device.Spore[cache.Set]
	history []uint32
	// cached is the number of history tokens whose keys and values are in
	// the cache. The last sampled token is pending until the next request.
	cached  int
	dialogs []int
	created time.Time
	used    time.Time
}

func newSession(id string, now time.Time) *Session {
	return &Session{id: id, created: now, used: now}
}

// Info is a snapshot of a session.
type Info struct {
	ID       string    `json:"id"`
	Tokens   int       `json:"tokens"`
	Cached   int       `json:"cached"`
	Dialogs  int       `json:"dialogs"`
	Digest   string    `json:"digest"`
	Created  time.Time `json:"created"`
	LastUsed time.Time `json:"last_used"`
}

type state struct {
	history []uint32
	cached  int
	dialogs []int
}

func (s *Session) snapshot() state {
	s.mu.Lock()
	defer s.mu.Unlock()
	return state{
		history: slices.Clone(s.history),
		cached:  s.cached,
		dialogs: slices.Clone(s.dialogs),
	}
}

func (s *Session) commit(st state, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = st.history
	s.cached = st.cached
	s.dialogs = st.dialogs
	s.used = now
}

func (s *Session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:       s.id,
		Tokens:   len(s.history),
		Cached:   s.cached,
		Dialogs:  len(s.dialogs),
		Digest:   fmt.Sprintf("%016x", Digest(s.history, s.dialogs)),
		Created:  s.created,
		LastUsed: s.used,
	}
}

// rewind drops every dialog from pos on. pos == len(dialogs) keeps
// everything.
func (st *state) rewind(pos int) error {
	if pos < 0 || pos > len(st.dialogs) {
		return &InvalidDialogPosError{Requested: pos, Current: len(st.dialogs)}
	}
	if pos == len(st.dialogs) {
		return nil
	}
	start := st.dialogs[pos]
	st.history = st.history[:start]
	st.dialogs = st.dialogs[:pos]
	st.cached = min(st.cached, start)
	return nil
}

func (st *state) append(inputs []Dialog) {
	for _, d := range inputs {
		if len(d.Tokens) == 0 {
			continue
		}
		st.dialogs = append(st.dialogs, len(st.history))
		st.history = append(st.history, d.Tokens...)
	}
}

// Digest chains an xxhash over each dialog's tokens, seeded with the
// previous dialog's hash. Generated tokens belong to the dialog they
// follow. Sessions with equal histories and boundaries share a digest.
func Digest(history []uint32, dialogs []int) uint64 {
	var prefix uint64
	var buf [8]byte
	for i, start := range dialogs {
		end := len(history)
		if i+1 < len(dialogs) {
			end = dialogs[i+1]
		}
		h := xxhash.New()
		binary.LittleEndian.PutUint64(buf[:], prefix)
		_, _ = h.Write(buf[:])
		for _, tok := range history[start:end] {
			binary.LittleEndian.PutUint32(buf[:4], tok)
			_, _ = h.Write(buf[:4])
		}
		prefix = h.Sum64()
	}
	return prefix
}
