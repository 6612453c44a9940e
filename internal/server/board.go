package server

import (
	"slices"
	"strings"
	"sync"

	"github.com/alanyoungcy/bookrecorder/internal/domain"
	"github.com/alanyoungcy/bookrecorder/internal/server/handler"
)

// Board collects session status for /api/status. It implements
// domain.StatusSink.
type Board struct {
	mu       sync.RWMutex
	sessions map[string]*handler.SessionView
}

// NewBoard returns an empty board.
func NewBoard() *Board {
	return &Board{sessions: make(map[string]*handler.SessionView)}
}

func (b *Board) entry(id string) *handler.SessionView {
	v, ok := b.sessions[id]
	if !ok {
		v = &handler.SessionView{ID: id, Role: string(domain.RoleWorker)}
		b.sessions[id] = v
	}
	return v
}

func (b *Board) Report(st domain.SessionStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v := b.entry(st.ID)
	v.Venue = st.Venue
	v.Target = st.Target
	v.Connected = st.Connected
	v.Frames = st.Frames
	v.Payloads = st.Payloads
	v.Errors = st.Errors
	v.StartedAt = st.StartedAt
	v.LastFrameAt = st.LastFrameAt
}

func (b *Board) SetRole(id string, role domain.SessionRole) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entry(id).Role = string(role)
}

func (b *Board) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, id)
}

// Sessions returns copies ordered by venue, target and id.
func (b *Board) Sessions() []handler.SessionView {
	b.mu.RLock()
	out := make([]handler.SessionView, 0, len(b.sessions))
	for _, v := range b.sessions {
		out = append(out, *v)
	}
	b.mu.RUnlock()

	slices.SortFunc(out, func(x, y handler.SessionView) int {
		if c := strings.Compare(x.Venue, y.Venue); c != 0 {
			return c
		}
		if c := strings.Compare(x.Target, y.Target); c != 0 {
			return c
		}
		return strings.Compare(x.ID, y.ID)
	})
	return out
}
