// Package query serves read windows over remediation requests. Pagination,
// filtering and sorting state lives server-side in per-session view states;
// clients only send navigation tokens. State is held in memory and resets
// when the process restarts.
package query

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"remedy/internal/config"
	"remedy/internal/domain"
	"remedy/internal/repo"
)

// Page tokens. Offsets are recomputed against the current filtered total on
// every request, so a token is valid regardless of how the underlying set
// changed since the last window.
const (
	PageStart    = "start"
	PageEnd      = "end"
	PageForward  = "forward"
	PageBackward = "backward"
)

type session struct {
	list     domain.ViewState
	history  map[string]domain.ViewState
	lastSeen time.Time
}

// Service owns every live view state. All methods are safe for concurrent
// use.
type Service struct {
	Repo   repo.Repo
	Config *config.Config
	Now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

func New(r repo.Repo, cfg *config.Config) *Service {
	return &Service{
		Repo:     r,
		Config:   cfg,
		Now:      time.Now,
		sessions: map[string]*session{},
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) defaultState() domain.ViewState {
	return domain.ViewState{
		Filters:   map[string]string{},
		SortField: "created_at",
		SortDir:   "desc",
		Offset:    0,
		Size:      s.Config.Query.DefaultPageSize,
	}
}

// touch returns the session for id, creating it when absent, and prunes
// sessions idle past the TTL.
func (s *Service) touch(id string) *session {
	now := s.now()
	cutoff := now.Add(-s.Config.SessionTTL())
	for k, v := range s.sessions {
		if v.lastSeen.Before(cutoff) {
			delete(s.sessions, k)
		}
	}
	sess, ok := s.sessions[id]
	if !ok {
		sess = &session{
			list:    s.defaultState(),
			history: map[string]domain.ViewState{},
		}
		s.sessions[id] = sess
	}
	sess.lastSeen = now
	return sess
}

func (s *Service) snapshot(id string) domain.ViewState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.touch(id).list
	st.Filters = copyFilters(st.Filters)
	return st
}

func (s *Service) update(id string, fn func(st *domain.ViewState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.touch(id)
	fn(&sess.list)
}

func copyFilters(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// tokenOffset recomputes the window offset for a navigation token against
// the current total. An empty token keeps the current position, clamped.
func tokenOffset(token string, cur, total, size int) (int, error) {
	maxStart := total - size
	if maxStart < 0 {
		maxStart = 0
	}
	switch token {
	case "":
		return clamp(cur, 0, maxStart), nil
	case PageStart:
		return 0, nil
	case PageEnd:
		return maxStart, nil
	case PageForward:
		return clamp(cur+size, 0, maxStart), nil
	case PageBackward:
		return clamp(cur-size, 0, maxStart), nil
	default:
		return 0, fmt.Errorf("unknown page token %s", token)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// display renders the position line shown alongside a window.
func display(offset, count, total int) string {
	if total == 0 {
		return "0 - 0 of 0"
	}
	last := offset + count
	return fmt.Sprintf("%d - %d of %d", offset+1, last, total)
}

// Window is one page of the remediation list.
type Window struct {
	Items   []domain.Remediation `json:"items"`
	Total   int                  `json:"total"`
	Offset  int                  `json:"offset"`
	Size    int                  `json:"size"`
	Display string               `json:"display"`
	State   domain.ViewState     `json:"state"`
}

// List returns the window the session lands on after applying the page
// token. The offset is recomputed against the current filtered total, so
// windows stay valid while rows are created and deleted underneath them.
func (s *Service) List(ctx context.Context, sessionID, token string) (Window, error) {
	st := s.snapshot(sessionID)
	f := listFilters(st)
	total, err := s.Repo.CountRemediations(ctx, f)
	if err != nil {
		return Window{}, err
	}
	offset, err := tokenOffset(token, st.Offset, total, st.Size)
	if err != nil {
		return Window{}, err
	}
	s.update(sessionID, func(v *domain.ViewState) { v.Offset = offset })
	st.Offset = offset

	f.Limit = st.Size
	f.Offset = offset
	items, err := s.Repo.ListRemediations(ctx, f)
	if err != nil {
		return Window{}, err
	}
	return Window{
		Items:   items,
		Total:   total,
		Offset:  offset,
		Size:    st.Size,
		Display: display(offset, len(items), total),
		State:   st,
	}, nil
}

func listFilters(st domain.ViewState) repo.ListFilters {
	var f repo.ListFilters
	for field, value := range st.Filters {
		f.Apply(field, value)
	}
	f.SortField = st.SortField
	f.SortDir = st.SortDir
	return f
}

// SetFilter sets or clears one substring filter and rewinds the window to
// the start.
func (s *Service) SetFilter(sessionID, field, value string) error {
	if !repo.FilterableField(field) {
		return fmt.Errorf("unknown filter field %s", field)
	}
	s.update(sessionID, func(v *domain.ViewState) {
		if value == "" {
			delete(v.Filters, field)
		} else {
			v.Filters[field] = value
		}
		v.Offset = 0
	})
	return nil
}

// ClearFilters removes every filter and rewinds to the start.
func (s *Service) ClearFilters(sessionID string) {
	s.update(sessionID, func(v *domain.ViewState) {
		v.Filters = map[string]string{}
		v.Offset = 0
	})
}

// SetSort changes the sort order and rewinds to the start.
func (s *Service) SetSort(sessionID, field, dir string) error {
	if _, ok := repo.SortColumn(field); !ok {
		return fmt.Errorf("unknown sort field %s", field)
	}
	dir = strings.ToLower(dir)
	if dir == "" {
		dir = "asc"
	}
	if dir != "asc" && dir != "desc" {
		return fmt.Errorf("unknown sort direction %s", dir)
	}
	s.update(sessionID, func(v *domain.ViewState) {
		v.SortField = field
		v.SortDir = dir
		v.Offset = 0
	})
	return nil
}

// SetSize changes the window size, clamped to the configured bounds, and
// rewinds to the start.
func (s *Service) SetSize(sessionID string, size int) {
	size = clamp(size, 1, s.Config.Query.MaxPageSize)
	s.update(sessionID, func(v *domain.ViewState) {
		v.Size = size
		v.Offset = 0
	})
}

// State reports the session's current list view state without moving it.
func (s *Service) State(sessionID string) domain.ViewState {
	return s.snapshot(sessionID)
}

// EndSession drops all view state held for the session.
func (s *Service) EndSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// HistoryWindow is one page of a request's audit trail, oldest first.
type HistoryWindow struct {
	Entries []domain.HistoryEntry `json:"entries"`
	Total   int                   `json:"total"`
	Offset  int                   `json:"offset"`
	Size    int                   `json:"size"`
	Display string                `json:"display"`
}

// History pages through one request's audit trail. Each request gets its
// own view state within the session, independent of the main list and of
// other requests' histories. A positive size adjusts that state before the
// token is applied.
func (s *Service) History(ctx context.Context, sessionID, requestID, token string, size int) (HistoryWindow, error) {
	s.mu.Lock()
	sess := s.touch(sessionID)
	st, ok := sess.history[requestID]
	if !ok {
		st = domain.ViewState{Size: s.Config.Query.DefaultPageSize}
	}
	if size > 0 {
		st.Size = clamp(size, 1, s.Config.Query.MaxPageSize)
	}
	s.mu.Unlock()

	total, err := s.Repo.CountHistory(ctx, requestID)
	if err != nil {
		return HistoryWindow{}, err
	}
	offset, err := tokenOffset(token, st.Offset, total, st.Size)
	if err != nil {
		return HistoryWindow{}, err
	}
	st.Offset = offset
	s.mu.Lock()
	s.touch(sessionID).history[requestID] = st
	s.mu.Unlock()

	entries, err := s.Repo.ListHistory(ctx, requestID, st.Size, offset)
	if err != nil {
		return HistoryWindow{}, err
	}
	return HistoryWindow{
		Entries: entries,
		Total:   total,
		Offset:  offset,
		Size:    st.Size,
		Display: display(offset, len(entries), total),
	}, nil
}

// SaveView snapshots the session's current filters and sort under a name
// owned by the actor.
func (s *Service) SaveView(ctx context.Context, sessionID, actorID, name string) (domain.SavedView, error) {
	if name == "" {
		return domain.SavedView{}, fmt.Errorf("view name is required")
	}
	st := s.snapshot(sessionID)
	return s.Repo.UpsertSavedView(ctx, domain.SavedView{
		ActorID:   actorID,
		Name:      name,
		Filters:   st.Filters,
		SortField: st.SortField,
		SortDir:   st.SortDir,
	})
}

// ApplyView loads a saved view into the session, rewound to the start.
func (s *Service) ApplyView(ctx context.Context, sessionID, actorID, name string) (domain.ViewState, error) {
	v, err := s.Repo.GetSavedView(ctx, actorID, name)
	if err != nil {
		return domain.ViewState{}, err
	}
	s.update(sessionID, func(st *domain.ViewState) {
		st.Filters = copyFilters(v.Filters)
		st.SortField = v.SortField
		st.SortDir = v.SortDir
		st.Offset = 0
	})
	return s.snapshot(sessionID), nil
}
