package chat

import (
	"context"
	"errors"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ragademic/pkg/adapter"
	"github.com/m-mizutani/ragademic/pkg/model"
	"github.com/m-mizutani/ragademic/pkg/usecase/index"
	"github.com/m-mizutani/ragademic/pkg/utils/logging"
)

// Services are the bound service handles every engine needs
type Services struct {
	Store     *index.Store
	Generator adapter.Generator
}

// Session is an open (course, session) pair
type Session struct {
	Course string
	ID     string
	Memory *Memory

	// guard admits one turn at a time regardless of which engine serves it
	guard chan struct{}
	// ready is closed once the session is opened or failed to open
	ready   chan struct{}
	openErr error

	mu     sync.Mutex
	engine *Engine
	closed bool
}

func newSession(course, id string, budget int) *Session {
	return &Session{
		Course: course,
		ID:     id,
		Memory: NewMemory(budget),
		guard:  make(chan struct{}, 1),
		ready:  make(chan struct{}),
	}
}

func (s *Session) Engine() *Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

// bind installs the first engine. It fails if the session was closed meanwhile.
func (s *Session) bind(e *Engine) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.engine = e
	return true
}

func (s *Session) swap(e *Engine) *Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.engine
	s.engine = e
	return old
}

func (s *Session) close() {
	s.mu.Lock()
	s.closed = true
	e := s.engine
	s.mu.Unlock()

	if e != nil {
		e.Close()
	}
}

func (s *Session) isReady() bool {
	select {
	case <-s.ready:
		return s.openErr == nil
	default:
		return false
	}
}

func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.guard <- struct{}{}:
		return nil
	case <-ctx.Done():
		return goerr.Wrap(ctx.Err(), "waiting for previous answer", goerr.V("course", s.Course), goerr.V("session", s.ID))
	}
}

func (s *Session) release() { <-s.guard }

type sessionKey struct {
	course, session string
}

// Manager owns the chat sessions of a process
type Manager struct {
	// mu guards sessions and is never held across I/O
	mu       sync.Mutex
	sessions map[sessionKey]*Session

	// servicesMu is held shared while a session opens and exclusively by Rebind
	servicesMu sync.RWMutex
	services   Services

	budget     int
	engineOpts []EngineOption
	archive    adapter.Storage
}

type ManagerOption func(*Manager)

// WithTokenBudget sets the memory budget for new sessions
func WithTokenBudget(budget int) ManagerOption {
	return func(m *Manager) {
		m.budget = budget
	}
}

func WithEngineOptions(opts ...EngineOption) ManagerOption {
	return func(m *Manager) {
		m.engineOpts = append(m.engineOpts, opts...)
	}
}

// WithArchive persists transcripts so a session can be resumed
func WithArchive(storage adapter.Storage) ManagerOption {
	return func(m *Manager) {
		m.archive = storage
	}
}

func NewManager(services Services, opts ...ManagerOption) *Manager {
	m := &Manager{
		services: services,
		sessions: make(map[sessionKey]*Session),
		budget:   DefaultTokenBudget,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) newEngine(ctx context.Context, services Services, course string) (*Engine, error) {
	engine := NewEngine(services.Store, services.Generator, m.engineOpts...)
	if err := engine.Initialize(ctx, course); err != nil {
		return nil, err
	}
	return engine, nil
}

// Open returns the session for (course, sessionID), creating it and
// restoring its archived transcript if needed. Opening one session does not
// block turns on other sessions.
func (m *Manager) Open(ctx context.Context, course, sessionID string) (*Session, error) {
	key := sessionKey{course: course, session: sessionID}

	m.mu.Lock()
	s, ok := m.sessions[key]
	if !ok {
		s = newSession(course, sessionID, m.budget)
		m.sessions[key] = s
	}
	m.mu.Unlock()

	if !ok {
		m.initialize(ctx, key, s)
	}

	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, goerr.Wrap(ctx.Err(), "waiting for chat session", goerr.V("course", course), goerr.V("session", sessionID))
	}
	if s.openErr != nil {
		return nil, s.openErr
	}
	return s, nil
}

// initialize binds an engine and restores history, then closes s.ready. A
// failed session is removed so a later Open retries.
func (m *Manager) initialize(ctx context.Context, key sessionKey, s *Session) {
	m.servicesMu.RLock()
	defer m.servicesMu.RUnlock()

	s.openErr = m.restore(ctx, s)
	if s.openErr != nil {
		m.mu.Lock()
		if m.sessions[key] == s {
			delete(m.sessions, key)
		}
		m.mu.Unlock()
	}
	// closed under servicesMu so Rebind never sees a half-open session
	close(s.ready)
}

func (m *Manager) restore(ctx context.Context, s *Session) error {
	engine, err := m.newEngine(ctx, m.services, s.Course)
	if err != nil {
		return err
	}

	if m.archive != nil {
		history, err := LoadHistory(ctx, m.archive, s.Course, s.ID)
		switch {
		case err == nil:
			s.Memory.Replace(history.Messages)
		case errors.Is(err, model.ErrNotFound):
		default:
			engine.Close()
			return goerr.Wrap(err, "failed to restore chat history", goerr.V("course", s.Course), goerr.V("session", s.ID))
		}
	}

	if !s.bind(engine) {
		engine.Close()
		return goerr.Wrap(model.ErrSessionClosed, "chat session closed while opening", goerr.V("course", s.Course), goerr.V("session", s.ID))
	}
	return nil
}

// Ask sends message to the session, opening it if needed. Turns on one
// session run one at a time, also across Rebind.
func (m *Manager) Ask(ctx context.Context, course, sessionID, message string) (*Answer, error) {
	s, err := m.Open(ctx, course, sessionID)
	if err != nil {
		return nil, err
	}

	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	answer, askErr := s.Engine().Ask(ctx, s.Memory, message)
	if m.archive != nil && !errors.Is(askErr, model.ErrInvalidArgument) && !errors.Is(askErr, model.ErrSessionClosed) {
		if err := SaveHistory(ctx, m.archive, course, sessionID, s.Memory.Messages()); err != nil {
			logging.From(ctx).Warn("failed to archive chat history", "course", course, "session", sessionID, "error", err)
		}
	}
	return answer, askErr
}

func (m *Manager) lookup(course, sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionKey{course: course, session: sessionID}]
	if !ok || !s.isReady() {
		return nil, false
	}
	return s, true
}

// ClearHistory resets the memory of an open session once its current turn finishes
func (m *Manager) ClearHistory(ctx context.Context, course, sessionID string) error {
	s, ok := m.lookup(course, sessionID)
	if !ok {
		return goerr.Wrap(model.ErrNotFound, "session not found", goerr.V("course", course), goerr.V("session", sessionID))
	}

	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	s.Memory.Reset()
	if m.archive != nil {
		if err := SaveHistory(ctx, m.archive, course, sessionID, nil); err != nil {
			return goerr.Wrap(err, "failed to clear archived history")
		}
	}
	return nil
}

// Close closes and forgets a session
func (m *Manager) Close(course, sessionID string) {
	key := sessionKey{course: course, session: sessionID}

	m.mu.Lock()
	s, ok := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()

	if ok {
		s.close()
	}
}

// CloseAll closes every session
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[sessionKey]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

// Rebind replaces the service handles, for example after a new API key is
// entered. Open sessions get fresh engines bound to services and keep their
// memory; a turn already running finishes on its old engine and the next
// turn waits for it. On failure the previous services stay in place.
func (m *Manager) Rebind(ctx context.Context, services Services) error {
	m.servicesMu.Lock()
	defer m.servicesMu.Unlock()

	m.mu.Lock()
	open := make(map[sessionKey]*Session, len(m.sessions))
	for key, s := range m.sessions {
		// sessions still opening will read the new services
		if s.isReady() {
			open[key] = s
		}
	}
	m.mu.Unlock()

	engines := make(map[sessionKey]*Engine, len(open))
	for key := range open {
		engine, err := m.newEngine(ctx, services, key.course)
		if err != nil {
			for _, e := range engines {
				e.Close()
			}
			return goerr.Wrap(err, "failed to rebind chat session", goerr.V("course", key.course), goerr.V("session", key.session))
		}
		engines[key] = engine
	}

	for key, s := range open {
		s.swap(engines[key]).Close()
	}
	m.services = services
	return nil
}

// Sessions returns the number of open sessions
func (m *Manager) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
