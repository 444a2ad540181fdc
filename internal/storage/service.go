package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/embedchat/widgetcore/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultMaxSessions   = 20
	defaultSessionTTL    = 7 * 24 * time.Hour
	defaultTitleMaxLen   = 50
	defaultPreviewMaxLen = 100
)

// indexEntry is the lightweight per-session metadata kept in the index so
// listing never loads full message bodies.
type indexEntry struct {
	SessionID    string    `json:"session_id"`
	Title        string    `json:"title,omitempty"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int       `json:"message_count"`
	Preview      string    `json:"preview,omitempty"`
	IsActive     bool      `json:"is_active"`
}

type indexRecord struct {
	Sessions []indexEntry `json:"sessions"`
}

// Service is the durable multi-session store, namespaced by
// (clientID, agentID). All mutations go through a single mutex so index
// read-modify-write cycles within one process cannot interleave; cross-
// process writers are guarded by session revisions instead.
type Service struct {
	backend Backend
	logger  zerolog.Logger

	mu            sync.Mutex
	maxSessions   int
	sessionTTL    time.Duration
	titleMaxLen   int
	previewMaxLen int
	now           func() time.Time
}

// Option customizes the service
type Option func(*Service)

// WithMaxSessions caps sessions per (clientID, agentID); creating beyond
// the cap evicts the oldest by last activity.
func WithMaxSessions(n int) Option {
	return func(s *Service) { s.maxSessions = n }
}

// WithSessionTTL sets the inactivity window after which a sweep removes a
// session.
func WithSessionTTL(d time.Duration) Option {
	return func(s *Service) { s.sessionTTL = d }
}

// WithClock overrides the time source, used by expiry tests
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a session store over the given backend
func NewService(backend Backend, opts ...Option) *Service {
	s := &Service{
		backend:       backend,
		logger:        log.With().Str("component", "session-storage").Logger(),
		maxSessions:   defaultMaxSessions,
		sessionTTL:    defaultSessionTTL,
		titleMaxLen:   defaultTitleMaxLen,
		previewMaxLen: defaultPreviewMaxLen,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GenerateSessionID returns a fresh frontend session id
func (s *Service) GenerateSessionID() string {
	return domain.NewSessionID()
}

// CreateSession creates a new active session for (clientID, agentID),
// deactivating any previously active one. Beyond the cap the oldest
// session by last activity is evicted.
func (s *Service) CreateSession(ctx context.Context, clientID, agentID string) (*domain.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	session := &domain.ChatSession{
		SessionID:    s.GenerateSessionID(),
		ClientID:     clientID,
		AgentID:      agentID,
		Messages:     []domain.Message{},
		CreatedAt:    now,
		LastActivity: now,
		IsActive:     true,
		Revision:     1,
	}

	idx, err := s.loadIndex(ctx, clientID, agentID)
	if err != nil {
		return nil, err
	}

	// Evict oldest-by-lastActivity entries until the new session fits
	for s.maxSessions > 0 && len(idx.Sessions) >= s.maxSessions {
		oldest := 0
		for i, e := range idx.Sessions {
			if e.LastActivity.Before(idx.Sessions[oldest].LastActivity) {
				oldest = i
			}
		}
		evicted := idx.Sessions[oldest]
		idx.Sessions = append(idx.Sessions[:oldest], idx.Sessions[oldest+1:]...)
		if err := s.backend.Delete(ctx, sessionKey(evicted.SessionID)); err != nil && !errors.Is(err, ErrKeyNotFound) {
			return nil, fmt.Errorf("failed to evict session %s: %w", evicted.SessionID, err)
		}
		s.logger.Debug().Str("session_id", evicted.SessionID).Msg("Evicted oldest session")
	}

	for i := range idx.Sessions {
		if idx.Sessions[i].IsActive {
			if err := s.flipActive(ctx, idx.Sessions[i].SessionID, false); err != nil {
				return nil, err
			}
			idx.Sessions[i].IsActive = false
		}
	}

	idx.Sessions = append(idx.Sessions, s.entryFor(session))
	if err := s.putSession(ctx, session); err != nil {
		return nil, err
	}
	if err := s.putIndex(ctx, clientID, agentID, idx); err != nil {
		return nil, err
	}

	s.logger.Info().Str("session_id", session.SessionID).Str("client_id", clientID).Str("agent_id", agentID).Msg("Session created")
	return session, nil
}

// GetSession loads a full session record
func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.ChatSession, error) {
	data, err := s.backend.Get(ctx, sessionKey(sessionID))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	var session domain.ChatSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", sessionID, err)
	}
	return &session, nil
}

// SaveSession persists a session the caller mutated. The write is rejected
// with ErrStaleWrite when the stored revision has moved past the caller's.
func (s *Service) SaveSession(ctx context.Context, session *domain.ChatSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.GetSession(ctx, session.SessionID)
	if err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		return err
	}
	if stored != nil && stored.Revision > session.Revision {
		return domain.ErrStaleWrite
	}

	session.Revision++
	if err := s.putSession(ctx, session); err != nil {
		return err
	}
	return s.syncIndexEntry(ctx, session)
}

// AddMessageToSession appends a message and persists the session
func (s *Service) AddMessageToSession(ctx context.Context, sessionID string, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	session.Messages = append(session.Messages, msg)
	session.LastActivity = s.now()
	session.Revision++
	if session.Title == "" && msg.Sender == domain.SenderUser {
		session.Title = truncate(msg.Text, s.titleMaxLen)
	}
	if err := s.putSession(ctx, session); err != nil {
		return err
	}
	return s.syncIndexEntry(ctx, session)
}

// UpdateSessionMessages replaces the transcript wholesale and persists
func (s *Service) UpdateSessionMessages(ctx context.Context, sessionID string, messages []domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	session.Messages = messages
	session.LastActivity = s.now()
	session.Revision++
	if session.Title == "" {
		for _, m := range messages {
			if m.Sender == domain.SenderUser {
				session.Title = truncate(m.Text, s.titleMaxLen)
				break
			}
		}
	}
	if err := s.putSession(ctx, session); err != nil {
		return err
	}
	return s.syncIndexEntry(ctx, session)
}

// GetSessionsForClientAgent lists summaries sorted by last activity,
// newest first, without loading message bodies.
func (s *Service) GetSessionsForClientAgent(ctx context.Context, clientID, agentID string) ([]domain.SessionSummary, error) {
	idx, err := s.loadIndex(ctx, clientID, agentID)
	if err != nil {
		return nil, err
	}
	summaries := make([]domain.SessionSummary, 0, len(idx.Sessions))
	for _, e := range idx.Sessions {
		summaries = append(summaries, domain.SessionSummary{
			SessionID:    e.SessionID,
			Title:        e.Title,
			LastActivity: e.LastActivity,
			MessageCount: e.MessageCount,
			Preview:      e.Preview,
			IsActive:     e.IsActive,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastActivity.After(summaries[j].LastActivity)
	})
	return summaries, nil
}

// DeleteSession removes a session record and its index entry
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.backend.Delete(ctx, sessionKey(sessionID)); err != nil && !errors.Is(err, ErrKeyNotFound) {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}

	idx, err := s.loadIndex(ctx, session.ClientID, session.AgentID)
	if err != nil {
		return err
	}
	idx.Sessions = removeEntry(idx.Sessions, sessionID)
	return s.putIndex(ctx, session.ClientID, session.AgentID, idx)
}

// DeleteAllSessionsForClientAgent wipes every session under the namespace
func (s *Service) DeleteAllSessionsForClientAgent(ctx context.Context, clientID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadIndex(ctx, clientID, agentID)
	if err != nil {
		return err
	}
	for _, e := range idx.Sessions {
		if err := s.backend.Delete(ctx, sessionKey(e.SessionID)); err != nil && !errors.Is(err, ErrKeyNotFound) {
			return fmt.Errorf("failed to delete session %s: %w", e.SessionID, err)
		}
	}
	if err := s.backend.Delete(ctx, indexKey(clientID, agentID)); err != nil && !errors.Is(err, ErrKeyNotFound) {
		return err
	}
	return nil
}

// EndSession marks a session inactive without deleting it
func (s *Service) EndSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flipActive(ctx, sessionID, false)
}

// GetActiveSession returns the active session for (clientID, agentID), or
// ErrSessionNotFound when none is active.
func (s *Service) GetActiveSession(ctx context.Context, clientID, agentID string) (*domain.ChatSession, error) {
	idx, err := s.loadIndex(ctx, clientID, agentID)
	if err != nil {
		return nil, err
	}
	for _, e := range idx.Sessions {
		if e.IsActive {
			return s.GetSession(ctx, e.SessionID)
		}
	}
	return nil, domain.ErrSessionNotFound
}

// SetActiveSession atomically marks the target active and every other
// session in the same namespace inactive. Other namespaces are untouched.
func (s *Service) SetActiveSession(ctx context.Context, clientID, agentID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadIndex(ctx, clientID, agentID)
	if err != nil {
		return err
	}

	found := false
	for i := range idx.Sessions {
		e := &idx.Sessions[i]
		target := e.SessionID == sessionID
		if target {
			found = true
		}
		if e.IsActive != target {
			if err := s.flipActive(ctx, e.SessionID, target); err != nil {
				return err
			}
			e.IsActive = target
		}
	}
	if !found {
		return domain.ErrSessionNotFound
	}
	return s.putIndex(ctx, clientID, agentID, idx)
}

// CleanupExpiredSessions sweeps every namespace, removing sessions whose
// last activity is older than the TTL. Returns the number removed.
func (s *Service) CleanupExpiredSessions(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.backend.Keys(ctx, indexKeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list indexes: %w", err)
	}

	cutoff := s.now().Add(-s.sessionTTL)
	removed := 0
	for _, key := range keys {
		data, err := s.backend.Get(ctx, key)
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return removed, err
		}
		var idx indexRecord
		if err := json.Unmarshal(data, &idx); err != nil {
			s.logger.Warn().Str("key", key).Err(err).Msg("Dropping corrupt index record")
			idx = indexRecord{}
		}

		kept := idx.Sessions[:0]
		for _, e := range idx.Sessions {
			if e.LastActivity.Before(cutoff) {
				if err := s.backend.Delete(ctx, sessionKey(e.SessionID)); err != nil && !errors.Is(err, ErrKeyNotFound) {
					return removed, err
				}
				removed++
				continue
			}
			kept = append(kept, e)
		}
		idx.Sessions = kept

		out, err := json.Marshal(idx)
		if err != nil {
			return removed, err
		}
		if err := s.backend.Put(ctx, key, out); err != nil {
			return removed, err
		}
	}

	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("Expired sessions cleaned up")
	}
	return removed, nil
}

// Close releases the backend
func (s *Service) Close() error {
	return s.backend.Close()
}

func (s *Service) putSession(ctx context.Context, session *domain.ChatSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	return s.backend.Put(ctx, sessionKey(session.SessionID), data)
}

func (s *Service) loadIndex(ctx context.Context, clientID, agentID string) (*indexRecord, error) {
	data, err := s.backend.Get(ctx, indexKey(clientID, agentID))
	if errors.Is(err, ErrKeyNotFound) {
		return &indexRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load index: %w", err)
	}
	var idx indexRecord
	if err := json.Unmarshal(data, &idx); err != nil {
		s.logger.Warn().Err(err).Msg("Corrupt index record, starting fresh")
		return &indexRecord{}, nil
	}
	return &idx, nil
}

func (s *Service) putIndex(ctx context.Context, clientID, agentID string, idx *indexRecord) error {
	data, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("failed to encode index: %w", err)
	}
	return s.backend.Put(ctx, indexKey(clientID, agentID), data)
}

// syncIndexEntry refreshes the index entry for a session already persisted
func (s *Service) syncIndexEntry(ctx context.Context, session *domain.ChatSession) error {
	idx, err := s.loadIndex(ctx, session.ClientID, session.AgentID)
	if err != nil {
		return err
	}
	entry := s.entryFor(session)
	replaced := false
	for i := range idx.Sessions {
		if idx.Sessions[i].SessionID == session.SessionID {
			idx.Sessions[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		idx.Sessions = append(idx.Sessions, entry)
	}
	return s.putIndex(ctx, session.ClientID, session.AgentID, idx)
}

// flipActive updates the persisted session record's active flag
func (s *Service) flipActive(ctx context.Context, sessionID string, active bool) error {
	session, err := s.GetSession(ctx, sessionID)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if session.IsActive == active {
		return nil
	}
	session.IsActive = active
	session.Revision++
	if err := s.putSession(ctx, session); err != nil {
		return err
	}
	return s.syncIndexEntry(ctx, session)
}

func (s *Service) entryFor(session *domain.ChatSession) indexEntry {
	preview := ""
	if n := len(session.Messages); n > 0 {
		preview = truncate(session.Messages[n-1].Text, s.previewMaxLen)
	}
	return indexEntry{
		SessionID:    session.SessionID,
		Title:        session.Title,
		LastActivity: session.LastActivity,
		MessageCount: len(session.Messages),
		Preview:      preview,
		IsActive:     session.IsActive,
	}
}

func removeEntry(entries []indexEntry, sessionID string) []indexEntry {
	for i, e := range entries {
		if e.SessionID == sessionID {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}

func truncate(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}
