// Package contextstore implements the per-session conversation context:
// bounded message log, knowledge-graph entity/relationship extraction,
// semantic recall, and TTL eviction.
//
// The package is deliberately not named "context" — Append here takes a
// context.Context for cancellation, and colliding names would
// force the awkward local aliasing the corpus's own conversation-context
// package uses to avoid that very collision.
package contextstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/modelrouter/core/types"
)

const (
	maxMessages          = 100
	defaultWindowSeconds = 3600
	defaultMaxMessages   = 20
	relevanceThreshold   = 0.7
	evictAfter           = 24 * time.Hour
)

// session is one ConversationContext plus its private lock, knowledge
// graph and vector index.
type session struct {
	mu       sync.Mutex
	sessionID string
	userID    string
	messages  []types.ContextMessage
	metadata  types.ContextMetadata
	graph     *graph
	vectors   *vectorIndex
	lastTask  types.TaskType
}

// RetrieveOptions configures retrieveRelevant.
type RetrieveOptions struct {
	Query              string
	SemanticSearch     bool
	WindowSeconds       int
	ExcludeSystem       bool
	MaxMessages         int
	RelevanceThreshold float64
}

// Store implements the per-session Context Store of §4.5. All operations
// are thread-safe per sessionId; cross-session calls never block each
// other since each session has its own lock.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session

	idCounter int64
	clock     func() time.Time
	logger    *zap.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds an empty Store. clock defaults to time.Now; inject a fake for
// deterministic tests.
func New(clock func() time.Time, logger *zap.Logger) *Store {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{sessions: make(map[string]*session), clock: clock, logger: logger}
}

// Create initializes an empty context and knowledge graph for a session.
// Calling Create twice for the same id is idempotent: the existing
// session is left unchanged.
func (s *Store) Create(sessionID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; ok {
		return
	}
	now := s.clock()
	s.sessions[sessionID] = &session{
		sessionID: sessionID,
		userID:    userID,
		graph:     newGraph(),
		vectors:   newVectorIndex(),
		metadata:  types.ContextMetadata{StartTime: now, LastActivity: now},
	}
}

func (s *Store) getOrCreate(sessionID, userID string) *session {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		return sess
	}
	s.Create(sessionID, userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[sessionID]
}

// Append assigns id+timestamp, computes an embedding for non-system
// messages, runs entity/relationship extraction for user messages,
// enforces the ≤100 bound (trimming the oldest), and returns the stored
// copy.
func (s *Store) Append(ctx context.Context, sessionID, userID string, role types.MessageRole, content string) (types.ContextMessage, error) {
	if err := ctx.Err(); err != nil {
		return types.ContextMessage{}, err
	}
	sess := s.getOrCreate(sessionID, userID)

	now := s.clock()
	id := fmt.Sprintf("msg_%d", atomic.AddInt64(&s.idCounter, 1))
	msg := types.ContextMessage{ID: id, Role: role, Content: content, Timestamp: now}

	if role != types.ContextRoleSystem {
		msg.Embedding = embed(content)
	}

	sess.mu.Lock()
	sess.messages = append(sess.messages, msg)
	if len(sess.messages) > maxMessages {
		sess.messages = sess.messages[len(sess.messages)-maxMessages:]
	}
	sess.metadata.MessageCount = len(sess.messages)
	sess.metadata.LastActivity = now
	sess.mu.Unlock()

	if msg.Embedding != nil {
		sess.vectors.store(msg.ID, msg.Embedding)
	}

	if role == types.ContextRoleUser {
		// entity extraction failures must never break a chat turn
		// (§7 propagation policy); recover and log instead of
		// returning an error.
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Warn("entity extraction panic recovered", zap.Any("recover", r))
				}
			}()
			s.extractInto(sess.graph, content, now)
		}()
	}

	return msg, nil
}

func (s *Store) extractInto(g *graph, text string, now time.Time) {
	entities := extractEntities(text)
	ids := make([]string, len(entities))
	for i, e := range entities {
		stored := g.upsertEntity(e.entityType, e.name, e.confidence, now)
		ids[i] = stored.ID
	}
	for _, pair := range nearbyPairs(entities) {
		a, b := ids[pair[0]], ids[pair[1]]
		if a == b {
			continue
		}
		g.upsertRelation(a, b, now)
	}
}

// RetrieveRelevant filters by time window, optionally runs semantic
// search, ranks by 0.7*relevance + 0.3*recency, and caps at MaxMessages.
func (s *Store) RetrieveRelevant(ctx context.Context, sessionID string, opts RetrieveOptions) ([]types.ContextMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	windowSeconds := opts.WindowSeconds
	if windowSeconds <= 0 {
		windowSeconds = defaultWindowSeconds
	}
	maxMsgs := opts.MaxMessages
	if maxMsgs <= 0 {
		maxMsgs = defaultMaxMessages
	}
	threshold := opts.RelevanceThreshold
	if threshold <= 0 {
		threshold = relevanceThreshold
	}

	now := s.clock()
	cutoff := now.Add(-time.Duration(windowSeconds) * time.Second)

	sess.mu.Lock()
	candidates := make([]types.ContextMessage, 0, len(sess.messages))
	for _, m := range sess.messages {
		if m.Timestamp.Before(cutoff) {
			continue
		}
		if opts.ExcludeSystem && m.Role == types.ContextRoleSystem {
			continue
		}
		candidates = append(candidates, m)
	}
	sess.mu.Unlock()

	if opts.Query != "" && opts.SemanticSearch {
		queryVec := embed(opts.Query)
		filtered := candidates[:0:0]
		oldestTS, newestTS := now, time.Time{}
		for _, m := range candidates {
			if m.Timestamp.Before(oldestTS) {
				oldestTS = m.Timestamp
			}
			if m.Timestamp.After(newestTS) {
				newestTS = m.Timestamp
			}
		}
		span := newestTS.Sub(oldestTS).Seconds()
		for _, m := range candidates {
			if m.Embedding == nil {
				continue
			}
			relevance := cosineSimilarity(queryVec, m.Embedding)
			if relevance < threshold {
				continue
			}
			recency := 1.0
			if span > 0 {
				recency = m.Timestamp.Sub(oldestTS).Seconds() / span
			}
			m.RelevanceScore = 0.7*relevance + 0.3*recency
			filtered = append(filtered, m)
		}
		sort.SliceStable(filtered, func(i, j int) bool {
			return filtered[i].RelevanceScore > filtered[j].RelevanceScore
		})
		candidates = filtered
	}

	if len(candidates) > maxMsgs {
		candidates = candidates[:maxMsgs]
	}
	return candidates, nil
}

// Summarize produces the fixed-shape multi-line summary of §4.5.
func (s *Store) Summarize(sessionID string) string {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return ""
	}

	sess.mu.Lock()
	startTime := sess.metadata.StartTime
	count := sess.metadata.MessageCount
	var lastUser string
	for i := len(sess.messages) - 1; i >= 0; i-- {
		if sess.messages[i].Role == types.ContextRoleUser {
			lastUser = sess.messages[i].Content
			break
		}
	}
	task := sess.lastTask
	sess.mu.Unlock()

	if len(lastUser) > 100 {
		lastUser = lastUser[:100]
	}

	top := sess.graph.topEntities(3)
	var sb strings.Builder
	fmt.Fprintf(&sb, "Session started: %s\n", startTime.Format(time.RFC3339))
	fmt.Fprintf(&sb, "Messages: %d\n", count)
	fmt.Fprintf(&sb, "Current task: %s\n", task)
	fmt.Fprintf(&sb, "Last user request: %s\n", lastUser)
	sb.WriteString("Top entities:\n")
	for _, e := range top {
		fmt.Fprintf(&sb, "  - %s (%s), mentions=%d\n", e.Name, e.Type, e.Mentions)
	}
	return sb.String()
}

// SetLastTask records the most recently classified task type, surfaced by
// Summarize's "Current task" line.
func (s *Store) SetLastTask(sessionID string, t types.TaskType) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	sess.mu.Lock()
	sess.lastTask = t
	sess.mu.Unlock()
}

// LastTask returns the most recently classified task type for a session,
// if any, as recorded by SetLastTask.
func (s *Store) LastTask(sessionID string) (types.TaskType, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.lastTask == "" {
		return "", false
	}
	return sess.lastTask, true
}

// MessageCount returns the current message count for a session.
func (s *Store) MessageCount(sessionID string) int {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return len(sess.messages)
}

// StartEvictionSweep launches the hourly TTL sweep (§4.5/§5: every 3600s,
// deletes sessions whose lastActivity is older than 24h).
func (s *Store) StartEvictionSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.evict()
			}
		}
	}()
}

func (s *Store) evict() {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		sess.mu.Lock()
		last := sess.metadata.LastActivity
		sess.mu.Unlock()
		if now.Sub(last) > evictAfter {
			delete(s.sessions, id)
		}
	}
}

// Stop halts the eviction sweep.
func (s *Store) Stop() {
	s.mu.Lock()
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}
