package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/symposium-labs/symposium/internal/metrics"
)

// Store persists sessions in a single shared JSON file guarded by an
// advisory file lock, so multiple processes can mutate it safely. Every
// mutation reloads, merges, and saves under the lock. A missing or corrupt
// backing file reads as an empty history, never a fatal error.
type Store struct {
	path       string
	lock       *flock.Flock
	logger     *zap.Logger
	maxHistory int

	mu        sync.Mutex
	cache     map[string]*Record
	cacheSize int
}

// NewStore creates a session store backed by the file at path.
func NewStore(path string, maxHistory, cacheSize int, logger *zap.Logger) (*Store, error) {
	if maxHistory <= 0 {
		maxHistory = 100
	}
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create store directory: %v", ErrStore, err)
	}
	return &Store{
		path:       path,
		lock:       flock.New(path + ".lock"),
		logger:     logger,
		maxHistory: maxHistory,
		cache:      make(map[string]*Record),
		cacheSize:  cacheSize,
	}, nil
}

// Create registers a new session and returns its record.
func (s *Store) Create(teamID, name string) (*Record, error) {
	rec := &Record{
		SessionID:   uuid.New().String(),
		TeamID:      teamID,
		SessionName: name,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		History:     []Turn{},
	}

	err := s.mutate(func(all map[string]*Record) {
		all[rec.SessionID] = rec
	})
	if err != nil {
		metrics.SessionStoreOps.WithLabelValues("create", "error").Inc()
		return nil, err
	}

	s.cachePut(rec)
	metrics.SessionsCreated.Inc()
	metrics.SessionStoreOps.WithLabelValues("create", "ok").Inc()
	s.logger.Info("Created session",
		zap.String("session_id", rec.SessionID),
		zap.String("team_id", teamID),
	)
	return rec, nil
}

// Load returns the record for a session ID.
func (s *Store) Load(sessionID string) (*Record, error) {
	s.mu.Lock()
	if rec, ok := s.cache[sessionID]; ok {
		s.mu.Unlock()
		return rec, nil
	}
	s.mu.Unlock()

	all, err := s.readLocked()
	if err != nil {
		metrics.SessionStoreOps.WithLabelValues("load", "error").Inc()
		return nil, err
	}
	rec, ok := all[sessionID]
	if !ok {
		metrics.SessionStoreOps.WithLabelValues("load", "miss").Inc()
		return nil, ErrSessionNotFound
	}

	s.cachePut(rec)
	metrics.SessionStoreOps.WithLabelValues("load", "ok").Inc()
	return rec, nil
}

// Append adds a completed turn to a session's history, creating the session
// implicitly if it does not exist yet (first turn of an ad-hoc session).
func (s *Store) Append(sessionID string, turn Turn) error {
	var updated *Record
	err := s.mutate(func(all map[string]*Record) {
		rec, ok := all[sessionID]
		if !ok {
			rec = &Record{
				SessionID: sessionID,
				CreatedAt: time.Now(),
				History:   []Turn{},
			}
			all[sessionID] = rec
		}
		rec.History = append(rec.History, turn)
		if len(rec.History) > s.maxHistory {
			rec.History = rec.History[len(rec.History)-s.maxHistory:]
		}
		rec.UpdatedAt = time.Now()
		updated = rec
	})
	if err != nil {
		metrics.SessionStoreOps.WithLabelValues("append", "error").Inc()
		return err
	}

	s.cachePut(updated)
	metrics.SessionStoreOps.WithLabelValues("append", "ok").Inc()
	return nil
}

// Delete removes a session. Deleting an unknown session is a no-op.
func (s *Store) Delete(sessionID string) error {
	err := s.mutate(func(all map[string]*Record) {
		delete(all, sessionID)
	})
	if err != nil {
		metrics.SessionStoreOps.WithLabelValues("delete", "error").Inc()
		return err
	}

	s.mu.Lock()
	delete(s.cache, sessionID)
	metrics.SessionCacheSize.Set(float64(len(s.cache)))
	s.mu.Unlock()

	metrics.SessionStoreOps.WithLabelValues("delete", "ok").Inc()
	s.logger.Info("Deleted session", zap.String("session_id", sessionID))
	return nil
}

// List returns all sessions belonging to a team, newest first.
func (s *Store) List(teamID string) ([]*Record, error) {
	all, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	var out []*Record
	for _, rec := range all {
		if rec.TeamID == teamID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// mutate performs a reload-merge-save cycle under the advisory lock. The
// lock is file-scoped; no in-process lock is held across the disk I/O.
func (s *Store) mutate(fn func(all map[string]*Record)) error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("%w: acquire lock: %v", ErrStore, err)
	}
	defer s.lock.Unlock()

	all := s.readFile()
	fn(all)
	return s.writeFile(all)
}

// readLocked reads the backing file under the advisory lock.
func (s *Store) readLocked() (map[string]*Record, error) {
	if err := s.lock.RLock(); err != nil {
		return nil, fmt.Errorf("%w: acquire lock: %v", ErrStore, err)
	}
	defer s.lock.Unlock()
	return s.readFile(), nil
}

// readFile parses the backing file. Missing or corrupt files are an empty
// history by design; corruption is logged, not fatal.
func (s *Store) readFile() map[string]*Record {
	all := make(map[string]*Record)
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Session file unreadable, starting empty", zap.Error(err))
		}
		return all
	}
	if len(data) == 0 {
		return all
	}
	if err := json.Unmarshal(data, &all); err != nil {
		s.logger.Warn("Session file corrupt, starting empty",
			zap.String("path", s.path),
			zap.Error(err),
		)
		return make(map[string]*Record)
	}
	return all
}

// writeFile writes atomically via a temp file rename so a crashed writer
// never leaves a truncated store behind.
func (s *Store) writeFile(all map[string]*Record) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrStore, err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write: %v", ErrStore, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("%w: rename: %v", ErrStore, err)
	}
	return nil
}

// cachePut stores a record in the local cache, trimming arbitrarily when
// over capacity. The file is the source of truth; the cache just saves reads.
func (s *Store) cachePut(rec *Record) {
	if rec == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[rec.SessionID] = rec
	if len(s.cache) > s.cacheSize {
		for id := range s.cache {
			if id != rec.SessionID {
				delete(s.cache, id)
				break
			}
		}
	}
	metrics.SessionCacheSize.Set(float64(len(s.cache)))
}
