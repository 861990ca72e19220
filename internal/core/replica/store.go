// Package replica owns the in-memory CRDT replica for one open document:
// loading it from the persistence gateway, applying mutations, and saving
// snapshots guarded by a content digest so unchanged state is never
// re-persisted.
package replica

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/quillsync/quillsync/internal/core/crdt"
	"github.com/quillsync/quillsync/internal/core/observability/log"
	"github.com/quillsync/quillsync/internal/core/persistence"
)

// Store manages one document replica for the lifetime of a session.
type Store struct {
	documentID string
	gateway    persistence.Gateway
	cache      *persistence.LocalCache
	logger     log.Log

	mu     sync.Mutex
	doc    *crdt.Document
	loaded bool

	// digest of the last state known to be persisted
	lastSavedDigest uint64
	hasSavedDigest  bool

	// serializes saves; an in-flight save blocks the next from starting
	saveMu sync.Mutex

	loadGroup singleflight.Group

	handlerMu      sync.RWMutex
	changeHandlers []func()
}

// NewStore creates a store for the document. cache may be nil to disable
// the offline fallback.
func NewStore(documentID string, gateway persistence.Gateway, cache *persistence.LocalCache, logger log.Log) *Store {
	if logger == nil {
		logger = log.Nop()
	}
	return &Store{
		documentID: documentID,
		gateway:    gateway,
		cache:      cache,
		logger:     logger.With(log.String("component", "replica"), log.String("document_id", documentID)),
	}
}

// DocumentID returns the id of the managed document.
func (s *Store) DocumentID() string {
	return s.documentID
}

// Load fetches the snapshot and builds the replica. A missing snapshot
// initializes an empty replica. Load is idempotent per session: concurrent
// calls share one fetch, later calls are no-ops.
func (s *Store) Load(ctx context.Context, site string) error {
	s.mu.Lock()
	if s.loaded {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	_, err, _ := s.loadGroup.Do(s.documentID, func() (any, error) {
		s.mu.Lock()
		if s.loaded {
			s.mu.Unlock()
			return nil, nil
		}
		s.mu.Unlock()

		state, err := s.gateway.LoadSnapshot(ctx, s.documentID)
		if err != nil {
			return nil, errors.Wrap(persistence.ErrLoadFailed, err.Error())
		}

		doc := crdt.New(site)
		if state != nil {
			if err = doc.ApplyState(state); err != nil {
				return nil, errors.Wrap(persistence.ErrLoadFailed, err.Error())
			}
		}

		digest, err := stateDigest(doc)
		if err != nil {
			return nil, errors.Wrap(persistence.ErrLoadFailed, err.Error())
		}

		s.mu.Lock()
		s.doc = doc
		s.loaded = true
		if state != nil {
			s.lastSavedDigest = digest
			s.hasSavedDigest = true
		}
		s.mu.Unlock()

		s.logger.Info("Replica loaded", log.Bool("empty", state == nil))
		return nil, nil
	})
	return err
}

// Doc returns the live replica handle, nil before Load.
func (s *Store) Doc() *crdt.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

// ApplyRemote merges inbound update bytes into the replica and notifies
// change subscribers. It never persists by itself.
func (s *Store) ApplyRemote(update []byte) error {
	doc := s.Doc()
	if doc == nil {
		return errors.New("replica not loaded")
	}
	if err := doc.ApplyUpdate(update); err != nil {
		return err
	}
	s.notifyChange()
	return nil
}

// Insert applies a local insert and returns the encoded update to
// broadcast.
func (s *Store) Insert(index int, text string) ([]byte, error) {
	doc := s.Doc()
	if doc == nil {
		return nil, errors.New("replica not loaded")
	}
	u := doc.Insert(index, text)
	s.notifyChange()
	return u.Encode()
}

// Delete applies a local delete and returns the encoded update to
// broadcast.
func (s *Store) Delete(index, length int) ([]byte, error) {
	doc := s.Doc()
	if doc == nil {
		return nil, errors.New("replica not loaded")
	}
	u := doc.Delete(index, length)
	if u.IsEmpty() {
		return nil, nil
	}
	s.notifyChange()
	return u.Encode()
}

// Digest returns the content digest of the current replica state.
func (s *Store) Digest() (uint64, error) {
	doc := s.Doc()
	if doc == nil {
		return 0, errors.New("replica not loaded")
	}
	return stateDigest(doc)
}

// Save persists the current state unless it matches the last saved digest.
// Saves are serialized: a save in flight blocks a new one from starting.
// Returns true when a save actually ran.
func (s *Store) Save(ctx context.Context) (bool, error) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	doc := s.Doc()
	if doc == nil {
		return false, errors.New("replica not loaded")
	}

	state, err := doc.EncodeState()
	if err != nil {
		return false, errors.Wrap(persistence.ErrSaveFailed, err.Error())
	}
	digest := xxhash.Sum64(state)

	s.mu.Lock()
	unchanged := s.hasSavedDigest && digest == s.lastSavedDigest
	s.mu.Unlock()
	if unchanged {
		s.logger.Debug("Save skipped, digest unchanged", log.Uint64("digest", digest))
		return false, nil
	}

	if err = s.gateway.SaveSnapshot(ctx, s.documentID, state); err != nil {
		s.cacheFallback(state)
		return false, errors.Wrap(persistence.ErrSaveFailed, err.Error())
	}

	s.mu.Lock()
	s.lastSavedDigest = digest
	s.hasSavedDigest = true
	s.mu.Unlock()

	s.dropCached()
	s.logger.Info("Snapshot saved", log.Uint64("digest", digest))
	return true, nil
}

// OnChange registers a handler fired after every replica mutation, local or
// remote.
func (s *Store) OnChange(fn func()) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.changeHandlers = append(s.changeHandlers, fn)
}

func (s *Store) notifyChange() {
	s.handlerMu.RLock()
	handlers := make([]func(), len(s.changeHandlers))
	copy(handlers, s.changeHandlers)
	s.handlerMu.RUnlock()
	for _, fn := range handlers {
		fn()
	}
}

// cacheFallback keeps the latest state on disk when the gateway is
// unreachable. Best effort only.
func (s *Store) cacheFallback(state []byte) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Put(s.documentID, state); err != nil {
		s.logger.Warn("Local cache write failed", log.Error(err))
	} else {
		s.logger.Info("Snapshot cached locally after failed save")
	}
}

func (s *Store) dropCached() {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(s.documentID); err != nil {
		s.logger.Warn("Local cache cleanup failed", log.Error(err))
	}
}

func stateDigest(doc *crdt.Document) (uint64, error) {
	state, err := doc.EncodeState()
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(state), nil
}
