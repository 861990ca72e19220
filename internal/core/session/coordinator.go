// Package session composes the sync engine for one open document: the
// replica store, the connection manager and the presence tracker. Local
// mutations fan out to the transport and arm the debounced autosave;
// inbound updates merge into the replica and reach the edit surface via
// change notifications.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quillsync/quillsync/internal/core/connection"
	"github.com/quillsync/quillsync/internal/core/observability/log"
	"github.com/quillsync/quillsync/internal/core/presence"
	"github.com/quillsync/quillsync/internal/core/replica"
	"github.com/quillsync/quillsync/internal/core/transport"
)

// Coordinator drives one document session end to end.
type Coordinator struct {
	cfg     Config
	store   *replica.Store
	conn    *connection.Manager
	tracker *presence.Tracker
	logger  log.Log

	mu            sync.Mutex
	debounceTimer *time.Timer
	dirtyGen      uint64
	hasUnsaved    bool
	closed        bool
}

// NewCoordinator wires the engine together. The manager's inbound streams
// feed the replica and the tracker; presence republishes whenever the
// session comes back online.
func NewCoordinator(store *replica.Store, conn *connection.Manager, cfg Config, logger log.Log) *Coordinator {
	if logger == nil {
		logger = log.Nop()
	}
	c := &Coordinator{
		cfg:     cfg,
		store:   store,
		conn:    conn,
		tracker: presence.NewTracker(conn, cfg.Presence, logger),
		logger:  logger.With(log.String("component", "session")),
	}

	conn.OnUpdate(func(payload []byte) {
		if err := store.ApplyRemote(payload); err != nil {
			c.logger.Warn("Failed to apply remote update", log.Error(err))
		}
	})
	conn.OnAwareness(func(payload []byte) {
		c.tracker.Ingest(payload)
	})
	conn.OnStatusChange(func(s connection.Status) {
		if s.Online() {
			// Re-announce after reconnects so peers see us again.
			c.tracker.UpdateActivity()
		}
	})

	return c
}

// Open loads the replica and brings the session online. A load failure is
// terminal for the session; the caller decides whether to retry.
func (c *Coordinator) Open(ctx context.Context, tcfg transport.Config, user presence.User) error {
	if err := c.store.Load(ctx, uuid.NewString()); err != nil {
		return err
	}
	if err := c.conn.Initialize(tcfg); err != nil {
		return err
	}
	c.tracker.Start()
	c.tracker.PublishLocal(user)
	return nil
}

// Insert applies a local insert, broadcasts it, and arms the autosave.
func (c *Coordinator) Insert(index int, text string) error {
	update, err := c.store.Insert(index, text)
	if err != nil {
		return err
	}
	c.broadcast(update)
	c.LocalMutationObserved()
	return nil
}

// Delete applies a local delete, broadcasts it, and arms the autosave.
func (c *Coordinator) Delete(index, length int) error {
	update, err := c.store.Delete(index, length)
	if err != nil {
		return err
	}
	if update != nil {
		c.broadcast(update)
		c.LocalMutationObserved()
	}
	return nil
}

// LocalMutationObserved marks unsaved changes and (re)arms the debounce
// timer. The edit surface calls this for mutations it applied directly to
// the replica handle.
func (c *Coordinator) LocalMutationObserved() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.hasUnsaved = true
	c.dirtyGen++
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
	}
	c.debounceTimer = time.AfterFunc(c.cfg.AutoSaveInterval, c.autosave)
}

// SaveNow forces a save. The digest-skip rule still applies; a save already
// in flight is waited on, not duplicated.
func (c *Coordinator) SaveNow(ctx context.Context) error {
	c.mu.Lock()
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
		c.debounceTimer = nil
	}
	c.mu.Unlock()

	return c.save(ctx)
}

// HasUnsavedChanges reports whether local edits are not yet persisted.
func (c *Coordinator) HasUnsavedChanges() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasUnsaved
}

// UpdateCursor forwards a local cursor move to the presence channel.
func (c *Coordinator) UpdateCursor(cursor *presence.CursorRange) {
	c.tracker.UpdateCursor(cursor)
}

// Store exposes the replica store to the edit surface.
func (c *Coordinator) Store() *replica.Store {
	return c.store
}

// Connection exposes the connection manager for status indicators and
// manual reconnect actions.
func (c *Coordinator) Connection() *connection.Manager {
	return c.conn
}

// Presence exposes the tracker for the remote-user list.
func (c *Coordinator) Presence() *presence.Tracker {
	return c.tracker
}

// Close tears the session down: timers cancelled, presence cleared, a
// best-effort final save of unsaved changes, transport closed.
func (c *Coordinator) Close(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
		c.debounceTimer = nil
	}
	unsaved := c.hasUnsaved
	c.mu.Unlock()

	c.tracker.Stop()

	if unsaved {
		// The session is going away regardless; a failed final save is
		// allowed to stay silent.
		if _, err := c.store.Save(ctx); err != nil {
			c.logger.Warn("Final save failed", log.Error(err))
		}
	}

	c.conn.Close()
	c.logger.Info("Session closed")
}

// --- internals ---

func (c *Coordinator) broadcast(update []byte) {
	if err := c.conn.SendUpdate(update); err != nil {
		// Offline edits are expected; the CRDT reconciles on reconnect.
		c.logger.Debug("Update not broadcast", log.Error(err))
	}
}

func (c *Coordinator) autosave() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.save(context.Background()); err != nil {
		// Transient: flag stays set, the next cycle retries.
		c.logger.Warn("Autosave failed", log.Error(err))
		c.mu.Lock()
		if !c.closed {
			// An edit may have re-armed the timer while the save ran.
			if c.debounceTimer != nil {
				c.debounceTimer.Stop()
			}
			c.debounceTimer = time.AfterFunc(c.cfg.AutoSaveInterval, c.autosave)
		}
		c.mu.Unlock()
	}
}

func (c *Coordinator) save(ctx context.Context) error {
	c.mu.Lock()
	gen := c.dirtyGen
	c.mu.Unlock()

	if _, err := c.store.Save(ctx); err != nil {
		return err
	}

	// An edit that landed while the save was in flight may not be in the
	// persisted state; the flag only clears when nothing newer exists.
	c.mu.Lock()
	if c.dirtyGen == gen {
		c.hasUnsaved = false
	}
	c.mu.Unlock()
	return nil
}
