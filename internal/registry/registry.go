// Package registry resolves transport sender identifiers to conversation
// threads, backed by a read-through cache over the persistent store.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/ordsvc/attendant/internal/assistant"
	"github.com/ordsvc/attendant/internal/models"
	"gorm.io/gorm"
)

// ErrNotFound reports that no thread exists for an identifier.
var ErrNotFound = errors.New("registry: thread not found")

// Registry owns ConversationThread identity. Cached entries are never
// trusted for mutable fields: every Resolve revalidates the paused flag
// against the store, so an admin pause is visible on the very next message
// even on a cache hit.
type Registry struct {
	db     *gorm.DB
	svc    assistant.Service
	medium string

	mu    sync.Mutex
	cache map[string]models.ConversationThread
	locks map[string]*sync.Mutex // per-identifier; Resolve/SetPaused on one key never interleave
}

// Opts holds parameters for creating a Registry.
type Opts struct {
	DB        *gorm.DB
	Assistant assistant.Service
	Medium    string // recorded on created threads, defaults to "chat"
}

// New creates a Registry.
func New(opts Opts) (*Registry, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("registry: db is required")
	}
	if opts.Assistant == nil {
		return nil, fmt.Errorf("registry: assistant service is required")
	}
	medium := opts.Medium
	if medium == "" {
		medium = "chat"
	}
	return &Registry{
		db:     opts.DB,
		svc:    opts.Assistant,
		medium: medium,
		cache:  make(map[string]models.ConversationThread),
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// keyLock returns the mutex for one identifier, creating it on first use.
func (r *Registry) keyLock(identifier string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[identifier]
	if !ok {
		l = &sync.Mutex{}
		r.locks[identifier] = l
	}
	return l
}

// Resolve returns the ConversationThread for a sender identifier, creating
// it lazily on first contact. Lookup order: cache → store → create. Thread
// creation is atomic-or-nothing: if the assistant-side thread is created
// but local persistence fails, the error is returned and nothing is cached.
func (r *Registry) Resolve(ctx context.Context, identifier string, meta map[string]string) (models.ConversationThread, error) {
	lock := r.keyLock(identifier)
	lock.Lock()
	defer lock.Unlock()

	if cached, ok := r.cached(identifier); ok {
		fresh, err := r.load(identifier)
		switch {
		case err == nil:
			if fresh.Paused != cached.Paused || fresh.ThreadRef != cached.ThreadRef {
				r.store(fresh)
			}
			return fresh, nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			// Deleted by admin action; drop the stale entry and recreate below.
			r.invalidate(identifier)
		default:
			return models.ConversationThread{}, fmt.Errorf("registry: revalidate %s: %w", identifier, err)
		}
	}

	thread, err := r.load(identifier)
	if err == nil {
		r.store(thread)
		return thread, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ConversationThread{}, fmt.Errorf("registry: lookup %s: %w", identifier, err)
	}

	return r.create(ctx, identifier, meta)
}

// SetPaused writes the paused flag through to the store and updates the
// cache entry under the same key lock, so concurrent Resolve calls on the
// identifier observe either the old or the new value, never a mix.
func (r *Registry) SetPaused(ctx context.Context, identifier string, paused bool) error {
	lock := r.keyLock(identifier)
	lock.Lock()
	defer lock.Unlock()

	// Existence is checked with a lookup rather than inferred from
	// RowsAffected: MySQL reports rows changed, not rows matched, so an
	// idempotent pause would otherwise read as not-found.
	if _, err := r.load(identifier); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("registry: set paused %s: %w", identifier, ErrNotFound)
		}
		return fmt.Errorf("registry: set paused %s: %w", identifier, err)
	}

	err := r.db.WithContext(ctx).Model(&models.ConversationThread{}).
		Where("identifier = ?", identifier).
		Update("paused", paused).Error
	if err != nil {
		return fmt.Errorf("registry: set paused %s: %w", identifier, err)
	}

	r.mu.Lock()
	if cached, ok := r.cache[identifier]; ok {
		cached.Paused = paused
		r.cache[identifier] = cached
	}
	r.mu.Unlock()
	return nil
}

// Invalidate drops the cache entry for an identifier. Used after explicit
// admin deletion.
func (r *Registry) Invalidate(identifier string) {
	lock := r.keyLock(identifier)
	lock.Lock()
	defer lock.Unlock()
	r.invalidate(identifier)
}

// create makes the assistant-side thread first, then persists the local
// record. A persistence failure leaves no trace in the cache; the unused
// assistant thread is abandoned and logged.
func (r *Registry) create(ctx context.Context, identifier string, meta map[string]string) (models.ConversationThread, error) {
	metadata := map[string]string{"identifier": identifier, "medium": r.medium}
	for k, v := range meta {
		metadata[k] = v
	}

	threadRef, err := r.svc.CreateThread(ctx, metadata)
	if err != nil {
		return models.ConversationThread{}, fmt.Errorf("registry: create assistant thread for %s: %w", identifier, err)
	}

	thread := models.ConversationThread{
		Identifier: identifier,
		ThreadRef:  threadRef,
		Medium:     r.medium,
	}
	if err := r.db.WithContext(ctx).Create(&thread).Error; err != nil {
		log.Printf("registry: abandoning assistant thread %s after persist failure for %s", threadRef, identifier)
		return models.ConversationThread{}, fmt.Errorf("registry: persist thread for %s: %w", identifier, err)
	}

	log.Printf("registry: created thread %d [identifier=%s ref=%s]", thread.ID, identifier, threadRef)
	r.store(thread)
	return thread, nil
}

// load fetches the thread row from the store.
func (r *Registry) load(identifier string) (models.ConversationThread, error) {
	var thread models.ConversationThread
	err := r.db.Where("identifier = ?", identifier).First(&thread).Error
	return thread, err
}

func (r *Registry) cached(identifier string) (models.ConversationThread, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.cache[identifier]
	return t, ok
}

func (r *Registry) store(thread models.ConversationThread) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[thread.Identifier] = thread
}

func (r *Registry) invalidate(identifier string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, identifier)
}
