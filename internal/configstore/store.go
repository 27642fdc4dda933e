// Package configstore is the process-wide registry of cluster connection bundles. Memory is authoritative once
// loaded; the optional ConfigBackend is a durability mirror written before memory on every mutation.
package configstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"kubepulse/internal/ports"
	"kubepulse/internal/types"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	EventAdded   = "config.added"
	EventUpdated = "config.updated"
	EventDeleted = "config.deleted"
)

// Event is emitted after a mutation succeeded.
type Event struct {
	Type string    `json:"type"`
	ID   string    `json:"id"`
	Name string    `json:"name,omitempty"`
	At   time.Time `json:"at"`
}

type Option func(*Store)

// WithPublisher sends every Event as JSON to topic. Publish failures are logged and never fail the mutation.
func WithPublisher(p ports.Publisher, topic string) Option {
	return func(s *Store) {
		s.pub = p
		s.topic = topic
	}
}

// WithListener registers fn to be called synchronously after every successful mutation, outside the lock.
func WithListener(fn func(Event)) Option {
	return func(s *Store) {
		s.listeners = append(s.listeners, fn)
	}
}

type Store struct {
	// mu is held for the whole of every operation, backend I/O included, so memory and backend never
	// observably diverge.
	mu      sync.RWMutex
	records map[string]types.ConfigRecord
	backend ports.ConfigBackend

	pub       ports.Publisher
	topic     string
	listeners []func(Event)

	now func() time.Time
}

// New returns a Store. backend may be nil for a memory-only store.
func New(backend ports.ConfigBackend, opts ...Option) *Store {
	s := &Store{
		records: make(map[string]types.ConfigRecord),
		backend: backend,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetTimeNowFn overrides the clock used for Created/Updated.
func (s *Store) SetTimeNowFn(f func() time.Time) {
	s.now = f
}

// Add validates bundle, assigns an ID and stores the record. With a backend configured a failed backend write
// fails the whole Add.
func (s *Store) Add(ctx context.Context, bundle []byte, name string) (string, error) {
	rec, err := newRecord(bundle, name)
	if err != nil {
		return "", err
	}
	now := s.now().UTC()
	rec.ID = uuid.NewString()
	rec.Created = now
	rec.Updated = now

	s.mu.Lock()
	if s.backend != nil {
		if err := s.backend.AddConfig(ctx, rec); err != nil {
			s.mu.Unlock()
			return "", err
		}
	}
	s.records[rec.ID] = rec
	s.mu.Unlock()

	log.WithFields(log.Fields{"component": "configstore", "config_id": rec.ID, "name": rec.Name}).Info("Config added")
	s.notify(ctx, Event{Type: EventAdded, ID: rec.ID, Name: rec.Name, At: now})
	return rec.ID, nil
}

// Get returns a copy of the stored bundle bytes.
func (s *Store) Get(ctx context.Context, id string) ([]byte, error) {
	rec, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.Bundle, nil
}

func (s *Store) GetMetadata(ctx context.Context, id string) (types.ConfigMetadata, error) {
	rec, err := s.lookup(ctx, id)
	if err != nil {
		return types.ConfigMetadata{}, err
	}
	return rec.Metadata(), nil
}

// List returns the metadata of every record ordered by creation time. With a backend configured the memory map
// is first replaced by the backend's contents so records written by other instances become visible.
func (s *Store) List(ctx context.Context) ([]types.ConfigMetadata, error) {
	var out []types.ConfigMetadata
	if s.backend != nil {
		s.mu.Lock()
		recs, err := s.backend.ListConfigs(ctx)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		fresh := make(map[string]types.ConfigRecord, len(recs))
		for _, r := range recs {
			fresh[r.ID] = r.Clone()
		}
		s.records = fresh
		out = s.metadataLocked()
		s.mu.Unlock()
	} else {
		s.mu.RLock()
		out = s.metadataLocked()
		s.mu.RUnlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out, nil
}

func (s *Store) metadataLocked() []types.ConfigMetadata {
	out := make([]types.ConfigMetadata, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Metadata())
	}
	return out
}

// Update replaces bundle and name of an existing record, keeping Created.
func (s *Store) Update(ctx context.Context, id string, bundle []byte, name string) error {
	rec, err := newRecord(bundle, name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	existing, err := s.existingLocked(ctx, id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	rec.ID = id
	rec.Created = existing.Created
	rec.Updated = s.now().UTC()
	if s.backend != nil {
		if err := s.backend.UpdateConfig(ctx, rec); err != nil {
			// deleted by another instance; memory must not outlive the backend row
			if errors.Is(err, types.ErrNotFound) {
				delete(s.records, id)
			}
			s.mu.Unlock()
			return err
		}
	}
	s.records[id] = rec
	s.mu.Unlock()

	log.WithFields(log.Fields{"component": "configstore", "config_id": id, "name": rec.Name}).Info("Config updated")
	s.notify(ctx, Event{Type: EventUpdated, ID: id, Name: rec.Name, At: rec.Updated})
	return nil
}

// Delete removes a record from the backend and from memory.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	existing, err := s.existingLocked(ctx, id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if s.backend != nil {
		// a row already gone from the backend still leaves memory to clean up
		if err := s.backend.DeleteConfig(ctx, id); err != nil && !errors.Is(err, types.ErrNotFound) {
			s.mu.Unlock()
			return err
		}
	}
	delete(s.records, id)
	s.mu.Unlock()

	log.WithFields(log.Fields{"component": "configstore", "config_id": id}).Info("Config deleted")
	s.notify(ctx, Event{Type: EventDeleted, ID: id, Name: existing.Name, At: s.now().UTC()})
	return nil
}

// RESTConfig builds the client configuration for one context of a stored bundle. An empty contextName selects
// the bundle's current-context.
func (s *Store) RESTConfig(ctx context.Context, id, contextName string) (*rest.Config, error) {
	bundle, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	cfg, err := types.ParseBundle(bundle)
	if err != nil {
		return nil, err
	}
	if contextName == "" {
		contextName = cfg.CurrentContext
	}
	if _, ok := cfg.Contexts[contextName]; !ok {
		return nil, types.Err(types.ErrNotFound, nil, "context %q in config %s", contextName, id)
	}
	rc, err := clientcmd.NewNonInteractiveClientConfig(*cfg, contextName, &clientcmd.ConfigOverrides{}, nil).ClientConfig()
	if err != nil {
		return nil, types.Err(types.ErrValidation, err, "build client config for context %q", contextName)
	}
	return rc, nil
}

// lookup is the read-through path. The read lock covers the memory check; a miss upgrades to the write lock
// for the backend read and the memory fill.
func (s *Store) lookup(ctx context.Context, id string) (types.ConfigRecord, error) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if ok {
		return rec.Clone(), nil
	}
	if s.backend == nil {
		return types.ConfigRecord{}, types.Err(types.ErrNotFound, nil, "config %s", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[id]; ok {
		return rec.Clone(), nil
	}
	rec, err := s.readBackend(ctx, id)
	if err != nil {
		return types.ConfigRecord{}, err
	}
	s.records[id] = rec
	return rec.Clone(), nil
}

// existingLocked finds id in memory or backend. Caller holds the write lock.
func (s *Store) existingLocked(ctx context.Context, id string) (types.ConfigRecord, error) {
	if rec, ok := s.records[id]; ok {
		return rec, nil
	}
	if s.backend == nil {
		return types.ConfigRecord{}, types.Err(types.ErrNotFound, nil, "config %s", id)
	}
	return s.readBackend(ctx, id)
}

// readBackend reports any backend failure as not found.
func (s *Store) readBackend(ctx context.Context, id string) (types.ConfigRecord, error) {
	rec, err := s.backend.GetConfig(ctx, id)
	if err == nil {
		return rec.Clone(), nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		log.WithFields(log.Fields{"component": "configstore", "config_id": id}).WithError(err).Warn("Backend read failed, treating as not found")
	}
	return types.ConfigRecord{}, types.Err(types.ErrNotFound, nil, "config %s", id)
}

func (s *Store) notify(ctx context.Context, ev Event) {
	for _, fn := range s.listeners {
		fn(ev)
	}
	if s.pub == nil {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		log.WithError(err).Error("Failed to marshal config event")
		return
	}
	if err := s.pub.PublishRaw(ctx, s.topic, b); err != nil {
		log.WithFields(log.Fields{"component": "configstore", "config_id": ev.ID, "event": ev.Type}).WithError(err).Warn("Failed to publish config event")
	}
}

func newRecord(bundle []byte, name string) (types.ConfigRecord, error) {
	if err := types.ValidateName(name); err != nil {
		return types.ConfigRecord{}, err
	}
	cfg, err := types.ParseBundle(bundle)
	if err != nil {
		return types.ConfigRecord{}, err
	}
	b := make([]byte, len(bundle))
	copy(b, bundle)
	return types.ConfigRecord{
		Name:      name,
		Bundle:    b,
		Endpoints: types.EndpointNames(cfg),
	}, nil
}
