// Package blestore defines the HistoricalStore capability (spec section 1:
// "Persistent storage of historical characteristic data... treated as an
// external collaborator") plus the opaque per-MAC persisted-state schema
// spec section 6 requires for manage_last_disconnect_on_disk and
// save_name_changes_to_disk.
package blestore

import (
	"context"
	"sync"
	"time"

	"github.com/srg/blecore/pkg/bleevent"
)

// Sample is one historical data point for a (MAC, characteristic) pair.
type Sample struct {
	Device   string
	CharUUID string
	Value    []byte
	At       time.Time
}

// Cursor iterates a bulk historical-data load without materializing the
// whole result set in memory (spec section 5: "writes are batched and
// bulk-loaded through an iterator").
type Cursor interface {
	// Next advances the cursor. Returns false when exhausted or on error;
	// callers must check Err after a false return.
	Next(ctx context.Context) bool
	Sample() Sample
	Err() error
	Close() error
}

// PersistedDeviceState is the stable per-MAC schema spec section 6 names.
type PersistedDeviceState struct {
	LastDisconnectIntent    bleevent.Intent
	OverrideName            string
	HistoricalDataTableName string
}

// HistoricalStore is the persistence capability the core consumes.
// AppendSamples accepts a batch, but pkg/blemanager calls it with one
// sample per notification; it never calls this synchronously from the
// update worker.
type HistoricalStore interface {
	AppendSamples(ctx context.Context, samples []Sample) error
	LoadHistory(ctx context.Context, device, charUUID string) (Cursor, error)

	LoadDeviceState(ctx context.Context, device string) (PersistedDeviceState, bool, error)
	SaveDeviceState(ctx context.Context, device string, state PersistedDeviceState) error
}

// sliceCursor is the Cursor implementation MemStore hands back: since the
// in-memory store already holds everything resident, bulk-loading just
// means walking a pre-built slice - but it still honors the Cursor contract
// so swapping in a real database-backed store is transparent to callers.
type sliceCursor struct {
	samples []Sample
	pos     int
}

func (c *sliceCursor) Next(ctx context.Context) bool {
	if ctx.Err() != nil || c.pos >= len(c.samples) {
		return false
	}
	c.pos++
	return true
}

func (c *sliceCursor) Sample() Sample { return c.samples[c.pos-1] }
func (c *sliceCursor) Err() error     { return nil }
func (c *sliceCursor) Close() error   { return nil }

// MemStore is an in-memory HistoricalStore, used by tests and as the
// default when no persistent backend is configured.
type MemStore struct {
	mu      sync.RWMutex
	samples map[string][]Sample // "device/charUUID" -> samples, oldest first
	states  map[string]PersistedDeviceState
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		samples: make(map[string][]Sample),
		states:  make(map[string]PersistedDeviceState),
	}
}

func sampleKey(device, charUUID string) string { return device + "/" + charUUID }

func (s *MemStore) AppendSamples(ctx context.Context, samples []Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sm := range samples {
		k := sampleKey(sm.Device, sm.CharUUID)
		s.samples[k] = append(s.samples[k], sm)
	}
	return nil
}

func (s *MemStore) LoadHistory(ctx context.Context, device, charUUID string) (Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	existing := s.samples[sampleKey(device, charUUID)]
	copied := make([]Sample, len(existing))
	copy(copied, existing)
	return &sliceCursor{samples: copied}, nil
}

func (s *MemStore) LoadDeviceState(ctx context.Context, device string) (PersistedDeviceState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[device]
	return st, ok, nil
}

func (s *MemStore) SaveDeviceState(ctx context.Context, device string, state PersistedDeviceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[device] = state
	return nil
}
