// Package store implements the DHT's two record stores (C3): the
// validator-dispatched value store and the TTL/republish-managed provider
// store, per spec.md §4.3. Neither store persists across process restarts
// (Non-goal (d)); both are in-memory maps guarded by a single mutex, in
// the style of a plain connection map guarded by a single mutex.
package store

import (
	"errors"
	"sync"
	"time"

	"github.com/shadowmesh/kaddht/pkg/logging"
)

// Record is a (key, value, time_received) triple, namespaced by a leading
// "/namespace/" prefix on Key.
type Record struct {
	Key          []byte
	Value        []byte
	TimeReceived time.Time // RFC3339 on the wire, see pkg/rpc
}

var (
	ErrInvalidRecord = errors.New("store: record failed validation")
	ErrNotBetter     = errors.New("store: existing record is not superseded")
	ErrNotFound      = errors.New("store: not found")
)

type valueEntry struct {
	record     Record
	receivedAt time.Time
}

// ValueStore is the map from record key to (record, received_at) of
// spec.md §4.3.1.
type ValueStore struct {
	mu         sync.Mutex
	entries    map[string]valueEntry
	ttl        time.Duration
	validators *ValidatorRegistry
	log        *logging.Logger
}

// NewValueStore constructs a ValueStore with the given expiration and
// validator registry (see RegisterBuiltins for the default /pk/ validator).
func NewValueStore(ttl time.Duration, validators *ValidatorRegistry, log *logging.Logger) *ValueStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if log == nil {
		log = logging.GetDefaultLogger()
	}
	return &ValueStore{
		entries:    make(map[string]valueEntry),
		ttl:        ttl,
		validators: validators,
		log:        log.WithField("component", "store.value"),
	}
}

// Put validates r against its namespace validator and stores it if it is
// absent, or strictly better than the record already held, per spec.md
// §4.3.1.
func (s *ValueStore) Put(r Record) error {
	v, err := s.validators.For(r.Key)
	if err != nil {
		return err
	}
	if err := v.Validate(r.Key, r.Value); err != nil {
		return ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := string(r.Key)
	existing, ok := s.entries[key]
	if ok && !s.expired(existing) {
		best, err := v.Select(r.Key, [][]byte{existing.record.Value, r.Value})
		if err != nil {
			return ErrInvalidRecord
		}
		if best != 1 {
			return ErrNotBetter
		}
	}

	r.TimeReceived = time.Now()
	s.entries[key] = valueEntry{record: r, receivedAt: r.TimeReceived}
	return nil
}

// Get returns the stored record for key, if present and unexpired.
func (s *ValueStore) Get(key []byte) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := string(key)
	e, ok := s.entries[k]
	if !ok {
		return Record{}, ErrNotFound
	}
	if s.expired(e) {
		delete(s.entries, k)
		return Record{}, ErrNotFound
	}
	return e.record, nil
}

// Validators returns the namespace validator registry this store dispatches
// through, so callers (e.g. the GET_VALUE lookup) can validate/select
// candidate records with the same rules.
func (s *ValueStore) Validators() *ValidatorRegistry { return s.validators }

// Has reports whether key has an unexpired record.
func (s *ValueStore) Has(key []byte) bool {
	_, err := s.Get(key)
	return err == nil
}

// Delete removes key unconditionally.
func (s *ValueStore) Delete(key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, string(key))
}

func (s *ValueStore) expired(e valueEntry) bool {
	return time.Since(e.receivedAt) >= s.ttl
}

// Sweep removes every expired entry; callers may run it on a timer as an
// alternative to (or alongside) lazy expiry on Get.
func (s *ValueStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.entries {
		if s.expired(e) {
			delete(s.entries, k)
			removed++
		}
	}
	if removed > 0 {
		s.log.Debug("swept expired value records", logging.Fields{"removed": removed})
	}
	return removed
}
