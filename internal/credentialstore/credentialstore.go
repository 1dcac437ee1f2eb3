// Package credentialstore is a local stand-in for the out-of-scope
// credential/token custody subsystem (device-binding, audit trail). Only
// the store/retrieve_with_options/invalidate contract the coordinator
// consumes is implemented here.
package credentialstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/lattice-io/txncore"
)

// entry is one stored credential plus its custody options.
type entry struct {
	value   any
	options any
}

// Store is an in-memory, device-bound credential custody stand-in.
// It implements txncore.CredentialStore.
type Store struct {
	mu        sync.RWMutex
	entries   map[string]entry
	deviceID  string
	bound     bool
	available bool
}

// New constructs a Store. If deviceID is empty, a random one is generated
// and the store is considered device-bound from construction.
func New(deviceID string) *Store {
	if deviceID == "" {
		deviceID = generateDeviceID()
	}
	return &Store{
		entries:   make(map[string]entry),
		deviceID:  deviceID,
		bound:     true,
		available: true,
	}
}

func generateDeviceID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing is effectively unrecoverable on any real
		// platform; fall back to a fixed sentinel rather than panic.
		return "device-unbound"
	}
	return hex.EncodeToString(b)
}

// SetAvailable toggles whether the custody subsystem reports itself
// reachable, used to exercise CredentialStoreResource.Prepare failure paths.
func (s *Store) SetAvailable(available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = available
}

// IsAvailable reports whether the store currently accepts operations.
func (s *Store) IsAvailable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.available
}

// IsDeviceBound reports whether this store instance has completed
// device-binding, a precondition CredentialStoreResource.Prepare checks.
func (s *Store) IsDeviceBound() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bound
}

// DeviceID returns the bound device identifier.
func (s *Store) DeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceID
}

func (s *Store) Store(ctx context.Context, key string, value any, options any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return txncore.NewError(txncore.ErrConnectionUnavailable, nil, "credential store unavailable")
	}
	s.entries[key] = entry{value: value, options: options}
	return nil
}

func (s *Store) RetrieveWithOptions(ctx context.Context, key string) (value any, options any, found bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, nil, false, nil
	}
	return e.value, e.options, true, nil
}

func (s *Store) Retrieve(ctx context.Context, key string) (value any, found bool, err error) {
	v, _, found, err := s.RetrieveWithOptions(ctx, key)
	return v, found, err
}

// Invalidate removes key's credential. Deleting a key with no prior binding
// (the no_binding_yet case) is treated as an idempotent no-op rather than an
// error: this store only ever operates on its own state, so there is no
// foreign binding it could be mistakenly asked to tear down.
func (s *Store) Invalidate(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return txncore.NewError(txncore.ErrConnectionUnavailable, nil, "credential store unavailable")
	}
	delete(s.entries, key)
	return nil
}

var _ txncore.CredentialStore = (*Store)(nil)
