// Package secrets owns the lifecycle of generated credentials. The one
// rule everything here enforces is generate-once: a named secret's value
// is fixed on first creation and every later reader observes that value.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned by read-only lookups for a secret that has not
// been generated yet.
var ErrNotFound = errors.New("secret not found")

// PersistenceError wraps a store failure. It is fatal to the current
// reconciliation attempt and the attempt is retried on the next trigger;
// a partially generated value is never returned.
type PersistenceError struct {
	Name string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting secret %q: %v", e.Name, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Secret is a named generated credential.
type Secret struct {
	Name        string
	Value       string
	GeneratedAt time.Time
}

// Store persists secrets durably. Create must be atomic: when the named
// secret already exists it returns ErrExists and leaves the stored value
// untouched, which is what makes Manager.GetOrCreate linearizable across
// processes sharing the store.
type Store interface {
	Get(ctx context.Context, name string) (Secret, error)
	Create(ctx context.Context, secret Secret) error
}

// ErrExists is returned by Store.Create when the named secret is already
// present.
var ErrExists = errors.New("secret already exists")

// Generator produces a new secret value.
type Generator func() (string, error)

// Manager serializes secret access per name. Two concurrent GetOrCreate
// calls for the same name never both invoke the generator; the second
// caller observes the first caller's stored value.
type Manager struct {
	store Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(store Store) *Manager {
	return &Manager{store: store, locks: make(map[string]*sync.Mutex)}
}

func (m *Manager) nameLock(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

// GetOrCreate returns the stored value for name, generating and storing
// it first if absent. The generator runs at most once per name for the
// lifetime of the store contents.
func (m *Manager) GetOrCreate(ctx context.Context, name string, gen Generator) (string, error) {
	l := m.nameLock(name)
	l.Lock()
	defer l.Unlock()

	existing, err := m.store.Get(ctx, name)
	if err == nil {
		return existing.Value, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", &PersistenceError{Name: name, Err: err}
	}

	value, err := gen()
	if err != nil {
		return "", fmt.Errorf("generating secret %q: %w", name, err)
	}
	err = m.store.Create(ctx, Secret{Name: name, Value: value, GeneratedAt: time.Now().UTC()})
	if errors.Is(err, ErrExists) {
		// Another writer beat us through the shared store; theirs wins.
		existing, err = m.store.Get(ctx, name)
		if err != nil {
			return "", &PersistenceError{Name: name, Err: err}
		}
		return existing.Value, nil
	}
	if err != nil {
		return "", &PersistenceError{Name: name, Err: err}
	}
	return value, nil
}

// Get returns the stored value for name without ever generating one.
// Action handlers use this so a premature action cannot mint a value the
// reconciler has not distributed yet.
func (m *Manager) Get(ctx context.Context, name string) (string, error) {
	l := m.nameLock(name)
	l.Lock()
	defer l.Unlock()

	s, err := m.store.Get(ctx, name)
	if err != nil {
		return "", err
	}
	return s.Value, nil
}
