// Package account holds the named remote identities a backup can target.
package account

import (
	"fmt"
	"sync"

	"github.com/CodeFork/b2-autopush/internal/freeze"
)

// Binder constructs the Storage for an account. It is called at most once per
// account, on first use.
type Binder func(a *Account) (freeze.Storage, error)

// Account binds a name and connection string to a storage backend and caches
// the backend's session credentials. Account is a freeze.CredentialStore.
type Account struct {
	ID         int64
	Name       string
	Kind       freeze.StorageKind
	ConnString string

	credsMu sync.Mutex
	creds   freeze.Credentials

	bindMu  sync.Mutex
	binder  Binder
	storage freeze.Storage
}

// Credentials returns the cached session credentials.
func (a *Account) Credentials() freeze.Credentials {
	a.credsMu.Lock()
	defer a.credsMu.Unlock()
	return a.creds
}

// SetCredentials replaces the cached session credentials.
func (a *Account) SetCredentials(c freeze.Credentials) {
	if c.Version == 0 {
		c.Version = freeze.CredentialsVersion
	}
	a.credsMu.Lock()
	defer a.credsMu.Unlock()
	a.creds = c
}

// Service returns the account's Storage, binding it on first call.
func (a *Account) Service() (freeze.Storage, error) {
	a.bindMu.Lock()
	defer a.bindMu.Unlock()

	if a.storage != nil {
		return a.storage, nil
	}
	if a.binder == nil {
		return nil, fmt.Errorf("%w: account %s has no storage binder", freeze.ErrArgument, a.Name)
	}
	s, err := a.binder(a)
	if err != nil {
		return nil, fmt.Errorf("binding storage for account %s: %w", a.Name, err)
	}
	a.storage = s
	return s, nil
}

var _ freeze.CredentialStore = (*Account)(nil)
