package account

import (
	"fmt"
	"sync"

	"github.com/CodeFork/b2-autopush/internal/freeze"
	"github.com/CodeFork/b2-autopush/internal/snapshot"
)

// List is the ordered set of accounts. Ids are assigned as max+1 and never
// reused within a process; after Load the counter is the largest loaded id.
type List struct {
	mu       sync.RWMutex
	accounts []*Account
	maxID    int64
	binder   Binder
}

// NewList creates an empty list. binder may be nil when storage is never
// needed.
func NewList(binder Binder) *List {
	return &List{binder: binder}
}

// Create appends a new account with the next id.
func (l *List) Create(name string, kind freeze.StorageKind, connString string) (*Account, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: account name is required", freeze.ErrArgument)
	}
	if _, err := freeze.ParseStorageKind(string(kind)); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.findLocked(name) != nil {
		return nil, fmt.Errorf("%w: account %q already exists", freeze.ErrArgument, name)
	}
	l.maxID++
	a := &Account{
		ID:         l.maxID,
		Name:       name,
		Kind:       kind,
		ConnString: connString,
		binder:     l.binder,
	}
	a.creds.Version = freeze.CredentialsVersion
	l.accounts = append(l.accounts, a)
	return a, nil
}

// Add appends an account that already has an id, raising the counter when
// needed.
func (l *List) Add(a *Account) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addLocked(a)
}

func (l *List) addLocked(a *Account) error {
	for _, existing := range l.accounts {
		if existing.ID == a.ID {
			return fmt.Errorf("%w: duplicate account id %d", freeze.ErrArgument, a.ID)
		}
	}
	if a.binder == nil {
		a.binder = l.binder
	}
	l.accounts = append(l.accounts, a)
	if a.ID > l.maxID {
		l.maxID = a.ID
	}
	return nil
}

// Remove drops the account called name. The id is not reused.
func (l *List) Remove(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, a := range l.accounts {
		if a.Name == name {
			l.accounts = append(l.accounts[:i], l.accounts[i+1:]...)
			return true
		}
	}
	return false
}

// Find returns the account called name.
func (l *List) Find(name string) (*Account, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a := l.findLocked(name)
	return a, a != nil
}

func (l *List) findLocked(name string) *Account {
	for _, a := range l.accounts {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// Get returns the account with id.
func (l *List) Get(id int64) (*Account, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, a := range l.accounts {
		if a.ID == id {
			return a, true
		}
	}
	return nil, false
}

// All returns the accounts in insertion order.
func (l *List) All() []*Account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*Account(nil), l.accounts...)
}

// MaxID returns the largest id assigned or loaded so far.
func (l *List) MaxID() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.maxID
}

type document struct {
	Version  int          `yaml:"version"`
	Accounts []accountDoc `yaml:"accounts"`
}

type accountDoc struct {
	ID          int64              `yaml:"id"`
	Name        string             `yaml:"name"`
	Kind        string             `yaml:"kind"`
	ConnString  string             `yaml:"conn_string"`
	Credentials freeze.Credentials `yaml:"credentials"`
}

// Save writes the whole list to path atomically. The file holds secrets and
// is written with mode 0600.
func (l *List) Save(path string) error {
	doc := document{Version: snapshot.Version, Accounts: []accountDoc{}}
	for _, a := range l.All() {
		doc.Accounts = append(doc.Accounts, accountDoc{
			ID:          a.ID,
			Name:        a.Name,
			Kind:        string(a.Kind),
			ConnString:  a.ConnString,
			Credentials: a.Credentials(),
		})
	}
	if err := snapshot.Write(path, doc); err != nil {
		return fmt.Errorf("saving accounts: %w", err)
	}
	return nil
}

// Load replaces the list's contents with the snapshot at path and recomputes
// the id counter from the loaded ids. A missing file leaves the list as is,
// and so does a snapshot that fails to load.
func (l *List) Load(path string) error {
	var doc document
	found, err := snapshot.Read(path, &doc)
	if err != nil {
		return fmt.Errorf("loading accounts: %w", err)
	}
	if !found {
		return nil
	}

	loaded := make([]*Account, 0, len(doc.Accounts))
	ids := make(map[int64]bool, len(doc.Accounts))
	names := make(map[string]bool, len(doc.Accounts))
	var maxID int64
	for _, ad := range doc.Accounts {
		kind, err := freeze.ParseStorageKind(ad.Kind)
		if err != nil {
			return fmt.Errorf("loading accounts: %w: account %d: %v", freeze.ErrDeserialization, ad.ID, err)
		}
		if ids[ad.ID] {
			return fmt.Errorf("loading accounts: %w: duplicate account id %d", freeze.ErrDeserialization, ad.ID)
		}
		if names[ad.Name] {
			return fmt.Errorf("loading accounts: %w: duplicate account name %q", freeze.ErrDeserialization, ad.Name)
		}
		ids[ad.ID], names[ad.Name] = true, true

		a := &Account{ID: ad.ID, Name: ad.Name, Kind: kind, ConnString: ad.ConnString, binder: l.binder}
		a.SetCredentials(ad.Credentials)
		loaded = append(loaded, a)
		maxID = max(maxID, ad.ID)
	}

	l.mu.Lock()
	l.accounts, l.maxID = loaded, maxID
	l.mu.Unlock()
	return nil
}
