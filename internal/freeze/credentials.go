package freeze

import "sync"

// CredentialsVersion is the current Credentials schema version.
const CredentialsVersion = 1

// Credentials is the auth material cached for an account between runs.
// Extra keeps keys written by newer versions so they survive a round trip.
type Credentials struct {
	Version            int               `yaml:"version"`
	AuthorizationToken string            `yaml:"authorization_token,omitempty"`
	APIURL             string            `yaml:"api_url,omitempty"`
	DownloadURL        string            `yaml:"download_url,omitempty"`
	AccountID          string            `yaml:"account_id,omitempty"`
	Extra              map[string]string `yaml:",inline"`
}

// Empty reports whether no session token is cached.
func (c Credentials) Empty() bool {
	return c.AuthorizationToken == ""
}

// CredentialStore holds an account's cached credentials. Implementations
// must be safe for concurrent use.
type CredentialStore interface {
	Credentials() Credentials
	SetCredentials(Credentials)
}

// MemoryCredentials is a CredentialStore that keeps credentials in memory.
type MemoryCredentials struct {
	mu    sync.Mutex
	creds Credentials
}

// NewMemoryCredentials creates a MemoryCredentials seeded with c.
func NewMemoryCredentials(c Credentials) *MemoryCredentials {
	return &MemoryCredentials{creds: c}
}

func (m *MemoryCredentials) Credentials() Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds
}

func (m *MemoryCredentials) SetCredentials(c Credentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = c
}
