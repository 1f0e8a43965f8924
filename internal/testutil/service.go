package testutil

import (
	"context"
	"testing"

	"github.com/CodeFork/b2-autopush/internal/cache"
	"github.com/CodeFork/b2-autopush/internal/database"
	"github.com/CodeFork/b2-autopush/internal/encryption"
	"github.com/CodeFork/b2-autopush/internal/freeze"
	"github.com/CodeFork/b2-autopush/internal/staging"
	"github.com/CodeFork/b2-autopush/internal/storage"
)

// TestEnv is a Service wired entirely to in-memory components, with each
// component exposed for assertions.
type TestEnv struct {
	Service   *freeze.Service
	Storage   *storage.Memory
	Cache     *cache.FileCache
	Lister    *MockLister
	Encryptor *encryption.TestEncryptor
	Spool     *staging.Area
	History   *database.SQLiteHistory
	Sleeper   *RecordingSleeper
	Clock     *StubClock
	IDs       *StubIDGenerator
	Container *freeze.Container
}

// EnvOption adjusts how NewTestEnv wires the Service.
type EnvOption func(*envOptions)

type envOptions struct {
	spoolSize int64
	wrap      func(freeze.Storage) freeze.Storage
}

// WithSpoolSize limits the spool area to n bytes.
func WithSpoolSize(n int64) EnvOption {
	return func(o *envOptions) { o.spoolSize = n }
}

// WithStorage hands the Service wrap(env.Storage) instead of env.Storage.
func WithStorage(wrap func(freeze.Storage) freeze.Storage) EnvOption {
	return func(o *envOptions) { o.wrap = wrap }
}

// NewTestEnv builds a TestEnv with a "backups" container already created.
func NewTestEnv(t *testing.T, cfg freeze.ServiceConfig, opts ...EnvOption) *TestEnv {
	t.Helper()
	o := envOptions{spoolSize: DefaultTestSpoolSize}
	for _, opt := range opts {
		opt(&o)
	}

	env := &TestEnv{
		Cache:     cache.New(),
		Lister:    NewMockLister(),
		Encryptor: NewTestEncryptor(),
		Spool:     NewTestSpoolAreaWithSize(o.spoolSize),
		History:   NewTestHistory(t),
		Sleeper:   NewRecordingSleeper(),
		Clock:     FixedClock(),
		IDs:       NewStubIDGenerator(),
	}
	env.Storage = NewTestStorage(t, env.Cache, env.Sleeper)
	var st freeze.Storage = env.Storage
	if o.wrap != nil {
		st = o.wrap(env.Storage)
	}
	env.Service = freeze.NewService(st, env.Cache, env.Lister, env.Encryptor, env.Spool,
		env.History, freeze.NewNopLogger(), env.Clock, env.IDs, cfg)

	c, err := env.Storage.CreateContainer(context.Background(), "backups")
	if err != nil {
		t.Fatalf("creating container: %v", err)
	}
	env.Container = c
	return env
}
