package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/CodeFork/b2-autopush/internal/account"
	"github.com/CodeFork/b2-autopush/internal/cache"
	"github.com/CodeFork/b2-autopush/internal/config"
	"github.com/CodeFork/b2-autopush/internal/database"
	"github.com/CodeFork/b2-autopush/internal/encryption"
	"github.com/CodeFork/b2-autopush/internal/freeze"
	"github.com/CodeFork/b2-autopush/internal/fs"
	"github.com/CodeFork/b2-autopush/internal/staging"
	"github.com/CodeFork/b2-autopush/internal/storage"
	"github.com/CodeFork/b2-autopush/internal/watch"
)

// Options adjusts how an App is built.
type Options struct {
	// StderrLevel is the lowest level echoed to stderr. The log file always
	// receives every level.
	StderrLevel slog.Level
	// Clock and IDs default to the real clock and random UUIDs.
	Clock freeze.Clock
	IDs   freeze.IDGenerator
	// Sleep defaults to freeze.Sleep.
	Sleep freeze.Sleeper
}

// App is the application layer between the CLI and freeze.Service.
// It constructs all dependencies from config, loads the account list and
// file cache snapshots, and writes them back on Close.
type App struct {
	cfg       *config.Config
	opts      Options
	accounts  *account.List
	cache     *cache.FileCache
	lister    *fs.OSLister
	encryptor freeze.Encryptor
	spool     freeze.SpoolArea
	history   freeze.History
	logger    *slog.Logger
	logFile   *os.File
}

// New creates a fully wired App from the given config. operation names the
// CLI command for the log. The caller must call Close when done.
func New(cfg *config.Config, operation string, opts Options) (*App, error) {
	if opts.Clock == nil {
		opts.Clock = freeze.RealClock{}
	}
	if opts.IDs == nil {
		opts.IDs = freeze.UUIDGenerator{}
	}
	if opts.Sleep == nil {
		opts.Sleep = freeze.Sleep
	}

	opID := opts.Clock.Now().UTC().Format("20060102T150405Z")
	logger, logFile, err := newLogger(cfg.LogDir, opID, opts.StderrLevel)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger = logger.With("op", operation)

	a := &App{
		cfg:     cfg,
		opts:    opts,
		cache:   cache.New(),
		logger:  logger,
		logFile: logFile,
	}
	a.lister = fs.NewOSLister(cfg.Filesystem.Ignore, logger)
	a.accounts = account.NewList(a.bind)

	if err := a.init(); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) init() error {
	if err := a.accounts.Load(a.cfg.AccountsPath); err != nil {
		return err
	}
	if err := a.cache.Load(a.cfg.CachePath); err != nil {
		return err
	}

	enc, err := encryption.NewEncryptorFromConfig(a.cfg.Encryption)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	a.encryptor = enc

	spool, err := staging.NewSpoolAreaFromConfig(a.cfg.Staging)
	if err != nil {
		return fmt.Errorf("creating spool area: %w", err)
	}
	a.spool = spool

	history, err := database.NewHistoryFromConfig(a.cfg.Database, a.cfg.HostID)
	if err != nil {
		return fmt.Errorf("creating history: %w", err)
	}
	a.history = history
	return nil
}

// bind is the account.Binder: it builds the backend for an account with the
// app's cache as download recorder.
func (a *App) bind(acct *account.Account) (freeze.Storage, error) {
	return storage.New(storage.Options{
		Kind:        acct.Kind,
		ConnString:  acct.ConnString,
		AccountID:   acct.ID,
		Credentials: acct,
		Recorder:    a.cache,
		Logger:      a.logger.With("account", acct.Name),
		Sleep:       a.opts.Sleep,
		Clock:       a.opts.Clock,
	})
}

// Logger returns the app's logger.
func (a *App) Logger() *slog.Logger { return a.logger }

// Encryptor returns the configured encryptor.
func (a *App) Encryptor() freeze.Encryptor { return a.encryptor }

// AddAccount creates an account and saves the account list.
func (a *App) AddAccount(name string, kind freeze.StorageKind, connString string) (*account.Account, error) {
	acct, err := a.accounts.Create(name, kind, connString)
	if err != nil {
		return nil, err
	}
	if _, err := acct.Service(); err != nil {
		a.accounts.Remove(name)
		return nil, err
	}
	if err := a.accounts.Save(a.cfg.AccountsPath); err != nil {
		return nil, err
	}
	a.logger.Info("account added", "name", name, "kind", kind, "id", acct.ID)
	return acct, nil
}

// RemoveAccount drops the named account and saves the account list.
func (a *App) RemoveAccount(name string) error {
	if !a.accounts.Remove(name) {
		return fmt.Errorf("%w: account %q not found", freeze.ErrArgument, name)
	}
	return a.accounts.Save(a.cfg.AccountsPath)
}

// InitKeys generates the key pair, protecting the private key with
// passphrase.
func (a *App) InitKeys(passphrase string) error {
	if err := a.encryptor.Setup(passphrase); err != nil {
		return fmt.Errorf("setting up keys: %w", err)
	}
	a.logger.Info("keys created")
	return nil
}

// Accounts returns every configured account.
func (a *App) Accounts() []*account.Account {
	return a.accounts.All()
}

// Authorize refreshes the session of the named account and persists the
// new credentials.
func (a *App) Authorize(ctx context.Context, accountName string) error {
	acct, err := a.account(accountName)
	if err != nil {
		return err
	}
	s, err := acct.Service()
	if err != nil {
		return err
	}
	if err := s.Authorize(ctx); err != nil {
		return fmt.Errorf("authorizing %s: %w", acct.Name, err)
	}
	return a.accounts.Save(a.cfg.AccountsPath)
}

// Containers lists the containers of the named account.
func (a *App) Containers(ctx context.Context, accountName string) ([]*freeze.Container, error) {
	svc, err := a.service(accountName)
	if err != nil {
		return nil, err
	}
	return svc.Containers(ctx)
}

// CreateContainer creates a private container in the named account.
func (a *App) CreateContainer(ctx context.Context, accountName, name string) (*freeze.Container, error) {
	svc, err := a.service(accountName)
	if err != nil {
		return nil, err
	}
	return svc.CreateContainer(ctx, name)
}

// Backup uploads root into the container. Empty arguments fall back to the
// [backup] section of the config. The cache is saved after the run, even a
// cancelled one, so completed uploads are not repeated.
func (a *App) Backup(ctx context.Context, root, accountName, containerName string) (*freeze.Report, error) {
	svc, c, root, err := a.target(ctx, root, accountName, containerName)
	if err != nil {
		return nil, err
	}
	report, err := svc.Backup(ctx, root, c)
	if saveErr := a.saveState(); saveErr != nil {
		return report, errors.Join(err, saveErr)
	}
	return report, err
}

// Watch backs up root whenever it changes, until ctx is cancelled.
func (a *App) Watch(ctx context.Context, root, accountName, containerName string) error {
	svc, c, root, err := a.target(ctx, root, accountName, containerName)
	if err != nil {
		return err
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", root, err)
	}
	matcher, err := a.lister.Matcher(absRoot)
	if err != nil {
		return err
	}

	w, err := watch.New(absRoot, func(ctx context.Context) error {
		report, err := svc.Backup(ctx, absRoot, c)
		if saveErr := a.saveState(); saveErr != nil {
			return errors.Join(err, saveErr)
		}
		if err == nil && report.Failed > 0 {
			a.logger.Warn("pass finished with failures", "failed", report.Failed, "run", report.RunID)
		}
		return err
	}, watch.Options{
		Debounce: a.cfg.Watch.Debounce.Duration,
		Ignore:   matcher.Ignored,
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

// Files lists the current remote files of a container.
func (a *App) Files(ctx context.Context, accountName, containerName string) ([]*freeze.FreezeFile, error) {
	svc, c, err := a.container(ctx, accountName, containerName)
	if err != nil {
		return nil, err
	}
	return svc.Files(ctx, c)
}

// Versions lists every remote version of a container, hide markers included.
func (a *App) Versions(ctx context.Context, accountName, containerName string) ([]*freeze.FreezeFile, error) {
	svc, c, err := a.container(ctx, accountName, containerName)
	if err != nil {
		return nil, err
	}
	return svc.Versions(ctx, c)
}

// Restore unlocks the private key with passphrase and restores the cached
// path to dest. An empty dest restores under the backup root.
func (a *App) Restore(ctx context.Context, path, dest, passphrase, accountName string) error {
	if dest == "" {
		if a.cfg.Backup.Root == "" {
			return fmt.Errorf("%w: no destination and no backup root configured", freeze.ErrArgument)
		}
		dest = filepath.Join(a.cfg.Backup.Root, filepath.FromSlash(path))
	}
	dc, err := a.encryptor.Unlock(passphrase)
	if err != nil {
		return err
	}
	svc, err := a.service(accountName)
	if err != nil {
		return err
	}
	err = svc.Restore(ctx, path, dest, dc)
	if saveErr := a.saveState(); saveErr != nil {
		return errors.Join(err, saveErr)
	}
	return err
}

// CachedFiles returns every record in the file cache.
func (a *App) CachedFiles() []*freeze.FreezeFile {
	return a.cache.All()
}

// History returns the most recent runs, newest first.
func (a *App) History(limit int) ([]*freeze.Run, error) {
	runs, err := a.history.ListRuns(limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

// Failures returns the failures recorded for a run.
func (a *App) Failures(runID string) ([]*freeze.RunFailure, error) {
	failures, err := a.history.ListFailures(runID)
	if err != nil {
		return nil, fmt.Errorf("listing failures: %w", err)
	}
	return failures, nil
}

// ExportHistory writes a consistent copy of the run history database to dest.
func (a *App) ExportHistory(dest string) error {
	b, ok := a.history.(interface{ BackupTo(string) error })
	if !ok {
		return fmt.Errorf("%w: history store cannot be exported", freeze.ErrArgument)
	}
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("%w: %s already exists", freeze.ErrArgument, dest)
	}
	return b.BackupTo(dest)
}

// Close saves the cache and account snapshots and releases all resources.
func (a *App) Close() error {
	firstErr := a.saveState()
	if err := a.accounts.Save(a.cfg.AccountsPath); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.closeResources(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (a *App) closeResources() error {
	var firstErr error
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			firstErr = fmt.Errorf("closing history: %w", err)
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

func (a *App) saveState() error {
	return a.cache.Save(a.cfg.CachePath)
}

func (a *App) account(name string) (*account.Account, error) {
	if name == "" {
		name = a.cfg.Backup.Account
	}
	if name == "" {
		all := a.accounts.All()
		if len(all) != 1 {
			return nil, fmt.Errorf("%w: no account given and %d configured", freeze.ErrArgument, len(all))
		}
		return all[0], nil
	}
	acct, ok := a.accounts.Find(name)
	if !ok {
		return nil, fmt.Errorf("%w: account %q not found", freeze.ErrArgument, name)
	}
	return acct, nil
}

func (a *App) service(accountName string) (*freeze.Service, error) {
	acct, err := a.account(accountName)
	if err != nil {
		return nil, err
	}
	s, err := acct.Service()
	if err != nil {
		return nil, err
	}
	return freeze.NewService(s, a.cache, a.lister, a.encryptor, a.spool, a.history,
		a.logger, a.opts.Clock, a.opts.IDs, freeze.ServiceConfig{
			Workers:     a.cfg.Workers,
			HideMissing: a.cfg.Backup.HideMissing,
		}), nil
}

// target resolves the service, container and root for a run.
func (a *App) target(ctx context.Context, root, accountName, containerName string) (*freeze.Service, *freeze.Container, string, error) {
	if root == "" {
		root = a.cfg.Backup.Root
	}
	if root == "" {
		return nil, nil, "", fmt.Errorf("%w: no backup root given or configured", freeze.ErrArgument)
	}
	svc, c, err := a.container(ctx, accountName, containerName)
	if err != nil {
		return nil, nil, "", err
	}
	return svc, c, root, nil
}

func (a *App) container(ctx context.Context, accountName, containerName string) (*freeze.Service, *freeze.Container, error) {
	if containerName == "" {
		containerName = a.cfg.Backup.Container
	}
	if containerName == "" {
		return nil, nil, fmt.Errorf("%w: no container given or configured", freeze.ErrArgument)
	}
	svc, err := a.service(accountName)
	if err != nil {
		return nil, nil, err
	}
	c, err := svc.FindContainer(ctx, containerName)
	if err != nil {
		return nil, nil, err
	}
	return svc, c, nil
}
