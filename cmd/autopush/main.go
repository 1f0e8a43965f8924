package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/CodeFork/b2-autopush/internal/app"
	"github.com/CodeFork/b2-autopush/internal/config"
	"github.com/CodeFork/b2-autopush/internal/freeze"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var verbose bool

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run.
func newApp(operation string) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	a, err := app.New(cfg, operation, app.Options{StderrLevel: level})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

var rootCmd = &cobra.Command{
	Use:           "autopush",
	Short:         "Encrypted, content-addressed backup to B2 and friends",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		hostID := uuid.New().String()
		cfg := config.NewConfig(hostID, defaults.BaseDir)
		if err := config.Init(defaults.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults.ConfigPath)
		fmt.Printf("Host ID: %s\n", hostID)
		fmt.Printf("Base Dir: %s\n", defaults.BaseDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := config.ReadFromFile(defaults.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults.ConfigPath)
		w := newTable()
		fmt.Fprintf(w, "Host ID:\t%s\n", cfg.HostID)
		fmt.Fprintf(w, "Base Dir:\t%s\n", cfg.BaseDir)
		fmt.Fprintf(w, "Log Dir:\t%s\n", cfg.LogDir)
		fmt.Fprintf(w, "Accounts:\t%s\n", cfg.AccountsPath)
		fmt.Fprintf(w, "Cache:\t%s\n", cfg.CachePath)
		fmt.Fprintf(w, "Workers:\t%d\n", cfg.Workers)
		fmt.Fprintf(w, "Encryption:\t%s\n", cfg.Encryption.Type)
		fmt.Fprintf(w, "Backup root:\t%s\n", cfg.Backup.Root)
		fmt.Fprintf(w, "Backup target:\t%s/%s\n", cfg.Backup.Account, cfg.Backup.Container)
		fmt.Fprintf(w, "Hide missing:\t%v\n", cfg.Backup.HideMissing)
		fmt.Fprintf(w, "Watch debounce:\t%s\n", cfg.Watch.Debounce.Duration)
		return w.Flush()
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("KeysInit")
		if err != nil {
			return err
		}
		defer a.Close()

		if a.Encryptor().IsConfigured() {
			return fmt.Errorf("keys already exist")
		}
		passphrase, err := readNewPassphrase(os.Stderr)
		if err != nil {
			return err
		}
		if err := a.InitKeys(passphrase); err != nil {
			return err
		}
		fmt.Println("Keys created. Keep the passphrase safe: without it nothing can be restored.")
		return nil
	},
}

// account command
var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage storage accounts",
}

var accountAddCmd = &cobra.Command{
	Use:   "add NAME KIND CONNECTION",
	Short: "Add an account (KIND is b2, s3, filesystem or memory)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := freeze.ParseStorageKind(args[1])
		if err != nil {
			return err
		}
		a, err := newApp("AccountAdd")
		if err != nil {
			return err
		}
		defer a.Close()

		acct, err := a.AddAccount(args[0], kind, args[2])
		if err != nil {
			return err
		}
		fmt.Printf("Added account #%d %s (%s)\n", acct.ID, acct.Name, acct.Kind)
		return nil
	},
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("AccountList")
		if err != nil {
			return err
		}
		defer a.Close()

		accounts := a.Accounts()
		if len(accounts) == 0 {
			fmt.Println("No accounts configured.")
			return nil
		}
		w := newTable()
		fmt.Fprintln(w, "ID\tNAME\tKIND\tAUTHORIZED")
		for _, acct := range accounts {
			fmt.Fprintf(w, "%d\t%s\t%s\t%v\n", acct.ID, acct.Name, acct.Kind, !acct.Credentials().Empty())
		}
		return w.Flush()
	},
}

var accountRemoveCmd = &cobra.Command{
	Use:   "remove NAME",
	Short: "Remove an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("AccountRemove")
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.RemoveAccount(args[0]); err != nil {
			return err
		}
		fmt.Printf("Removed account %s\n", args[0])
		return nil
	},
}

var accountAuthorizeCmd = &cobra.Command{
	Use:   "authorize [NAME]",
	Short: "Log in to an account and cache the session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("AccountAuthorize")
		if err != nil {
			return err
		}
		defer a.Close()

		name := ""
		if len(args) > 0 {
			name = args[0]
		}
		ctx, cancel := signalContext()
		defer cancel()
		if err := a.Authorize(ctx, name); err != nil {
			return err
		}
		fmt.Println("Authorized.")
		return nil
	},
}

// container command
var containerCmd = &cobra.Command{
	Use:   "container",
	Short: "Manage containers",
}

var containerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List containers",
	RunE: func(cmd *cobra.Command, args []string) error {
		accountName, _ := cmd.Flags().GetString("account")
		a, err := newApp("ContainerList")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()
		containers, err := a.Containers(ctx, accountName)
		if err != nil {
			return err
		}
		w := newTable()
		fmt.Fprintln(w, "NAME\tID\tTYPE")
		for _, c := range containers {
			fmt.Fprintf(w, "%s\t%s\t%s\n", c.Name, c.ID, c.Type)
		}
		return w.Flush()
	},
}

var containerCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a private container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		accountName, _ := cmd.Flags().GetString("account")
		a, err := newApp("ContainerCreate")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()
		c, err := a.CreateContainer(ctx, accountName, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Created container %s (%s)\n", c.Name, c.ID)
		return nil
	},
}

// backup command
var backupCmd = &cobra.Command{
	Use:   "backup [ROOT]",
	Short: "Upload new and changed files",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		accountName, _ := cmd.Flags().GetString("account")
		containerName, _ := cmd.Flags().GetString("container")
		a, err := newApp("Backup")
		if err != nil {
			return err
		}
		defer a.Close()

		root := ""
		if len(args) > 0 {
			root = args[0]
		}
		ctx, cancel := signalContext()
		defer cancel()
		report, err := a.Backup(ctx, root, accountName, containerName)
		if report != nil {
			fmt.Printf("Uploaded %d, unchanged %d, failed %d, hidden %d\n",
				report.Uploaded, report.Skipped, report.Failed, report.Hidden)
			for _, f := range report.Failures {
				fmt.Fprintf(os.Stderr, "  %s: %v\n", f.Path, f.Err)
			}
		}
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}
		if report.Failed > 0 {
			return fmt.Errorf("%d file(s) failed", report.Failed)
		}
		return nil
	},
}

// watch command
var watchCmd = &cobra.Command{
	Use:   "watch [ROOT]",
	Short: "Back up continuously as files change",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		accountName, _ := cmd.Flags().GetString("account")
		containerName, _ := cmd.Flags().GetString("container")
		a, err := newApp("Watch")
		if err != nil {
			return err
		}
		defer a.Close()

		root := ""
		if len(args) > 0 {
			root = args[0]
		}
		ctx, cancel := signalContext()
		defer cancel()
		return a.Watch(ctx, root, accountName, containerName)
	},
}

// files command
var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "List the current remote files",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listRemote(cmd, false)
	},
}

// versions command
var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "List every remote version, hide markers included",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listRemote(cmd, true)
	},
}

func listRemote(cmd *cobra.Command, all bool) error {
	accountName, _ := cmd.Flags().GetString("account")
	containerName, _ := cmd.Flags().GetString("container")
	a, err := newApp("ListFiles")
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()
	var files []*freeze.FreezeFile
	if all {
		files, err = a.Versions(ctx, accountName, containerName)
	} else {
		files, err = a.Files(ctx, accountName, containerName)
	}
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Println("No files.")
		return nil
	}

	w := newTable()
	fmt.Fprintln(w, "ACTION\tUPLOADED\tSIZE\tPATH")
	for _, f := range files {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", f.ServiceInfo, formatTime(f.Uploaded), f.Size, f.Path)
	}
	return w.Flush()
}

// restore command
var restoreCmd = &cobra.Command{
	Use:   "restore PATH",
	Short: "Restore a backed-up file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dest, _ := cmd.Flags().GetString("to")
		accountName, _ := cmd.Flags().GetString("account")
		a, err := newApp("Restore")
		if err != nil {
			return err
		}
		defer a.Close()

		passphrase, err := readPassphrase(os.Stderr, "Passphrase: ")
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		if err := a.Restore(ctx, args[0], dest, passphrase, accountName); err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
		fmt.Printf("Restored %s\n", args[0])
		return nil
	},
}

// cache command
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "List what the local cache says is backed up",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("CacheList")
		if err != nil {
			return err
		}
		defer a.Close()

		files := a.CachedFiles()
		if len(files) == 0 {
			fmt.Println("Cache is empty.")
			return nil
		}
		w := newTable()
		fmt.Fprintln(w, "PATH\tCONTAINER\tMODIFIED\tSIZE\tHASH")
		for _, f := range files {
			container := "-"
			if f.Container != nil {
				container = f.Container.Name
			}
			hash := f.LocalHash.Hex()
			if len(hash) > 12 {
				hash = hash[:12]
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", f.Path, container, formatTime(f.Modified), f.Size, hash)
		}
		return w.Flush()
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history [RUN_ID]",
	Short: "View run history, or the failures of one run",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		export, _ := cmd.Flags().GetString("export")

		a, err := newApp("History")
		if err != nil {
			return err
		}
		defer a.Close()

		if export != "" {
			if err := a.ExportHistory(export); err != nil {
				return err
			}
			fmt.Printf("History exported to %s\n", export)
			return nil
		}

		if len(args) == 1 {
			failures, err := a.Failures(args[0])
			if err != nil {
				return err
			}
			if len(failures) == 0 {
				fmt.Println("No failures recorded.")
				return nil
			}
			for _, f := range failures {
				fmt.Printf("%s\t%s\n", f.Path, f.Error)
			}
			return nil
		}

		runs, err := a.History(limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded.")
			return nil
		}

		w := newTable()
		fmt.Fprintln(w, "ID\tOPERATION\tSTARTED\tSTATUS\tUP\tSKIP\tFAIL\tHIDE\tDURATION")
		for _, r := range runs {
			duration := ""
			if !r.FinishedAt.IsZero() {
				duration = r.FinishedAt.Sub(r.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
				r.ID, r.Operation, formatTime(r.StartedAt), r.Status,
				r.Uploaded, r.Skipped, r.Failed, r.Hidden, duration)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// keys subcommands
	keysCmd.AddCommand(keysInitCmd)

	// account subcommands
	accountCmd.AddCommand(accountAddCmd)
	accountCmd.AddCommand(accountListCmd)
	accountCmd.AddCommand(accountRemoveCmd)
	accountCmd.AddCommand(accountAuthorizeCmd)

	// container subcommands
	containerCmd.AddCommand(containerListCmd)
	containerCmd.AddCommand(containerCreateCmd)
	containerCmd.PersistentFlags().StringP("account", "a", "", "Account name (default from config)")

	for _, c := range []*cobra.Command{backupCmd, watchCmd, filesCmd, versionsCmd} {
		c.Flags().StringP("account", "a", "", "Account name (default from config)")
		c.Flags().StringP("container", "c", "", "Container name (default from config)")
	}
	restoreCmd.Flags().StringP("account", "a", "", "Account name (default from config)")
	restoreCmd.Flags().String("to", "", "Destination path (default: under the backup root)")
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of runs to show")
	historyCmd.Flags().String("export", "", "Write a copy of the history database to this path")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(containerCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(filesCmd)
	rootCmd.AddCommand(versionsCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(historyCmd)
}
