package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fenilsonani/mailsync/internal/config"
	"github.com/fenilsonani/mailsync/internal/credential"
	"github.com/fenilsonani/mailsync/internal/export"
	"github.com/fenilsonani/mailsync/internal/httpapi"
	"github.com/fenilsonani/mailsync/internal/localstore"
	"github.com/fenilsonani/mailsync/internal/logging"
	"github.com/fenilsonani/mailsync/internal/metadata"
	"github.com/fenilsonani/mailsync/internal/notify"
	syncengine "github.com/fenilsonani/mailsync/internal/sync"
	"github.com/fenilsonani/mailsync/internal/transport"
	"github.com/fenilsonani/mailsync/internal/validation"
)

var (
	cfgFile string
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mailsync",
	Short: "Mailbox synchronization engine with a file-backed local store",
	Long: `A mailbox synchronization engine supporting:
- IMAP, Gmail REST, and Outlook REST accounts
- A canonical SQLite metadata store
- A file-backed local mail store for offline reading
- Maildir export for maildir-aware clients`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help commands
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return cfg.Validate()
	},
}

// engine bundles the stores and services a command needs.
type engine struct {
	db      *metadata.DB
	local   *localstore.Store
	service *syncengine.Service
	bus     *notify.Bus
	logger  *logging.Logger
}

func (e *engine) close() {
	if e.db != nil {
		e.db.Close()
	}
}

// openEngine opens the stores and wires the sync service. The database
// is migrated on open so commands never see a stale schema.
func openEngine(ctx context.Context) (*engine, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create required directories: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	db, err := metadata.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	local, err := localstore.New(cfg.Storage.MailDir, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	bus := notify.NewBus(logger)

	service, err := syncengine.NewService(syncengine.Config{
		WorkspaceID:  cfg.Workspace,
		Accounts:     metadata.NewAccountStore(db),
		Messages:     metadata.NewMessageStore(db),
		Cursors:      metadata.NewCursorStore(db),
		Local:        local,
		Resolver:     credential.NewResolver(cfg.Storage.KeyringDir),
		Bus:          bus,
		Logger:       logger,
		FetchLimit:   cfg.Sync.FetchLimit,
		CloseTimeout: cfg.CloseTimeout(),
		VerifyDKIM:   cfg.Sync.VerifyDKIM,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &engine{db: db, local: local, service: service, bus: bus, logger: logger}, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run periodic sync with the HTTP endpoint and event bridge",
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, err := cmd.Flags().GetDuration("interval")
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.close()

		// Optional Redis event bridge
		var publisher *notify.RedisPublisher
		if cfg.Notify.RedisURL != "" {
			publisher, err = notify.NewRedisPublisher(ctx, cfg.Notify.RedisURL, cfg.Notify.Channel)
			if err != nil {
				return fmt.Errorf("failed to connect event bridge: %w", err)
			}
			defer publisher.Close()
			eng.bus.AddSink(publisher)
			eng.logger.InfoContext(ctx, "event bridge connected", "channel", cfg.Notify.Channel)
		}

		// Optional attachment endpoint
		var httpSrv *httpapi.Server
		if cfg.HTTP.Enabled {
			httpSrv, err = httpapi.NewServer(httpapi.Config{
				Listen:        cfg.HTTP.Listen,
				BasicAuthUser: cfg.HTTP.BasicAuthUser,
				BasicAuthHash: cfg.HTTP.BasicAuthHash,
				Accounts:      metadata.NewAccountStore(eng.db),
				Messages:      metadata.NewMessageStore(eng.db),
				Local:         eng.local,
				OpenAdapter:   eng.service.OpenAdapter,
				Logger:        eng.logger,
			})
			if err != nil {
				return err
			}
			go func() {
				if err := httpSrv.Start(); err != nil {
					eng.logger.ErrorContext(ctx, "http server stopped", err)
				}
			}()
			fmt.Printf("  HTTP: http://%s\n", cfg.HTTP.Listen)
		}

		fmt.Printf("Syncing every %s. Press Ctrl+C to stop.\n", interval)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		syncAll := func() {
			accounts, err := metadata.NewAccountStore(eng.db).List(ctx, cfg.Workspace)
			if err != nil {
				eng.logger.ErrorContext(ctx, "listing accounts failed", err)
				return
			}
			for _, account := range accounts {
				if err := eng.service.SyncAccount(ctx, account.Email); err != nil {
					eng.logger.ErrorContext(ctx, "account sync failed", err, "account", account.Email)
				}
			}
		}
		syncAll()

		for {
			select {
			case <-ticker.C:
				syncAll()
			case sig := <-sigCh:
				fmt.Printf("\nReceived signal %s, shutting down...\n", sig)
				cancel()
				if httpSrv != nil {
					shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
					if err := httpSrv.Shutdown(shutdownCtx); err != nil {
						eng.logger.ErrorContext(shutdownCtx, "http shutdown error", err)
					}
					shutdownCancel()
				}
				return nil
			}
		}
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync [email]",
	Short: "Run one sync of an account, or of all accounts",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mailbox, err := cmd.Flags().GetString("mailbox")
		if err != nil {
			return err
		}

		ctx := context.Background()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.close()

		if len(args) == 1 {
			email := args[0]
			if mailbox != "" {
				if err := eng.service.SyncMailbox(ctx, email, mailbox); err != nil {
					return err
				}
				fmt.Printf("Synced %s %s\n", email, mailbox)
				return nil
			}
			if err := eng.service.SyncAccount(ctx, email); err != nil {
				return err
			}
			fmt.Printf("Synced %s\n", email)
			return nil
		}
		if mailbox != "" {
			return fmt.Errorf("--mailbox requires an account email")
		}

		accounts, err := metadata.NewAccountStore(eng.db).List(ctx, cfg.Workspace)
		if err != nil {
			return fmt.Errorf("failed to list accounts: %w", err)
		}
		for _, account := range accounts {
			if err := eng.service.SyncAccount(ctx, account.Email); err != nil {
				return err
			}
			fmt.Printf("Synced %s\n", account.Email)
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.EnsureDirectories(); err != nil {
			return err
		}

		db, err := metadata.Open(cfg.Storage.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		if err := db.Migrate(context.Background()); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}

		fmt.Println("Migrations completed successfully")
		return nil
	},
}

// Account management commands
var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage synced accounts",
}

// accountSeed is one entry of the accounts import file.
type accountSeed struct {
	Email    string `yaml:"email"`
	AuthMode string `yaml:"auth_mode"`
	IMAPHost string `yaml:"imap_host"`
	IMAPPort int    `yaml:"imap_port"`
	SMTPHost string `yaml:"smtp_host"`
	SMTPPort int    `yaml:"smtp_port"`
	// Password is stored into the keyring on import; PasswordRef is
	// saved as-is for pre-provisioned secrets.
	Password    string `yaml:"password"`
	PasswordRef string `yaml:"password_ref"`
}

type accountsFile struct {
	Accounts []accountSeed `yaml:"accounts"`
}

var accountsImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import accounts from a YAML seed file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read seed file: %w", err)
		}
		var seed accountsFile
		if err := yaml.Unmarshal(data, &seed); err != nil {
			return fmt.Errorf("failed to parse seed file: %w", err)
		}
		if len(seed.Accounts) == 0 {
			return fmt.Errorf("seed file contains no accounts")
		}

		ctx := context.Background()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.close()

		resolver := credential.NewResolver(cfg.Storage.KeyringDir)
		store := metadata.NewAccountStore(eng.db)

		for _, a := range seed.Accounts {
			if err := validation.Email(a.Email); err != nil {
				return fmt.Errorf("account %q: %w", a.Email, err)
			}
			mode := transport.AuthMode(a.AuthMode)
			if mode == "" {
				mode = transport.AuthPassword
			}
			if mode == transport.AuthPassword {
				if err := validation.Endpoint(a.IMAPHost, a.IMAPPort); err != nil {
					return fmt.Errorf("account %q imap endpoint: %w", a.Email, err)
				}
				if err := validation.Endpoint(a.SMTPHost, a.SMTPPort); err != nil {
					return fmt.Errorf("account %q smtp endpoint: %w", a.Email, err)
				}
			}

			ref := a.PasswordRef
			if a.Password != "" {
				ref, err = resolver.StorePassword(a.Email, "imap-"+a.Email, a.Password)
				if err != nil {
					return fmt.Errorf("failed to store password for %s: %w", a.Email, err)
				}
			}

			if err := store.Upsert(ctx, metadata.AccountRecord{
				WorkspaceID: cfg.Workspace,
				Email:       a.Email,
				AuthMode:    mode,
				IMAPHost:    a.IMAPHost,
				IMAPPort:    a.IMAPPort,
				SMTPHost:    a.SMTPHost,
				SMTPPort:    a.SMTPPort,
				PasswordRef: ref,
			}); err != nil {
				return fmt.Errorf("failed to import %s: %w", a.Email, err)
			}
			fmt.Printf("Imported %s (%s)\n", a.Email, mode)
		}
		return nil
	},
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.close()

		accounts, err := metadata.NewAccountStore(eng.db).List(ctx, cfg.Workspace)
		if err != nil {
			return fmt.Errorf("failed to list accounts: %w", err)
		}

		fmt.Printf("%-40s %-18s %-30s %s\n", "EMAIL", "AUTH", "IMAP", "CREATED")
		fmt.Println("-------------------------------------------------------------------------------------------------")
		for _, a := range accounts {
			imap := ""
			if a.IMAPHost != "" {
				imap = fmt.Sprintf("%s:%d", a.IMAPHost, a.IMAPPort)
			}
			fmt.Printf("%-40s %-18s %-30s %s\n", a.Email, a.AuthMode, imap, a.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var accountsRemoveCmd = &cobra.Command{
	Use:   "remove <email>",
	Short: "Remove an account and its local files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]

		ctx := context.Background()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.close()

		if err := metadata.NewMessageStore(eng.db).DeleteAccount(ctx, cfg.Workspace, email); err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		if err := metadata.NewAccountStore(eng.db).Delete(ctx, cfg.Workspace, email); err != nil {
			return fmt.Errorf("failed to delete account: %w", err)
		}
		if err := eng.local.DeleteAccountFiles(email); err != nil {
			return fmt.Errorf("failed to delete local files: %w", err)
		}

		fmt.Printf("Removed %s\n", email)
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <email>",
	Short: "Export an account's local store as maildirs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]
		dest, err := cmd.Flags().GetString("dest")
		if err != nil {
			return err
		}
		mailbox, err := cmd.Flags().GetString("mailbox")
		if err != nil {
			return err
		}

		ctx := context.Background()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.close()

		exporter := export.NewExporter(eng.local, eng.logger)
		var n int
		if mailbox != "" {
			n, err = exporter.ExportMailbox(ctx, email, mailbox, dest)
		} else {
			n, err = exporter.ExportAccount(ctx, email, dest)
		}
		if err != nil {
			return err
		}

		fmt.Printf("Exported %d messages to %s\n", n, dest)
		return nil
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact <email> <mailbox>",
	Short: "Compact a mailbox's index log",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.close()

		if err := eng.local.CompactIndex(args[0], args[1]); err != nil {
			return fmt.Errorf("failed to compact index: %w", err)
		}

		fmt.Printf("Compacted index for %s %s\n", args[0], args[1])
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("mailsync v0.1.0")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")

	serveCmd.Flags().Duration("interval", 5*time.Minute, "sync interval")
	syncCmd.Flags().String("mailbox", "", "sync only this mailbox")
	exportCmd.Flags().String("dest", "./maildir-export", "export destination directory")
	exportCmd.Flags().String("mailbox", "", "export only this mailbox")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)

	// Account commands
	accountsCmd.AddCommand(accountsImportCmd)
	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsRemoveCmd)
	rootCmd.AddCommand(accountsCmd)

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(compactCmd)
}
