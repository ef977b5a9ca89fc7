package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vonshlovens/capsync/internal/config"
	"github.com/vonshlovens/capsync/internal/db"
	"github.com/vonshlovens/capsync/internal/logging"
	"github.com/vonshlovens/capsync/internal/queue"
	"github.com/vonshlovens/capsync/internal/reachability"
	"github.com/vonshlovens/capsync/internal/remote"
)

var (
	cfgFile string
	verbose bool
	offline bool
	version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "capsync",
		Short:   "Offline-first capture queue with PostgreSQL sync",
		Long:    `Queues photos, videos, audio and notes durably on this machine and syncs them to a PostgreSQL-backed journey store when the backend is reachable.`,
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, _, err := logging.Setup(verbose, config.LogConfig{})
			return err
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "treat the backend as unreachable")

	rootCmd.AddCommand(
		initCmd(),
		daemonCmd(),
		addCmd(),
		lsCmd(),
		syncCmd(),
		statusCmd(),
		purgeCmd(),
		migrateCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openQueue opens the store. A media directory that cannot be created only
// disables durable copies.
func openQueue(cfg *config.Config) *queue.Store {
	store := queue.New(cfg.DataDir, slog.Default())
	if err := store.Initialize(); err != nil {
		slog.Warn("durable media copies disabled", "error", err)
	}
	return store
}

// openRemote builds the backend. With ping false the pool connects lazily,
// so the caller works while the database is down.
func openRemote(ctx context.Context, cfg *config.Config, ping bool) (*db.DB, *remote.Backend, error) {
	if err := cfg.Database.Validate(); err != nil {
		return nil, nil, err
	}

	open := db.Open
	if ping {
		open = db.New
	}
	database, err := open(ctx, &cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	backend := remote.New(database, cfg.Remote.PublicBaseURL, cfg.Remote.MaxBlobSizeMB, slog.Default())
	return database, backend, nil
}

// newMonitor picks the reachability source: --offline pins it down, no
// targets means the backend is assumed reachable.
func newMonitor(cfg *config.Config) reachability.Monitor {
	if offline {
		return reachability.NewManual(false)
	}
	if len(cfg.Reachability.Targets) == 0 {
		return reachability.NewManual(true)
	}
	return reachability.NewProber(
		cfg.Reachability.Targets,
		time.Duration(cfg.Reachability.IntervalMs)*time.Millisecond,
		time.Duration(cfg.Reachability.TimeoutMs)*time.Millisecond,
		slog.Default(),
	)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue, connectivity and backend status",
		Long:  `Shows what is waiting in the local queue, whether the backend is reachable, and what has been synced so far.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store := openQueue(cfg)
			stats := store.Stats(cfg.Sync.MaxRetries)
			online := newMonitor(cfg).FetchCurrent(ctx)

			fmt.Println("=== Capsync Status ===")
			fmt.Printf("Queue: %s\n", store.Path())
			fmt.Printf("  Pending: %d\n", stats.Pending)
			fmt.Printf("  Uploading: %d\n", stats.Uploading)
			fmt.Printf("  Failed: %d (%d out of retries)\n", stats.Failed, stats.Exhausted)
			fmt.Printf("  Total: %d\n", stats.Total)
			fmt.Println()

			if online {
				fmt.Println("Backend: Reachable")
			} else {
				fmt.Println("Backend: Unreachable")
			}
			if stats.Total > 0 {
				fmt.Println("  Queued captures wait for a manual sync: run `capsync sync`")
			}
			fmt.Println()

			if !online {
				return nil
			}

			database, _, err := openRemote(ctx, cfg, true)
			if err != nil {
				fmt.Printf("Database Status: Disconnected\n")
				fmt.Printf("Error: %v\n", err)
				return nil
			}
			defer database.Close()

			status, err := database.GetStatus(ctx)
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}

			fmt.Printf("Database Status: Connected\n")
			fmt.Printf("  Host: %s\n", cfg.Database.Host)
			fmt.Printf("  Database: %s\n", cfg.Database.Database)
			fmt.Printf("  Schema: %s\n", cfg.Database.Schema)
			fmt.Printf("  Entries: %d\n", status.TotalEntries)
			fmt.Printf("  Blobs: %d (%s)\n", status.TotalBlobs, formatBytes(status.TotalBlobBytes))
			if status.LastSyncTime != nil {
				fmt.Printf("  Last Sync: %s\n", status.LastSyncTime.Format(time.RFC3339))
			}

			return nil
		},
	}
}

func purgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Drop captures that have used up their retries",
		Long:  `Removes failed captures whose retry count reached the limit, together with their local media copies. A sync run does this on its own; purge is for queues that are never synced.`,
	}

	maxRetries := 0
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retry limit (defaults to sync.max_retries)")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if maxRetries <= 0 {
			maxRetries = cfg.Sync.MaxRetries
		}

		store := openQueue(cfg)
		purged, err := store.PurgeExhausted(cmd.Context(), maxRetries)
		if err != nil {
			return fmt.Errorf("purge failed: %w", err)
		}

		fmt.Printf("Purged %d capture(s).\n", purged)
		return nil
	}

	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long:  `Creates the owner's schema and applies all pending migrations. The migrations are built into the binary.`,
	}

	showStatus := false
	cmd.Flags().BoolVar(&showStatus, "status", false, "print migration status instead of migrating")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		database, _, err := openRemote(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer database.Close()

		if showStatus {
			return database.MigrationStatus(ctx)
		}

		if err := database.RunMigrations(ctx); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}

		fmt.Println("Migrations completed successfully.")
		return nil
	}

	return cmd
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup to create config file",
		Long:  `Interactively creates a configuration file for the capture queue and the PostgreSQL backend.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			reader := bufio.NewReader(os.Stdin)
			prompt := func(label, def string) string {
				if def != "" {
					fmt.Printf("%s [%s]: ", label, def)
				} else {
					fmt.Printf("%s: ", label)
				}
				value, _ := reader.ReadString('\n')
				value = strings.TrimSpace(value)
				if value == "" {
					return def
				}
				return value
			}

			fmt.Println("=== Capsync Setup ===")
			fmt.Println()

			defaults := config.DefaultConfig()

			dataDir := prompt("Queue directory", defaults.DataDir)
			inbox := prompt("Inbox directory to watch (optional)", "")
			if inbox != "" {
				if info, err := os.Stat(inbox); err != nil || !info.IsDir() {
					return fmt.Errorf("inbox path is not a directory: %s", inbox)
				}
			}
			owner := prompt("Owner id", defaults.OwnerID)
			journey := prompt("Journey id", defaults.JourneyID)

			fmt.Println("\nDatabase Configuration:")
			host := prompt("  Host", "")
			port := prompt("  Port", "5432")
			user := prompt("  User", "")
			password := prompt("  Password", "")
			dbName := prompt("  Database name", "")
			if dbName == "" {
				return fmt.Errorf("database name is required")
			}
			schemaName := prompt("  Schema name", config.SanitizeIdentifier(owner))
			sslMode := prompt("  SSL mode", "require")

			baseURL := prompt("\nPublic base URL for media", defaults.Remote.PublicBaseURL)

			// Generate config content
			configContent := fmt.Sprintf(`data_dir: "%s"
inbox_path: "%s"
owner_id: "%s"
journey_id: "%s"

database:
  host: "%s"
  port: %s
  user: "%s"
  password: "${DB_PASSWORD}"  # Set DB_PASSWORD environment variable
  database: "%s"
  schema: "%s"
  sslmode: "%s"

remote:
  public_base_url: "%s"
  max_blob_size_mb: %d

sync:
  max_retries: %d
  debounce_ms: %d

reachability:
  interval_ms: %d
  timeout_ms: %d

ignore_patterns:
  - "**/.*"
  - "**/*.partial"
  - "**/*.tmp"
  - "**/*~"

log:
  file: "%s"
  max_size_mb: %d
  max_backups: %d
`, dataDir, inbox, owner, journey,
				host, port, user, dbName, schemaName, sslMode,
				baseURL, defaults.Remote.MaxBlobSizeMB,
				defaults.Sync.MaxRetries, defaults.Sync.DebounceMs,
				defaults.Reachability.IntervalMs, defaults.Reachability.TimeoutMs,
				filepath.Join(filepath.Dir(dataDir), "capsync.log"),
				defaults.Log.MaxSizeMB, defaults.Log.MaxBackups)

			configDir, err := config.GetStateDir()
			if err != nil {
				return err
			}
			configPath := filepath.Join(configDir, "config.yaml")

			if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}

			fmt.Printf("\nConfig file written to: %s\n", configPath)
			fmt.Printf("\nIMPORTANT: Set the DB_PASSWORD environment variable:\n")
			fmt.Printf("  export DB_PASSWORD='%s'\n", password)
			fmt.Println("\nTo create the tables, run: capsync migrate")
			fmt.Println("To queue a capture, run: capsync add photo <file>")
			fmt.Println("To start syncing, run: capsync daemon")

			return nil
		},
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
