package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/savornet/backline/internal/config"
	"github.com/savornet/backline/internal/debug"
	"github.com/savornet/backline/internal/storage"
	"github.com/savornet/backline/internal/storage/sqlite"
	"github.com/savornet/backline/internal/telemetry"
)

var (
	dbPath     string
	actorFlag  string
	jsonOutput bool

	verboseFlag bool
	quietFlag   bool

	store storage.Storage

	// Signal-aware context for graceful cancellation
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

// noDbCommands lists commands that never touch the database.
var noDbCommands = map[string]bool{
	"init":       true,
	"version":    true,
	"help":       true,
	"completion": true,
}

func isNoDbCommand(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if noDbCommands[c.Name()] {
			return true
		}
	}
	return false
}

// runtimeConfigKeys are the viper keys that may also be stored in the
// database config table. DB values are layered over file/env configuration
// so one shared database carries its own tuning.
var runtimeConfigKeys = []string{
	config.KeyFuzzyHigh,
	config.KeyFuzzyAmbiguous,
	config.KeyVariancePct,
	config.KeyBOMDeviationFrac,
	config.KeyGraphURL,
	config.KeyGraphTimeout,
	config.KeyWebhookURL,
	config.KeyTaskWebhookURL,
	config.KeyOpsDSN,
	config.KeyBOMPack,
	config.KeyRulepack,
	config.KeyAIModel,
}

// getActor returns the actor for audit trails.
// Priority: --actor flag > BL_ACTOR env > git config user.name > $USER > "unknown"
func getActor() string {
	if actorFlag != "" {
		return actorFlag
	}
	if blActor := os.Getenv("BL_ACTOR"); blActor != "" {
		return blActor
	}
	if out, err := exec.Command("git", "config", "user.name").Output(); err == nil {
		if gitUser := strings.TrimSpace(string(out)); gitUser != "" {
			return gitUser
		}
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "unknown"
}

// findDatabasePath walks from the working directory upward looking for
// .backline/backline.db, mirroring config discovery.
func findDatabasePath() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".backline", "backline.db")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func init() {
	if err := config.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize config: %v\n", err)
	}

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (default: auto-discover .backline/backline.db)")
	rootCmd.PersistentFlags().StringVar(&actorFlag, "actor", "", "Actor name for the audit trail (default: $BL_ACTOR, git user.name, $USER)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output (errors only)")

	rootCmd.Flags().BoolP("version", "V", false, "Print version information")
}

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "bl - Cross-source fusion and root-cause reasoning for store operations",
	Long: `Backline reconciles ingredient and item records from heterogeneous upstream
systems into canonical mappings, reasons over operational KPIs to rank likely
root causes, and dispatches the resulting action plans.`,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("bl version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

		debug.SetVerbose(verboseFlag)
		debug.SetQuiet(quietFlag)

		if err := telemetry.Init(rootCtx, "bl", Version); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: telemetry init failed: %v\n", err)
		}

		if isNoDbCommand(cmd) {
			return
		}

		if dbPath == "" {
			dbPath = findDatabasePath()
		}
		if dbPath == "" {
			fmt.Fprintf(os.Stderr, "Error: no database found\n")
			fmt.Fprintf(os.Stderr, "Hint: run 'bl init' to create .backline/backline.db, or pass --db\n")
			os.Exit(1)
		}

		s, err := sqlite.New(rootCtx, dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: open database: %v\n", err)
			os.Exit(1)
		}
		store = s

		loadRuntimeConfig(rootCtx)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			_ = store.Close()
			store = nil
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		telemetry.Shutdown(shutdownCtx)
		cancel()

		if rootCancel != nil {
			rootCancel()
		}
	},
}

// loadRuntimeConfig layers db-stored runtime keys over the file/env config.
func loadRuntimeConfig(ctx context.Context) {
	for _, key := range runtimeConfigKeys {
		value, err := store.GetConfig(ctx, key)
		if err != nil || value == "" {
			continue
		}
		config.Set(key, value)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
