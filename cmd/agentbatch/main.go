// Command agentbatch drives the Claude Code CLI as a non-interactive
// batch backend: one-shot generations with durable session continuity
// per project, plus maintenance commands for sessions, history, and
// leaked processes.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/agentbatch/agentbatch/internal/config"
	"github.com/agentbatch/agentbatch/internal/history"
	"github.com/agentbatch/agentbatch/internal/lifecycle"
	"github.com/agentbatch/agentbatch/internal/logging"
	"github.com/agentbatch/agentbatch/internal/orchestrator"
	"github.com/agentbatch/agentbatch/internal/session"
	"github.com/agentbatch/agentbatch/pkg/claudecode"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var (
	cfg      *config.Config
	cfgPath  string
	verboseF bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "agentbatch",
	Short:         "Batch driver for the Claude Code CLI",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}

		level := parseLogLevel(cfg.Logging.Level)
		if verboseF {
			level = slog.LevelDebug
		}
		if err := logging.Init(logging.Config{
			Level:     level,
			SentryDSN: cfg.Logging.SentryDSN,
			Env:       getEnv(),
			Version:   Version,
			LogFile:   cfg.Logging.File,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Flush(2 * time.Second)
	},
}

var (
	generateProject  string
	generateModel    string
	generatePrompt   string
	generateFile     string
	generateResearch bool
	generateDiff     bool
	generateJSON     bool
	generateQuiet    bool
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Run one generation against the agent",
	Long: `Run one non-interactive generation.

The prompt comes from --prompt, --prompt-file, or stdin. A cached
session for the (project, model) pair is resumed automatically and
replaced if the agent rejects it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt, err := loadPrompt()
		if err != nil {
			return err
		}

		gen, mgr, hist, err := buildGenerator()
		if err != nil {
			return err
		}
		defer closeHost(mgr, hist)

		kind := claudecode.OperationNormal
		if generateResearch {
			kind = claudecode.OperationResearch
		}

		var progress orchestrator.ProgressFunc
		if !generateQuiet && !generateJSON {
			progress = func(fraction float64, label string) {
				fmt.Fprintf(os.Stderr, "[%3.0f%%] %s\n", fraction*100, label)
			}
		}

		res, err := gen.Generate(cmd.Context(), orchestrator.Request{
			Prompt:             prompt,
			Model:              generateModel,
			ProjectRoot:        projectRoot(),
			Kind:               kind,
			IncludeDiffContext: generateDiff,
			Progress:           progress,
		})
		if err != nil {
			return err
		}

		if generateJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		if res.Object != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res.Object)
		}
		fmt.Println(res.Text)
		return nil
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect the per-project session cache",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached sessions for a project",
	RunE: func(cmd *cobra.Command, args []string) error {
		st := session.NewStore(projectRoot(), session.Options{
			MaxSessions:       cfg.Sessions.MaxSessions,
			MaxResumeAttempts: cfg.Sessions.MaxResumeAttempts,
		})
		stats := st.Stats()
		if stats.Count == 0 {
			fmt.Println("No cached sessions.")
			return nil
		}

		keys := make([]string, 0, len(stats.Entries))
		for k := range stats.Entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			e := stats.Entries[k]
			fmt.Printf("%s\n  chat=%s created=%s last_used=%s resume_failures=%d\n",
				k, e.ChatID,
				time.UnixMilli(e.CreatedAt).Format(time.RFC3339),
				time.UnixMilli(e.LastUsedAt).Format(time.RFC3339),
				e.ResumeAttempts)
		}
		return nil
	},
}

var sessionsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop all cached sessions for a project",
	RunE: func(cmd *cobra.Command, args []string) error {
		st := session.NewStore(projectRoot(), session.Options{})
		st.Clear()
		fmt.Println("Session cache cleared.")
		return nil
	},
}

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent invocations",
	RunE: func(cmd *cobra.Command, args []string) error {
		hist, err := history.New(cfg.History.Database)
		if err != nil {
			return fmt.Errorf("open history db: %w", err)
		}
		defer hist.Close()

		invs, err := hist.Recent(generateProject, historyLimit)
		if err != nil {
			return err
		}
		if len(invs) == 0 {
			fmt.Println("No recorded invocations.")
			return nil
		}

		for _, inv := range invs {
			status := "ok"
			if inv.IsError {
				status = "error"
				if inv.FailureKind != "" {
					status = inv.FailureKind
				}
			}
			fmt.Printf("%s  %-8s %-10s %-8s %6dms  in=%d out=%d  %s\n",
				inv.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				status, inv.Model, inv.OperationKind, inv.DurationMS,
				inv.TokensIn, inv.TokensOut, inv.ProjectRoot)
		}
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Terminate orphaned agent processes",
	Long: `Scan the OS process table for agent processes whose parent no
longer exists and terminate them. These are invocations leaked by a
previous crashed or killed host.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr := lifecycle.NewManager(lifecycle.Options{
			AgentProcessName: cfg.Agent.Executable,
		})
		killed := mgr.SweepOrphans()
		fmt.Printf("Terminated %d orphaned process(es).\n", killed)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verboseF, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&generateProject, "project", "", "project root (default: current directory)")

	generateCmd.Flags().StringVar(&generateModel, "model", "", "model id (default from config)")
	generateCmd.Flags().StringVar(&generatePrompt, "prompt", "", "prompt text")
	generateCmd.Flags().StringVar(&generateFile, "prompt-file", "", "read prompt from file")
	generateCmd.Flags().BoolVar(&generateResearch, "research", false, "research operation (longer timeout)")
	generateCmd.Flags().BoolVar(&generateDiff, "diff-context", false, "include workspace diff context")
	generateCmd.Flags().BoolVar(&generateJSON, "json", false, "print the full result as JSON")
	generateCmd.Flags().BoolVarP(&generateQuiet, "quiet", "q", false, "suppress progress output")

	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "max rows to show")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsClearCmd)
	rootCmd.AddCommand(generateCmd, sessionsCmd, historyCmd, sweepCmd)
}

// buildGenerator wires the host: lifecycle manager, engine, history,
// orchestrator, and a signal handler that runs the emergency sweep.
func buildGenerator() (*orchestrator.Generator, *lifecycle.Manager, *history.Store, error) {
	mgr := lifecycle.NewManager(lifecycle.Options{
		AgentProcessName: cfg.Agent.Executable,
		SweepInterval:    cfg.Lifecycle.SweepInterval,
		MaxAge:           cfg.Lifecycle.MaxAge,
		MaxInactivity:    cfg.Lifecycle.MaxInactivity,
	})
	mgr.Start()

	var hist *history.Store
	if !cfg.History.Disabled {
		var err error
		hist, err = history.New(cfg.History.Database)
		if err != nil {
			logging.Warn("history db unavailable, continuing without it", "error", err)
			hist = nil
		}
	}

	engine := claudecode.NewEngine(claudecode.Timeouts{
		Normal:              cfg.Agent.Timeout,
		Research:            cfg.Agent.ResearchTimeout,
		SettleDelay:         cfg.Agent.SettleDelay,
		ResearchSettleDelay: cfg.Agent.ResearchSettleDelay,
		TerminationGrace:    cfg.Agent.TerminationGrace,
	}, mgr)

	// The manager owns no signal handlers of its own; the host hooks
	// its shutdown into signal handling explicitly.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		logging.Info("received signal, cleaning up", "signal", sig)
		mgr.Shutdown()
		logging.Flush(time.Second)
		os.Exit(1)
	}()

	return orchestrator.New(cfg, engine, hist), mgr, hist, nil
}

func closeHost(mgr *lifecycle.Manager, hist *history.Store) {
	mgr.Shutdown()
	if hist != nil {
		hist.Close()
	}
}

func loadPrompt() (string, error) {
	switch {
	case generatePrompt != "":
		return generatePrompt, nil
	case generateFile != "":
		data, err := os.ReadFile(generateFile)
		if err != nil {
			return "", fmt.Errorf("read prompt file: %w", err)
		}
		return string(data), nil
	default:
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read prompt from stdin: %w", err)
		}
		if len(data) == 0 {
			return "", fmt.Errorf("no prompt given: use --prompt, --prompt-file, or stdin")
		}
		return string(data), nil
	}
}

func projectRoot() string {
	if generateProject != "" {
		return generateProject
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv() string {
	if env := os.Getenv("AGENTBATCH_ENV"); env != "" {
		return env
	}
	return "development"
}
