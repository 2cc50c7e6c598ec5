package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/reposyncd/reposyncd/internal/changes"
	"github.com/reposyncd/reposyncd/internal/config"
	"github.com/reposyncd/reposyncd/internal/githubapi"
	"github.com/reposyncd/reposyncd/internal/repo"
	"github.com/reposyncd/reposyncd/internal/session"
	"github.com/reposyncd/reposyncd/internal/sync"
	"github.com/reposyncd/reposyncd/internal/tokens"
	"github.com/reposyncd/reposyncd/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Sync flags
	dryRun       bool
	rulesetsOnly bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "reposyncd",
	Short: "Reconcile declared configuration files across many repositories",
	Long: `reposyncd pushes a declarative set of files into every configured repository:
it clones each repository, computes the file changes, commits them through a
local-git or atomic GraphQL protocol, and opens or merges pull requests
according to the configured policy. A per-repository manifest tracks managed
files so removed declarations are pruned safely.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one reconciliation pass over all configured repositories",
	Long: `Sync processes every configured repository: it resolves credentials, prepares
a clean branch, compares declared content with the repository state, commits
the differences and finishes the pull request cycle. Repositories are
independent; a failure in one never aborts the rest.`,
	RunE: runSync,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server and sync on configuration pushes",
	Long: `Serve starts a long-running HTTP server that listens for GitHub push events
on the configuration repository and triggers a batch sync for each accepted
delivery. Deliveries are debounced and syncs are single-flight.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("reposyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/reposyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	syncCmd.Flags().BoolVar(&rulesetsOnly, "rulesets-only", false, "update manifest ruleset tracking without touching files")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	runner, targets, err := buildRunner(ctx, cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("starting sync", "repos", len(targets), "dry_run", dryRun)
	results := runner.Run(ctx, targets)
	return reportResults(logger, results)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Serve.ListenAddr == "" {
		return fmt.Errorf("serve.listen_addr must be configured for serve mode")
	}

	runner, targets, err := buildRunner(ctx, cfg, logger)
	if err != nil {
		return err
	}

	server, err := webhook.NewServer(cfg.Serve, func(ctx context.Context) {
		results := runner.Run(ctx, targets)
		if err := reportResults(logger, results); err != nil {
			logger.Error("sync pass had failures", "error", err)
		}
	}, logger)
	if err != nil {
		return err
	}

	return server.Start(ctx)
}

// buildRunner wires the batch runner from configuration.
func buildRunner(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sync.Runner, []sync.Target, error) {
	ambientToken := os.Getenv(cfg.Auth.GitHubTokenEnv)

	var provider tokens.Provider = tokens.Static{}
	if len(cfg.Auth.InstallationTokenCommand) > 0 {
		provider = tokens.NewCached(tokens.Command{Argv: cfg.Auth.InstallationTokenCommand})
	}

	api := githubapi.New(ctx, ambientToken, logger)
	sessions := session.NewManager(api, cfg.WorkDir, logger)

	workflow := sync.NewWorkflow(sessions, api, provider, sync.Options{
		BranchName:    cfg.Defaults.Branch,
		CommitMessage: cfg.Defaults.CommitMessage,
		Justification: cfg.Defaults.Justification,
		Retries:       cfg.Defaults.Retries,
		DryRun:        dryRun,
		AmbientToken:  ambientToken,
	}, logger)

	targets, err := buildTargets(cfg)
	if err != nil {
		return nil, nil, err
	}

	return sync.NewRunner(workflow, cfg.Defaults.Workers, logger), targets, nil
}

// buildTargets converts the configuration into workflow targets.
func buildTargets(cfg *config.Config) ([]sync.Target, error) {
	targets := make([]sync.Target, 0, len(cfg.Repos))
	for _, rc := range cfg.Repos {
		r, err := repo.Detect(rc.URL)
		if err != nil {
			return nil, err
		}

		fileConfigs := cfg.ConfigsFor(rc)
		configSets := make([]sync.ConfigSet, 0, len(fileConfigs))
		for _, fc := range fileConfigs {
			declared := make([]changes.DeclaredFile, 0, len(fc.Files))
			for _, decl := range fc.Files {
				declared = append(declared, changes.DeclaredFile{
					FileName:       decl.Path,
					Content:        decl.ResolvedContent,
					DeleteOrphaned: decl.DeleteOrphaned,
					CreateOnly:     decl.CreateOnly,
					Executable:     decl.Executable,
					Template:       decl.Template,
				})
			}
			configSets = append(configSets, sync.ConfigSet{
				ID:           fc.ID,
				Files:        declared,
				Rulesets:     fc.Rulesets,
				RulesetsOnly: rulesetsOnly,
			})
		}

		targets = append(targets, sync.Target{
			Repo:      r,
			Configs:   configSets,
			MergeMode: sync.MergeMode(cfg.MergeFor(rc)),
			Strategy:  githubapi.MergeMethod(cfg.StrategyFor(rc)),
		})
	}
	return targets, nil
}

// reportResults logs every per-repository result and returns an error when
// any repository failed.
func reportResults(logger *slog.Logger, results []sync.Result) error {
	var failed int
	for _, res := range results {
		attrs := []any{"repo", res.Repo, "message", res.Message}
		if res.PRURL != "" {
			attrs = append(attrs, "pr", res.PRURL)
		}
		if res.MergeResult != "" {
			attrs = append(attrs, "merge", res.MergeResult)
		}
		if res.Stats != nil {
			attrs = append(attrs, "stats", res.Stats.String())
		}

		switch {
		case !res.Success:
			failed++
			logger.Error("repository sync failed", attrs...)
		case res.Skipped:
			logger.Info("repository skipped", attrs...)
		default:
			logger.Info("repository synced", attrs...)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d repositories failed", failed, len(results))
	}
	return nil
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = fmt.Sprintf("%s/.config/reposyncd/config.yaml", home)
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"repos", len(cfg.Repos),
		"configs", len(cfg.Configs),
		"work_dir", cfg.WorkDir)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
