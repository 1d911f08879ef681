// gitteach analyzes a developer's repositories and distills a technical
// identity profile from them.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mauro3422/gitteach/internal/config"
	"github.com/mauro3422/gitteach/internal/embedding"
	"github.com/mauro3422/gitteach/internal/inference"
	"github.com/mauro3422/gitteach/internal/logging"
	"github.com/mauro3422/gitteach/internal/memory"
	"github.com/mauro3422/gitteach/internal/session"
	"github.com/mauro3422/gitteach/internal/store"
	"github.com/mauro3422/gitteach/internal/types"
)

var (
	flagWorkspace string
	flagSource    string
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	root := &cobra.Command{
		Use:   "gitteach",
		Short: "Distill a developer's technical identity from their code",
		Long: "gitteach scans repositories, analyzes every file with an LLM, " +
			"accumulates findings in a vector memory and synthesizes a developer " +
			"identity profile that evolves across runs.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flagWorkspace, "workspace", "w", ".", "workspace directory holding .gitteach state")

	root.AddCommand(newAnalyzeCmd(logger))
	root.AddCommand(newProfileCmd(logger))
	root.AddCommand(newMemoryCmd(logger))

	if err := root.Execute(); err != nil {
		logger.Error("command failed", zap.Error(err))
		os.Exit(1)
	}
}

// setup loads config and initializes the file logger.
func setup() (*config.Config, error) {
	cfg, err := config.Load(flagWorkspace)
	if err != nil {
		return nil, err
	}
	if err := logging.InitializeWithOptions(cfg.Workspace, logging.Options{
		DebugMode:  cfg.Logging.DebugMode,
		Categories: cfg.Logging.Categories,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "warning: logging unavailable: %v\n", err)
	}
	return cfg, nil
}

func newClient(cfg *config.Config) (inference.Client, error) {
	switch cfg.Inference.Provider {
	case "gemini":
		if cfg.Inference.APIKey == "" {
			return nil, fmt.Errorf("gemini provider requires GEMINI_API_KEY")
		}
		gc := inference.DefaultGeminiConfig(cfg.Inference.APIKey)
		if cfg.Inference.Model != "" {
			gc.Model = cfg.Inference.Model
		}
		return inference.NewGeminiClientWithConfig(gc), nil
	case "openai":
		oc := inference.DefaultOpenAIConfig(cfg.Inference.APIKey)
		if cfg.Inference.Endpoint != "" {
			oc.BaseURL = cfg.Inference.Endpoint
		}
		if cfg.Inference.Model != "" {
			oc.Model = cfg.Inference.Model
		}
		return inference.NewOpenAIClientWithConfig(oc), nil
	default:
		return nil, fmt.Errorf("unknown inference provider: %s", cfg.Inference.Provider)
	}
}

func openKV(cfg *config.Config) (store.KV, error) {
	return store.NewSQLiteKV(cfg.StorePath())
}

// =============================================================================
// ANALYZE
// =============================================================================

func newAnalyzeCmd(logger *zap.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run a full analysis session over local repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			defer logging.CloseAll()

			provider, err := loadLocalProvider(flagSource)
			if err != nil {
				return err
			}
			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			engine, err := embedding.NewEngine(cfg.Embedding)
			if err != nil {
				return err
			}
			kv, err := openKV(cfg)
			if err != nil {
				return err
			}
			defer kv.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sess := session.New(cfg, provider, client, engine, kv)
			logger.Info("session starting",
				zap.String("session", sess.ID),
				zap.String("model", client.Model()),
				zap.String("source", flagSource))

			_ = sess.Subscribe(func(event types.ProgressEvent) {
				switch event.Type {
				case types.EventRepoScanned:
					fmt.Printf("  repo complete: %s\n", event.Message)
				case types.EventProgress:
					fmt.Printf("  %s\n", event.Message)
				case types.EventDeepMemoryReady:
					fmt.Println("  deep memory persisted")
				}
			})

			report, err := sess.Run(ctx)
			if err != nil {
				return err
			}

			logger.Info("session finished",
				zap.String("session", report.SessionID),
				zap.Int("analyzed", report.FilesAnalyzed),
				zap.Int("failed", report.FilesFailed),
				zap.Bool("significant", report.Significant),
				zap.Duration("duration", report.Duration))
			printReport(report)
			return nil
		},
	}
	cmd.Flags().StringVarP(&flagSource, "source", "s", ".", "directory whose subdirectories are treated as repositories")
	return cmd
}

func printReport(r *types.RunReport) {
	fmt.Println()
	fmt.Println("=== Run report ===")
	fmt.Printf("session:    %s\n", r.SessionID)
	fmt.Printf("repos:      %d\n", r.ReposScanned)
	fmt.Printf("analyzed:   %d (%d failed)\n", r.FilesAnalyzed, r.FilesFailed)
	fmt.Printf("findings:   %d (%d embedded, %d failed)\n", r.FindingsStored, r.EmbeddingsReady, r.EmbeddingsFailed)
	if r.Milestone != "" {
		fmt.Printf("milestone:  %s\n", r.Milestone)
	}
	fmt.Printf("profile:    %s\n", map[bool]string{true: "updated", false: "unchanged"}[r.Significant])
	fmt.Printf("duration:   %v\n", r.Duration)
}

// =============================================================================
// PROFILE
// =============================================================================

func newProfileCmd(logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "profile",
		Short: "Print the persisted identity profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			defer logging.CloseAll()

			kv, err := openKV(cfg)
			if err != nil {
				return err
			}
			defer kv.Close()

			ctx := context.Background()
			data, err := kv.Get(ctx, store.KeyIdentityProfile)
			if err != nil {
				if store.IsNotFound(err) {
					return fmt.Errorf("no profile yet; run 'gitteach analyze' first")
				}
				return err
			}
			var profile types.IdentityProfile
			if err := json.Unmarshal(data, &profile); err != nil {
				return fmt.Errorf("stored profile is corrupt: %w", err)
			}

			fmt.Printf("%s\n\n", profile.Bio)
			for _, t := range profile.Traits {
				fmt.Printf("  %-24s %3d  %s\n", t.Name, t.Score, t.Details)
			}
			if profile.Verdict != "" {
				fmt.Printf("\nverdict: %s\n", profile.Verdict)
			}
			fmt.Printf("source: %s, generated %s\n", profile.Source, profile.GeneratedAt.Format("2006-01-02 15:04"))

			if data, err := kv.Get(ctx, store.KeyCognitiveProfile); err == nil {
				var cognitive types.CognitiveProfile
				if json.Unmarshal(data, &cognitive) == nil {
					fmt.Printf("\n%s\n", cognitive.Title)
					for _, p := range cognitive.Patterns {
						fmt.Printf("  - %s\n", p)
					}
					if cognitive.EvolutionSnapshot != "" {
						fmt.Printf("  evolution: %s\n", cognitive.EvolutionSnapshot)
					}
				}
			}
			return nil
		},
	}
}

// =============================================================================
// MEMORY
// =============================================================================

func newMemoryCmd(logger *zap.Logger) *cobra.Command {
	var source string
	var limit int
	cmd := &cobra.Command{
		Use:   "memory <search terms...>",
		Short: "Search persisted analysis memory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			defer logging.CloseAll()

			engine, err := embedding.NewEngine(cfg.Embedding)
			if err != nil {
				return err
			}
			kv, err := openKV(cfg)
			if err != nil {
				return err
			}
			defer kv.Close()

			mem := memory.NewStore(engine, kv, memory.DefaultConfig())
			defer mem.Close()

			results, err := mem.RetrieveFromSource(context.Background(), memory.RetrievalRequest{
				SearchTerms: args,
				Source:      source,
				Limit:       limit,
			})
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("no matching memories")
				return nil
			}
			for _, r := range results {
				fmt.Printf("[%.2f|%s] %s:%s\n    %s\n",
					r.Score, r.Origin, r.Node.Finding.Repo, r.Node.Finding.Path,
					strings.TrimSpace(r.Node.Finding.Insight))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "from", memory.SourceCurated, "retrieval source: vector, curated, identity, all")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum results")
	return cmd
}
