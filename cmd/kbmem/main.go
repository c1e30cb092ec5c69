// Command kbmem runs the knowledge article memory store from the
// terminal: an interactive chat loop backed by the full
// retrieve-inject-update-persist cycle, plus a journal replay dump.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kbmem/kbmem-go/article"
	"github.com/kbmem/kbmem-go/config"
	"github.com/kbmem/kbmem-go/generate"
	anthropicgen "github.com/kbmem/kbmem-go/generate/anthropic"
	"github.com/kbmem/kbmem-go/generate/langchain"
	"github.com/kbmem/kbmem-go/index"
	"github.com/kbmem/kbmem-go/index/chromem"
	"github.com/kbmem/kbmem-go/journal"
	"github.com/kbmem/kbmem-go/metrics"
	"github.com/kbmem/kbmem-go/profile"
	"github.com/kbmem/kbmem-go/store"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

func main() {
	// Missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "kbmem",
		Short:        "Conversational memory store with knowledge article retrieval",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "optional YAML config file")

	loadConfig := func() (config.Config, error) {
		cfg := config.Load()
		if configPath != "" {
			if err := config.LoadFile(configPath, &cfg); err != nil {
				return cfg, err
			}
		}
		return cfg, nil
	}

	root.AddCommand(newChatCmd(loadConfig))
	root.AddCommand(newReplayCmd(loadConfig))
	return root
}

func newChatCmd(loadConfig func() (config.Config, error)) *cobra.Command {
	var (
		conversationID string
		dryRun         bool
		metricsAddr    string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat with article memory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
			defer cleanup()
			slog.SetDefault(logger)

			s, closeAll, err := buildStore(cfg, logger, dryRun, metricsAddr)
			if err != nil {
				return err
			}
			defer closeAll()

			return chatLoop(cmd, s, conversationID)
		},
	}

	cmd.Flags().StringVar(&conversationID, "conversation", "default", "conversation identifier")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "generate but persist nothing")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	return cmd
}

// buildStore assembles the full stack from configuration.
func buildStore(cfg config.Config, logger *slog.Logger, dryRun bool, metricsAddr string) (*store.Store, func(), error) {
	embedder, err := index.NewCachedEmbedder(newEmbedder(), 0)
	if err != nil {
		return nil, nil, err
	}

	idx, err := chromem.New(embedder, logger)
	if err != nil {
		embedder.Close()
		return nil, nil, err
	}

	jour, err := journal.Open(cfg.JournalPath)
	if err != nil {
		embedder.Close()
		return nil, nil, err
	}

	profiles, err := profile.NewFileStore(cfg.ProfileDir)
	if err != nil {
		jour.Close()
		embedder.Close()
		return nil, nil, err
	}

	gen, err := newGenerator(cfg)
	if err != nil {
		jour.Close()
		embedder.Close()
		return nil, nil, err
	}

	opts := []store.Option{
		store.WithLogger(logger),
		store.WithDryRun(dryRun),
	}
	if metricsAddr != "" {
		opts = append(opts, store.WithMetrics(metrics.New("kbmem", nil)))
		go func() {
			logger.Info("serving metrics", "addr", metricsAddr)
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	s := store.New(idx, gen, jour, profiles, store.Config{
		KeyWindow:           cfg.KeyWindow,
		ProfileWindow:       cfg.ProfileWindow,
		SplitThreshold:      cfg.SplitThreshold,
		SimilarityThreshold: cfg.SimilarityThreshold,
		GenerateTimeout:     cfg.GenerateTimeout,
		IndexTimeout:        cfg.IndexTimeout,
		IndexRetries:        cfg.IndexRetries,
		IndexRetryBackoff:   cfg.IndexRetryBackoff,
	}, opts...)

	closeAll := func() {
		jour.Close()
		idx.Close()
		embedder.Close()
	}
	return s, closeAll, nil
}

// newGenerator picks the model backend: the Claude SDK when an
// Anthropic key is set, otherwise langchaingo driven by KBMEM_LLM_*
// variables (which is also how a local Ollama model is wired in).
func newGenerator(cfg config.Config) (generate.Generator, error) {
	if cfg.AnthropicAPIKey != "" {
		client := anthropicsdk.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey))
		return anthropicgen.New(&client, anthropicgen.Config{Model: cfg.Model}), nil
	}

	provider := os.Getenv("KBMEM_LLM_PROVIDER")
	if provider == "" {
		return nil, errors.New("no model configured: set ANTHROPIC_API_KEY or KBMEM_LLM_PROVIDER")
	}
	return langchain.New(langchain.Config{
		Provider:   langchain.Provider(provider),
		Model:      cfg.Model,
		OllamaHost: os.Getenv("KBMEM_OLLAMA_HOST"),
		APIKey:     os.Getenv("KBMEM_LLM_API_KEY"),
	})
}

// chatLoop reads user lines, runs one memory cycle per line and prints
// the reply. The transcript grows in memory for the session.
func chatLoop(cmd *cobra.Command, s *store.Store, conversationID string) error {
	fmt.Fprintln(cmd.OutOrStdout(), "kbmem chat (ctrl-d to exit)")

	var turns []article.ConversationTurn
	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Fprint(cmd.OutOrStdout(), "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		turns = append(turns, article.ConversationTurn{
			Role: article.RoleUser,
			Text: line,
			Seq:  len(turns),
		})

		result, err := s.RunCycle(cmd.Context(), conversationID, turns)
		if err != nil {
			// The reply survives maintenance failures; show it, note
			// that memory was not updated.
			if result != nil && result.Reply != "" {
				fmt.Fprintln(cmd.OutOrStdout(), result.Reply)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "memory update failed: %v\n", err)
			if result == nil || result.Reply == "" {
				continue
			}
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), result.Reply)
		}

		turns = append(turns, article.ConversationTurn{
			Role: article.RoleAssistant,
			Text: result.Reply,
			Seq:  len(turns),
		})
	}
	return scanner.Err()
}

func newReplayCmd(loadConfig func() (config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <conversation-id>",
		Short: "Dump the journal for a conversation in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			jour, err := journal.Open(cfg.JournalPath)
			if err != nil {
				return err
			}
			defer jour.Close()

			return jour.Replay(args[0], func(e journal.Entry) error {
				ids := strings.Join(e.ArticleIDs, ",")
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%6d  %s  %-16s  %s\n\t%s\n",
					e.Seq, e.Timestamp.Format("2006-01-02 15:04:05"), e.Operation, ids,
					journal.Excerpt(e.Text, 200))
				return err
			})
		},
	}
	return cmd
}
