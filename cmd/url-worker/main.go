// url-worker is the standalone pipeline worker. `serve` pulls URL messages
// from the Pub/Sub subscription and drives them through the document
// pipeline; `enqueue` publishes URLs onto the intake topic; `status` reports
// a document's record and stored artifacts.
package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/Lllllllleong/documentingest/internal/config"
	"github.com/Lllllllleong/documentingest/internal/gcp"
	"github.com/Lllllllleong/documentingest/internal/metadata"
	"github.com/Lllllllleong/documentingest/internal/models"
	"github.com/Lllllllleong/documentingest/internal/queue"
	"github.com/Lllllllleong/documentingest/internal/services"
	"github.com/Lllllllleong/documentingest/internal/store"
)

var configPath string

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// A missing .env is fine; deployed workers configure via real env vars.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "url-worker",
		Short:         "Document ingestion pipeline worker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	root.AddCommand(serveCmd(), enqueueCmd(), statusCmd())

	if err := root.Execute(); err != nil {
		slog.Error("Command failed.", "error", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Pull URL messages and process documents until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			orch, cleanup, err := services.Build(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			sub, err := queue.NewSubscriber(ctx, cfg.ProjectID, cfg.PubSub.Subscription, cfg.PubSub.MaxOutstanding)
			if err != nil {
				return err
			}
			defer sub.Close()

			slog.Info("Worker started.",
				"subscription", cfg.PubSub.Subscription,
				"mode", cfg.Extraction.Mode,
				"maxOutstanding", cfg.PubSub.MaxOutstanding,
			)
			if err := sub.Receive(ctx, orch.ProcessMessage); err != nil && ctx.Err() == nil {
				return fmt.Errorf("receive loop failed: %w", err)
			}
			slog.Info("Worker stopped.")
			return nil
		},
	}
}

func enqueueCmd() *cobra.Command {
	var urlsFile string

	cmd := &cobra.Command{
		Use:   "enqueue [url...]",
		Short: "Publish document URLs onto the intake topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			urls := args
			if urlsFile != "" {
				fromFile, err := readLines(urlsFile)
				if err != nil {
					return err
				}
				urls = append(urls, fromFile...)
			}
			if len(urls) == 0 {
				return fmt.Errorf("no URLs given: pass them as arguments or via --file")
			}

			ctx := cmd.Context()
			pub, err := queue.NewPublisher(ctx, cfg.ProjectID, cfg.PubSub.Topic)
			if err != nil {
				return err
			}
			defer pub.Close()

			bar := progressbar.Default(int64(len(urls)), "enqueueing")
			for _, url := range urls {
				if err := pub.Publish(ctx, url); err != nil {
					return err
				}
				_ = bar.Add(1)
			}
			slog.Info("URLs enqueued.", "count", len(urls), "topic", cfg.PubSub.Topic)
			return nil
		},
	}
	cmd.Flags().StringVarP(&urlsFile, "file", "f", "", "file with one URL per line")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <url>...",
		Short: "Show the pipeline state and stored artifacts for document URLs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			firestoreClient, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
			if err != nil {
				return err
			}
			defer firestoreClient.Close()
			meta := metadata.NewFirestore(firestoreClient, cfg.Firestore.Collection)

			content, err := store.NewGCS(ctx, cfg.ContentBucket)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, raw := range args {
				id, err := models.IdentityFromURL(raw)
				if err != nil {
					return err
				}
				rec, err := meta.Get(ctx, id.RecordID)
				if err != nil {
					return err
				}
				if rec == nil {
					fmt.Fprintf(out, "%s\n  no record\n", id.SourceURL)
					continue
				}
				keys, err := content.List(ctx, id.ObjectKey(""))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s\n  status: %s\n  pages: %d rendered, %d texts recorded\n  stored artifacts: %d\n",
					id.SourceURL, rec.Status, rec.PageCount, len(rec.PageTexts), len(keys))
				if rec.ErrorDetails != "" {
					fmt.Fprintf(out, "  error: %s\n", rec.ErrorDetails)
				}
			}
			return nil
		},
	}
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return lines, nil
}
