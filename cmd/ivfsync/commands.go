package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/ivfsync/internal/cli"
	"github.com/hyperjump/ivfsync/internal/models"
	"github.com/hyperjump/ivfsync/internal/server"
	"github.com/hyperjump/ivfsync/internal/syncer"
	"github.com/hyperjump/ivfsync/internal/watcher"
)

// withComponents runs fn with wired components and closes them afterwards.
func withComponents(fn func(ctx context.Context, c *Components) error) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	c, err := initializeComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn("close components", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, c)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an empty, untrained index with the configured parameters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withComponents(func(ctx context.Context, c *Components) error {
			if err := c.Manager.Initialize(ctx); err != nil {
				return fmt.Errorf("initialize index: %w", err)
			}
			st := c.Manager.Status()
			fmt.Fprintf(cmd.OutOrStdout(), "Index ready in %s (state %s, generation %d)\n", st.Dir, st.State, st.Generation)
			return nil
		})
	},
}

var bootstrapOutput string

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Train the index on all published records and ingest them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := cli.ParseOutputFormat(bootstrapOutput)
		if err != nil {
			return err
		}
		return withComponents(func(ctx context.Context, c *Components) error {
			out := c.Syncer.RunFullSync(ctx)
			if err := cli.WriteOutcome(cmd.OutOrStdout(), out, format); err != nil {
				return err
			}
			if out.Kind == syncer.Failed {
				return fmt.Errorf("bootstrap failed: %w", out.Err)
			}
			return nil
		})
	},
}

var (
	syncFull   bool
	syncOutput string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Ingest published records that are not indexed yet",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := cli.ParseOutputFormat(syncOutput)
		if err != nil {
			return err
		}
		return withComponents(func(ctx context.Context, c *Components) error {
			var out syncer.Outcome
			if syncFull {
				out = c.Syncer.RunFullSync(ctx)
			} else {
				out = c.Syncer.RunIncrementalSync(ctx)
			}
			if err := cli.WriteOutcome(cmd.OutOrStdout(), out, format); err != nil {
				return err
			}
			if out.Kind == syncer.Failed {
				return fmt.Errorf("sync failed: %w", out.Err)
			}
			return nil
		})
	},
}

var watchNoServer bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll the record source, sync new records and serve the HTTP API",
	Long: `Bootstraps the index if it is not trained yet, then polls the record source
every watch.interval and ingests new published records. Unless --no-server is
set, the HTTP API is served on server.host:server.port.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withComponents(func(ctx context.Context, c *Components) error {
			return runWatch(ctx, c, !watchNoServer)
		})
	},
}

func runWatch(ctx context.Context, c *Components, serve bool) error {
	cfg, logger := c.Config, c.Logger
	if !c.Manager.IsTrained() {
		logger.Info("index not trained, bootstrapping")
		if out := c.Syncer.RunFullSync(ctx); out.Kind == syncer.Failed {
			return fmt.Errorf("bootstrap failed: %w", out.Err)
		}
	}

	opts := []watcher.Option{
		watcher.WithLogger(logger),
		watcher.WithInterval(cfg.Watch.Interval),
	}
	if cfg.Watch.WakeOnSourceChange {
		opts = append(opts, watcher.WithSourceWakeup(c.Source.Path(), 0))
	}
	w := watcher.New(c.Syncer, opts...)
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer w.Stop()

	var srv *server.Server
	errCh := make(chan error, 1)
	if serve {
		srv = server.NewServer(c.Manager, c.Embedder, w, &cfg.Server, logger)
		go func() { errCh <- srv.Start() }()
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			logger.Warn("server shutdown", zap.Error(err))
		}
	}
	return nil
}

var (
	searchLimit     int
	searchOutput    string
	searchServerURL string
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the index with a text query",
	Long: `Embeds the query and returns the nearest indexed records. The query is all
remaining arguments joined by spaces, so quoting is optional.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := cli.ParseOutputFormat(searchOutput)
		if err != nil {
			return err
		}
		query := buildSearchQuery(args)
		if query == "" {
			return errors.New("query is empty")
		}
		req := &models.SearchRequest{Query: query, Limit: searchLimit}
		if err := req.Validate(); err != nil {
			return err
		}

		if searchServerURL != "" {
			resp, err := searchViaHTTP(searchServerURL, req)
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}
			return cli.WriteSearchResults(cmd.OutOrStdout(), resp, nil, format)
		}

		return withComponents(func(ctx context.Context, c *Components) error {
			start := time.Now()
			v, err := c.Embedder.Embed(ctx, query)
			if err != nil {
				return fmt.Errorf("embed query: %w", err)
			}
			hits, err := c.Manager.Search(ctx, v, req.Limit)
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}
			resp := &models.SearchResponse{
				Hits:      hits,
				Total:     len(hits),
				QueryTime: time.Since(start).Milliseconds(),
				Query:     query,
			}
			titles := make(map[int64]string, len(hits))
			ids := make([]int64, len(hits))
			for i, h := range hits {
				ids[i] = h.ExternalID
			}
			if records, err := c.Source.GetRecords(ctx, ids); err == nil {
				for id, r := range records {
					titles[id] = r.Title
				}
			} else {
				c.Logger.Debug("title lookup failed", zap.Error(err))
			}
			return cli.WriteSearchResults(cmd.OutOrStdout(), resp, titles, format)
		})
	},
}

// buildSearchQuery joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

func searchViaHTTP(serverURL string, req *models.SearchRequest) (*models.SearchResponse, error) {
	var response models.SearchResponse
	if err := postJSON(serverURL+"/api/v1/search", req, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

func postJSON(url string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func getJSON(url string, out interface{}) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out interface{}) error {
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

var (
	statusOutput    string
	statusServerURL string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index state, size and pending records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := cli.ParseOutputFormat(statusOutput)
		if err != nil {
			return err
		}
		if statusServerURL != "" {
			var st cli.Status
			if err := getJSON(statusServerURL+"/api/v1/status", &st); err != nil {
				return fmt.Errorf("status failed: %w", err)
			}
			return cli.WriteStatus(cmd.OutOrStdout(), st, format)
		}
		return withComponents(func(ctx context.Context, c *Components) error {
			st := cli.Status{Index: c.Manager.Status()}
			if n, err := c.Syncer.Pending(ctx); err == nil {
				st.Pending = &n
			} else {
				c.Logger.Warn("pending count unavailable", zap.Error(err))
			}
			return cli.WriteStatus(cmd.OutOrStdout(), st, format)
		})
	},
}

const importBatchSize = 500

var importCmd = &cobra.Command{
	Use:   "import <file.jsonl>",
	Short: "Load records from a JSON Lines file into the record source",
	Long: `Each line is a JSON object with id, title, body and optional fields and status.
Rows with an existing id are replaced.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		return withComponents(func(ctx context.Context, c *Components) error {
			n, err := importRecords(ctx, f, func(batch []*models.Record) error {
				return c.Source.UpsertRecords(ctx, batch)
			})
			if err != nil {
				return fmt.Errorf("import %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d records into %s\n", n, c.Source.Path())
			return nil
		})
	},
}

// importRecords decodes JSON Lines from r and hands them to flush in batches. Blank
// lines are skipped.
func importRecords(ctx context.Context, r io.Reader, flush func([]*models.Record) error) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var batch []*models.Record
	total, line := 0, 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var rec models.Record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return total, fmt.Errorf("line %d: %w", line, err)
		}
		if rec.ID < 0 {
			return total, fmt.Errorf("line %d: negative id %d", line, rec.ID)
		}
		batch = append(batch, &rec)
		if len(batch) == importBatchSize {
			if err := ctx.Err(); err != nil {
				return total, err
			}
			if err := flush(batch); err != nil {
				return total, err
			}
			total += len(batch)
			batch = nil
		}
	}
	if err := scanner.Err(); err != nil {
		return total, err
	}
	if len(batch) > 0 {
		if err := flush(batch); err != nil {
			return total, err
		}
		total += len(batch)
	}
	return total, nil
}

func init() {
	bootstrapCmd.Flags().StringVarP(&bootstrapOutput, "output", "o", "text", "output format: text or json")

	syncCmd.Flags().BoolVar(&syncFull, "full", false, "run a full sync (trains the index if needed)")
	syncCmd.Flags().StringVarP(&syncOutput, "output", "o", "text", "output format: text or json")

	watchCmd.Flags().BoolVar(&watchNoServer, "no-server", false, "do not serve the HTTP API")

	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", models.DefaultSearchLimit, "number of results")
	searchCmd.Flags().StringVarP(&searchOutput, "output", "o", "text", "output format: text, compact, or json")
	searchCmd.Flags().StringVar(&searchServerURL, "server", "", "server URL (empty = open the index directly)")

	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "text", "output format: text or json")
	statusCmd.Flags().StringVar(&statusServerURL, "server", "", "server URL (empty = open the index directly)")
}
