package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/segmatch/internal/config"
	"github.com/segmatch/internal/db"
	"github.com/segmatch/internal/logging"
	"github.com/segmatch/internal/store"
	"github.com/segmatch/internal/web"
)

var (
	configFile string
	cfg        *config.Config
	logger     *zap.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "segmatch",
		Short: "Street segment matching for disruption reports",
		Long: `Matches street names found in free-text disruption reports against a
street-segment corpus and stores the resulting address ranges.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configFile)
			if err != nil {
				return err
			}
			logger, err = logging.New(cfg.Log.Env, cfg.Log.Level)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				logger.Sync()
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./segmatch.yaml)")

	rootCmd.AddCommand(createPingCmd())
	rootCmd.AddCommand(createInitDBCmd())
	rootCmd.AddCommand(createRefreshCmd())
	rootCmd.AddCommand(createMatchCmd())
	rootCmd.AddCommand(createMatchBatchCmd())
	rootCmd.AddCommand(createMappingsCmd())
	rootCmd.AddCommand(createNearCmd())
	rootCmd.AddCommand(createServeCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// createPingCmd creates a command to test database connectivity
func createPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Test store connectivity and report corpus state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Ping(ctx); err != nil {
				return err
			}
			fmt.Printf("Store connection successful (%s)\n", st.Backend())

			if sqlStore, ok := st.(interface{ DB() *sql.DB }); ok {
				has, err := db.HasExtension(ctx, sqlStore.DB(), "postgis")
				if err != nil {
					logger.Warn("could not check for postgis", zap.Error(err))
				} else {
					fmt.Printf("PostGIS installed: %t\n", has)
				}
			}

			count, err := st.CountSegments(ctx)
			if err != nil {
				logger.Warn("could not count segments", zap.Error(err))
			} else {
				fmt.Printf("Street segments loaded: %d\n", count)
			}

			meta, err := st.LastRefresh(ctx)
			switch {
			case err != nil:
				logger.Warn("could not read refresh metadata", zap.Error(err))
			case meta == nil:
				fmt.Println("Corpus never refreshed")
			default:
				fmt.Printf("Last refresh: %s (%d segments)\n", meta.FetchedAt.Format("2006-01-02 15:04:05 MST"), meta.SegmentCount)
			}
			return nil
		},
	}
}

func createInitDBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create tables, columns and indexes if they are missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.EnsureSchema(ctx); err != nil {
				return err
			}
			logger.Info("schema ready", zap.String("backend", st.Backend()))
			return nil
		},
	}
}

func createRefreshCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the street segment corpus when it is stale",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Corpus.ResourceID == "" {
				return errors.New("corpus.resource_id is not set")
			}
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.orch.RefreshCorpus(ctx, force)
			if perr := printJSON(res); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "refetch even when the corpus is fresh")
	return cmd
}

func createMatchCmd() *cobra.Command {
	var title, description string
	cmd := &cobra.Command{
		Use:   "match [disruption-id]",
		Short: "Match one disruption and store its mappings",
		Long: `Matches the stored disruption with the given id. With --title or
--description the given text is matched instead of the stored text.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			id := args[0]
			if cmd.Flags().Changed("title") || cmd.Flags().Changed("description") {
				out, err := a.orch.Process(ctx, store.Disruption{ID: id, Title: title, Description: description})
				if err != nil {
					return err
				}
				return printJSON(out)
			}
			out, err := a.orch.ProcessByID(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "disruption title")
	cmd.Flags().StringVar(&description, "description", "", "disruption description")
	return cmd
}

func createMatchBatchCmd() *cobra.Command {
	var (
		file  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "match-batch",
		Short: "Match many disruptions in parallel",
		Long: `Matches the disruptions listed in --file (a JSON array of
{"id", "title", "description"} objects), or the stored disruptions when no
file is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			var batch []store.Disruption
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", file, err)
				}
				if err := json.Unmarshal(data, &batch); err != nil {
					return fmt.Errorf("failed to parse %s: %w", file, err)
				}
			} else {
				batch, err = a.store.ListDisruptions(ctx, limit)
				if err != nil {
					return err
				}
			}

			return printJSON(a.orch.MatchBatch(ctx, batch))
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSON file of disruptions")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum stored disruptions to match (0 = all)")
	return cmd
}

func createMappingsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mappings [disruption-id]",
		Short: "List the stored segment mappings of a disruption",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			views, err := st.GetMappings(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(views)
		},
	}
}

func createNearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "near [lat] [lon]",
		Short: "List segments in the coarse bucket around a point",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			lat, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid latitude %q: %w", args[0], err)
			}
			lon, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid longitude %q: %w", args[1], err)
			}

			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			segs, err := st.SegmentsNear(ctx, lat, lon)
			if err != nil {
				return err
			}
			return printJSON(segs)
		},
	}
}

func createServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the matching API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			server := web.NewServer(web.Config{
				Addr:         cfg.Server.Addr,
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
				APIKey:       cfg.Server.APIKey,
			}, a.orch, a.store, logger.Named("web"))
			return server.Start(ctx)
		},
	}
}
