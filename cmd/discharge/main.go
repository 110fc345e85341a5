package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Lukas-Petervary/Discharge/internal/identity"
	"github.com/Lukas-Petervary/Discharge/internal/rendezvous"
)

const shutdownGrace = 5 * time.Second

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func defaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".discharge")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// serveHTTP runs srv until ctx ends, then shuts it down.
func serveHTTP(ctx context.Context, g *errgroup.Group, srv *http.Server, log *zap.Logger) {
	g.Go(func() error {
		log.Info("http listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(sctx)
	})
}

// serveMetrics exposes reg on addr when addr is set.
func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, reg *prometheus.Registry, log *zap.Logger) {
	if addr == "" {
		return
	}
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	serveHTTP(ctx, g, &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}, log.Named("metrics"))
}

// ─── rendezvous ──────────────────────────────────────────────────────────────

func newRendezvousCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rendezvous",
		Short: "Run the rendezvous broker that maps PeerIDs to addresses",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			level, _ := cmd.Flags().GetString("log-level")
			lookupRate, _ := cmd.Flags().GetFloat64("lookup-rate")

			log, err := newLogger(level)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			reg := newRegistry()
			srv := rendezvous.NewServer(rendezvous.ServerConfig{
				Logger:     log,
				Registry:   reg,
				LookupRate: rate.Limit(lookupRate),
			})

			g, ctx := errgroup.WithContext(ctx)
			serveHTTP(ctx, g, &http.Server{Addr: addr, Handler: srv.Routes(), ReadHeaderTimeout: 5 * time.Second}, log)

			fmt.Printf("\n  Discharge rendezvous\n")
			fmt.Printf("  Listening : %s\n", addr)
			fmt.Printf("  Metrics   : %s/metrics\n\n", addr)
			return g.Wait()
		},
	}
	cmd.Flags().String("addr", envOr("DISCHARGE_RENDEZVOUS_ADDR", ":7777"), "HTTP listen address")
	cmd.Flags().Float64("lookup-rate", float64(rendezvous.DefaultLookupRate), "Lookups per second allowed per client IP")
	return cmd
}

// ─── identity ────────────────────────────────────────────────────────────────

func newIdentityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Show or reset the stored identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data")
			reset, _ := cmd.Flags().GetBool("reset")

			store, err := identity.Open(dataDir)
			if err != nil {
				return fmt.Errorf("open identity store: %w", err)
			}
			defer store.Close()

			if reset {
				if err := store.Reset(); err != nil {
					return err
				}
				fmt.Println("✓ Identity forgotten. The next join draws a new salt.")
				return nil
			}

			id, err := store.Load()
			if errors.Is(err, identity.ErrNotFound) {
				fmt.Println("No identity stored yet. Run 'discharge join --name <name> <code>' to create one.")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("Name   : %s\n", id.Name)
			fmt.Printf("PeerID : %s\n", id.PeerID())
			fmt.Printf("Store  : %s\n", dataDir)
			return nil
		},
	}
	cmd.Flags().Bool("reset", false, "Forget the stored identity")
	return cmd
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "discharge",
		Short: "Peer-to-peer lobbies without a game server.",
		Long: `Discharge: peer-to-peer game lobbies.

A host announces a join code. Everyone who joins is introduced to
everyone else until the lobby is a full mesh; the leader starts the game
once all players are ready.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().String("data", envOr("DISCHARGE_DATA", defaultDataDir()), "Data directory for the identity cache")
	root.PersistentFlags().String("log-level", envOr("DISCHARGE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().String("metrics", envOr("DISCHARGE_METRICS", ""), "Serve Prometheus metrics on this address")

	root.AddCommand(newRendezvousCmd(), newHostCmd(), newJoinCmd(), newIdentityCmd())
	return root
}

func main() {
	// Flag defaults read the environment, so .env loads first.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "discharge: .env: %v\n", err)
	}
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
