package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ggoodman/mcp-runtime-go/examples/echo"
	"github.com/ggoodman/mcp-runtime-go/examples/prompts_static"
	"github.com/ggoodman/mcp-runtime-go/examples/resources_static"
	"github.com/ggoodman/mcp-runtime-go/examples/vibes"
	"github.com/ggoodman/mcp-runtime-go/fswatch"
	"github.com/ggoodman/mcp-runtime-go/mcp"
	"github.com/ggoodman/mcp-runtime-go/protocol"
	"github.com/ggoodman/mcp-runtime-go/reference"
	"github.com/ggoodman/mcp-runtime-go/registry"
	"github.com/ggoodman/mcp-runtime-go/sessions"
	"github.com/ggoodman/mcp-runtime-go/sessions/memorystore"
	"github.com/ggoodman/mcp-runtime-go/sessions/redisstore"
	"github.com/ggoodman/mcp-runtime-go/stdio"
	"github.com/ggoodman/mcp-runtime-go/streaminghttp"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

const serverName = "mcp-runtime"

// RootCmd is the root Cobra command that gets called from the main func.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   serverName,
		Short: "Serve MCP tools, resources and prompts over stdio or streaming HTTP.",
		Long: `mcp-runtime serves the bundled demo capabilities (echo, greeting,
static resources, vibe_check) and optionally a directory of files.

Every flag has an environment variable counterpart, e.g. --transport and
MCP_TRANSPORT. Flags win over the environment.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	addConfigFlags(cmd)
	cmd.AddCommand(versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), serverName, Version)
			return err
		},
	}
}

func run(ctx context.Context, cfg *Config, in io.Reader, out io.Writer) error {
	// stdout belongs to the protocol in stdio mode.
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.level()}))

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	reg, err := buildRegistry(cfg, log)
	if err != nil {
		return err
	}
	defer reg.Close()

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	p := protocol.New(reg, store,
		protocol.WithLogger(log),
		protocol.WithServerInfo(mcp.ImplementationInfo{Name: serverName, Version: Version}),
		protocol.WithMetrics(metrics),
		protocol.WithReferenceHandler(reference.NewHandler(reference.WithLogger(log))),
		protocol.WithRequestTimeout(cfg.RequestTimeout),
	)
	defer p.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if cfg.FSRoot != "" {
		src, err := fswatch.New(cfg.FSRoot, fswatch.WithLogger(log))
		if err != nil {
			return err
		}
		g.Go(func() error { return src.Watch(ctx, reg, p) })
	}

	metricsHandler := promhttp.HandlerFor(metrics, promhttp.HandlerOpts{})
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", metricsHandler)
		g.Go(func() error { return listen(ctx, log, cfg.MetricsAddr, mux) })
	}

	switch cfg.Transport {
	case "stdio":
		h := stdio.NewHandler(p, stdio.WithIO(in, out), stdio.WithLogger(log))
		g.Go(func() error {
			err := h.Serve(ctx)
			// EOF on stdin ends the process.
			cancel()
			return err
		})
	case "http":
		h, err := streaminghttp.New(cfg.PublicEndpoint, p, streaminghttp.WithLogger(log))
		if err != nil {
			return err
		}
		u, _ := url.Parse(cfg.PublicEndpoint)
		mux := http.NewServeMux()
		mux.Handle(pathOrRoot(u.Path), h)
		mux.Handle("GET /metrics", metricsHandler)
		g.Go(func() error { return listen(ctx, log, cfg.Addr, mux) })
	}

	log.InfoContext(ctx, "runtime.start",
		slog.String("transport", cfg.Transport),
		slog.String("store", cfg.Store),
		slog.Bool("signed_sessions", cfg.SigningKey != ""),
	)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func pathOrRoot(p string) string {
	if p == "" {
		return "/"
	}
	return p
}

func openStore(ctx context.Context, cfg *Config) (sessions.Store, func(), error) {
	var (
		store   sessions.Store
		closeFn = func() {}
	)
	switch cfg.Store {
	case "redis":
		rs, err := redisstore.NewFromEnv(ctx, redisstore.WithTTL(cfg.SessionTTL))
		if err != nil {
			return nil, nil, err
		}
		store = rs
		closeFn = func() { _ = rs.Close() }
	default:
		store = memorystore.New(memorystore.WithTTL(cfg.SessionTTL))
	}

	key, err := cfg.signingKey()
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	if key != nil {
		keys := sessions.NewKeySet()
		keys.AddEd25519Key("primary", key)
		if err := keys.SetActive("primary"); err != nil {
			closeFn()
			return nil, nil, err
		}
		store = sessions.NewSignedStore(store, keys)
	}
	return store, closeFn, nil
}

func buildRegistry(cfg *Config, log *slog.Logger) (*registry.Registry, error) {
	reg := registry.New(
		registry.WithLogger(log),
		registry.WithLogging(true),
		registry.WithListChanged(cfg.FSRoot != ""),
	)
	for _, register := range []func(*registry.Registry) error{
		echo.Register,
		prompts_static.Register,
		resources_static.Register,
		vibes.Register,
	} {
		if err := register(reg); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func listen(ctx context.Context, log *slog.Logger, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.InfoContext(ctx, "runtime.listen", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
