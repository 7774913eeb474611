package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"eventstream-rpc/config"
	"eventstream-rpc/metrics"
	"eventstream-rpc/middleware"
	"eventstream-rpc/server"
	"eventstream-rpc/transport"
)

func serveCmd(configPath *string) *cobra.Command {
	var addr, adminAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an event-stream RPC server",
		Long: `Run a server exposing the built-in operations Echo, Add and Time over TCP,
and an admin HTTP listener with /healthz, /metrics and a /ws WebSocket
transport endpoint.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load(*configPath)
			if err != nil {
				return err
			}
			defer log.Sync()
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if adminAddr != "" {
				cfg.Server.AdminAddr = adminAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "TCP listen address (overrides server.addr)")
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "", "admin HTTP listen address (overrides server.admin_addr)")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(promReg)
	if err != nil {
		return err
	}

	svr, closeReg, err := newServer(cfg, log, m)
	if err != nil {
		return err
	}
	defer closeReg()

	l, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return err
	}
	served := make(chan error, 1)
	go func() { served <- svr.Serve(l) }()

	var admin *http.Server
	if cfg.Server.AdminAddr != "" {
		admin = &http.Server{
			Addr:              cfg.Server.AdminAddr,
			Handler:           adminRouter(svr, promReg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("admin listening", zap.String("addr", admin.Addr))
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("admin listener failed", zap.Error(err))
			}
		}()
	}

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if admin != nil {
		admin.Shutdown(shutdownCtx)
	}
	err = svr.Shutdown(shutdownCtx)
	<-served
	return err
}

// newServer wires cfg into a Server with the built-in operations registered.
func newServer(cfg config.Config, log *zap.Logger, m *metrics.Collector) (*server.Server, func() error, error) {
	reg, closeReg, err := openRegistry(cfg.Registry, log)
	if err != nil {
		return nil, nil, err
	}

	opts := []server.Option{
		server.WithLogger(log),
		server.WithMetrics(m),
		server.WithStreamQueue(cfg.Server.StreamQueue),
		server.WithConnOptions(
			transport.WithLimits(limits(cfg.Server)),
			transport.WithMaxCorrelationFaults(cfg.Server.MaxCorrelationFaults),
			transport.WithWriteTimeout(cfg.Server.WriteTimeout.Std()),
		),
	}
	if len(cfg.Auth.Tokens) > 0 {
		opts = append(opts, server.WithAuthenticator(server.StaticTokens(cfg.Auth.Header, cfg.Auth.Tokens)))
	}
	if reg != nil {
		opts = append(opts, server.WithRegistry(reg, cfg.Server.Service, cfg.Server.AdvertiseAddr))
	}
	svr := server.NewServer(opts...)

	svr.Use(middleware.TracingMiddleware(nil))
	svr.Use(middleware.LoggingMiddleware(log))
	svr.Use(middleware.MetricsMiddleware(m))
	if cfg.Server.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.Server.RateLimit, cfg.Server.RateBurst))
	}
	if d := cfg.Server.HandlerTimeout.Std(); d > 0 {
		svr.Use(middleware.TimeOutMiddleware(d))
	}

	if err := registerOperations(svr); err != nil {
		closeReg()
		return nil, nil, err
	}
	return svr, closeReg, nil
}
