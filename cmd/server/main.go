package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"avl-svr/internal/config"
	"avl-svr/internal/forward"
	"avl-svr/internal/grpcclient"
	"avl-svr/internal/link"
	"avl-svr/internal/observability"
	"avl-svr/internal/server"
	"avl-svr/internal/store"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "avl-svr",
	Short:         "Servidor TCP para equipos Teltonika (Codec 8 / 8E)",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		log, err := observability.NewLogger(cfg.LogLevel)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg, log)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "archivo TOML de configuración")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn, error (pisa LOG_LEVEL)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "avl-svr:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) error {
	log.Infow("starting avl-svr", "port", cfg.TCPPort, "store", cfg.StoreBackend)

	backend, err := store.Open(ctx, cfg, log)
	if err != nil {
		log.Errorw("store init failed", "backend", cfg.StoreBackend, "err", err)
		return err
	}
	defer func() { _ = backend.Close() }()

	g, ctx := errgroup.WithContext(ctx)

	sinks := openSinks(ctx, g, cfg, log)
	tee := forward.NewTee(backend, log, sinks...)
	defer func() {
		if err := tee.Close(); err != nil {
			log.Warnw("close sinks", "err", err)
		}
	}()

	metrics := observability.NewMetricsServer(":" + cfg.MetricsPort)
	g.Go(func() error {
		log.Infow("metrics listening", "addr", metrics.Addr)
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metrics.Shutdown(sctx)
	})

	srv := server.New(server.Options{
		Store:       tee,
		Log:         log,
		ReadBuffer:  cfg.ReadBuffer,
		IdleTimeout: cfg.IdleTimeout,
		VerifyCRC:   cfg.VerifyCRC,
	})
	g.Go(func() error {
		return srv.ListenAndServe(ctx, ":"+cfg.TCPPort)
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warnw("sd_notify failed", "err", err)
	} else if ok {
		log.Debugw("sd_notify ready sent")
	}

	err = g.Wait()
	log.Infow("avl-svr stopped", "err", err)
	return err
}

// openSinks arma los destinos configurados. Uno que no arranca se loguea y se omite.
func openSinks(ctx context.Context, g *errgroup.Group, cfg config.Config, log *zap.SugaredLogger) []forward.Sink {
	var sinks []forward.Sink

	if cfg.GRPCServer != "" {
		c, err := grpcclient.NewClient(cfg.GRPCServer, cfg.GRPCMethod)
		if err != nil {
			log.Errorw("grpc forwarder disabled", "addr", cfg.GRPCServer, "err", err)
		} else {
			sinks = append(sinks, c)
		}
	}

	if cfg.MQTTBroker != "" {
		host, _ := os.Hostname()
		m, err := forward.NewMQTT(cfg.MQTTBroker, "avl-svr-"+host, cfg.MQTTTopic)
		if err != nil {
			log.Errorw("mqtt forwarder disabled", "broker", cfg.MQTTBroker, "err", err)
		} else {
			sinks = append(sinks, m)
		}
	}

	if cfg.ProxyAddr != "" {
		l := link.New(cfg.ProxyAddr, log)
		g.Go(func() error { return l.Run(ctx) })
		sinks = append(sinks, l)
	} else {
		log.Infow("link disabled (no proxy address configured)")
	}
	return sinks
}
