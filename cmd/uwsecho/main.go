// Command uwsecho runs a websocket echo server. Text frames starting with
// "/all " are broadcast to every connected client instead of echoed.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	uws "github.com/hqdmyjsw/uWebSockets"
)

const broadcastPrefix = "/all "

func main() {
	var (
		configPath  = flag.String("config", "", "path to a YAML server config")
		port        = flag.Int("port", 0, "websocket port, overrides the config")
		metricsAddr = flag.String("metrics", "", "address of the /metrics endpoint, overrides the config")
		debug       = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	zl, err := newZap(*debug)
	if err != nil {
		os.Stderr.WriteString("cannot build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = zl.Sync() }()

	if err := run(zl, *configPath, *port, *metricsAddr); err != nil {
		zl.Error("uwsecho stopped", zap.Error(err))
		os.Exit(1)
	}
}

func newZap(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func run(zl *zap.Logger, configPath string, port int, metricsAddr string) error {
	cfg := uws.ServerConfig{Port: 3000, MetricsAddr: ":9100"}
	if configPath != "" {
		loaded, err := uws.LoadServerConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if port != 0 {
		cfg.Port = port
	}
	if cfg.Port == 0 {
		cfg.Port = 3000
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	logger := uws.NewZapLogger(zl)
	opts := cfg.Options()
	opts.Logger = logger
	opts.Registerer = registry

	server, err := uws.NewServer(opts)
	if err != nil {
		return err
	}
	server.OnConnection(func(c *uws.Conn) {
		echo(server, c, logger)
	})
	logger.Infof("websocket server listening on %s", server.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("metrics listening on %s", cfg.MetricsAddr)
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Infoln("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metrics.Shutdown(shutdownCtx)
		return server.Close()
	})
	return g.Wait()
}

func echo(server *uws.Server, c *uws.Conn, logger uws.Logger) {
	peer := c.PeerAddress()
	log := logger.WithField("peer", peer.Address)
	log.Infoln("client connected")

	_ = c.OnMessage(func(c *uws.Conn, m uws.Message) {
		if m.Type().IsText() && strings.HasPrefix(string(m.Data()), broadcastPrefix) {
			server.Broadcast(uws.NewTextMessage(strings.TrimPrefix(string(m.Data()), broadcastPrefix)))
			return
		}
		c.Send(m, func(err error) {
			if err != nil {
				log.Debugf("echo not delivered: %s", err)
			}
		})
	})
	_ = c.OnClose(func(_ *uws.Conn, code int, reason string) {
		log.Infof("client disconnected with %d %s", code, reason)
	})
}
