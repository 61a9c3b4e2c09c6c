package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cyberinferno/go-netsys/config"
	"github.com/cyberinferno/go-netsys/logger"
	"github.com/cyberinferno/go-netsys/metrics"
	"github.com/cyberinferno/go-netsys/netsys"
)

func main() {
	cfgPath := flag.String("config", "", "path to the YAML configuration (defaults and NETSYS_* environment when empty)")
	pollEvery := flag.Duration("poll", time.Second, "interval between accepted-client polls")
	flag.Parse()

	if err := run(*cfgPath, *pollEvery); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfgPath string, pollEvery time.Duration) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	m := metrics.New()
	sys, err := netsys.New(cfg, netsys.Deps{Logger: log, Metrics: m})
	if err != nil {
		return err
	}
	defer sys.Close()

	if err := sys.StartListenServer(); err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		srv := serveMetrics(cfg.Metrics.Listen, m, log)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	if cfgPath != "" {
		w, err := config.Watch(cfgPath, func(c *config.Config) {
			if err := sys.ApplyConfig(c); err != nil {
				log.Warn("config reload rejected", logger.Err(err))
			}
		}, func(err error) {
			log.Warn("config reload failed", logger.Err(err))
		})
		if err != nil {
			return err
		}
		defer w.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		case <-ticker.C:
			for _, id := range sys.PollAccepted() {
				ch := sys.ControlChannel(id)
				if !ch.Valid() {
					continue
				}
				log.Info("new client", logger.F("client_id", id.String()), logger.F("remote", ch.Remote.String()))
			}
		}
	}
}

func newLogger(cfg *config.Config) (logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}

	if cfg.Log.Dir != "" {
		return logger.NewZerologFileLogger(cfg.Service, cfg.Log.Dir, level)
	}

	return logger.NewConsoleLogger(cfg.Service, level), nil
}

func serveMetrics(addr string, m *metrics.Collector, log logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", logger.Err(err))
		}
	}()

	log.Info("metrics listening", logger.F("addr", addr))
	return srv
}
