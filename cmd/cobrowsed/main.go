// Command cobrowsed is the session coordination daemon: it provisions
// sandboxes, arbitrates the control token, and serves the REST API that
// clients join sessions through.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tandemly/cobrowse/internal/config"
	"github.com/tandemly/cobrowse/internal/httpapi"
	"github.com/tandemly/cobrowse/internal/metrics"
	"github.com/tandemly/cobrowse/internal/provision"
	"github.com/tandemly/cobrowse/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := config.NewLogger(cfg)

	var store session.Store
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Error().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable")
			os.Exit(1)
		}
		store = session.NewRedisStore(client, cfg.SessionTTL)
	} else {
		log.Warn().Msg("no redis configured, sessions are in-memory and lost on restart")
		store = session.NewMemoryStore()
	}

	var provisioner provision.Provisioner
	if cfg.ProvisionerURL != "" {
		provisioner = provision.NewHTTPProvisioner(cfg.ProvisionerURL, cfg.ProvisionerToken)
	} else {
		log.Warn().Msg("no provisioner configured, session creation will fail")
		provisioner = provision.Static{}
	}

	m := metrics.New()
	issuer := httpapi.NewTokenIssuer(cfg.TokenSecret, cfg.TokenTTL)
	clientCfg := httpapi.ClientConfig{
		ICEServers:   cfg.ICEServers,
		LoginTimeout: cfg.LoginTimeout,
		DialTimeout:  cfg.DialTimeout,
	}
	api := httpapi.NewServer(log, store, provisioner, issuer, m, clientCfg, int64(cfg.MaxControlGrantsPerSecond))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Error().Err(err).Str("addr", cfg.ListenAddr).Msg("listen failed")
		os.Exit(1)
	}

	srv := &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info().
		Str("addr", ln.Addr().String()).
		Bool("redis", cfg.RedisAddr != "").
		Bool("provisioner", cfg.ProvisionerURL != "").
		Msg("cobrowsed serving")

	errCh := make(chan error, 1)
	go func() {
		api.SetReady(true)
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server exited")
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	}

	api.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("http server exited after shutdown")
		os.Exit(1)
	}
}
