package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"proxyrouter/api"
	"proxyrouter/api/router/handlers"
	"proxyrouter/config"
	"proxyrouter/core"
	"proxyrouter/database"
	"proxyrouter/logger"
	"proxyrouter/pac"
	"proxyrouter/stats"

	"golang.org/x/sync/errgroup"
)

// runtime is the set of long-lived services one process runs. Exactly one
// of routing and pacInstaller is set.
type runtime struct {
	metrics      *stats.Metrics
	tests        *core.TestQueue
	keepAlive    *core.KeepAlive
	engine       *core.Engine
	routing      *core.RoutingProxy
	pacInstaller *pac.Installer
}

func newRuntime(pacMode bool) *runtime {
	cfg := config.AppConfig
	rt := &runtime{metrics: stats.NewMetrics()}
	rt.tests = core.NewTestQueue(nil, cfg.Tester.Timeout, nil)
	rt.keepAlive = core.NewKeepAlive(rt.tests, core.KeepAliveOptions{
		Interval:             cfg.KeepAlive.Interval,
		MaxDownNotifications: cfg.KeepAlive.MaxDownNotifications,
		Notifier:             database.Notifier{},
		OnProbe:              rt.metrics.ObserveKeepAlive,
	})

	opts := core.EngineOptions{
		Store:     database.Store{},
		KeepAlive: rt.keepAlive,
		Tests:     rt.tests,
		Metrics:   rt.metrics,
	}
	if pacMode {
		rt.pacInstaller = pac.NewInstaller(cfg.PAC.OutputPath)
		opts.PAC = rt.pacInstaller
	}
	rt.engine = core.NewEngine(opts)

	if pacMode {
		rt.tests.SetInterceptor(rt.pacInstaller)
	} else {
		rt.routing = core.NewRoutingProxy(rt.engine, cfg.Tester.Timeout)
		rt.tests.SetInterceptor(rt.routing)
	}
	return rt
}

func (rt *runtime) services() handlers.Services {
	return handlers.Services{Engine: rt.engine, PAC: rt.pacInstaller, Metrics: rt.metrics}
}

// run loads settings and serves until ctx is done or a service fails.
// Empty addresses leave the corresponding listener off.
func (rt *runtime) run(ctx context.Context, serverAddr, proxyAddr string) error {
	if err := rt.engine.Reload(ctx); err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	changes, unsubscribe := database.Subscribe()
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.engine.Watch(gctx, changes)
		return nil
	})

	if serverAddr != "" {
		router := api.NewRouter(rt.services())
		g.Go(func() error { return serveAPI(gctx, serverAddr, router) })
	}
	if rt.routing != nil && proxyAddr != "" {
		g.Go(func() error { return rt.routing.ListenAndServe(gctx, proxyAddr) })
	}
	if rt.pacInstaller != nil {
		logger.Info("PAC mode: script written to %s", config.AppConfig.PAC.OutputPath)
	}

	if path := config.AppConfig.Settings.WatchFile; path != "" {
		watcher := database.NewSettingsFileWatcher(path, func(keys []string) {
			logger.Info("Imported %v from %s", keys, path)
		})
		g.Go(func() error { return watcher.Watch(gctx) })
		defer watcher.Stop()
	}

	err := g.Wait()
	rt.keepAlive.Stop()
	rt.tests.Wait()
	return err
}

func serveAPI(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("API server listening on %s", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("API server: Graceful shutdown failed: %v", err)
		} else {
			logger.Info("API server: Gracefully stopped.")
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	}
}

func listenAddr(port string) string {
	if port == "" {
		return ""
	}
	return ":" + port
}
