// Command registry runs the registry-service process: config load,
// transport selection, bus wiring, and every domain component (identity
// allocator, membership registries, catalog, heartbeat monitor,
// registration handler, provisioning service, routing service, shutdown
// manager), topped with the HTTP introspection server and the operator
// console. Grounded on the teacher's cmd/appserver/main.go flag-parse,
// wire, signal-wait, graceful-shutdown shape.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fulcrum-net/registry-service/internal/bus"
	"github.com/fulcrum-net/registry-service/internal/catalog"
	"github.com/fulcrum-net/registry-service/internal/console"
	"github.com/fulcrum-net/registry-service/internal/envelope"
	"github.com/fulcrum-net/registry-service/internal/heartbeat"
	"github.com/fulcrum-net/registry-service/internal/httpapi"
	"github.com/fulcrum-net/registry-service/internal/identity"
	"github.com/fulcrum-net/registry-service/internal/model"
	"github.com/fulcrum-net/registry-service/internal/provisioning"
	"github.com/fulcrum-net/registry-service/internal/registration"
	"github.com/fulcrum-net/registry-service/internal/registry"
	"github.com/fulcrum-net/registry-service/internal/routing"
	"github.com/fulcrum-net/registry-service/internal/scheduler"
	"github.com/fulcrum-net/registry-service/internal/shutdown"
	"github.com/fulcrum-net/registry-service/internal/transport"
	"github.com/fulcrum-net/registry-service/pkg/config"
	"github.com/fulcrum-net/registry-service/pkg/logger"
)

// executorConcurrency bounds the bus's dispatch pool. The spec names no
// fixed figure; sized generously since handlers are meant to be quick
// (§4.C) and the scheduler.Queue per-component serial lanes absorb the
// actual slow work.
const executorConcurrency = 32

// reregistrationGracePeriod delays the startup reregistration broadcast
// so nodes mid-restart have a chance to reconnect their subscriptions
// first (§6 "Persisted state").
const reregistrationGracePeriod = 10 * time.Second

// executorShutdownCap bounds how long the bus executor drains in-flight
// handlers before force-terminating (§5 "Resource acquisition").
const executorShutdownCap = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "registry: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.Config{Level: cfg.Logging.Level, Format: "text"})
	promptOut := console.NewPromptWriter(os.Stdout)
	log.SetOutput(promptOut)
	rootLog := log.Component("registry")

	transportAdapter := transport.Select(cfg, rootLog.Logger.WithField("component", "transport"))
	defer transportAdapter.Close()

	executor := scheduler.NewExecutor(executorConcurrency)
	defer executor.Shutdown(executorShutdownCap)

	messageBus := bus.New(transportAdapter, executor, "registry", rootLog.Logger.WithField("component", "bus"))
	defer messageBus.Close()

	allocator := identity.NewAllocator()
	proxies := registry.NewProxyRegistry(allocator)
	backends := registry.NewBackendRegistry(allocator)
	cat := catalog.New(backends)

	hbMonitor := heartbeat.New(heartbeat.Config{
		CheckInterval:    time.Duration(cfg.Registry.CheckIntervalSeconds) * time.Second,
		HeartbeatTimeout: time.Duration(cfg.Registry.HeartbeatTimeoutSeconds) * time.Second,
	}, rootLog.Logger.WithField("component", "heartbeat"))
	hbMonitor.Start()
	defer hbMonitor.Stop()

	regHandler := registration.New(messageBus, proxies, backends, allocator, hbMonitor, rootLog.Logger.WithField("component", "registration"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := regHandler.Start(ctx); err != nil {
		return fmt.Errorf("start registration handler: %w", err)
	}

	if err := subscribeHeartbeats(ctx, messageBus, proxies, backends, hbMonitor); err != nil {
		return fmt.Errorf("subscribe heartbeats: %w", err)
	}

	provSvc := provisioning.New(messageBus, cat, backends, rootLog.Logger.WithField("component", "provisioning"))
	if err := provSvc.Start(ctx); err != nil {
		return fmt.Errorf("start provisioning service: %w", err)
	}

	routingSvc := routing.New(messageBus, provSvc, rootLog.Logger.WithField("component", "routing"))
	shutdownMgr := shutdown.New(messageBus, proxies, backends, rootLog.Logger.WithField("component", "shutdown"))
	if err := shutdownMgr.Start(ctx); err != nil {
		return fmt.Errorf("start shutdown manager: %w", err)
	}

	consoleDeps := console.Deps{
		Proxies:      proxies,
		Backends:     backends,
		Allocator:    allocator,
		Catalog:      cat,
		Routing:      routingSvc,
		Provisioning: provSvc,
		Shutdown:     shutdownMgr,
		Bus:          messageBus,
	}

	router := httpapi.NewRouter(proxies, backends, cat, consoleDeps, rootLog.Logger.WithField("component", "console-ws"))
	httpServer := &http.Server{Addr: cfg.HTTP.Addr, Handler: router}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			rootLog.WithField("addr", cfg.HTTP.Addr).Errorf("http server: %v", err)
		}
	}()
	rootLog.Infof("http introspection listening on %s", cfg.HTTP.Addr)

	time.AfterFunc(reregistrationGracePeriod, func() {
		messageBus.Broadcast(ctx, bus.ChanReregistrationRequest, "ReregistrationRequest", map[string]string{}, "")
		rootLog.Info("reregistration grace period elapsed, broadcast sent")
	})

	primaryConsole := console.New(consoleDeps, rootLog.Logger.WithField("component", "console"), os.Stdout)
	stopCh := make(chan struct{})
	primaryConsole.OnStop(func() { close(stopCh) })
	promptOut.SetPrompt("registry> ")
	go primaryConsole.Run(ctx, os.Stdin)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		rootLog.Info("signal received, shutting down")
	case <-stopCh:
		rootLog.Info("console stop issued, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), executorShutdownCap)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	return nil
}

// subscribeHeartbeats wires the well-known heartbeat channel into both
// the heartbeat monitor's liveness tracking and the membership
// registries' last-seen/playerCount/tps fields. Kept as startup-wiring
// glue here rather than a dedicated package since it does nothing beyond
// routing one decoded payload to two existing components (§4.F).
func subscribeHeartbeats(ctx context.Context, b *bus.Bus, proxies *registry.ProxyRegistry, backends *registry.BackendRegistry, mon *heartbeat.Monitor) error {
	return b.Subscribe(ctx, bus.ChanHeartbeat, func(ctx context.Context, env envelope.Envelope) {
		var hb model.Heartbeat
		if err := json.Unmarshal(env.Payload, &hb); err != nil {
			return
		}
		mon.Record(hb.NodeID, hb.Status)

		id, err := identity.Parse(hb.NodeID)
		if err != nil {
			return
		}
		switch id.Kind {
		case identity.KindProxy:
			proxies.RecordHeartbeat(hb.NodeID, time.Now())
		case identity.KindBackend:
			backends.RecordHeartbeat(hb.NodeID, time.Now(), hb.PlayerCount, hb.TPS)
		}
	})
}
