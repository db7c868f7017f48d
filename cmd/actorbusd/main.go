// Command actorbusd boots the actor bus: the global run queue and worker
// pool that drain it, the per-service memory tracker, the dynamic module
// registry, the epoll reactor accepting TCP connections, and (when
// configured) a NATS bridge feeding external messages into the bus.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"actorbus/internal/bus"
	"actorbus/internal/config"
	"actorbus/internal/logging"
	"actorbus/internal/memtrack"
	"actorbus/internal/metrics"
	"actorbus/internal/modreg"
	"actorbus/internal/natsbridge"
	"actorbus/internal/reactor"
	"actorbus/internal/worker"
)

// gatewayHandle is the service every accepted socket's inbound bytes are
// delivered to. A real deployment would route by subscription or by a
// handle carried in a connect-time handshake; actorbusd ships the
// simplest useful default, a single ingress service.
const gatewayHandle bus.Handle = 1

// natsBridgeHandle receives messages bridged in from the optional NATS
// subject.
const natsBridgeHandle bus.Handle = 2

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{
		Level:   logging.Level(cfg.LogLevel),
		Format:  logging.Format(cfg.LogFormat),
		Service: "actorbusd",
	})
	logging.SetGlobal(logger)

	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting actorbusd")
	cfg.Print(func(format string, args ...interface{}) {
		logger.Info().Msgf(format, args...)
	})

	b := bus.New()
	if _, err := b.Register(gatewayHandle); err != nil {
		logger.Fatal().Err(err).Msg("failed to register gateway mailbox")
	}

	tracker := memtrack.New()
	modules := modreg.New(cfg.ModulePath)

	met := metrics.New()
	collector := metrics.NewCollector(met, b, tracker)
	collector.WatchHandles([]uint32{uint32(gatewayHandle), uint32(natsBridgeHandle)})

	memLimit := cfg.MemoryLimitBytes
	if memLimit == 0 {
		if detected, err := worker.DetectCgroupMemoryLimit(); err != nil {
			logger.Warn().Err(err).Msg("failed to read cgroup memory limit")
		} else if detected > 0 {
			memLimit = detected
			logger.Info().Int64("bytes", memLimit).Msg("using cgroup memory limit as dispatch pause threshold")
		}
	}

	guard := worker.NewResourceGuard(worker.GuardConfig{
		CPUPauseThreshold: cfg.CPUPauseThreshold,
		MemoryLimitBytes:  memLimit,
		DispatchRateLimit: cfg.DispatchRateLimit,
	}, logger)

	rx, err := reactor.New()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create reactor")
	}

	pool := worker.New(b, func(owner bus.Handle, msg bus.Message) {
		logger.Debug().Uint32("handle", uint32(owner)).Int("bytes", len(msg.Payload)).Msg("dispatched message")
	}, logger, worker.Config{WorkerCount: cfg.WorkerCount}, guard)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	guard.StartMonitoring(ctx, 2*time.Second)
	collector.Start(2 * time.Second)
	pool.Start(ctx)

	rx.Listen(cfg.ListenHost, cfg.ListenPort, cfg.Backlog, uintptr(gatewayHandle))
	go runReactorLoop(ctx, rx, b, met, logger)

	var bridge *natsbridge.Bridge
	if cfg.NATSUrl != "" {
		if _, err := b.Register(natsBridgeHandle); err != nil {
			logger.Error().Err(err).Msg("failed to register nats bridge mailbox")
		} else {
			bridge, err = natsbridge.Connect(natsbridge.DefaultConfig(cfg.NATSUrl, cfg.NATSSubject), b, natsBridgeHandle, logger, met)
			if err != nil {
				logger.Error().Err(err).Msg("failed to connect nats bridge")
			}
		}
	}

	var metricsSrv *http.Server
	if cfg.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", met.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			logger.Info().Msg("relaying SIGHUP to loaded modules")
			modules.Signal(nil, int(syscall.SIGHUP))
			continue
		}
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		break
	}

	cancel()
	pool.Stop()
	collector.Stop()
	if bridge != nil {
		bridge.Close()
	}
	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		metricsSrv.Shutdown(shutdownCtx)
	}
	rx.Release()
	logger.Info().Uint64("memory_usage", tracker.Usage()).Uint64("memory_blocks", tracker.Blocks()).Msg("final memory accounting")
}

// runReactorLoop pumps reactor events into the gateway mailbox until ctx
// is cancelled. Accepted sockets are started immediately since actorbusd
// has no handshake step of its own before a connection starts producing
// EventData.
func runReactorLoop(ctx context.Context, rx *reactor.Server, b *bus.Bus, met *metrics.Metrics, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ev, ok := rx.Poll(ctx)
		if !ok {
			continue
		}

		switch ev.Tag {
		case reactor.EventAccept:
			met.SocketsAccepted.Inc()
			met.SocketsActive.Inc()
			rx.Start(ev.ID)
			logger.Debug().Int("id", ev.ID).Str("remote", ev.RemoteAddr).Msg("accepted connection")
		case reactor.EventData:
			if !b.Send(gatewayHandle, bus.Message{Type: uint32(ev.ID), Payload: ev.Data}) {
				logger.Warn().Int("id", ev.ID).Msg("gateway mailbox rejected inbound data")
			}
		case reactor.EventClose:
			met.SocketsActive.Dec()
			met.RecordSocketClosed("peer")
		case reactor.EventErr:
			met.SocketsActive.Dec()
			met.RecordSocketClosed("error")
			met.RecordError(metrics.ErrorTypeReactor, metrics.SeverityWarning)
		}
	}
}
