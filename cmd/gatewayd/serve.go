package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgfacade/gateway/internal/acl"
	"github.com/dgfacade/gateway/internal/bootstrap"
	"github.com/dgfacade/gateway/internal/channelaccessor"
	"github.com/dgfacade/gateway/internal/cluster"
	"github.com/dgfacade/gateway/internal/composite"
	"github.com/dgfacade/gateway/internal/config"
	"github.com/dgfacade/gateway/internal/dispatch"
	"github.com/dgfacade/gateway/internal/gateway"
	"github.com/dgfacade/gateway/internal/handlers"
	"github.com/dgfacade/gateway/internal/ingest"
	"github.com/dgfacade/gateway/internal/load"
	"github.com/dgfacade/gateway/internal/logging"
	"github.com/dgfacade/gateway/internal/model"
	"github.com/dgfacade/gateway/internal/registry"
	"github.com/dgfacade/gateway/internal/streaming"
	"github.com/dgfacade/gateway/internal/worker"
)

// runServe wires every built package into one running process, replacing
// the teacher's single-transport main.go with the facade's broker-agnostic
// composition (§5 "Architecture").
func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)
	reportGOMAXPROCS()

	store, err := config.NewFileStore(cfg.ConfigDir)
	if err != nil {
		return err
	}

	apiACL := acl.New(store)
	if err := apiACL.Reload(); err != nil {
		logger.Warn().Err(err).Msg("acl: initial load failed, starting with no authorized keys")
	}

	handlerRegistry := registry.New(store, "handlers", logger)
	if err := handlerRegistry.Reload(); err != nil {
		logger.Warn().Err(err).Msg("registry: initial load failed, starting with no handlers")
	}

	accessor := channelaccessor.New(logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	brokers, err := bootstrap.LoadBrokers(store)
	if err != nil {
		return err
	}
	for _, bc := range brokers {
		if err := accessor.Register(ctx, bc); err != nil {
			logger.Error().Str("broker_id", bc.BrokerID).Err(err).Msg("broker registration failed")
		}
	}

	outputChannels, err := bootstrap.LoadOutputChannels(store)
	if err != nil {
		return err
	}

	factories := handlers.NewFactories()
	compositeSub := composite.New(accessor, logger)
	factories.Register("RELAY", handlers.NewRelayFactory(compositeSub, accessor))

	chains, err := bootstrap.LoadChains(store)
	if err != nil {
		return err
	}

	supervisor := worker.NewSupervisor(cfg.HistoryRingSize, cfg.HistoryMaxAge, logger)
	loadSource := load.NewDetected(supervisor, cfg.HeapMaxMB, logger)

	clusterSvc := cluster.New(cluster.Config{
		Enabled:           cfg.ClusterEnabled,
		NodeID:            cfg.NodeID,
		Host:              cfg.NodeHost,
		Port:              cfg.NodePort,
		Role:              model.NodeRole(cfg.NodeRole),
		Version:           cfg.NodeVersion,
		NATSUrl:           cfg.NATSUrl,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, handlerRegistry, loadSource, logger)

	gatewaySrv := gateway.New(gateway.Config{Addr: cfg.Addr}, nil, handlerRegistry, supervisor, clusterSvc, logger)

	streamingMgr := streaming.New(streaming.Config{
		Enabled:               true,
		MaxConcurrentSessions: cfg.MaxConcurrentStreams,
		SystemMaxTTL:          cfg.SystemMaxTTL,
		SystemDefaultChannels: map[model.ResponseChannel]struct{}{model.ChannelWebSocket: {}},
		ChannelBrokerIDs:      bootstrap.ChannelBrokerIDs(outputChannels),
	}, accessor, gatewaySrv, gatewaySrv, logger)

	dispatcher := dispatch.New(handlerRegistry, factories, apiACL, supervisor, streamingMgr, clusterSvc, logger)

	// The chain engine re-enters the dispatcher for each step, so its
	// adapter is registered only after the dispatcher exists.
	for chainID, chainCfg := range chains {
		cc := chainCfg
		factories.Register(chainID, handlers.ChainAdapter(dispatcher, cc))
	}

	// The gateway had to exist before the dispatcher (streaming needs it as
	// a sink; dispatch needs streaming), so its Dispatcher is bound here.
	gatewaySrv.SetDispatcher(dispatcher)

	ingestConfigs, err := bootstrap.ResolveIngesters(store)
	if err != nil {
		return err
	}
	ingestManager := ingest.NewManager(logger)
	for _, icfg := range ingestConfigs {
		ingestManager.Add(ingest.New(icfg, accessor, dispatcher, logger))
	}
	if err := ingestManager.StartAll(ctx); err != nil {
		logger.Error().Err(err).Msg("ingest manager: one or more ingesters failed to start")
	}

	if err := clusterSvc.Start(); err != nil {
		logger.Error().Err(err).Msg("cluster: start failed, running standalone")
	}

	go func() {
		if err := gatewaySrv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("gateway: listener exited")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := gatewaySrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("gateway shutdown error")
	}
	clusterSvc.Stop()
	ingestManager.StopAll()
	compositeSub.Shutdown()
	accessor.Shutdown()
	return nil
}
