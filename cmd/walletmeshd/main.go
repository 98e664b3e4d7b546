package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"walletmesh/config"
	"walletmesh/mesh"
	"walletmesh/mesh/seeds"
	"walletmesh/observability/logging"
	telemetry "walletmesh/observability/otel"
	"walletmesh/transport/wsnet"
	"walletmesh/txqueue"
)

const (
	nodePassEnv          = "WALLETMESH_NODE_PASS"
	envVar               = "WALLETMESH_ENV"
	connectivityInterval = 5 * time.Second
	archiveInterval      = time.Hour
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv(envVar))
	logger := logging.Setup("walletmeshd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	if env == "" {
		env = cfg.Logging.Environment
	}
	logger = logging.SetupWithRotation("walletmeshd", env, cfg.Logging.Rotation())

	if cfg.Telemetry.Metrics || cfg.Telemetry.Traces {
		shutdownTelemetry, err := telemetry.Init(context.Background(), cfg.Telemetry.Options("walletmeshd", env))
		if err != nil {
			panic(fmt.Sprintf("Failed to initialise telemetry: %v", err))
		}
		defer func() {
			if shutdownTelemetry != nil {
				_ = shutdownTelemetry(context.Background())
			}
		}()
	}

	identity, err := mesh.LoadOrCreateEncryptedIdentity(cfg.KeystorePath, os.Getenv(nodePassEnv))
	if err != nil {
		panic(fmt.Sprintf("Failed to load node identity: %v", err))
	}

	meshDir := filepath.Join(cfg.DataDir, "mesh")
	if err := os.MkdirAll(meshDir, 0o755); err != nil {
		panic(fmt.Sprintf("Failed to prepare mesh directory: %v", err))
	}
	peerstore, err := mesh.NewPeerstore(filepath.Join(meshDir, "peerstore"))
	if err != nil {
		panic(fmt.Sprintf("Failed to open peerstore: %v", err))
	}
	defer peerstore.Close()

	registry := mesh.NewRegistry(identity.NodeID, mesh.RegistryConfig{
		MaxPeers:          cfg.Mesh.MaxPeers,
		InitialReputation: cfg.Mesh.InitialReputation,
		SuccessDelta:      cfg.Mesh.SuccessDelta,
		FailureDelta:      cfg.Mesh.FailureDelta,
		StaleAfter:        cfg.Mesh.StaleAfter(),
		Store:             peerstore,
		Logger:            logger,
	})

	var seedDirectory *seeds.Directory
	if path := strings.TrimSpace(cfg.Transport.SeedsFile); path != "" {
		seedDirectory, err = seeds.Load(path)
		if err != nil {
			panic(fmt.Sprintf("Failed to load seed directory: %v", err))
		}
	}
	seedResolver := seeds.DefaultResolver()
	if server := strings.TrimSpace(cfg.Transport.SeedServer); server != "" {
		seedResolver = seeds.NewServerResolver(server)
	}

	wsTransport, err := wsnet.New(wsnet.Config{
		ListenAddr:    cfg.Transport.ListenAddress,
		AdvertiseAddr: cfg.Transport.AdvertiseAddress,
		Bootstrap:     append([]string{}, cfg.Transport.Bootstrap...),
		Seeds:         seedDirectory,
		SeedResolver:  seedResolver,
		MaxFrameBytes: cfg.Transport.MaxFrameBytes,
		Logger:        logger,
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to start websocket transport: %v", err))
	}

	engine, err := mesh.NewEngine(identity, registry, mesh.Config{
		TTL:              uint8(cfg.Mesh.TTL),
		Fanout:           cfg.Mesh.Fanout,
		AnnounceInterval: cfg.Mesh.AnnounceInterval(),
		HealthInterval:   cfg.Mesh.HealthInterval(),
		SweepInterval:    cfg.Mesh.SweepInterval(),
		MaintainInterval: cfg.Mesh.MaintainInterval(),
		SendTimeout:      cfg.Mesh.SendTimeout(),
		SeenCacheSize:    cfg.Mesh.SeenCacheSize,
		SeenCacheTTL:     cfg.Mesh.SeenCacheTTL(),
		InboundRate:      cfg.Mesh.InboundRate,
		InboundBurst:     cfg.Mesh.InboundBurst,
		TargetConnected:  cfg.Mesh.TargetConnected,
		Logger:           logger,
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to build gossip engine: %v", err))
	}
	if err := engine.RegisterTransport(wsTransport); err != nil {
		panic(fmt.Sprintf("Failed to register transport: %v", err))
	}

	txStore, err := txqueue.OpenStore(filepath.Join(cfg.DataDir, "txqueue"))
	if err != nil {
		panic(fmt.Sprintf("Failed to open transaction store: %v", err))
	}
	defer txStore.Close()

	queue, err := txqueue.New(txqueue.Config{
		Store:         txStore,
		SweepInterval: cfg.Queue.SweepInterval(),
		MaxAttempts:   cfg.Queue.MaxAttempts,
		Logger:        logger,
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to build transaction queue: %v", err))
	}
	relay, err := txqueue.NewMeshRelay(engine, queue, logger)
	if err != nil {
		panic(fmt.Sprintf("Failed to build mesh relay: %v", err))
	}
	queue.SetMeshPublisher(relay)

	if err := engine.Start(); err != nil {
		panic(fmt.Sprintf("Failed to start gossip engine: %v", err))
	}
	queue.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go watchConnectivity(ctx, engine, queue)
	if dir := strings.TrimSpace(cfg.Queue.ArchiveDir); dir != "" {
		go archiveLoop(ctx, logger, queue, dir, cfg.Queue.ArchiveKeepFor())
	}

	logger.Info("wallet mesh node running",
		logging.MaskField("node_id", identity.NodeID.String()),
		slog.String("network", cfg.NetworkName),
		slog.String("transport", wsTransport.Addr()))

	<-ctx.Done()
	logger.Info("shutting down")

	queue.Stop()
	engine.Stop()
}

// watchConnectivity mirrors the engine's connected peer count into the queue
// so sweeps only run while the mesh is reachable.
func watchConnectivity(ctx context.Context, engine *mesh.Engine, queue *txqueue.Queue) {
	ticker := time.NewTicker(connectivityInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			queue.SetOnline(engine.ConnectedCount() > 0)
		}
	}
}

func archiveLoop(ctx context.Context, logger *slog.Logger, queue *txqueue.Queue, dir string, keepFor time.Duration) {
	ticker := time.NewTicker(archiveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := queue.ArchiveTerminal(dir, keepFor); err != nil {
				logger.Warn("archive pass failed", slog.Any("error", err))
			}
		}
	}
}
