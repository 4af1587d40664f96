package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/7maylord/whisper/config"
	"github.com/7maylord/whisper/pkgs/api"
	"github.com/7maylord/whisper/pkgs/audit"
	"github.com/7maylord/whisper/pkgs/coordinator"
	"github.com/7maylord/whisper/pkgs/crypto"
	"github.com/7maylord/whisper/pkgs/deduplication"
	"github.com/7maylord/whisper/pkgs/events"
	"github.com/7maylord/whisper/pkgs/metrics"
	"github.com/7maylord/whisper/pkgs/oracle"
	"github.com/7maylord/whisper/pkgs/p2p"
	rediskeys "github.com/7maylord/whisper/pkgs/redis"
	"github.com/7maylord/whisper/pkgs/relay"
	"github.com/7maylord/whisper/pkgs/settlement"
	"github.com/7maylord/whisper/pkgs/workers"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

func main() {
	if err := config.LoadConfig(); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := config.SettingsObj

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		log.Infof("Connected to Redis at %s:%s", cfg.RedisHost, cfg.RedisPort)
	}
	keys := rediskeys.NewKeyBuilder(cfg.RedisNamespace, cfg.CoordinatorID)

	// Event bus
	emitter := events.NewEmitter(&events.EmitterConfig{
		BufferSize:     cfg.EventBufferSize,
		MaxWorkers:     cfg.EventWorkers,
		EventTimeout:   events.DefaultEventTimeout,
		EnableMetrics:  true,
		DropOnOverflow: true,
		CoordinatorID:  cfg.CoordinatorID,
	})
	if err := emitter.Subscribe(metrics.NewCollector().Subscriber()); err != nil {
		log.Fatalf("Failed to subscribe metrics collector: %v", err)
	}
	if cfg.PublishEvents && redisClient != nil {
		publisher, err := events.NewPublisher(events.DefaultPublisherConfig(redisClient))
		if err != nil {
			log.Fatalf("Failed to create event publisher: %v", err)
		}
		if err := emitter.Subscribe(publisher.Subscriber("redis-publisher")); err != nil {
			log.Fatalf("Failed to subscribe event publisher: %v", err)
		}
	}
	if err := emitter.Start(); err != nil {
		log.Fatalf("Failed to start event emitter: %v", err)
	}
	defer emitter.Stop()

	// Discovery inbox
	var dedup *deduplication.Deduplicator
	var seen relay.Seen
	if cfg.DedupEnabled && redisClient != nil {
		var err error
		dedup, err = deduplication.NewDeduplicator(redisClient, keys, cfg.DedupLocalCacheSize, cfg.DedupTTL)
		if err != nil {
			log.Fatalf("Failed to create deduplicator: %v", err)
		}
		seen = dedup
	}
	inbox, err := relay.NewInbox(seen, cfg.InboxSize)
	if err != nil {
		log.Fatalf("Failed to create discovery inbox: %v", err)
	}

	// Discovery relay
	var peers []relay.Peer
	for name, url := range cfg.DiscoveryPeers {
		peers = append(peers, relay.NewHTTPPeer(name, url, cfg.DiscoveryTimeout))
	}
	if cfg.P2PEnabled {
		host, err := p2p.NewP2PHost(ctx, p2p.HostConfig{
			Port:           cfg.P2PPort,
			PrivateKeyHex:  cfg.P2PPrivateKey,
			PublicIP:       cfg.P2PPublicIP,
			BootstrapPeers: cfg.BootstrapPeers,
			Rendezvous:     cfg.Rendezvous,
			ConnLow:        cfg.ConnManagerLowWater,
			ConnHigh:       cfg.ConnManagerHighWater,
		})
		if err != nil {
			log.Fatalf("Failed to create P2P host: %v", err)
		}
		defer host.Close()

		topic, err := p2p.NewTopicPeer(host.Pubsub, host.Host.ID())
		if err != nil {
			log.Fatalf("Failed to join discovery topic: %v", err)
		}
		defer topic.Close()
		if err := topic.Listen(ctx, inbox); err != nil {
			log.Fatalf("Failed to listen on discovery topic: %v", err)
		}
		peers = append(peers, topic)
	}
	discovery := relay.NewRelay(peers, cfg.DiscoveryTimeout, emitter)

	opts := []coordinator.Option{
		coordinator.WithEvents(emitter),
		coordinator.WithRelay(discovery),
		coordinator.WithInbox(inbox),
	}

	// Price oracle
	if cfg.OracleRPCURL != "" && len(cfg.PriceFeeds) > 0 {
		client, err := ethclient.DialContext(ctx, cfg.OracleRPCURL)
		if err != nil {
			log.Fatalf("Failed to connect to oracle RPC: %v", err)
		}
		defer client.Close()

		feeds := make(map[common.Address]oracle.Feed, len(cfg.PriceFeeds))
		for venue, aggregator := range cfg.PriceFeeds {
			feed, err := oracle.NewChainlinkFeed(client, aggregator)
			if err != nil {
				log.Fatalf("Failed to bind price feed %s: %v", aggregator.Hex(), err)
			}
			feeds[venue] = feed
		}
		o, err := oracle.NewOracle(feeds, cfg.PriceFreshness)
		if err != nil {
			log.Fatalf("Failed to create price oracle: %v", err)
		}
		opts = append(opts, coordinator.WithPricer(o))
	}

	// Audit trail
	var recorder *audit.RedisRecorder
	if cfg.AuditEnabled && redisClient != nil {
		monitor := workers.NewWorkerMonitor(redisClient, keys, cfg.CoordinatorID, workers.WorkerTypeAudit)
		recorder = audit.NewRedisRecorder(redisClient, keys, cfg.AuditQueueSize, monitor)
		recorder.Start(ctx)
		defer recorder.Stop()
		opts = append(opts, coordinator.WithAudit(recorder))
	}

	// Settlement
	if cfg.SettlementURL != "" {
		opts = append(opts, coordinator.WithSettlement(coordinator.Settlement{
			Venue:   settlement.NewHTTPVenue(cfg.SettlementURL, cfg.SettlementTimeout),
			Pairs:   cfg.VenuePairs,
			Timeout: cfg.SettlementTimeout,
			Monitor: workers.NewWorkerMonitor(redisClient, keys, cfg.CoordinatorID, workers.WorkerTypeSettlement),
		}))
	}

	coord, err := coordinator.New(coordinator.Config{
		Principal:      cfg.EnginePrincipal,
		BitWidth:       cfg.EncryptedBitWidth,
		Threshold:      cfg.QuorumThreshold,
		ValidityWindow: cfg.IntentionValidity,
		MatchTimeout:   cfg.MatchTimeout,
		RevealWindow:   cfg.RevealWindow,
		MarkupBps:      cfg.SavingsMarkupBps,
		PriceTimeout:   cfg.PriceQueryTimeout,
		Delegates:      cfg.Delegates,
		Settlers:       cfg.Settlers,
	}, opts...)
	if err != nil {
		log.Fatalf("Failed to create coordinator: %v", err)
	}

	sweeperMonitor := workers.NewWorkerMonitor(redisClient, keys, cfg.CoordinatorID, workers.WorkerTypeSweeper)
	go coord.RunSweeper(ctx, cfg.SweepInterval, sweeperMonitor)

	// Metrics endpoint
	if cfg.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Infof("Metrics server listening on :%d", cfg.MetricsPort)
			if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.MetricsPort), mux); err != nil {
				log.Errorf("Metrics server error: %v", err)
			}
		}()
	}

	// HTTP API
	var httpServer *http.Server
	if cfg.APIEnabled {
		serverOpts := []api.Option{api.WithCoordinatorID(cfg.CoordinatorID)}
		if cfg.VerifyingContract != "" {
			verifier, err := crypto.NewEIP712Verifier(cfg.ChainID, cfg.VerifyingContract)
			if err != nil {
				log.Fatalf("Failed to create signature verifier: %v", err)
			}
			serverOpts = append(serverOpts, api.WithSignatures(verifier, cfg.RequireSignatures))
		}
		if recorder != nil {
			serverOpts = append(serverOpts, api.WithAudit(recorder))
		}
		if dedup != nil {
			serverOpts = append(serverOpts, api.WithDedupStats(dedup))
		}

		server := api.NewServer(coord, serverOpts...)
		httpServer = server.NewHTTPServer(fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort))
		go func() {
			log.Infof("API server listening on %s", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("API server failed: %v", err)
			}
		}()
	}

	log.WithFields(log.Fields{
		"coordinator_id": cfg.CoordinatorID,
		"principal":      cfg.EnginePrincipal.Hex(),
		"threshold":      cfg.QuorumThreshold,
		"relay_peers":    discovery.Peers(),
	}).Info("Coordinator started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down coordinator...")

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Errorf("API server shutdown error: %v", err)
		}
		shutdownCancel()
	}
	discovery.Wait()
	cancel()
}
