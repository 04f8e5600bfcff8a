package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/recapnet/histd/internal/api"
	"github.com/recapnet/histd/internal/config"
	"github.com/recapnet/histd/internal/federation"
	"github.com/recapnet/histd/internal/history"
	"github.com/recapnet/histd/internal/model"
	"github.com/recapnet/histd/internal/store"
)

// operAuth answers redaction privilege questions from static server
// configuration. The daemon has no channel membership state, so
// moderator authority collapses to network-operator authority here;
// an embedding server with real channel state supplies its own
// history.Authorizer instead.
type operAuth struct {
	cfg *config.Config
}

func (a operAuth) IsModerator(account, target string) bool { return a.cfg.IsOper(account) }
func (a operAuth) IsOperator(account string) bool          { return a.cfg.IsOper(account) }

func main() {
	configPath := flag.String("c", "histd.yml", "Comma-separated config file paths, later files override earlier ones")
	devMode := flag.Bool("dev-mode", false, "Allow all WebSocket origins (local development only)")
	logJSON := flag.Bool("log-json", false, "JSON logging output")
	flag.Parse()

	logger := buildLogger(*logJSON)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("configuration invalid", zap.Error(err))
	}

	logger.Info("starting histd",
		zap.String("server", cfg.Server.Name),
		zap.String("ws_addr", cfg.Server.WSAddr),
		zap.String("http_addr", cfg.Server.HTTPAddr),
		zap.String("store_path", cfg.Store.Path),
		zap.Bool("federation", cfg.Federation.Enabled),
		zap.Bool("storing", cfg.Federation.Storing),
		zap.Bool("dev_mode", *devMode),
	)

	st, err := store.NewBoltStore(cfg.Store.Path, store.Options{
		MaxBytes:    cfg.Store.MaxBytes,
		Retention:   cfg.RetentionWindow(),
		Compression: cfg.Store.Compression,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal("store configuration invalid", zap.Error(err))
	}
	if err := st.Open(); err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	retention := store.NewRetentionManager(st, store.RetentionPolicy{
		Window:        cfg.RetentionWindow(),
		Floor:         cfg.RetentionFloor(),
		HighPct:       cfg.Retention.HighWatermarkPct,
		LowPct:        cfg.Retention.LowWatermarkPct,
		Batch:         cfg.Retention.EvictBatch,
		SweepInterval: cfg.Retention.SweepInterval,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go retention.Start(ctx)

	sessions := model.NewSessionRegistry()
	go sessions.Run()

	// The engine, the peer manager, and the gateway reference each
	// other, so the federation and notification surfaces are attached
	// after construction, before any listener accepts traffic.
	svc := history.NewService(cfg, st, nil, nil, operAuth{cfg}, logger)

	var peers *federation.PeerManager
	if cfg.Federation.Enabled {
		peers = federation.NewPeerManager(cfg, svc, logger)
		svc.SetFederator(peers)
		go peers.Run()
		logger.Info("federation peer manager started", zap.Int("configured_peers", len(cfg.Federation.Peers)))
	}

	gateway := api.NewGateway(svc, st, sessions, strings.Join(cfg.Server.AllowedOrigins, ","), *devMode, logger)
	svc.SetNotifier(gateway)

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/", gateway.HandleWebSocket)
	if peers != nil {
		wsMux.HandleFunc("/federation", peers.HandleInboundPeer)
	}
	wsServer := &http.Server{Addr: cfg.Server.WSAddr, Handler: wsMux}

	httpHandler := api.NewHTTPHandler(st, retention, peers)
	httpServer := &http.Server{Addr: cfg.Server.HTTPAddr, Handler: httpHandler}

	go func() {
		logger.Info("websocket server listening", zap.String("addr", cfg.Server.WSAddr))
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("websocket server error", zap.Error(err))
		}
	}()
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	httpHandler.SetStoreInitialized()
	logger.Info("histd ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()
	retention.Stop()
	if peers != nil {
		peers.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("websocket server shutdown", zap.Error(err))
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}

	logger.Info("histd stopped")
}

func buildLogger(jsonOut bool) *zap.Logger {
	var logger *zap.Logger
	var err error
	if jsonOut {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		os.Stderr.WriteString("failed to build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	return logger
}
