// Command memonoded runs the memo-node edge daemon: it pairs with a
// wearable audio-capture device over BLE, transcribes push-to-talk
// utterances locally, stores them durably, and gossips them across a
// cluster of peer nodes via pull-based anti-entropy replication.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/oliverbhull/memo-node/internal/api"
	"github.com/oliverbhull/memo-node/internal/audio"
	"github.com/oliverbhull/memo-node/internal/config"
	"github.com/oliverbhull/memo-node/internal/database"
	"github.com/oliverbhull/memo-node/internal/discovery"
	"github.com/oliverbhull/memo-node/internal/replication"
	"github.com/oliverbhull/memo-node/internal/transcribe"
	"github.com/oliverbhull/memo-node/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

func main() {
	args := os.Args[1:]
	if len(args) > 0 {
		switch args[0] {
		case "start":
			os.Args = append([]string{os.Args[0]}, args[1:]...)
		case "status":
			os.Args = append([]string{os.Args[0]}, args[1:]...)
			runStatus()
			return
		case "logs":
			os.Args = append([]string{os.Args[0]}, args[1:]...)
			runLogs(args[1:])
			return
		}
	}

	if err := runDaemon(); err != nil {
		fmt.Fprintln(os.Stderr, "memonoded:", err)
		os.Exit(1)
	}
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout)).With("node_id", cfg.NodeID)
	slog.SetDefault(logger)

	db, err := database.Open(cfg.StoragePath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	store := database.NewStore(db)

	modelFile, err := transcribe.ModelFile(cfg.TranscriptionModel)
	if err != nil {
		return fmt.Errorf("resolving transcription model: %w", err)
	}
	modelPath := filepath.Join(filepath.Dir(cfg.StoragePath), "models", modelFile)
	engine, err := transcribe.NewWhisperEngine(modelPath, cfg.TranscriptionThreads)
	if err != nil {
		return fmt.Errorf("loading transcription engine: %w", err)
	}
	defer engine.Close()

	source, chunks, recording, err := audio.NewSource(cfg.AudioServiceUUID, cfg.AudioCharacteristicUUID, logger)
	if err != nil {
		return fmt.Errorf("initializing audio source: %w", err)
	}
	buffer := audio.NewBuffer(recording, chunks, logger)

	fanout := replication.NewFanout(logger)
	worker := transcribe.NewWorker(engine, store, fanout, cfg.NodeID, logger)
	syncServer := replication.NewServer(cfg.NodeID, store, fanout, logger)
	peerManager := replication.NewManager(cfg.NodeID, store, fanout, time.Duration(cfg.SyncInterval)*time.Second, logger)

	disc := discovery.New(cfg.NodeID, cfg.SyncPort, logger)

	webhookClient := webhook.NewClient(cfg.HTTPSEndpoint, logger)

	apiServer := api.NewServer(store, fanout, logger)
	httpAddr := fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.WebSocketPort)
	httpSrv := &http.Server{Addr: httpAddr, Handler: apiServer}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 8)
	done := make(chan struct{})

	go func() {
		<-ctx.Done()
		close(done)
	}()

	go func() {
		if err := source.Run(done); err != nil {
			errCh <- fmt.Errorf("audio source: %w", err)
		}
	}()

	go buffer.Run(done)
	go worker.Run(ctx, buffer.Utterances())

	go func() {
		syncAddr := fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.SyncPort)
		if err := syncServer.Run(ctx, syncAddr); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("sync server: %w", err)
		}
	}()

	go func() {
		if err := disc.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("peer discovery: %w", err)
		}
	}()

	go peerManager.ConsumeDiscovered(ctx, disc.Peers())
	go peerManager.Run(ctx)

	if webhookClient.Configured() {
		go webhookClient.Run(ctx, fanout.Subscribe())
	}

	go func() {
		logger.Info("realtime api listening", "address", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	logger.Info("memonoded started",
		"sync_port", cfg.SyncPort,
		"websocket_port", cfg.WebSocketPort,
		"transcription_model", cfg.TranscriptionModel,
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("fatal component error, shutting down", "error", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown did not complete cleanly", "error", err)
	}

	return nil
}

func runStatus() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "memonoded status:", err)
		os.Exit(1)
	}

	db, err := database.Open(cfg.StoragePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "memonoded status:", err)
		os.Exit(1)
	}
	defer db.Close()
	store := database.NewStore(db)

	ctx := context.Background()
	total, synced, err := store.Count(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "memonoded status:", err)
		os.Exit(1)
	}

	peers, err := store.List(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "memonoded status:", err)
		os.Exit(1)
	}

	fmt.Printf("node: %s\n", cfg.NodeID)
	fmt.Printf("transcriptions: %d total, %d synced, %d pending\n", total, synced, total-synced)
	fmt.Printf("peers: %d known\n", len(peers))
	for _, p := range peers {
		fmt.Printf("  %-20s last seen %s ago, cursor %d\n",
			p.NodeID, time.Since(p.LastSeen).Round(time.Second), p.LastSyncTimestamp)
	}
}

func runLogs(args []string) {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "number of recent transcriptions to show")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}
	os.Args = append([]string{os.Args[0]}, fs.Args()...)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "memonoded logs:", err)
		os.Exit(1)
	}

	db, err := database.Open(cfg.StoragePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "memonoded logs:", err)
		os.Exit(1)
	}
	defer db.Close()
	store := database.NewStore(db)

	recent, err := store.GetRecent(context.Background(), *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "memonoded logs:", err)
		os.Exit(1)
	}

	for i := len(recent) - 1; i >= 0; i-- {
		t := recent[i]
		ts := time.Unix(t.Timestamp, 0).Local().Format("2006-01-02 15:04:05")
		fmt.Printf("[%s] %s: %s\n", ts, t.SourceNode, t.Text)
	}
}
