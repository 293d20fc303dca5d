package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"chatstore/config"
	"chatstore/delivery"
	"chatstore/events"
	"chatstore/models"
	"chatstore/storage"
	"chatstore/transfer"
	"chatstore/trust"
)

func main() {
	downloadID := flag.String("download", "", "download the attachment with this id and exit")
	account := flag.String("account", "", "account whose trust settings apply to the download")
	signalsFromStdin := flag.Bool("signals", false, "read protocol signals as JSON lines from stdin")
	flag.Parse()

	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, cfgPath, err := config.LoadOrCreate(ctx)
	if err != nil {
		logrus.WithError(err).Fatal("Startup failed while loading config")
	}
	configureLogging(cfg)

	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", cfg.DataDir)
	fmt.Printf("Downloads:       %s\n", cfg.DownloadDirectory)

	store, dbPath, err := storage.Open(cfg.DataDir)
	if err != nil {
		logrus.WithError(err).Fatal("Startup failed while opening database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logrus.WithError(err).Error("Database close error")
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	progress := events.NewBus[models.ProgressEvent]("progress", logrus.StandardLogger())
	defer progress.Close()
	changes := events.NewBus[models.MessageChange]("message_changes", logrus.StandardLogger())
	defer changes.Close()
	changes.Subscribe(logMessageChange)

	engine, err := transfer.NewEngine(transfer.EngineOptions{
		Trust:             trust.NewMemorizingProvider(store, trust.MemorizingOptions{}),
		DownloadDir:       cfg.DownloadDirectory,
		StagingDir:        cfg.StagingDirectory,
		ChunkSize:         cfg.ChunkSize,
		ConnectTimeout:    cfg.ConnectTimeout(),
		ReadTimeout:       cfg.ReadTimeout(),
		WriteTimeout:      cfg.WriteTimeout(),
		MaxBytesPerSecond: cfg.MaxBytesPerSecond,
	})
	if err != nil {
		logrus.WithError(err).Fatal("Startup failed while creating transfer engine")
	}

	coordinator, err := transfer.NewCoordinator(transfer.CoordinatorOptions{
		Store:    store,
		Fetcher:  engine,
		Progress: progress,
	})
	if err != nil {
		logrus.WithError(err).Fatal("Startup failed while creating transfer coordinator")
	}
	defer func() {
		_ = coordinator.Close()
	}()

	tracker, err := delivery.NewTracker(delivery.Options{Store: store, Changes: changes})
	if err != nil {
		logrus.WithError(err).Fatal("Startup failed while creating delivery tracker")
	}

	if cfg.MetricsAddress != "" {
		server := startMetricsServer(cfg.MetricsAddress)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
		fmt.Printf("Metrics:         http://%s/metrics\n", cfg.MetricsAddress)
	}

	go pruneSeenStanzaIDs(ctx, store, cfg.SeenIDRetention())

	if *downloadID != "" {
		if err := downloadOnce(ctx, coordinator, progress, *downloadID, *account); err != nil {
			logrus.WithError(err).Error("Download failed")
			stop()
			os.Exit(1)
		}
		return
	}

	if *signalsFromStdin {
		signals := make(chan delivery.Signal)
		go readSignals(ctx, os.Stdin, signals)
		go func() {
			_ = tracker.Run(ctx, signals)
		}()
	}

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

func configureLogging(cfg *config.ClientConfig) {
	if cfg.LogFormat == config.LogFormatJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("Metrics server stopped")
		}
	}()
	return server
}

func downloadOnce(ctx context.Context, coordinator *transfer.Coordinator, progress *events.Bus[models.ProgressEvent], attachmentID, account string) error {
	terminal := make(chan models.ProgressEvent, 1)
	sub := progress.Subscribe(func(event models.ProgressEvent) {
		if event.AttachmentID != attachmentID {
			return
		}
		raw, _ := json.Marshal(event)
		fmt.Println(string(raw))
		if event.Terminal() {
			terminal <- event
		}
	})
	defer progress.Unsubscribe(sub)

	if err := coordinator.RequestDownload(ctx, attachmentID, account); err != nil {
		return err
	}

	select {
	case event := <-terminal:
		if event.Kind == models.ProgressFailed {
			return errors.New(event.Reason)
		}
		return nil
	case <-ctx.Done():
		coordinator.CancelDownload()
		event := <-terminal
		return errors.New(event.Reason)
	}
}

func readSignals(ctx context.Context, r io.Reader, out chan<- delivery.Signal) {
	defer close(out)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var s delivery.Signal
		if err := json.Unmarshal(scanner.Bytes(), &s); err != nil {
			logrus.WithError(err).Warn("Skipping malformed signal")
			continue
		}
		select {
		case out <- s:
		case <-ctx.Done():
			return
		}
	}
}

func pruneSeenStanzaIDs(ctx context.Context, store *storage.Store, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		cutoff := time.Now().Add(-retention).UnixMilli()
		if pruned, err := store.PruneSeenStanzaIDs(ctx, cutoff); err != nil {
			logrus.WithError(err).Warn("Failed to prune seen stanza ids")
		} else if pruned > 0 {
			logrus.WithField("pruned", pruned).Debug("Pruned seen stanza ids")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func logMessageChange(change models.MessageChange) {
	entry := logrus.WithFields(logrus.Fields{
		"message_id": change.MessageID,
		"account":    change.Account,
		"peer":       change.Peer,
		"state":      change.State,
	})
	if change.Reason != "" {
		entry = entry.WithField("reason", change.Reason)
	}
	entry.Infof("Message %s", change.Transition)
}
