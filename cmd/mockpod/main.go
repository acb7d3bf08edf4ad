package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mockpod/mockpod"
	"github.com/mockpod/mockpod/log"
	"github.com/mockpod/mockpod/rules"
	"github.com/mockpod/mockpod/storage"
)

func main() {
	addr := flag.String("addr", ":8080", "proxy listen address")
	certDir := flag.String("cert-dir", mockpod.DefaultCertDir(), "root CA storage directory")
	rulesDir := flag.String("rules-dir", "", "directory of rule-set JSON files")
	archivePath := flag.String("archive", "", "sqlite file to archive traffic into (empty disables)")
	logFile := flag.String("log-file", "", "log file path (rotated); empty logs to stderr")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	record := flag.Bool("record", false, "start with recording enabled")
	flag.Parse()

	setupLogging(*logFile, *verbose)

	opts := mockpod.DefaultOptions()
	opts.Addr = *addr
	opts.CertDir = *certDir

	if *archivePath != "" {
		archive, err := storage.Open(*archivePath)
		if err != nil {
			log.Fatalf("opening traffic archive: %v", err)
		}
		opts.Subscribers = append(opts.Subscribers, archive.Subscriber())
	}

	proxy, err := mockpod.New(opts)
	if err != nil {
		log.Fatalf("starting proxy: %v", err)
	}

	if *rulesDir != "" {
		store, err := rules.NewStore(*rulesDir)
		if err != nil {
			log.Fatalf("loading rule sets: %v", err)
		}
		active := store.ActiveRules()
		proxy.ReplaceRules(active)
		log.Infof("loaded %d active rules from %s", len(active), *rulesDir)
	}

	proxy.SetRecording(*record)

	errChan := make(chan error, 1)
	go func() {
		errChan <- proxy.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("proxy failed: %v", err)
		}
	case <-quit:
		log.Info("proxy is shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := proxy.Shutdown(ctx); err != nil {
			log.Errorf("forced shutdown: %v", err)
			os.Exit(1)
		}
		log.Info("proxy shut down cleanly")
	}
}

func setupLogging(logFile string, verbose bool) {
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if logFile == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		log.Fatalf("creating log directory: %v", err)
	}
	rotated := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    20, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
	}
	logrus.SetOutput(io.MultiWriter(os.Stderr, rotated))
}
