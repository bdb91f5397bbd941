package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/airbusgeo/landsat-ingester/interface/storage"
	"github.com/airbusgeo/landsat-ingester/service/log"
	"github.com/gorilla/handlers"
	"go.uber.org/zap"
)

type config struct {
	AppPort    string
	StorageURI string
	S3         storage.S3Options
	Scope      string
	Expires    time.Duration
	Token      string
}

func newAppConfig() (*config, error) {
	config := config{}
	flag.StringVar(&config.AppPort, "port", "8080", "relay port to use")
	flag.StringVar(&config.StorageURI, "storage-uri", "", "storage uri (supported: s3://bucket, gs://bucket or a local directory)")
	flag.StringVar(&config.S3.Endpoint, "s3-endpoint", "", "s3 endpoint (optional, for s3-compatible stores)")
	flag.StringVar(&config.S3.Region, "s3-region", "", "s3 region (optional)")
	flag.StringVar(&config.S3.AccessKey, "s3-access-key", "", "s3 access key (optional)")
	flag.StringVar(&config.S3.SecretKey, "s3-secret-key", "", "s3 secret key (or S3_SECRET_KEY env var)")
	flag.StringVar(&config.Scope, "scope", "landsat", "only the keys containing this string are relayed")
	flag.DurationVar(&config.Expires, "expires", time.Hour, "validity of the presigned urls")
	flag.StringVar(&config.Token, "bearer-token", "", "bearer token required by the relay (optional, or RELAY_TOKEN env var)")
	flag.Parse()

	if config.StorageURI == "" {
		return nil, fmt.Errorf("missing storage-uri config flag")
	}
	if config.S3.SecretKey == "" {
		config.S3.SecretKey = os.Getenv("S3_SECRET_KEY")
	}
	if config.Token == "" {
		config.Token = os.Getenv("RELAY_TOKEN")
	}
	return &config, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx); err != nil {
		log.Fatal("error", zap.Error(err))
	}
}

func run(ctx context.Context) error {
	config, err := newAppConfig()
	if err != nil {
		return err
	}
	store, err := storage.New(ctx, config.StorageURI, config.S3)
	if err != nil {
		return fmt.Errorf("storage %s: %w", config.StorageURI, err)
	}
	relay := &Relay{Store: store, Scope: config.Scope, Expires: config.Expires}

	corsHandler := handlers.CORS(
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "HEAD", "OPTIONS"}),
	)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", config.AppPort),
		Handler: handlers.LoggingHandler(os.Stdout, corsHandler(BearerAuthenticate(config.Token, relay.Router()))),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Logger(ctx).Info("relay listening on " + srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ListenAndServe: %w", err)
	}
	return nil
}
