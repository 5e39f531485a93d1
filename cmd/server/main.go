package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wasmexec/host/internal/api"
	"github.com/wasmexec/host/internal/cache"
	"github.com/wasmexec/host/internal/config"
	"github.com/wasmexec/host/internal/dispatch"
	"github.com/wasmexec/host/internal/diskkv"
	"github.com/wasmexec/host/internal/fetcher"
	"github.com/wasmexec/host/internal/runtime"
)

func main() {
	cfg := config.Load()

	log.Printf("Starting wasm action host: %s", cfg.NodeID)
	log.Printf("ABI kind: %s, NN enabled: %v", cfg.ABIKind, cfg.EnableNN)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	overflow, err := diskkv.NewStore(cfg.DataDir)
	if err != nil {
		log.Fatalf("failed to open disk overflow store: %v", err)
	}
	defer overflow.Close()

	modelCache := cache.NewModelCache(cfg.ModelCacheTTL, overflow)
	defer modelCache.Close()

	var s3Client *fetcher.S3Client
	if s3Client, err = fetcher.NewS3Client(ctx, cfg.AWSRegion); err != nil {
		log.Printf("S3 client unavailable (s3:// assets will fail to resolve): %v", err)
		s3Client = nil
	}
	assetFetcher := fetcher.New(modelCache, s3Client)

	rt, dispatcher, err := buildRuntime(ctx, cfg, assetFetcher)
	if err != nil {
		log.Fatalf("failed to build runtime: %v", err)
	}
	defer rt.Close(ctx)

	handlers := api.NewHandlers(cfg.NodeID, rt, assetFetcher, dispatcher)
	router := api.NewRouter(handlers)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Server listening on %s", cfg.Addr())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}

// buildRuntime constructs the runtime.Runtime backend matching
// cfg.ABIKind. Only the linear-memory backend currently implements
// RunWithModel, so the parallel dispatcher is only wired for that
// ABI; other backends run with dispatcher set to nil (the "models"
// request field is then rejected with BadRequest at the HTTP layer).
func buildRuntime(ctx context.Context, cfg *config.Config, f *fetcher.Fetcher) (runtime.Runtime, *dispatch.Dispatcher, error) {
	switch cfg.ABIKind {
	case config.ABIArgv:
		return runtime.NewArgvRuntime(ctx, cfg.TemplateCacheTTL), nil, nil
	case config.ABIStdio:
		return runtime.NewStdioRuntime(ctx, cfg.TemplateCacheTTL), nil, nil
	case config.ABIComponent:
		return runtime.NewComponentRuntime(cfg.TemplateCacheTTL), nil, nil
	case config.ABILinearMem:
		lr := runtime.NewLinearMemRuntime(ctx, cfg.TemplateCacheTTL, cfg.EnableNN)
		return lr, dispatch.New(lr, f), nil
	default:
		return nil, nil, fmt.Errorf("unknown ABI kind: %s", cfg.ABIKind)
	}
}
