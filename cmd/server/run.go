package main

import (
	"context"
	"errors"
	"net/http"
	"sync"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"go.uber.org/zap"

	"github.com/Tyrowin/cipherroom/internal/archive"
	"github.com/Tyrowin/cipherroom/internal/auth"
	"github.com/Tyrowin/cipherroom/internal/room"
	"github.com/Tyrowin/cipherroom/internal/server"
	"github.com/Tyrowin/cipherroom/internal/session"
)

// run wires every component, serves until a termination signal arrives and
// returns the process exit code.
func run(parent context.Context, cfg server.Config, log *zap.Logger) int {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var background sync.WaitGroup

	store, err := room.NewStore()
	if err != nil {
		log.Error("failed to create room store", zap.Error(err))
		return 1
	}

	var roomArchive room.Archive
	if cfg.DatabasePath != "" {
		db, err := archive.Open(cfg.DatabasePath)
		if err != nil {
			log.Error("failed to open archive", zap.Error(err))
			return 1
		}
		writer, err := archive.NewWriter(db, archive.DefaultBuffer, log.Named("archive"))
		if err != nil {
			log.Error("failed to create archive writer", zap.Error(err))
			return 1
		}
		states, err := writer.Load(ctx)
		if err != nil {
			log.Error("failed to load archived rooms", zap.Error(err))
			return 1
		}
		log.Info("restored archived rooms", zap.Int("rooms", store.Restore(states)))

		background.Add(1)
		go func() {
			defer background.Done()
			_ = writer.Run(ctx)
		}()
		roomArchive = writer
	}

	limiter, memory, closeLimiter, err := newLimiter(ctx, cfg.RedisAddr, log.Named("ratelimit"))
	if err != nil {
		log.Error("failed to create rate limiter", zap.Error(err))
		return 1
	}
	if memory != nil {
		background.Add(1)
		go func() {
			defer background.Done()
			memory.Run(ctx, cfg.SweepInterval)
		}()
	}

	verifier, err := auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		log.Error("failed to create token verifier", zap.Error(err))
		return 1
	}

	registry := session.NewRegistry(log.Named("session"))
	relay, err := room.NewRelay(store, registry, roomArchive, cfg.UploadTokenTTL, log.Named("relay"))
	if err != nil {
		log.Error("failed to create message relay", zap.Error(err))
		return 1
	}

	srv, err := server.New(cfg, server.Deps{
		Store:      store,
		Registry:   registry,
		Controller: room.NewController(store, registry, roomArchive, log.Named("rooms")),
		Relay:      relay,
		Limiter:    limiter,
		Verifier:   verifier,
		Logger:     log.Named("server"),
	})
	if err != nil {
		log.Error("failed to create server", zap.Error(err))
		return 1
	}
	srv.StartHub()

	httpServer := server.CreateServer(cfg.Port, srv.SetupRoutes())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(httpServer, log)
	}()

	wait := gfshutdown.GracefulShutdown(parent, cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		"cipherroom": func(shutdownCtx context.Context) error {
			var errs []error
			if err := server.ShutdownServer(shutdownCtx, httpServer, log); err != nil {
				errs = append(errs, err)
			}
			if err := srv.Hub().Shutdown(cfg.ShutdownTimeout); err != nil {
				errs = append(errs, err)
			}
			// archive writer and limiter sweep drain on cancel
			cancel()
			background.Wait()
			if err := closeLimiter(); err != nil {
				errs = append(errs, err)
			}
			return errors.Join(errs...)
		},
	})

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", zap.Error(err))
			return 1
		}
		return <-wait
	case code := <-wait:
		return code
	}
}
