package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	intrnl "github.com/saurav-co-de/chart/internal"
	"github.com/saurav-co-de/chart/internal/message"
	"github.com/saurav-co-de/chart/internal/storage"
)

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr      string
	server    *http.Server
	chat      *intrnl.Server
	store     *storage.Store
	messages  message.Store
	stopSweep context.CancelFunc
	sweepDone chan struct{}
	done      chan struct{}
	err       error
	stopOnce  sync.Once
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	var err error
	h.stopOnce.Do(func() {
		err = h.server.Shutdown(ctx)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	})
	return err
}

// Wait blocks until the server exits and its stores are closed.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer opens the user store and the message store, wires the chat
// server and starts serving in the background. Call Stop/Wait to manage its
// lifecycle; cancelling ctx also stops it.
func RunServer(ctx context.Context, cfg ServerConfig) (*ServerHandle, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	store, err := openUserStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	messages, err := openMessageStore(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	chat := intrnl.NewServer(intrnl.Options{
		Users:        store,
		Messages:     messages,
		JWTSecret:    cfg.JWTSecret,
		HistoryLimit: cfg.HistoryLimit,
		SendRate:     rate.Limit(cfg.SendRate),
		SendBurst:    cfg.SendBurst,
		Env:          cfg.Env,
		FrontendURL:  cfg.FrontendURL,
	})

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		chat.Close()
		_ = messages.Close()
		_ = store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	handle := &ServerHandle{
		addr: listener.Addr().String(),
		server: &http.Server{
			Handler:           chat.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		chat:      chat,
		store:     store,
		messages:  messages,
		stopSweep: stopSweep,
		sweepDone: make(chan struct{}),
		done:      make(chan struct{}),
	}

	sweeper := message.NewSweeper(messages, cfg.SweepInterval)
	sweeper.OnSweep = intrnl.RecordExpired
	go func() {
		defer close(handle.sweepDone)
		sweeper.Run(sweepCtx)
	}()

	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
			case <-handle.done:
				return
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := handle.Stop(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("server shutdown")
			}
		}()
	}

	log.Info().
		Str("addr", handle.addr).
		Str("db", cfg.DBPath).
		Str("backend", cfg.MessageBackend).
		Str("version", intrnl.Version).
		Msg("geochat server listening")
	go handle.serve(listener)
	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	h.stopSweep()
	<-h.sweepDone
	h.chat.Close()
	if cerr := h.messages.Close(); cerr != nil {
		log.Error().Err(cerr).Msg("message store close")
	}
	if cerr := h.store.Close(); cerr != nil {
		log.Error().Err(cerr).Msg("user store close")
	}
	h.err = err
}

func openUserStore(path string) (*storage.Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	store, err := storage.NewStore(path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func openMessageStore(cfg ServerConfig) (message.Store, error) {
	switch cfg.MessageBackend {
	case BackendBadger:
		if err := os.MkdirAll(cfg.BadgerPath, 0o700); err != nil {
			return nil, fmt.Errorf("create badger dir: %w", err)
		}
		store, err := message.OpenBadgerStore(cfg.BadgerPath, nil)
		if err != nil {
			return nil, fmt.Errorf("open badger: %w", err)
		}
		return store, nil
	default:
		return message.NewMemoryStore(nil), nil
	}
}
