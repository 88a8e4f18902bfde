package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cyclopcam/captioner/pkg/caption"
	"github.com/cyclopcam/captioner/pkg/nnload"
	"github.com/cyclopcam/captioner/pkg/vocab"
	"github.com/cyclopcam/captioner/server/captiondb"
	"github.com/cyclopcam/captioner/server/config"
	"github.com/cyclopcam/captioner/server/storage"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

type Server struct {
	Log              logs.Log
	ShutdownComplete chan error

	config      *config.Config
	engine      *caption.Engine
	db          *captiondb.CaptionDB
	archive     storage.Storage // nil if images are not archived
	broadcaster *Broadcaster
	signalIn    chan os.Signal
	httpServer  *http.Server
	httpRouter  *httprouter.Router
	wsUpgrader  websocket.Upgrader
}

// OpenBundle makes sure the caption bundle is on disk, and returns a loader for its models,
// and its vocabulary.
func OpenBundle(logger logs.Log, cfg *config.Config) (*nnload.Loader, *vocab.Vocabulary, error) {
	dir := nnload.BundleDir(cfg.ModelDir, cfg.Bundle)
	if url := cfg.DownloadURL(); url != "" {
		if err := nnload.DownloadBundle(logger, url, dir, cfg.Bundle); err != nil {
			return nil, nil, fmt.Errorf("Failed to download caption bundle %v: %w", cfg.Bundle, err)
		}
	}
	bundle, err := nnload.LoadBundleConfig(dir, cfg.Bundle)
	if err != nil {
		return nil, nil, err
	}
	vocabulary, err := nnload.LoadVocabulary(dir, bundle)
	if err != nil {
		return nil, nil, fmt.Errorf("Failed to load vocabulary of %v: %w", cfg.Bundle, err)
	}
	loader := &nnload.Loader{
		Log:         logger,
		Dir:         dir,
		Name:        cfg.Bundle,
		BaseURL:     cfg.DownloadURL(),
		LibraryPath: cfg.OnnxLibrary,
	}
	return loader, vocabulary, nil
}

// NewServer creates the captioning service. The models are loaded lazily through 'loader'.
func NewServer(logger logs.Log, cfg *config.Config, loader caption.ModelLoader, vocabulary *vocab.Vocabulary) (*Server, error) {
	captionConfig, err := cfg.CaptionConfig()
	if err != nil {
		return nil, err
	}
	s := &Server{
		Log:              logger,
		ShutdownComplete: make(chan error, 1),
		config:           cfg,
		broadcaster:      NewBroadcaster(logger),
	}
	s.engine, err = caption.NewEngine(logger, captionConfig, vocabulary, loader, s)
	if err != nil {
		return nil, err
	}
	s.db, err = captiondb.NewCaptionDB(logger, cfg.DBPath, cfg.MaxRecords)
	if err != nil {
		s.engine.Close()
		return nil, err
	}
	if cfg.Archive.GCS != nil {
		s.archive, err = storage.NewStorageGCS(context.Background(), logger, cfg.Archive.GCS.Bucket)
	} else if cfg.Archive.Filesystem != nil {
		s.archive, err = storage.NewStorageFS(logger, cfg.Archive.Filesystem.Root)
	}
	if err != nil {
		s.engine.Close()
		s.db.Close()
		return nil, fmt.Errorf("Failed to open image archive: %w", err)
	}
	s.setupHttpRoutes()
	return s, nil
}

func (s *Server) Engine() *caption.Engine {
	return s.engine
}

// Load the models now, instead of on the first request.
// Failure is not fatal, because the engine retries on the next caption.
func (s *Server) Preload() {
	if err := s.engine.Load(); err != nil {
		s.Log.Warnf("Failed to preload caption models: %v", err)
	}
}

// OnError implements caption.Listener
func (s *Server) OnError(message string) {
	s.broadcaster.PublishError(message)
}

// OnResults implements caption.Listener
func (s *Server) OnResults(text string, inferenceTimeMs int64) {
	s.Log.Infof("Caption '%v' (%v ms)", text, inferenceTimeMs)
}

// addr example: ":8080"
func (s *Server) ListenHTTP(addr string) error {
	s.Log.Infof("Listening on %v", addr)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.httpRouter,
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) ListenForKillSignals() {
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'", sig.String())
			s.Shutdown()
		}
	}()
}

func (s *Server) Shutdown() {
	s.Log.Infof("Shutdown")
	if s.signalIn != nil {
		signal.Stop(s.signalIn)
	}
	var err error
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = s.httpServer.Shutdown(ctx)
		cancel()
	}
	s.Close()
	if err != nil {
		s.Log.Warnf("Shutdown complete, with error: %v", err)
	} else {
		s.Log.Infof("Shutdown complete")
	}
	s.ShutdownComplete <- err
}

// Close releases the models, the database, and all websocket subscribers
func (s *Server) Close() {
	s.broadcaster.Close()
	s.engine.Close()
	s.db.Close()
	if gcs, ok := s.archive.(*storage.StorageGCS); ok {
		gcs.Close()
	}
}
