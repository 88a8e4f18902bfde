package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/captioner/server"
	"github.com/cyclopcam/captioner/server/config"
	"github.com/cyclopcam/logs"
)

func main() {
	parser := argparse.NewParser("captiond", "Image captioning service")
	configFile := parser.String("c", "config", &argparse.Options{Help: "JSON configuration file. If empty, defaults are used", Default: ""})
	listen := parser.String("l", "listen", &argparse.Options{Help: "Override the HTTP listen address, eg :8090", Default: ""})
	preload := parser.Flag("", "preload", &argparse.Options{Help: "Load the models at startup, instead of on the first request", Default: false})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Default()
	if *configFile != "" {
		cfg, err = config.LoadConfig(*configFile)
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	loader, vocabulary, err := server.OpenBundle(logger, cfg)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	srv, err := server.NewServer(logger, cfg, loader, vocabulary)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	if *preload {
		srv.Preload()
	}
	srv.ListenForKillSignals()

	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	if err := srv.ListenHTTP(cfg.Listen); !errors.Is(err, http.ErrServerClosed) {
		logger.Errorf("ListenHTTP returned: %v", err)
		srv.Close()
		os.Exit(1)
	}
	if err := <-srv.ShutdownComplete; err != nil {
		logger.Errorf("Shutdown: %v", err)
	}
}
