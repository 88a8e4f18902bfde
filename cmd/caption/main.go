package main

import (
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/captioner/pkg/annotate"
	"github.com/cyclopcam/captioner/pkg/caption"
	"github.com/cyclopcam/captioner/pkg/imageprep"
	"github.com/cyclopcam/captioner/server"
	"github.com/cyclopcam/captioner/server/config"
	"github.com/cyclopcam/logs"
)

func check(err error) {
	if err != nil {
		fmt.Printf("%v\n", err)
		os.Exit(1)
	}
}

func main() {
	cfg := config.Default()

	parser := argparse.NewParser("caption", "Describe an image in one sentence")
	input := parser.String("i", "input", &argparse.Options{Help: "Input JPEG or PNG image", Required: true})
	rotation := parser.Int("r", "rotation", &argparse.Options{Help: "Clockwise rotation (degrees) that makes the image upright", Default: 0})
	modelDir := parser.String("m", "models", &argparse.Options{Help: "Model directory", Default: cfg.ModelDir})
	bundle := parser.String("n", "bundle", &argparse.Options{Help: "Name of the caption model bundle", Default: cfg.Bundle})
	delegate := parser.String("d", "delegate", &argparse.Options{Help: "Inference device (cpu or gpu)", Default: cfg.Delegate})
	threads := parser.Int("t", "threads", &argparse.Options{Help: "Number of inference threads (negative = NN runtime default)", Default: cfg.NumThreads})
	noDownload := parser.Flag("", "nodownload", &argparse.Options{Help: "Never download missing model files", Default: false})
	annotateFile := parser.String("a", "annotate", &argparse.Options{Help: "Write a copy of the image with the caption drawn on it, to this PNG file", Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	check(err)

	cfg.ModelDir = *modelDir
	cfg.Bundle = *bundle
	cfg.Delegate = *delegate
	cfg.NumThreads = *threads
	if *noDownload {
		cfg.ModelBaseURL = "-"
	}
	check(cfg.Validate())
	captionConfig, err := cfg.CaptionConfig()
	check(err)

	loader, vocabulary, err := server.OpenBundle(logger, cfg)
	check(err)

	engine, err := caption.NewEngine(logger, captionConfig, vocabulary, loader, nil)
	check(err)
	defer engine.Close()

	img, err := imageprep.Load(*input)
	check(err)

	result, err := engine.CaptionImage(img, *rotation)
	check(err)
	logger.Infof("Caption took %v ms (%v decoder steps)", result.InferenceTimeMs, result.Steps)
	fmt.Printf("%v\n", result.Text)

	if *annotateFile != "" {
		check(annotate.Caption(*input, *annotateFile, result.Text))
	}
}
