package main

import (
	"flag"
	"log"

	"transcription-worker/internal/bootstrap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	app, err := bootstrap.New(*configPath)
	if err != nil {
		log.Fatalf("bootstrap worker: %v", err)
	}

	if err := app.Run(); err != nil {
		log.Fatalf("run worker: %v", err)
	}
}
