// downaria-server is the headless server build: the HTTP API without the
// interactive CLI, suitable for Docker deployments.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/risunCode/downaria/internal/core/config"
	"github.com/risunCode/downaria/internal/core/version"
	"github.com/risunCode/downaria/internal/server"
)

func main() {
	port := flag.Int("port", 0, "HTTP listen port (default: 8080)")
	output := flag.String("output", "", "output directory for downloads")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("downaria-server %s\n", version.Version)
		return
	}

	cfg := config.LoadOrDefault()

	// flag > config > default
	serverPort := *port
	if serverPort == 0 {
		if cfg.Server.Port > 0 {
			serverPort = cfg.Server.Port
		} else {
			serverPort = 8080
		}
	}

	outputDir := *output
	if outputDir == "" {
		if cfg.OutputDir != "" {
			outputDir = cfg.OutputDir
		} else {
			outputDir = config.DefaultDownloadDir()
		}
	}
	if len(outputDir) >= 2 && outputDir[:2] == "~/" {
		home, _ := os.UserHomeDir()
		outputDir = filepath.Join(home, outputDir[2:])
	}

	maxConcurrent := cfg.Server.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}

	srv := server.NewServer(serverPort, outputDir, cfg.Server.APIKey, maxConcurrent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Stop(ctx)
	}()

	if err := srv.Start(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
