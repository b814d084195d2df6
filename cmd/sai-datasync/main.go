package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-datasync/service"
)

func main() {
	configPath := flag.String("config", "config.yml", "Path to the YAML configuration")
	flag.Parse()

	mainCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := service.NewService(mainCtx, *configPath)
	if err != nil {
		fmt.Printf("Failed to create service: %v\n", err)
		os.Exit(1)
	}

	if err := svc.Start(); err != nil {
		svc.Container().GetLogger().Error("Failed to start service", zap.Error(err))
		os.Exit(1)
	}
}
