package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"taskq/internal/app"
)

func main() {
	_ = godotenv.Load()

	defaultCfg := os.Getenv("TASKQ_CONFIG")
	if defaultCfg == "" {
		defaultCfg = "./taskq.yaml"
	}

	var cfgPath string
	flag.StringVar(&cfgPath, "config", defaultCfg, "path to config yaml")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx)
}
