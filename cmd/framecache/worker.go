package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fiapx/fiapx-framecache/internal/infra/config"
	"github.com/fiapx/fiapx-framecache/internal/infra/ffmpeg"
	"github.com/fiapx/fiapx-framecache/internal/infra/rabbitmq"
	"github.com/fiapx/fiapx-framecache/internal/infra/stdio"
	"github.com/fiapx/fiapx-framecache/pkg/logger"
	"go.uber.org/zap"
)

type WorkerCmd struct {
	Transport string `help:"How the worker talks to the coordinator" enum:"stdio,amqp" default:"stdio"`
	ID        int    `name:"id" help:"Worker id assigned by the coordinator" default:"0"`
}

// Run serves one decode worker. In stdio mode stdout carries the protocol,
// so everything else goes to stderr.
func (cmd *WorkerCmd) Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()
	log = log.With(zap.Int("worker_id", cmd.ID), zap.String("transport", cmd.Transport))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	codecs := ffmpeg.NewCodecFactory(ffmpegConfig(cfg), log)

	switch cmd.Transport {
	case "amqp":
		conn, err := rabbitmq.Dial(cfg.RabbitMQURL)
		if err != nil {
			return err
		}
		defer conn.Close()
		return rabbitmq.ServeWorker(ctx, conn, cfg.RabbitMQQueuePrefix, cmd.ID, codecs, log)

	default:
		codec, err := codecs()
		if err != nil {
			return err
		}
		log.Debug("decode worker serving on stdio")
		return stdio.Serve(ctx, codec, os.Stdin, os.Stdout, log)
	}
}
