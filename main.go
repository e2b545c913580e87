package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"livecast/internal/config"
	"livecast/internal/logging"
	"livecast/internal/server"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		log.Fatalf("ロガーの作成に失敗しました: %v", err)
	}

	// サーバーを作成
	srv, err := server.New(cfg, logger)
	if err != nil {
		logging.Exit(logger, "サーバーの作成に失敗しました", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// サーバーを起動
	if err := srv.Run(ctx); err != nil {
		logging.Exit(logger, "サーバーが異常終了しました", err)
	}
	_ = logger.Sync()
}
