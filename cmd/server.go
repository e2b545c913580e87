// Package main はLivecastサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"livecast/internal/config"
	"livecast/internal/logging"
	"livecast/internal/server"
)

func main() {
	// コマンドラインオプション
	var (
		host     = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port     = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		backend  = flag.String("camera", "", "カメラバックエンド simulated|v4l2 (デフォルト: simulated)")
		logLevel = flag.String("log-level", "", "ログレベル debug|info|warn|error")
		help     = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("Livecast")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("環境変数:")
		fmt.Println("  LIVECAST_CONFIG      設定ファイル(YAML)のパス")
		fmt.Println("  LIVECAST_REDIS_ADDR  イベントを発行するRedisのアドレス")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *backend != "" {
		cfg.Camera.Backend = *backend
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("設定が不正です: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		log.Fatalf("ロガーの作成に失敗しました: %v", err)
	}

	srv, err := server.New(cfg, logger)
	if err != nil {
		logging.Exit(logger, "サーバーの作成に失敗しました", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// サーバーを起動
	logger.Infow("Livecast サーバーを起動します", "addr", cfg.ServerAddress(), "camera", cfg.Camera.Backend)
	if err := srv.Run(ctx); err != nil {
		logging.Exit(logger, "サーバーの起動に失敗しました", err)
	}
	_ = logger.Sync()
}
