// Package logging はアプリケーション共通のロガーを作成する
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New はレベルを指定して本番用設定のロガーを作成する
func New(level string) (*zap.SugaredLogger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("ロガーの作成に失敗: %w", err)
	}
	return logger.Sugar(), nil
}

// ParseLevel はログレベル名を解釈する。空文字はinfo
func ParseLevel(level string) (zapcore.Level, error) {
	name := strings.ToLower(strings.TrimSpace(level))
	if name == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return lvl, fmt.Errorf("不明なログレベル: %q", level)
	}
	return lvl, nil
}

// osExit はテストで差し替える
var osExit = os.Exit

// Exit はエラーを記録し、バッファをフラッシュしてから終了コード1で終了する
func Exit(logger *zap.SugaredLogger, msg string, err error) {
	logger.Errorw(msg, "error", err)
	_ = logger.Sync()
	osExit(1)
}
