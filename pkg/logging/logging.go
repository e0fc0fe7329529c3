// Package logging はzapベースの構造化ロガーを生成する。
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New は指定したレベルで出力するJSON形式のロガーを生成する。
// levelには debug, info, warn, error のいずれかを指定する。空の場合はinfo。
func New(service, level string) (*zap.Logger, error) {
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
		return nil, fmt.Errorf("ロガーの生成に失敗: %w", err)
	}
	return logger.With(zap.String("service", service)), nil
}

// ParseLevel はログレベルの文字列を zapcore.Level に変換する。
func ParseLevel(level string) (zapcore.Level, error) {
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return lvl, fmt.Errorf("不正なログレベルです: %q", level)
	}
	return lvl, nil
}
