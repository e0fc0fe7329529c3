// バックエンドAPIサービスのエントリポイント。
// 商品カタログ、プロフィール、注文、ショッピングリストのAPIを提供する。
package main

import (
	"context"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/nao1215/closet/internal/api"
	"github.com/nao1215/closet/pkg/config"
	"github.com/nao1215/closet/pkg/logging"
)

func main() {
	cfg, err := config.Load("api", os.Getenv("CLOSET_CONFIG"))
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	logger, err := logging.New(cfg.Service, cfg.LogLevel)
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	server, err := api.NewServer(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("APIサーバーの初期化に失敗", zap.Error(err))
	}
	defer server.Close()

	logger.Info("APIサービスを起動します", zap.String("port", cfg.Port))
	if err := server.Run(); err != nil {
		logger.Fatal("APIサービスの起動に失敗", zap.Error(err))
	}
}
