// エッジゲートウェイのエントリポイント。
// 外部から受けたリクエストをAPIサービスとアップロードサービスへ振り分ける。
// クライアントが参照する唯一のベースURLとなる。
package main

import (
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/nao1215/closet/internal/gateway"
	"github.com/nao1215/closet/pkg/config"
	"github.com/nao1215/closet/pkg/logging"
)

func main() {
	cfg, err := config.Load("gateway", os.Getenv("CLOSET_CONFIG"))
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	logger, err := logging.New(cfg.Service, cfg.LogLevel)
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	server, err := gateway.NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("Gatewayサーバーの初期化に失敗", zap.Error(err))
	}

	logger.Info("Gatewayサービスを起動します",
		zap.String("port", cfg.Port),
		zap.String("api", cfg.UpstreamAPIURL),
		zap.String("upload", cfg.UpstreamUploadURL),
	)
	if err := server.Run(); err != nil {
		logger.Fatal("Gatewayサービスの起動に失敗", zap.Error(err))
	}
}
