// 画像アップロードサービスのエントリポイント。
// 画像を受け取り、HEIC/HEIFをJPEGに変換して保存し、署名付きURLを返す。
package main

import (
	"context"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/nao1215/closet/internal/upload"
	"github.com/nao1215/closet/pkg/config"
	"github.com/nao1215/closet/pkg/logging"
)

func main() {
	cfg, err := config.Load("upload", os.Getenv("CLOSET_CONFIG"))
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	logger, err := logging.New(cfg.Service, cfg.LogLevel)
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	server, err := upload.NewServer(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("アップロードサーバーの初期化に失敗", zap.Error(err))
	}
	defer server.Close()

	logger.Info("アップロードサービスを起動します",
		zap.String("port", cfg.Port),
		zap.String("storage_dir", cfg.StorageDir),
		zap.Int64("max_upload_bytes", cfg.MaxUploadBytes),
	)
	if err := server.Run(); err != nil {
		logger.Fatal("アップロードサービスの起動に失敗", zap.Error(err))
	}
}
