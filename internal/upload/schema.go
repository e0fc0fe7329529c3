package upload

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nao1215/closet/pkg/migration"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

// openDB はSQLiteデータベースを開き、マイグレーションを適用する。
func openDB(ctx context.Context, path string, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if err := initSchema(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// initSchema はマイグレーションを適用する。
func initSchema(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	if _, err := migration.Run(ctx, db, migrations, "migrations", logger); err != nil {
		return fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return nil
}
