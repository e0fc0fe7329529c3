package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nao1215/closet/pkg/config"
	"github.com/nao1215/closet/pkg/middleware"
)

// Server はバックエンドAPIのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// db はSQLiteデータベース接続。
	db *sql.DB
	// logger は構造化ロガー。
	logger *zap.Logger
	// jwtSecret はBearerトークン検証用の秘密鍵。
	jwtSecret string
	// now は現在時刻を返す。
	now func() time.Time
	// registry はPrometheusのメトリクスレジストリ。
	registry *prometheus.Registry
	// orders は作成された注文の件数。
	orders prometheus.Counter
}

// NewServer は新しいAPIサーバーを生成する。
// SQLiteデータベースの初期化とマイグレーションを行う。
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	db, err := openDB(ctx, cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}

	s := newServer(cfg, db, logger)
	s.router.Use(middleware.CORS([]string{cfg.FrontendURL}))
	s.setupRoutes()
	return s, nil
}

// newServer は依存関係からサーバーを組み立てる。ルーティングは設定しない。
func newServer(cfg *config.Config, db *sql.DB, logger *zap.Logger) *Server {
	reg := prometheus.NewRegistry()
	httpMetrics := middleware.NewHTTPMetrics(reg, "api")

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))
	router.Use(httpMetrics.Handler())

	s := &Server{
		router:    router,
		port:      cfg.Port,
		db:        db,
		logger:    logger,
		jwtSecret: cfg.JWTSecret,
		now:       time.Now,
		registry:  reg,
		orders: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "closet_orders_created_total",
			Help: "作成された注文の件数",
		}),
	}
	reg.MustRegister(s.orders)
	return s
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// Close はデータベース接続を閉じる。
func (s *Server) Close() error {
	return s.db.Close()
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	// 公開エンドポイント
	products := s.router.Group("/products")
	{
		products.GET("", s.handleListProducts())
		products.GET("/search", s.handleSearchProducts())
		products.GET("/:id", s.handleGetProduct())
	}
	s.router.GET("/discover/trending", s.handleTrending())

	// 認証が必要なエンドポイント
	protected := s.router.Group("")
	protected.Use(middleware.JWTAuth(s.jwtSecret))
	{
		protected.GET("/user/profile", s.handleGetProfile())
		protected.PUT("/user/profile", s.handleUpdateProfile())

		protected.GET("/orders", s.handleListOrders())
		protected.POST("/orders", s.handleCreateOrder())

		list := protected.Group("/shopping-list")
		{
			list.GET("", s.handleListShoppingItems())
			list.POST("", s.handleAddShoppingItem())
			list.PATCH("/:id", s.handleUpdateShoppingItem())
			list.DELETE("/:id", s.handleRemoveShoppingItem())
		}
	}

	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "api"})
	})
}

// requireUser はJWTから取得したユーザーIDを返す。取得できない場合は401を返してfalseを返す。
func requireUser(c *gin.Context) (string, bool) {
	userID := middleware.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
		return "", false
	}
	return userID, true
}

// timestamp はDBに保存する時刻の文字列表現を返す。
func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
