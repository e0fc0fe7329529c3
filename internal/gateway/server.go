package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nao1215/closet/pkg/config"
	"github.com/nao1215/closet/pkg/identity"
	"github.com/nao1215/closet/pkg/middleware"
)

// Server はエッジゲートウェイのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// jwtSecret はJWT署名用の秘密鍵。
	jwtSecret string
	// devTokens は開発用トークン発行を有効にするか。
	devTokens bool
	// logger は構造化ロガー。
	logger *zap.Logger
	// registry はPrometheusのメトリクスレジストリ。
	registry *prometheus.Registry
	// api はAPIサービスへのプロキシ。
	api *httputil.ReverseProxy
	// upload はアップロードサービスへのプロキシ。
	upload *httputil.ReverseProxy
}

// NewServer は新しいゲートウェイサーバーを生成する。
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	s, err := newServer(cfg, logger)
	if err != nil {
		return nil, err
	}
	s.router.Use(middleware.CORS([]string{cfg.FrontendURL}))
	s.setupRoutes()
	return s, nil
}

// newServer は設定からサーバーを組み立てる。ルーティングは設定しない。
func newServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	apiURL, err := parseUpstream(cfg.UpstreamAPIURL)
	if err != nil {
		return nil, err
	}
	uploadURL, err := parseUpstream(cfg.UpstreamUploadURL)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	httpMetrics := middleware.NewHTTPMetrics(reg, "gateway")

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))
	router.Use(httpMetrics.Handler())

	s := &Server{
		router:    router,
		port:      cfg.Port,
		jwtSecret: cfg.JWTSecret,
		devTokens: cfg.DevTokens,
		logger:    logger,
		registry:  reg,
	}
	s.api = s.newProxy("api", apiURL)
	s.upload = s.newProxy("upload", uploadURL)
	return s, nil
}

// parseUpstream は転送先URLを検証する。
func parseUpstream(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("転送先URLのパースに失敗: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("転送先URLにはスキームとホストが必要です: %q", raw)
	}
	return u, nil
}

// newProxy は転送先へのリバースプロキシを生成する。
// 転送先と通信できない場合は502と {"error": "..."} を返す。
func (s *Server) newProxy(name string, target *url.URL) *httputil.ReverseProxy {
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		if errors.Is(err, http.ErrAbortHandler) {
			return
		}
		s.logger.Error("プロキシエラー",
			zap.String("upstream", name),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"error":"内部サービスとの通信に失敗しました"}`)
	}
	return proxy
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// setupRoutes はルーティングを設定する。
func (s *Server) setupRoutes() {
	auth := s.router.Group("/auth")
	{
		// 開発用トークン発行
		auth.POST("/dev-token", s.handleDevToken())
		// トークンの検証結果を返す
		auth.GET("/me", middleware.JWTAuth(s.jwtSecret), s.handleMe())
	}

	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	})

	// 上記以外は転送する
	s.router.NoRoute(s.handleProxy())
}

// handleProxy はパスに応じて転送先を選ぶハンドラを返す。
func (s *Server) handleProxy() gin.HandlerFunc {
	return func(c *gin.Context) {
		proxy := s.api
		if isUploadPath(c.Request.URL.Path) {
			proxy = s.upload
		}
		proxy.ServeHTTP(c.Writer, c.Request)
	}
}

// isUploadPath はアップロードサービスが扱うパスかを返す。
func isUploadPath(p string) bool {
	return p == "/upload" || strings.HasPrefix(p, "/upload/") || strings.HasPrefix(p, "/assets/")
}

// devTokenRequest は開発用トークン発行リクエストのJSON構造。
type devTokenRequest struct {
	// UserID はユーザーID。省略時は新しいIDを発行する。
	UserID string `json:"user_id"`
	// Email はメールアドレス。
	Email string `json:"email"`
}

// handleDevToken は開発用JWTトークンを発行するハンドラを返す。
// 設定で有効にした場合のみ使用できる。
func (s *Server) handleDevToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.devTokens {
			c.JSON(http.StatusNotFound, gin.H{"error": "開発用トークンの発行は無効です"})
			return
		}

		var req devTokenRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
				return
			}
		}
		if req.UserID == "" {
			req.UserID = uuid.New().String()
		}
		if req.Email == "" {
			req.Email = "dev@localhost"
		}

		user := identity.User{ID: req.UserID, Email: req.Email}
		issuer := &identity.JWTIssuer{Secret: s.jwtSecret, TTL: 24 * time.Hour}
		token, err := issuer.Issue(c.Request.Context(), user)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークン生成に失敗しました"})
			s.logger.Error("JWT生成エラー", zap.Error(err))
			return
		}

		s.logger.Info("開発用トークンを発行しました", zap.String("user_id", user.ID))
		c.JSON(http.StatusOK, gin.H{
			"token":   token,
			"user_id": user.ID,
			"email":   user.Email,
		})
	}
}

// handleMe は認証済みユーザーの情報を返すハンドラを返す。
func (s *Server) handleMe() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"user_id": userID,
			"email":   middleware.GetEmail(c),
		})
	}
}
