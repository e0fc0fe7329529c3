package upload

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nao1215/closet/pkg/config"
	"github.com/nao1215/closet/pkg/middleware"
	"github.com/nao1215/closet/pkg/storage"
)

// Server は画像アップロードサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// db はアセットのメタデータを保存するSQLiteデータベース。
	db *sql.DB
	// bucket は画像の保存先。
	bucket storage.Bucket
	// signer は署名付きURLの発行者。
	signer *storage.URLSigner
	// converter はHEIC/HEIFをJPEGに変換する。
	converter Converter
	// logger は構造化ロガー。
	logger *zap.Logger
	// jwtSecret はBearerトークン検証用の秘密鍵。
	jwtSecret string
	// maxUploadBytes はアップロード可能な最大サイズ。
	maxUploadBytes int64
	// signedURLTTL は署名付きURLの有効期間。
	signedURLTTL time.Duration
	// now は現在時刻を返す。
	now func() time.Time
	// registry はPrometheusのメトリクスレジストリ。
	registry *prometheus.Registry
	// uploads はアップロード結果ごとの件数。
	uploads *prometheus.CounterVec
	// conversions はHEIC変換結果ごとの件数。
	conversions *prometheus.CounterVec
}

// NewServer は新しいアップロードサーバーを生成する。
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	db, err := openDB(ctx, cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}
	bucket, err := storage.NewDiskBucket(cfg.StorageDir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ストレージ初期化に失敗: %w", err)
	}
	signer, err := storage.NewURLSigner(cfg.PublicBaseURL, cfg.JWTSecret)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("署名付きURLの初期化に失敗: %w", err)
	}

	s := newServer(cfg, db, bucket, signer, NewHEIFConverter(), logger)
	s.router.Use(middleware.CORS([]string{cfg.FrontendURL}))
	s.setupRoutes()
	return s, nil
}

// newServer は依存関係からサーバーを組み立てる。ルーティングは設定しない。
func newServer(cfg *config.Config, db *sql.DB, bucket storage.Bucket, signer *storage.URLSigner, converter Converter, logger *zap.Logger) *Server {
	reg := prometheus.NewRegistry()
	httpMetrics := middleware.NewHTTPMetrics(reg, "upload")

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))
	router.Use(httpMetrics.Handler())
	// マルチパートフォームの最大メモリを設定する。
	router.MaxMultipartMemory = cfg.MaxUploadBytes

	s := &Server{
		router:         router,
		port:           cfg.Port,
		db:             db,
		bucket:         bucket,
		signer:         signer,
		converter:      converter,
		logger:         logger,
		jwtSecret:      cfg.JWTSecret,
		maxUploadBytes: cfg.MaxUploadBytes,
		signedURLTTL:   cfg.SignedURLTTL,
		now:            time.Now,
		registry:       reg,
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "closet_uploads_total",
			Help: "アップロード結果ごとの件数",
		}, []string{"result"}),
		conversions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "closet_heic_conversions_total",
			Help: "HEIC/HEIF変換結果ごとの件数",
		}, []string{"result"}),
	}
	reg.MustRegister(s.uploads, s.conversions)
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
	// 画像のアップロード（認証必須）
	s.router.POST("/upload", middleware.JWTAuth(s.jwtSecret), s.handleUpload())

	// 署名付きURLによる画像の取得（トークンで検証するためJWT不要）
	s.router.GET("/assets/*key", s.handleGetAsset())

	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "upload"})
	})
}

// uploadResponse はアップロード成功時のレスポンス。
type uploadResponse struct {
	// URL は期限付きの署名付きURL。
	URL string `json:"url"`
	// PublicID は拡張子を除いたオブジェクトの識別子。
	PublicID string `json:"public_id"`
	// AssetID はアセットの一意識別子。
	AssetID string `json:"asset_id"`
	// Format は保存したファイルのフォーマット（例: "jpg"）。
	Format string `json:"format"`
	// ResourceType はリソースの種類。常に "image"。
	ResourceType string `json:"resource_type"`
	// ContentType は保存したファイルのMIMEタイプ。
	ContentType string `json:"content_type"`
	// Bytes は保存したファイルのサイズ。
	Bytes int64 `json:"bytes"`
	// CreatedAt は保存した時刻。
	CreatedAt time.Time `json:"created_at"`
	// ExpiresAt は署名付きURLの有効期限。
	ExpiresAt time.Time `json:"expires_at"`
	// Warning はHEIC変換に失敗して元のまま保存した場合の警告。
	Warning string `json:"warning,omitempty"`
}

// payload はリクエストから取り出したファイル。
type payload struct {
	data        []byte
	filename    string
	contentType string
}

// errPayloadTooLarge はファイルサイズの上限超過を表す。
var errPayloadTooLarge = errors.New("ファイルサイズが上限を超えています")

// handleUpload は画像のアップロードを処理するハンドラを返す。
// MIMEタイプを判定し、HEIC/HEIFはJPEGに変換してから保存する。
// 変換に失敗した場合は元のファイルをそのまま保存し、warningを返す。
func (s *Server) handleUpload() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		p, err := s.readPayload(c)
		if errors.Is(err, errPayloadTooLarge) {
			s.uploads.WithLabelValues("rejected").Inc()
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("ファイルサイズが上限を超えています（最大%dMB）", s.maxUploadBytes/(1<<20))})
			return
		}
		if err != nil {
			s.uploads.WithLabelValues("rejected").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		contentType := detectContentType(p.data, p.contentType)
		if !strings.HasPrefix(contentType, "image/") {
			s.uploads.WithLabelValues("rejected").Inc()
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": fmt.Sprintf("許可されていないファイル形式です: %s（画像のみ）", contentType)})
			return
		}

		data := p.data
		var warning string
		converted := false
		if isHEIC(contentType, p.filename) {
			jpg, err := s.converter.ToJPEG(c.Request.Context(), data)
			if err != nil {
				s.conversions.WithLabelValues("passthrough").Inc()
				s.logger.Warn("HEIC変換に失敗したため元のファイルを保存します",
					zap.String("user_id", userID),
					zap.String("filename", p.filename),
					zap.Error(err),
				)
				warning = "HEIC/HEIFからJPEGへの変換に失敗したため、元のファイルを保存しました"
			} else {
				s.conversions.WithLabelValues("converted").Inc()
				data = jpg
				contentType = "image/jpeg"
				converted = true
			}
		}

		id := uuid.New().String()
		format := formatOf(contentType)
		publicID := "uploads/" + id
		key := publicID + "." + format
		now := s.now().UTC()

		written, err := s.bucket.Put(c.Request.Context(), key, bytes.NewReader(data))
		if err != nil {
			s.uploads.WithLabelValues("failed").Inc()
			s.logger.Error("オブジェクトの保存に失敗", zap.String("key", key), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ファイルの保存に失敗しました"})
			return
		}

		assetID := strings.ReplaceAll(uuid.New().String(), "-", "")
		if _, err := s.db.ExecContext(c.Request.Context(), `
			INSERT INTO assets (asset_id, public_id, object_key, user_id, format, content_type, bytes, original_filename, converted, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			assetID, publicID, key, userID, format, contentType, written, filepath.Base(p.filename), converted, now,
		); err != nil {
			s.uploads.WithLabelValues("failed").Inc()
			s.logger.Error("アセットの登録に失敗", zap.String("key", key), zap.Error(err))
			// メタデータを登録できなかったオブジェクトは参照できないため削除する。
			if delErr := s.bucket.Delete(context.WithoutCancel(c.Request.Context()), key); delErr != nil {
				s.logger.Error("クリーンアップ失敗", zap.String("key", key), zap.Error(delErr))
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ファイルの登録に失敗しました"})
			return
		}

		signedURL, expiresAt, err := s.signer.Sign(key, s.signedURLTTL, now)
		if err != nil {
			s.uploads.WithLabelValues("failed").Inc()
			s.logger.Error("署名付きURLの発行に失敗", zap.String("key", key), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "URLの発行に失敗しました"})
			return
		}

		s.uploads.WithLabelValues("stored").Inc()
		s.logger.Info("画像を保存しました",
			zap.String("user_id", userID),
			zap.String("asset_id", assetID),
			zap.String("key", key),
			zap.Int64("bytes", written),
			zap.Bool("converted", converted),
		)

		c.JSON(http.StatusCreated, uploadResponse{
			URL:          signedURL,
			PublicID:     publicID,
			AssetID:      assetID,
			Format:       format,
			ResourceType: "image",
			ContentType:  contentType,
			Bytes:        written,
			CreatedAt:    now,
			ExpiresAt:    expiresAt,
			Warning:      warning,
		})
	}
}

// readPayload はマルチパートフォーム、JSON、またはデータURIのボディからファイルを取り出す。
func (s *Server) readPayload(c *gin.Context) (payload, error) {
	// base64は元データの4/3倍になるため、その分の余裕を持たせる。
	limit := s.maxUploadBytes/3*4 + 1<<20
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

	var p payload
	switch c.ContentType() {
	case "multipart/form-data":
		file, header, err := c.Request.FormFile("file")
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				return p, errPayloadTooLarge
			}
			return p, fmt.Errorf("ファイルの取得に失敗しました: %v", err)
		}
		defer file.Close()
		if header.Size > s.maxUploadBytes {
			return p, errPayloadTooLarge
		}
		data, err := io.ReadAll(file)
		if err != nil {
			return p, fmt.Errorf("ファイルの読み込みに失敗しました: %v", err)
		}
		p = payload{data: data, filename: header.Filename, contentType: header.Header.Get("Content-Type")}

	default:
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				return p, errPayloadTooLarge
			}
			return p, fmt.Errorf("リクエストボディの読み込みに失敗しました: %v", err)
		}

		uri := string(body)
		filename := ""
		if c.ContentType() == "application/json" {
			var req struct {
				File     string `json:"file"`
				Filename string `json:"filename"`
			}
			if err := json.Unmarshal(body, &req); err != nil {
				return p, fmt.Errorf("リクエストが不正です: %v", err)
			}
			uri, filename = req.File, req.Filename
		}
		data, contentType, err := parseDataURI(uri)
		if err != nil {
			return p, err
		}
		p = payload{data: data, filename: filename, contentType: contentType}
	}

	if len(p.data) == 0 {
		return p, errors.New("ファイルが空です")
	}
	if int64(len(p.data)) > s.maxUploadBytes {
		return p, errPayloadTooLarge
	}
	return p, nil
}

// parseDataURI は "data:<mime>;base64,<data>" 形式の文字列をデコードする。
// "data:" で始まらない場合は全体をbase64として扱う。
func parseDataURI(uri string) ([]byte, string, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, "", errors.New("ファイルが指定されていません")
	}

	contentType := ""
	encoded := uri
	if rest, ok := strings.CutPrefix(uri, "data:"); ok {
		meta, data, found := strings.Cut(rest, ",")
		if !found {
			return nil, "", errors.New("データURIの形式が不正です")
		}
		params := strings.Split(meta, ";")
		if params[len(params)-1] != "base64" {
			return nil, "", errors.New("データURIはbase64形式である必要があります")
		}
		contentType = baseType(params[0])
		encoded = data
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		// パディングなしのbase64も受け付ける。
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
		if err != nil {
			return nil, "", fmt.Errorf("base64のデコードに失敗しました: %v", err)
		}
	}
	return data, contentType, nil
}

// handleGetAsset は署名付きURLで画像を返すハンドラを返す。
func (s *Server) handleGetAsset() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimPrefix(c.Param("key"), "/")
		if err := storage.ValidateKey(key); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "キーが不正です"})
			return
		}
		if err := s.signer.Verify(key, c.Query("token")); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "署名が無効または期限切れです"})
			return
		}

		var contentType string
		var size int64
		err := s.db.QueryRowContext(c.Request.Context(),
			"SELECT content_type, bytes FROM assets WHERE object_key = ?", key,
		).Scan(&contentType, &size)
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "画像が見つかりません"})
			return
		}
		if err != nil {
			s.logger.Error("アセットの取得に失敗", zap.String("key", key), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "画像の取得に失敗しました"})
			return
		}

		rc, err := s.bucket.Open(c.Request.Context(), key)
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "画像が見つかりません"})
			return
		}
		if err != nil {
			s.logger.Error("オブジェクトのオープンに失敗", zap.String("key", key), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "画像の取得に失敗しました"})
			return
		}
		defer rc.Close()

		c.DataFromReader(http.StatusOK, size, contentType, rc, map[string]string{
			"Cache-Control": "private, max-age=300",
		})
	}
}
