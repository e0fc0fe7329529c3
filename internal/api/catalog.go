package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	// defaultLimit は一覧取得の既定件数。
	defaultLimit = 20
	// maxLimit は一覧取得の最大件数。
	maxLimit = 100
	// trendingLimit はトレンド取得の既定件数。
	trendingLimit = 10
)

// productColumns は商品の取得で使うカラム。
const productColumns = "id, name, brand, category, description, price, currency, image_url, popularity"

// productResponse は商品のJSONレスポンス構造。
type productResponse struct {
	// ID は商品の一意識別子。
	ID string `json:"id"`
	// Name は商品名。
	Name string `json:"name"`
	// Brand はブランド名。
	Brand string `json:"brand"`
	// Category はカテゴリ。
	Category string `json:"category"`
	// Description は商品説明。
	Description string `json:"description"`
	// Price は価格（最小通貨単位）。
	Price int64 `json:"price"`
	// Currency は通貨コード。
	Currency string `json:"currency"`
	// ImageURL は商品画像のURL。
	ImageURL string `json:"image_url"`
	// Popularity は人気度スコア。
	Popularity int `json:"popularity"`
}

// rowScanner は *sql.Row と *sql.Rows の共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(r rowScanner) (productResponse, error) {
	var p productResponse
	err := r.Scan(&p.ID, &p.Name, &p.Brand, &p.Category, &p.Description, &p.Price, &p.Currency, &p.ImageURL, &p.Popularity)
	return p, err
}

// parseLimit はクエリパラメータ "limit" を解釈する。
func parseLimit(c *gin.Context, def int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limitは1以上の整数である必要があります"})
		return 0, false
	}
	return min(n, maxLimit), true
}

// queryProducts は商品を検索してJSONで返す。
func (s *Server) queryProducts(c *gin.Context, query string, args ...any) {
	rows, err := s.db.QueryContext(c.Request.Context(), query, args...)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "商品の取得に失敗しました"})
		s.logger.Error("商品取得エラー", zap.Error(err))
		return
	}
	defer rows.Close()

	products := make([]productResponse, 0)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "商品の取得に失敗しました"})
			s.logger.Error("商品スキャンエラー", zap.Error(err))
			return
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "商品の取得に失敗しました"})
		s.logger.Error("商品取得エラー", zap.Error(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"products": products, "count": len(products)})
}

// handleListProducts は商品一覧を返すハンドラを返す。
// クエリパラメータ category で絞り込み、limit で件数を指定できる。
func (s *Server) handleListProducts() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := parseLimit(c, defaultLimit)
		if !ok {
			return
		}

		if category := c.Query("category"); category != "" {
			s.queryProducts(c,
				"SELECT "+productColumns+" FROM products WHERE category = ? ORDER BY name LIMIT ?",
				strings.ToLower(category), limit)
			return
		}
		s.queryProducts(c, "SELECT "+productColumns+" FROM products ORDER BY name LIMIT ?", limit)
	}
}

// handleSearchProducts はキーワードで商品を検索するハンドラを返す。
// 商品名、ブランド、カテゴリ、説明の部分一致で検索する。
func (s *Server) handleSearchProducts() gin.HandlerFunc {
	return func(c *gin.Context) {
		q := strings.TrimSpace(c.Query("q"))
		if q == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "検索キーワード q が必要です"})
			return
		}
		limit, ok := parseLimit(c, defaultLimit)
		if !ok {
			return
		}

		// LIKEのワイルドカードをエスケープする
		pattern := "%" + strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(strings.ToLower(q)) + "%"
		s.queryProducts(c, `
			SELECT `+productColumns+` FROM products
			WHERE lower(name) LIKE ?1 ESCAPE '\'
			   OR lower(brand) LIKE ?1 ESCAPE '\'
			   OR lower(category) LIKE ?1 ESCAPE '\'
			   OR lower(description) LIKE ?1 ESCAPE '\'
			ORDER BY popularity DESC, name
			LIMIT ?2`, pattern, limit)
	}
}

// handleGetProduct は商品詳細を返すハンドラを返す。
func (s *Server) handleGetProduct() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := scanProduct(s.db.QueryRowContext(c.Request.Context(),
			"SELECT "+productColumns+" FROM products WHERE id = ?", c.Param("id")))
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "商品が見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "商品の取得に失敗しました"})
			s.logger.Error("商品取得エラー", zap.Error(err))
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

// handleTrending は人気順の商品を返すハンドラを返す。
func (s *Server) handleTrending() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := parseLimit(c, trendingLimit)
		if !ok {
			return
		}
		s.queryProducts(c, "SELECT "+productColumns+" FROM products ORDER BY popularity DESC, id LIMIT ?", limit)
	}
}
