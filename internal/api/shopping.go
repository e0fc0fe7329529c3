package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxQuantity は1項目あたりの最大数量。
const maxQuantity = 99

// shoppingItemResponse はショッピングリスト項目のJSONレスポンス構造。
type shoppingItemResponse struct {
	// ID は項目の一意識別子。
	ID string `json:"id"`
	// ProductID は商品ID。
	ProductID string `json:"product_id"`
	// Name は商品名。
	Name string `json:"name"`
	// Brand はブランド名。
	Brand string `json:"brand"`
	// ImageURL は商品画像のURL。
	ImageURL string `json:"image_url"`
	// UnitPrice は単価。
	UnitPrice int64 `json:"unit_price"`
	// Quantity は数量。
	Quantity int `json:"quantity"`
	// Size はサイズ。
	Size string `json:"size"`
	// Note はメモ。
	Note string `json:"note"`
	// CreatedAt は追加日時。
	CreatedAt string `json:"created_at"`
	// UpdatedAt は更新日時。
	UpdatedAt string `json:"updated_at"`
}

// addShoppingItemRequest はショッピングリスト追加リクエストのJSON構造。
type addShoppingItemRequest struct {
	// ProductID は追加する商品のID。
	ProductID string `json:"product_id" binding:"required"`
	// Quantity は数量。省略時は1。
	Quantity int `json:"quantity"`
	// Size はサイズ。
	Size string `json:"size"`
	// Note はメモ。
	Note string `json:"note"`
}

// updateShoppingItemRequest はショッピングリスト更新リクエストのJSON構造。
// 指定されたフィールドのみ更新する。
type updateShoppingItemRequest struct {
	// Quantity は数量。
	Quantity *int `json:"quantity"`
	// Size はサイズ。
	Size *string `json:"size"`
	// Note はメモ。
	Note *string `json:"note"`
}

const shoppingItemQuery = `
	SELECT l.id, l.product_id, p.name, p.brand, p.image_url, p.price, l.quantity, l.size, l.note, l.created_at, l.updated_at
	FROM shopping_list l JOIN products p ON p.id = l.product_id`

func scanShoppingItem(r rowScanner) (shoppingItemResponse, error) {
	var it shoppingItemResponse
	err := r.Scan(&it.ID, &it.ProductID, &it.Name, &it.Brand, &it.ImageURL, &it.UnitPrice, &it.Quantity, &it.Size, &it.Note, &it.CreatedAt, &it.UpdatedAt)
	return it, err
}

// listShoppingItems はユーザーのショッピングリストを追加順に返す。
func listShoppingItems(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}, userID string) ([]shoppingItemResponse, error) {
	rows, err := q.QueryContext(ctx, shoppingItemQuery+" WHERE l.user_id = ? ORDER BY l.created_at, l.id", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]shoppingItemResponse, 0)
	for rows.Next() {
		it, err := scanShoppingItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// getShoppingItem はユーザーが所有する項目を返す。他のユーザーの項目は sql.ErrNoRows になる。
func (s *Server) getShoppingItem(ctx context.Context, userID, id string) (shoppingItemResponse, error) {
	return scanShoppingItem(s.db.QueryRowContext(ctx, shoppingItemQuery+" WHERE l.id = ? AND l.user_id = ?", id, userID))
}

// productExists は商品が存在するかを返す。
func (s *Server) productExists(ctx context.Context, productID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM products WHERE id = ?", productID).Scan(&n)
	return n > 0, err
}

// handleListShoppingItems はショッピングリストを返すハンドラを返す。
func (s *Server) handleListShoppingItems() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}

		items, err := listShoppingItems(c.Request.Context(), s.db, userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ショッピングリストの取得に失敗しました"})
			s.logger.Error("ショッピングリスト取得エラー", zap.String("user_id", userID), zap.Error(err))
			return
		}

		var total int64
		for _, it := range items {
			total += it.UnitPrice * int64(it.Quantity)
		}
		c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items), "total": total})
	}
}

// handleAddShoppingItem はショッピングリストに商品を追加するハンドラを返す。
// 同じ商品とサイズの項目が既にある場合は数量を加算する。
func (s *Server) handleAddShoppingItem() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}

		var req addShoppingItemRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		if req.Quantity == 0 {
			req.Quantity = 1
		}
		if req.Quantity < 1 || req.Quantity > maxQuantity {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("数量は1〜%dで指定してください", maxQuantity)})
			return
		}

		ctx := c.Request.Context()
		exists, err := s.productExists(ctx, req.ProductID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "商品の確認に失敗しました"})
			s.logger.Error("商品確認エラー", zap.Error(err))
			return
		}
		if !exists {
			c.JSON(http.StatusNotFound, gin.H{"error": "商品が見つかりません"})
			return
		}

		now := timestamp(s.now())
		size := strings.TrimSpace(req.Size)
		// 既存項目に加算した場合も同じIDを返すため、RETURNINGで実際のIDを取得する
		var id string
		err = s.db.QueryRowContext(ctx, `
			INSERT INTO shopping_list (id, user_id, product_id, quantity, size, note, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, product_id, size) DO UPDATE SET
				quantity = min(quantity + excluded.quantity, ?),
				note = CASE WHEN excluded.note != '' THEN excluded.note ELSE note END,
				updated_at = excluded.updated_at
			RETURNING id`,
			uuid.New().String(), userID, req.ProductID, req.Quantity, size, req.Note, now, now, maxQuantity,
		).Scan(&id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ショッピングリストへの追加に失敗しました"})
			s.logger.Error("ショッピングリスト追加エラー", zap.String("user_id", userID), zap.Error(err))
			return
		}

		it, err := s.getShoppingItem(ctx, userID, id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "追加した項目の取得に失敗しました"})
			s.logger.Error("ショッピングリスト取得エラー", zap.String("user_id", userID), zap.Error(err))
			return
		}
		c.JSON(http.StatusCreated, it)
	}
}

// handleUpdateShoppingItem はショッピングリストの項目を更新するハンドラを返す。
func (s *Server) handleUpdateShoppingItem() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}

		var req updateShoppingItemRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		if req.Quantity != nil && (*req.Quantity < 1 || *req.Quantity > maxQuantity) {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("数量は1〜%dで指定してください", maxQuantity)})
			return
		}

		sets := []string{"updated_at = ?"}
		args := []any{timestamp(s.now())}
		if req.Quantity != nil {
			sets = append(sets, "quantity = ?")
			args = append(args, *req.Quantity)
		}
		if req.Size != nil {
			sets = append(sets, "size = ?")
			args = append(args, strings.TrimSpace(*req.Size))
		}
		if req.Note != nil {
			sets = append(sets, "note = ?")
			args = append(args, *req.Note)
		}
		itemID := c.Param("id")
		args = append(args, itemID, userID)

		ctx := c.Request.Context()
		res, err := s.db.ExecContext(ctx,
			"UPDATE shopping_list SET "+strings.Join(sets, ", ")+" WHERE id = ? AND user_id = ?", args...)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				c.JSON(http.StatusConflict, gin.H{"error": "同じ商品とサイズの項目が既にあります"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ショッピングリストの更新に失敗しました"})
			s.logger.Error("ショッピングリスト更新エラー", zap.String("user_id", userID), zap.Error(err))
			return
		}
		if n, _ := res.RowsAffected(); n == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "項目が見つかりません"})
			return
		}

		it, err := s.getShoppingItem(ctx, userID, itemID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "更新後の項目の取得に失敗しました"})
			s.logger.Error("ショッピングリスト取得エラー", zap.String("user_id", userID), zap.Error(err))
			return
		}
		c.JSON(http.StatusOK, it)
	}
}

// handleRemoveShoppingItem はショッピングリストから項目を削除するハンドラを返す。
func (s *Server) handleRemoveShoppingItem() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}

		ctx := c.Request.Context()
		itemID := c.Param("id")
		if _, err := s.getShoppingItem(ctx, userID, itemID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				c.JSON(http.StatusNotFound, gin.H{"error": "項目が見つかりません"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "項目の取得に失敗しました"})
			s.logger.Error("ショッピングリスト取得エラー", zap.String("user_id", userID), zap.Error(err))
			return
		}

		if _, err := s.db.ExecContext(ctx, "DELETE FROM shopping_list WHERE id = ? AND user_id = ?", itemID, userID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "項目の削除に失敗しました"})
			s.logger.Error("ショッピングリスト削除エラー", zap.String("user_id", userID), zap.Error(err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "項目を削除しました", "id": itemID})
	}
}
