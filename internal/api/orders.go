package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// orderStatusPlaced は作成直後の注文状態。
const orderStatusPlaced = "placed"

// orderItemRequest は注文明細のリクエスト構造。
type orderItemRequest struct {
	// ProductID は商品ID。
	ProductID string `json:"product_id" binding:"required"`
	// Quantity は数量。省略時は1。
	Quantity int `json:"quantity"`
	// Size はサイズ。
	Size string `json:"size"`
}

// createOrderRequest は注文作成リクエストのJSON構造。
// Items を省略した場合はショッピングリストの内容で注文する。
type createOrderRequest struct {
	Items []orderItemRequest `json:"items" binding:"dive"`
}

// orderItemResponse は注文明細のJSONレスポンス構造。
type orderItemResponse struct {
	// ProductID は商品ID。
	ProductID string `json:"product_id"`
	// Name は注文時点の商品名。
	Name string `json:"name"`
	// Quantity は数量。
	Quantity int `json:"quantity"`
	// UnitPrice は注文時点の単価。
	UnitPrice int64 `json:"unit_price"`
	// Size はサイズ。
	Size string `json:"size"`
}

// orderResponse は注文のJSONレスポンス構造。
type orderResponse struct {
	// ID は注文の一意識別子。
	ID string `json:"id"`
	// Status は注文状態。
	Status string `json:"status"`
	// Total は合計金額。
	Total int64 `json:"total"`
	// Currency は通貨コード。
	Currency string `json:"currency"`
	// Items は注文明細。
	Items []orderItemResponse `json:"items"`
	// CreatedAt は注文日時。
	CreatedAt string `json:"created_at"`
}

// errEmptyOrder は注文する商品がないことを表す。
var errEmptyOrder = errors.New("注文する商品がありません")

// errUnknownProduct は存在しない商品が指定されたことを表す。
type errUnknownProduct struct {
	productID string
}

func (e *errUnknownProduct) Error() string {
	return fmt.Sprintf("商品が見つかりません: %s", e.productID)
}

// handleListOrders はログインユーザーの注文履歴を新しい順に返すハンドラを返す。
func (s *Server) handleListOrders() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}

		orders, err := s.listOrders(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "注文履歴の取得に失敗しました"})
			s.logger.Error("注文履歴取得エラー", zap.String("user_id", userID), zap.Error(err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
	}
}

// handleCreateOrder は注文を作成するハンドラを返す。
// 明細が指定されない場合はショッピングリストの内容で注文し、リストを空にする。
func (s *Server) handleCreateOrder() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}

		var req createOrderRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
				return
			}
		}
		for i := range req.Items {
			if req.Items[i].Quantity == 0 {
				req.Items[i].Quantity = 1
			}
			if q := req.Items[i].Quantity; q < 1 || q > maxQuantity {
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("数量は1〜%dで指定してください", maxQuantity)})
				return
			}
		}

		order, err := s.placeOrder(c.Request.Context(), userID, req.Items)
		var unknown *errUnknownProduct
		switch {
		case errors.Is(err, errEmptyOrder):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		case errors.As(err, &unknown):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "注文の作成に失敗しました"})
			s.logger.Error("注文作成エラー", zap.String("user_id", userID), zap.Error(err))
			return
		}

		s.orders.Inc()
		s.logger.Info("注文を作成しました",
			zap.String("user_id", userID),
			zap.String("order_id", order.ID),
			zap.Int("items", len(order.Items)),
			zap.Int64("total", order.Total),
		)
		c.JSON(http.StatusCreated, order)
	}
}

// placeOrder は1つのトランザクションで注文を作成する。
// items が空の場合はショッピングリストから明細を作り、作成後にリストを空にする。
func (s *Server) placeOrder(ctx context.Context, userID string, items []orderItemRequest) (orderResponse, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return orderResponse{}, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	fromList := len(items) == 0
	if fromList {
		list, err := listShoppingItems(ctx, tx, userID)
		if err != nil {
			return orderResponse{}, fmt.Errorf("ショッピングリストの取得に失敗: %w", err)
		}
		for _, it := range list {
			items = append(items, orderItemRequest{ProductID: it.ProductID, Quantity: it.Quantity, Size: it.Size})
		}
	}
	if len(items) == 0 {
		return orderResponse{}, errEmptyOrder
	}

	order := orderResponse{
		ID:        uuid.New().String(),
		Status:    orderStatusPlaced,
		Currency:  "JPY",
		Items:     make([]orderItemResponse, 0, len(items)),
		CreatedAt: timestamp(s.now()),
	}
	for _, it := range items {
		line := orderItemResponse{ProductID: it.ProductID, Quantity: it.Quantity, Size: it.Size}
		err := tx.QueryRowContext(ctx, "SELECT name, price FROM products WHERE id = ?", it.ProductID).Scan(&line.Name, &line.UnitPrice)
		if errors.Is(err, sql.ErrNoRows) {
			return orderResponse{}, &errUnknownProduct{productID: it.ProductID}
		}
		if err != nil {
			return orderResponse{}, fmt.Errorf("商品の取得に失敗: %w", err)
		}
		order.Total += line.UnitPrice * int64(line.Quantity)
		order.Items = append(order.Items, line)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO orders (id, user_id, status, total, currency, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		order.ID, userID, order.Status, order.Total, order.Currency, order.CreatedAt,
	); err != nil {
		return orderResponse{}, fmt.Errorf("注文の保存に失敗: %w", err)
	}
	for i, line := range order.Items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, position, product_id, name, quantity, unit_price, size)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			order.ID, i, line.ProductID, line.Name, line.Quantity, line.UnitPrice, line.Size,
		); err != nil {
			return orderResponse{}, fmt.Errorf("注文明細の保存に失敗: %w", err)
		}
	}
	if fromList {
		if _, err := tx.ExecContext(ctx, "DELETE FROM shopping_list WHERE user_id = ?", userID); err != nil {
			return orderResponse{}, fmt.Errorf("ショッピングリストのクリアに失敗: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return orderResponse{}, fmt.Errorf("コミットに失敗: %w", err)
	}
	return order, nil
}

// listOrders はユーザーの注文を明細付きで新しい順に返す。
func (s *Server) listOrders(ctx context.Context, userID string) ([]orderResponse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, total, currency, created_at FROM orders
		WHERE user_id = ? ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, err
	}
	orders := make([]orderResponse, 0)
	index := make(map[string]int)
	for rows.Next() {
		var o orderResponse
		if err := rows.Scan(&o.ID, &o.Status, &o.Total, &o.Currency, &o.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		o.Items = make([]orderItemResponse, 0)
		index[o.ID] = len(orders)
		orders = append(orders, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	itemRows, err := s.db.QueryContext(ctx, `
		SELECT i.order_id, i.product_id, i.name, i.quantity, i.unit_price, i.size
		FROM order_items i JOIN orders o ON o.id = i.order_id
		WHERE o.user_id = ? ORDER BY i.order_id, i.position`, userID)
	if err != nil {
		return nil, err
	}
	defer itemRows.Close()
	for itemRows.Next() {
		var orderID string
		var line orderItemResponse
		if err := itemRows.Scan(&orderID, &line.ProductID, &line.Name, &line.Quantity, &line.UnitPrice, &line.Size); err != nil {
			return nil, err
		}
		if i, ok := index[orderID]; ok {
			orders[i].Items = append(orders[i].Items, line)
		}
	}
	return orders, itemRows.Err()
}
