package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/closet/pkg/middleware"
)

// maxStylePreferences は登録できる好みのスタイルの最大数。
const maxStylePreferences = 20

// profileResponse はプロフィールのJSONレスポンス構造。
type profileResponse struct {
	// UserID はユーザーID。
	UserID string `json:"user_id"`
	// Email はメールアドレス。
	Email string `json:"email"`
	// DisplayName は表示名。
	DisplayName string `json:"display_name"`
	// StylePreferences は好みのスタイル。
	StylePreferences []string `json:"style_preferences"`
	// Sizes はカテゴリごとのサイズ。
	Sizes map[string]string `json:"sizes"`
	// CreatedAt は作成日時。
	CreatedAt string `json:"created_at"`
	// UpdatedAt は更新日時。
	UpdatedAt string `json:"updated_at"`
}

// updateProfileRequest はプロフィール更新リクエストのJSON構造。
// 指定されたフィールドのみ更新する。
type updateProfileRequest struct {
	// DisplayName は表示名。
	DisplayName *string `json:"display_name"`
	// StylePreferences は好みのスタイル。
	StylePreferences []string `json:"style_preferences"`
	// Sizes はカテゴリごとのサイズ。
	Sizes map[string]string `json:"sizes"`
}

// ensureProfile はプロフィールが存在しなければJWTのクレームから作成する。
func (s *Server) ensureProfile(ctx context.Context, userID, email string) error {
	now := timestamp(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, email, display_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING`,
		userID, email, defaultDisplayName(email), now, now)
	return err
}

// defaultDisplayName はメールアドレスのローカル部を表示名の初期値とする。
func defaultDisplayName(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return local
}

func (s *Server) loadProfile(ctx context.Context, userID string) (profileResponse, error) {
	var p profileResponse
	var styles, sizes string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, email, display_name, style_preferences, sizes, created_at, updated_at
		FROM profiles WHERE user_id = ?`, userID,
	).Scan(&p.UserID, &p.Email, &p.DisplayName, &styles, &sizes, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(styles), &p.StylePreferences); err != nil {
		return p, fmt.Errorf("style_preferencesのデコードに失敗: %w", err)
	}
	if err := json.Unmarshal([]byte(sizes), &p.Sizes); err != nil {
		return p, fmt.Errorf("sizesのデコードに失敗: %w", err)
	}
	if p.StylePreferences == nil {
		p.StylePreferences = []string{}
	}
	if p.Sizes == nil {
		p.Sizes = map[string]string{}
	}
	return p, nil
}

// handleGetProfile はログインユーザーのプロフィールを返すハンドラを返す。
// 初回アクセス時はJWTのクレームからプロフィールを作成する。
func (s *Server) handleGetProfile() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}

		if err := s.ensureProfile(c.Request.Context(), userID, middleware.GetEmail(c)); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "プロフィールの作成に失敗しました"})
			s.logger.Error("プロフィール作成エラー", zap.String("user_id", userID), zap.Error(err))
			return
		}
		p, err := s.loadProfile(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "プロフィールの取得に失敗しました"})
			s.logger.Error("プロフィール取得エラー", zap.String("user_id", userID), zap.Error(err))
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

// handleUpdateProfile はログインユーザーのプロフィールを更新するハンドラを返す。
func (s *Server) handleUpdateProfile() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}

		var req updateProfileRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		if req.DisplayName != nil {
			name := strings.TrimSpace(*req.DisplayName)
			if name == "" || len([]rune(name)) > 50 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "表示名は1〜50文字で指定してください"})
				return
			}
			req.DisplayName = &name
		}
		if len(req.StylePreferences) > maxStylePreferences {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("好みのスタイルは最大%d件です", maxStylePreferences)})
			return
		}

		ctx := c.Request.Context()
		if err := s.ensureProfile(ctx, userID, middleware.GetEmail(c)); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "プロフィールの作成に失敗しました"})
			s.logger.Error("プロフィール作成エラー", zap.String("user_id", userID), zap.Error(err))
			return
		}

		sets := []string{"updated_at = ?"}
		args := []any{timestamp(s.now())}
		if req.DisplayName != nil {
			sets = append(sets, "display_name = ?")
			args = append(args, *req.DisplayName)
		}
		if req.StylePreferences != nil {
			b, _ := json.Marshal(req.StylePreferences)
			sets = append(sets, "style_preferences = ?")
			args = append(args, string(b))
		}
		if req.Sizes != nil {
			b, _ := json.Marshal(req.Sizes)
			sets = append(sets, "sizes = ?")
			args = append(args, string(b))
		}
		args = append(args, userID)

		if _, err := s.db.ExecContext(ctx,
			"UPDATE profiles SET "+strings.Join(sets, ", ")+" WHERE user_id = ?", args...,
		); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "プロフィールの更新に失敗しました"})
			s.logger.Error("プロフィール更新エラー", zap.String("user_id", userID), zap.Error(err))
			return
		}

		p, err := s.loadProfile(ctx, userID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				c.JSON(http.StatusNotFound, gin.H{"error": "プロフィールが見つかりません"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "更新後のプロフィールの取得に失敗しました"})
			s.logger.Error("プロフィール取得エラー", zap.String("user_id", userID), zap.Error(err))
			return
		}
		c.JSON(http.StatusOK, p)
	}
}
