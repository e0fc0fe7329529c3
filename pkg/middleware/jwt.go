package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/closet/pkg/identity"
)

// コンテキストに格納するキー。
const (
	contextKeyUserID = "user_id"
	contextKeyEmail  = "email"
)

// JWTAuth はBearerトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストに "user_id" と "email" を設定する。
// 失敗した場合は401と {"error": "..."} を返す。
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorizationヘッダーが必要です",
			})
			return
		}

		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found || tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer トークン形式が不正です",
			})
			return
		}

		claims, err := identity.ParseToken(secret, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "トークンが無効です",
			})
			return
		}

		c.Set(contextKeyUserID, claims.UserID)
		c.Set(contextKeyEmail, claims.Email)
		c.Next()
	}
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	return c.GetString(contextKeyUserID)
}

// GetEmail はGinコンテキストからメールアドレスを取得する。
func GetEmail(c *gin.Context) string {
	return c.GetString(contextKeyEmail)
}
