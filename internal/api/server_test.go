package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/closet/pkg/config"
	"github.com/nao1215/closet/pkg/identity"
)

// jwtSecret はテスト用のJWT署名鍵。
const jwtSecret = "test-secret-key"

func init() {
	gin.SetMode(gin.TestMode)
}

// setupTestServer はインメモリSQLiteを使うテスト用のServerインスタンスを作成する。
func setupTestServer(t *testing.T) *Server {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("テスト用DBのオープンに失敗: %v", err)
	}
	// インメモリDBは接続ごとに別のDBになるため1本に制限する
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := initSchema(context.Background(), db, zap.NewNop()); err != nil {
		t.Fatalf("スキーマの適用に失敗: %v", err)
	}

	s := newServer(&config.Config{Port: "0", JWTSecret: jwtSecret}, db, zap.NewNop())
	s.setupRoutes()
	return s
}

// generateTestJWT はテスト用のJWTトークンを生成する。
func generateTestJWT(t *testing.T, userID, email string) string {
	t.Helper()
	token, err := identity.GenerateToken(jwtSecret, identity.User{ID: userID, Email: email}, identity.DefaultIssuer, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("テスト用JWTトークンの生成に失敗: %v", err)
	}
	return token
}

// doRequest はリクエストを送信してレスポンスを返す。body が nil 以外の場合はJSONとして送信する。
func doRequest(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("リクエストのシリアライズに失敗: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// decodeJSON はレスポンスボディをデコードする。
func decodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("レスポンスのデシリアライズに失敗: %v, body: %s", err, w.Body.String())
	}
	return v
}

// productList は商品一覧レスポンス。
type productList struct {
	Products []productResponse `json:"products"`
	Count    int               `json:"count"`
}

func TestHealth(t *testing.T) {
	t.Parallel()

	s := setupTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
	}
	got := decodeJSON[map[string]string](t, w)
	if got["status"] != "ok" || got["service"] != "api" {
		t.Errorf("レスポンス = %v", got)
	}
}

func TestHandleListProducts(t *testing.T) {
	t.Parallel()

	s := setupTestServer(t)

	t.Run("正常系_全商品を返す", func(t *testing.T) {
		t.Parallel()

		w := doRequest(t, s, http.MethodGet, "/products", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if got := decodeJSON[productList](t, w); got.Count != 10 {
			t.Errorf("Count = %d, want 10", got.Count)
		}
	})

	t.Run("正常系_カテゴリで絞り込める", func(t *testing.T) {
		t.Parallel()

		w := doRequest(t, s, http.MethodGet, "/products?category=Shoes", "", nil)
		got := decodeJSON[productList](t, w)
		if got.Count != 2 {
			t.Fatalf("Count = %d, want 2", got.Count)
		}
		for _, p := range got.Products {
			if p.Category != "shoes" {
				t.Errorf("Category = %q, want %q", p.Category, "shoes")
			}
		}
	})

	t.Run("正常系_limitで件数を制限できる", func(t *testing.T) {
		t.Parallel()

		w := doRequest(t, s, http.MethodGet, "/products?limit=3", "", nil)
		if got := decodeJSON[productList](t, w); got.Count != 3 {
			t.Errorf("Count = %d, want 3", got.Count)
		}
	})

	t.Run("異常系_不正なlimitは400を返す", func(t *testing.T) {
		t.Parallel()

		for _, limit := range []string{"0", "-1", "abc"} {
			w := doRequest(t, s, http.MethodGet, "/products?limit="+limit, "", nil)
			if w.Code != http.StatusBadRequest {
				t.Errorf("limit=%s: ステータスコード = %d, want %d", limit, w.Code, http.StatusBadRequest)
			}
		}
	})
}

func TestHandleSearchProducts(t *testing.T) {
	t.Parallel()

	s := setupTestServer(t)

	t.Run("正常系_ブランド名で検索できる", func(t *testing.T) {
		t.Parallel()

		w := doRequest(t, s, http.MethodGet, "/products/search?q=urban", "", nil)
		got := decodeJSON[productList](t, w)
		if got.Count != 2 {
			t.Fatalf("Count = %d, want 2", got.Count)
		}
		// 人気順に並ぶこと
		if got.Products[0].ID != "p-008" {
			t.Errorf("先頭のID = %q, want %q", got.Products[0].ID, "p-008")
		}
	})

	t.Run("正常系_商品名の日本語で検索できる", func(t *testing.T) {
		t.Parallel()

		w := doRequest(t, s, http.MethodGet, "/products/search?q="+url.QueryEscape("デニム"), "", nil)
		if got := decodeJSON[productList](t, w); got.Count != 1 {
			t.Errorf("Count = %d, want 1", got.Count)
		}
	})

	t.Run("正常系_ワイルドカード文字はそのまま検索される", func(t *testing.T) {
		t.Parallel()

		w := doRequest(t, s, http.MethodGet, "/products/search?q=%25", "", nil)
		got := decodeJSON[productList](t, w)
		if got.Count != 1 {
			t.Fatalf("Count = %d, want 1", got.Count)
		}
		if got.Products[0].ID != "p-010" {
			t.Errorf("ID = %q, want %q", got.Products[0].ID, "p-010")
		}
	})

	t.Run("異常系_キーワードがない場合400を返す", func(t *testing.T) {
		t.Parallel()

		w := doRequest(t, s, http.MethodGet, "/products/search?q=++", "", nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

func TestHandleGetProduct(t *testing.T) {
	t.Parallel()

	s := setupTestServer(t)

	t.Run("正常系_商品詳細を返す", func(t *testing.T) {
		t.Parallel()

		w := doRequest(t, s, http.MethodGet, "/products/p-003", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		got := decodeJSON[productResponse](t, w)
		if got.Brand != "Indigo Works" {
			t.Errorf("Brand = %q, want %q", got.Brand, "Indigo Works")
		}
		if got.Price != 12800 {
			t.Errorf("Price = %d, want %d", got.Price, 12800)
		}
	})

	t.Run("異常系_存在しない商品は404を返す", func(t *testing.T) {
		t.Parallel()

		w := doRequest(t, s, http.MethodGet, "/products/missing", "", nil)
		if w.Code != http.StatusNotFound {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusNotFound)
		}
		if got := decodeJSON[map[string]string](t, w); got["error"] == "" {
			t.Error("errorフィールドが空です")
		}
	})
}

func TestHandleTrending(t *testing.T) {
	t.Parallel()

	s := setupTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/discover/trending?limit=3", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
	}

	got := decodeJSON[productList](t, w)
	want := []string{"p-003", "p-008", "p-001"}
	if got.Count != len(want) {
		t.Fatalf("Count = %d, want %d", got.Count, len(want))
	}
	for i, id := range want {
		if got.Products[i].ID != id {
			t.Errorf("Products[%d].ID = %q, want %q", i, got.Products[i].ID, id)
		}
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	t.Parallel()

	s := setupTestServer(t)
	routes := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/user/profile"},
		{http.MethodPut, "/user/profile"},
		{http.MethodGet, "/orders"},
		{http.MethodPost, "/orders"},
		{http.MethodGet, "/shopping-list"},
		{http.MethodPost, "/shopping-list"},
		{http.MethodPatch, "/shopping-list/x"},
		{http.MethodDelete, "/shopping-list/x"},
	}
	for _, r := range routes {
		w := doRequest(t, s, r.method, r.path, "", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: ステータスコード = %d, want %d", r.method, r.path, w.Code, http.StatusUnauthorized)
		}
	}
}
