package upload

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nao1215/closet/pkg/config"
	"github.com/nao1215/closet/pkg/identity"
	"github.com/nao1215/closet/pkg/storage"
)

// jwtSecret はテスト用のJWT署名鍵。
const jwtSecret = "test-secret-key"

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeConverter はテスト用の Converter。
type fakeConverter struct {
	out []byte
	err error
}

func (f fakeConverter) ToJPEG(_ context.Context, _ []byte) ([]byte, error) {
	return f.out, f.err
}

// setupTestServer はテスト用のServerインスタンスを作成する。
// インメモリのSQLiteとテンポラリディレクトリのバケットを使う。
func setupTestServer(t *testing.T, converter Converter, logger *zap.Logger) *Server {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("テスト用DBのオープンに失敗: %v", err)
	}
	// インメモリDBは接続ごとに別のDBになるため1本に制限する
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := initSchema(context.Background(), db, logger); err != nil {
		t.Fatalf("スキーマの適用に失敗: %v", err)
	}

	bucket, err := storage.NewDiskBucket(t.TempDir())
	if err != nil {
		t.Fatalf("バケットの作成に失敗: %v", err)
	}
	signer, err := storage.NewURLSigner("http://assets.test", jwtSecret)
	if err != nil {
		t.Fatalf("URLSignerの作成に失敗: %v", err)
	}

	cfg := &config.Config{
		Port:           "0",
		JWTSecret:      jwtSecret,
		SignedURLTTL:   time.Hour,
		MaxUploadBytes: 1 << 20,
	}
	s := newServer(cfg, db, bucket, signer, converter, logger)
	s.setupRoutes()
	return s
}

// generateTestJWT はテスト用のJWTトークンを生成する。
func generateTestJWT(t *testing.T, userID string) string {
	t.Helper()
	token, err := identity.GenerateToken(jwtSecret, identity.User{ID: userID, Email: userID + "@example.com"}, identity.DefaultIssuer, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("テスト用JWTトークンの生成に失敗: %v", err)
	}
	return token
}

// testPNG はテスト用のPNG画像データを返す。
func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("テスト画像のエンコードに失敗: %v", err)
	}
	return buf.Bytes()
}

// testHEIC はHEICとして判定されるヘッダーを持つデータを返す。中身はデコードできない。
func testHEIC() []byte {
	data := []byte("\x00\x00\x00\x18ftypheic\x00\x00\x00\x00mif1heic")
	return append(data, bytes.Repeat([]byte{0x42}, 64)...)
}

// createMultipartFile はマルチパートフォームデータのバッファとContent-Typeを返す。
func createMultipartFile(t *testing.T, fieldName, fileName string, data []byte, contentType string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, fieldName, fileName))
	h.Set("Content-Type", contentType)
	part, err := writer.CreatePart(h)
	if err != nil {
		t.Fatalf("マルチパートパートの作成に失敗: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("マルチパートデータの書き込みに失敗: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("マルチパートライターのクローズに失敗: %v", err)
	}
	return body, writer.FormDataContentType()
}

// doUpload はアップロードリクエストを送信する。
func doUpload(t *testing.T, s *Server, body io.Reader, contentType, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeUpload(t *testing.T, w *httptest.ResponseRecorder) uploadResponse {
	t.Helper()
	var resp uploadResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("レスポンスのデシリアライズに失敗: %v, body: %s", err, w.Body.String())
	}
	return resp
}

func TestHandleUpload(t *testing.T) {
	t.Parallel()

	t.Run("正常系_PNGのマルチパートアップロードが成功する", func(t *testing.T) {
		t.Parallel()

		s := setupTestServer(t, fakeConverter{err: errors.New("呼ばれないはず")}, zap.NewNop())
		body, ct := createMultipartFile(t, "file", "look.png", testPNG(t), "image/png")

		w := doUpload(t, s, body, ct, generateTestJWT(t, "user-1"))
		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード = %d, want %d, body: %s", w.Code, http.StatusCreated, w.Body.String())
		}

		resp := decodeUpload(t, w)
		if resp.Format != "png" {
			t.Errorf("Format = %q, want %q", resp.Format, "png")
		}
		if resp.ContentType != "image/png" {
			t.Errorf("ContentType = %q, want %q", resp.ContentType, "image/png")
		}
		if resp.ResourceType != "image" {
			t.Errorf("ResourceType = %q, want %q", resp.ResourceType, "image")
		}
		if !strings.HasPrefix(resp.PublicID, "uploads/") {
			t.Errorf("PublicID = %q, want prefix %q", resp.PublicID, "uploads/")
		}
		if len(resp.AssetID) != 32 {
			t.Errorf("AssetID = %q, want 32文字", resp.AssetID)
		}
		if resp.Warning != "" {
			t.Errorf("Warning = %q, want empty", resp.Warning)
		}
		if !strings.HasPrefix(resp.URL, "http://assets.test/assets/"+resp.PublicID+".png?token=") {
			t.Errorf("URL = %q", resp.URL)
		}
		if got := testutil.ToFloat64(s.uploads.WithLabelValues("stored")); got != 1 {
			t.Errorf("closet_uploads_total{result=stored} = %v, want 1", got)
		}
	})

	t.Run("正常系_HEICはJPEGに変換して保存される", func(t *testing.T) {
		t.Parallel()

		jpg := []byte("\xff\xd8\xff\xe0converted-jpeg")
		s := setupTestServer(t, fakeConverter{out: jpg}, zap.NewNop())
		body, ct := createMultipartFile(t, "file", "IMG_0001.HEIC", testHEIC(), "image/heic")

		w := doUpload(t, s, body, ct, generateTestJWT(t, "user-1"))
		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード = %d, want %d, body: %s", w.Code, http.StatusCreated, w.Body.String())
		}
		resp := decodeUpload(t, w)
		if resp.Format != "jpg" {
			t.Errorf("Format = %q, want %q", resp.Format, "jpg")
		}
		if resp.ContentType != "image/jpeg" {
			t.Errorf("ContentType = %q, want %q", resp.ContentType, "image/jpeg")
		}
		if resp.Bytes != int64(len(jpg)) {
			t.Errorf("Bytes = %d, want %d", resp.Bytes, len(jpg))
		}
		if got := testutil.ToFloat64(s.conversions.WithLabelValues("converted")); got != 1 {
			t.Errorf("closet_heic_conversions_total{result=converted} = %v, want 1", got)
		}
	})

	t.Run("正常系_HEIC変換に失敗した場合は元のファイルを保存して警告を返す", func(t *testing.T) {
		t.Parallel()

		core, logs := observer.New(zap.WarnLevel)
		s := setupTestServer(t, fakeConverter{err: errors.New("decode error")}, zap.New(core))
		body, ct := createMultipartFile(t, "file", "IMG_0002.heic", testHEIC(), "image/heic")

		w := doUpload(t, s, body, ct, generateTestJWT(t, "user-1"))
		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード = %d, want %d, body: %s", w.Code, http.StatusCreated, w.Body.String())
		}
		resp := decodeUpload(t, w)
		if resp.Warning == "" {
			t.Error("Warningが空です")
		}
		if resp.Format != "heic" {
			t.Errorf("Format = %q, want %q", resp.Format, "heic")
		}
		if resp.Bytes != int64(len(testHEIC())) {
			t.Errorf("Bytes = %d, want %d", resp.Bytes, len(testHEIC()))
		}
		if logs.FilterMessage("HEIC変換に失敗したため元のファイルを保存します").Len() != 1 {
			t.Errorf("警告ログが出力されていません: %v", logs.All())
		}
	})

	t.Run("正常系_JSONのデータURIでアップロードできる", func(t *testing.T) {
		t.Parallel()

		s := setupTestServer(t, fakeConverter{}, zap.NewNop())
		uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString(testPNG(t))
		reqBody, _ := json.Marshal(map[string]string{"file": uri, "filename": "look.png"})

		w := doUpload(t, s, bytes.NewReader(reqBody), "application/json", generateTestJWT(t, "user-1"))
		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード = %d, want %d, body: %s", w.Code, http.StatusCreated, w.Body.String())
		}
		if resp := decodeUpload(t, w); resp.Format != "png" {
			t.Errorf("Format = %q, want %q", resp.Format, "png")
		}
	})

	t.Run("正常系_ボディのデータURIでアップロードできる", func(t *testing.T) {
		t.Parallel()

		s := setupTestServer(t, fakeConverter{}, zap.NewNop())
		uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString(testPNG(t))

		w := doUpload(t, s, strings.NewReader(uri), "text/plain", generateTestJWT(t, "user-1"))
		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード = %d, want %d, body: %s", w.Code, http.StatusCreated, w.Body.String())
		}
	})

	t.Run("異常系_画像以外は415を返す", func(t *testing.T) {
		t.Parallel()

		s := setupTestServer(t, fakeConverter{}, zap.NewNop())
		body, ct := createMultipartFile(t, "file", "doc.pdf", []byte("%PDF-1.4\n%âãÏÓ\n1 0 obj\n"), "application/pdf")

		w := doUpload(t, s, body, ct, generateTestJWT(t, "user-1"))
		if w.Code != http.StatusUnsupportedMediaType {
			t.Errorf("ステータスコード = %d, want %d, body: %s", w.Code, http.StatusUnsupportedMediaType, w.Body.String())
		}
		if got := testutil.ToFloat64(s.uploads.WithLabelValues("rejected")); got != 1 {
			t.Errorf("closet_uploads_total{result=rejected} = %v, want 1", got)
		}
	})

	t.Run("異常系_ファイルが指定されていない場合400を返す", func(t *testing.T) {
		t.Parallel()

		s := setupTestServer(t, fakeConverter{}, zap.NewNop())
		body, ct := createMultipartFile(t, "other", "look.png", testPNG(t), "image/png")

		w := doUpload(t, s, body, ct, generateTestJWT(t, "user-1"))
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d, body: %s", w.Code, http.StatusBadRequest, w.Body.String())
		}
	})

	t.Run("異常系_上限を超えるファイルは413を返す", func(t *testing.T) {
		t.Parallel()

		s := setupTestServer(t, fakeConverter{}, zap.NewNop())
		large := append(testPNG(t), bytes.Repeat([]byte{0}, 2<<20)...)
		body, ct := createMultipartFile(t, "file", "large.png", large, "image/png")

		w := doUpload(t, s, body, ct, generateTestJWT(t, "user-1"))
		if w.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("ステータスコード = %d, want %d, body: %s", w.Code, http.StatusRequestEntityTooLarge, w.Body.String())
		}
	})

	t.Run("異常系_トークンがない場合401を返す", func(t *testing.T) {
		t.Parallel()

		s := setupTestServer(t, fakeConverter{}, zap.NewNop())
		body, ct := createMultipartFile(t, "file", "look.png", testPNG(t), "image/png")

		w := doUpload(t, s, body, ct, "")
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}

func TestHandleGetAsset(t *testing.T) {
	t.Parallel()

	s := setupTestServer(t, fakeConverter{}, zap.NewNop())
	data := testPNG(t)
	body, ct := createMultipartFile(t, "file", "look.png", data, "image/png")
	w := doUpload(t, s, body, ct, generateTestJWT(t, "user-1"))
	if w.Code != http.StatusCreated {
		t.Fatalf("アップロードに失敗: %d %s", w.Code, w.Body.String())
	}
	resp := decodeUpload(t, w)
	signed, err := url.Parse(resp.URL)
	if err != nil {
		t.Fatalf("URLのパースに失敗: %v", err)
	}

	t.Run("正常系_署名付きURLで画像を取得できる", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodGet, signed.RequestURI(), nil)
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d, body: %s", w.Code, http.StatusOK, w.Body.String())
		}
		if got := w.Header().Get("Content-Type"); got != "image/png" {
			t.Errorf("Content-Type = %q, want %q", got, "image/png")
		}
		if !bytes.Equal(w.Body.Bytes(), data) {
			t.Error("取得した画像が保存した画像と一致しません")
		}
	})

	t.Run("異常系_トークンがない場合403を返す", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodGet, signed.Path, nil)
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusForbidden)
		}
	})

	t.Run("異常系_別のキーのトークンは403を返す", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodGet, "/assets/uploads/other.png?"+signed.RawQuery, nil)
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusForbidden)
		}
	})

	t.Run("異常系_登録されていないキーは404を返す", func(t *testing.T) {
		t.Parallel()

		missing, _, err := s.signer.Sign("uploads/missing.png", time.Hour, time.Now())
		if err != nil {
			t.Fatalf("Sign()でエラーが発生: %v", err)
		}
		u, _ := url.Parse(missing)
		req := httptest.NewRequest(http.MethodGet, u.RequestURI(), nil)
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusNotFound)
		}
	})
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	s := setupTestServer(t, fakeConverter{}, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "closet_http_requests_total") {
		t.Errorf("メトリクスにcloset_http_requests_totalが含まれていません: %s", w.Body.String())
	}
}

func TestParseDataURI(t *testing.T) {
	t.Parallel()

	raw := []byte("hello")
	enc := base64.StdEncoding.EncodeToString(raw)

	tests := []struct {
		name    string
		in      string
		wantCT  string
		wantErr bool
	}{
		{name: "データURI", in: "data:image/png;base64," + enc, wantCT: "image/png"},
		{name: "パラメータ付きデータURI", in: "data:image/jpeg;name=a.jpg;base64," + enc, wantCT: "image/jpeg"},
		{name: "base64のみ", in: enc, wantCT: ""},
		{name: "パディングなし", in: strings.TrimRight(enc, "="), wantCT: ""},
		{name: "空文字列", in: "", wantErr: true},
		{name: "カンマなし", in: "data:image/png;base64", wantErr: true},
		{name: "base64でない", in: "data:image/png," + enc, wantErr: true},
		{name: "不正なbase64", in: "data:image/png;base64,***", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			data, ct, err := parseDataURI(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("エラーを返すべきだが、nilが返った")
				}
				return
			}
			if err != nil {
				t.Fatalf("予期しないエラー: %v", err)
			}
			if string(data) != string(raw) {
				t.Errorf("data = %q, want %q", data, raw)
			}
			if ct != tt.wantCT {
				t.Errorf("contentType = %q, want %q", ct, tt.wantCT)
			}
		})
	}
}
