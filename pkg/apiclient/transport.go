package apiclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// tokenFunc は1回のリクエストに使用するトークンを返す。
type tokenFunc func(ctx context.Context) (string, error)

// bearerTransport はリクエストごとにトークンを取得して
// Authorizationヘッダーに付与する http.RoundTripper。
// クライアント生成時に一度だけ登録され、以降は変更されない。
// トークンはベースURLのホスト宛てのリクエストにのみ付与する。
type bearerTransport struct {
	base   http.RoundTripper
	host   string
	tokens tokenFunc
}

// RoundTrip はトークンを付与してリクエストを送信する。
// トークンが取得できない場合はネットワークに到達する前に ErrUnauthenticated を返す。
// リダイレクトで別ホストに向かうリクエストにはトークンを付与しない。
func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !strings.EqualFold(req.URL.Host, t.host) {
		return t.base.RoundTrip(req)
	}

	token, err := t.tokens(req.Context())
	if err != nil {
		closeRequestBody(req)
		return nil, fmt.Errorf("%w: 認証トークンの取得に失敗: %w", ErrUnauthenticated, err)
	}
	if token == "" {
		closeRequestBody(req)
		return nil, ErrUnauthenticated
	}

	// RoundTripperは受け取ったリクエストを変更してはならない。
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+token)
	return t.base.RoundTrip(r)
}

func closeRequestBody(req *http.Request) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
}

// validateStatus はステータスコードを正常な応答として扱うかを判定する。
type validateStatus func(code int) bool

// publicStatus は公開エンドポイントの判定。2xx/3xxのみ正常とする。
func publicStatus(code int) bool {
	return code >= 200 && code < 400
}

// protectedStatus は保護されたエンドポイントの判定。
// 一般的なRESTクライアントと異なり4xxも正常な応答として扱い、ボディをそのまま返す。
// バックエンドは {"error": "..."} 形式のアプリケーションエラーを4xxで返すため。
func protectedStatus(code int) bool {
	return code >= 200 && code < 500
}

// transport はステータス判定を持つHTTPクライアント。
// 生成後に変更されることはなく、全ての呼び出しで共有される。
type transport struct {
	httpClient *http.Client
	valid      validateStatus
}
