package apiclient

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nao1215/closet/pkg/endpoint"
)

// ErrConfiguration はエンドポイントキーが見つからない等の設定ミスを表す。
var ErrConfiguration = endpoint.ErrConfiguration

// ConfigurationError は設定ミスの詳細。
type ConfigurationError = endpoint.ConfigurationError

// ErrUnauthenticated はサインインしていない状態で保護されたエンドポイントを
// 呼び出したことを表す。この場合ネットワークへのアクセスは行われない。
var ErrUnauthenticated = errors.New("未認証のため保護されたエンドポイントを呼び出せません")

// TransportError は送信エラー（レスポンスなし）またはサーバーエラーを表す。
// StatusCode が0の場合はレスポンスを受信できなかったことを示す。
// 公開エンドポイントの4xxもこの型で返り、StatusCode は400〜499になる。
// 保護されたエンドポイントの4xxはエラーにならずデータとして返る。
type TransportError struct {
	// Method はHTTPメソッド。
	Method string
	// URL はリクエスト先のURL。
	URL string
	// StatusCode はレスポンスのステータスコード。
	StatusCode int
	// Body はレスポンスボディ。
	Body []byte
	// Err は原因となったエラー。
	Err error
}

// Error はエラーメッセージを返す。
func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("HTTPリクエストの送信に失敗: %s %s: %v", e.Method, e.URL, e.Err)
	}
	return fmt.Sprintf("HTTPエラー: %s %s: status=%d, body=%s", e.Method, e.URL, e.StatusCode, string(e.Body))
}

// ClientError は公開エンドポイントが4xxを返したことによるエラーかを返す。
func (e *TransportError) ClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// Unwrap は原因となったエラーを返す。
func (e *TransportError) Unwrap() error {
	return e.Err
}

// ErrorMessage はレスポンスボディ中の "error" フィールドを取り出す。
// 4xxレスポンスはエラーではなくデータとして返されるため、呼び出し側はこれで判定する。
func ErrorMessage(body json.RawMessage) (string, bool) {
	var payload struct {
		Error *string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Error == nil {
		return "", false
	}
	return *payload.Error, true
}
