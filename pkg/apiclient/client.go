package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/closet/pkg/endpoint"
	"github.com/nao1215/closet/pkg/identity"
)

// DefaultTimeout はHTTPクライアントのタイムアウト。
const DefaultTimeout = 30 * time.Second

// Client はバックエンドAPIへの呼び出しを仲介するゲートウェイ。
// 公開用と保護用の2つのHTTPクライアントを持ち、どちらも生成時にのみ設定される。
// 複数のgoroutineから同時に使用できる。
type Client struct {
	// baseURL はバックエンドのベースURL。
	baseURL *url.URL
	// registry はエンドポイントキーとパスの対応表。
	registry *endpoint.Registry
	// provider はログイン状態とトークンを提供するIDプロバイダ。
	provider identity.Provider
	// public は認証不要の呼び出しに使用するクライアント。
	public *transport
	// protected はBearerトークンを付与するクライアント。
	protected *transport
	// logger は呼び出しのログ出力先。
	logger *zap.Logger
}

// settings はNewに渡すオプションの集約。
type settings struct {
	timeout   time.Duration
	roundTrip http.RoundTripper
	logger    *zap.Logger
}

// Option はClientの生成オプション。
type Option func(*settings)

// WithTimeout はHTTPクライアントのタイムアウトを設定する。
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithRoundTripper は下位の http.RoundTripper を差し替える。
func WithRoundTripper(rt http.RoundTripper) Option {
	return func(s *settings) { s.roundTrip = rt }
}

// WithLogger はログ出力先を設定する。
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// New は新しいゲートウェイを生成する。
// baseURLには接続先のベースURL（例: "https://api.example.com"）を指定する。
// providerがnilの場合、保護されたエンドポイントの呼び出しは常に ErrUnauthenticated になる。
func New(baseURL string, registry *endpoint.Registry, provider identity.Provider, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("ベースURLのパースに失敗: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("ベースURLにはスキームとホストが必要です: %q", baseURL)
	}
	if registry == nil {
		return nil, errors.New("エンドポイントレジストリが指定されていません")
	}

	s := settings{timeout: DefaultTimeout, roundTrip: http.DefaultTransport}
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	c := &Client{
		baseURL:  u,
		registry: registry,
		provider: provider,
		logger:   s.logger,
	}
	c.public = &transport{
		httpClient: &http.Client{Timeout: s.timeout, Transport: s.roundTrip},
		valid:      publicStatus,
	}
	c.protected = &transport{
		httpClient: &http.Client{
			Timeout:   s.timeout,
			Transport: &bearerTransport{base: s.roundTrip, host: u.Host, tokens: c.token},
		},
		valid: protectedStatus,
	}
	return c, nil
}

// Registry はゲートウェイが使用しているレジストリを返す。
func (c *Client) Registry() *endpoint.Registry {
	return c.registry
}

// token はIDプロバイダから毎回新しいトークンを取得する。ゲートウェイ内ではキャッシュしない。
func (c *Client) token(ctx context.Context) (string, error) {
	if c.provider == nil {
		return "", nil
	}
	return c.provider.GetToken(ctx)
}

// CallPublic は認証不要のエンドポイントを呼び出す。
// 2xx/3xxの場合はレスポンスボディを返し、それ以外は TransportError を返す。
func (c *Client) CallPublic(ctx context.Context, key string, opts Options) (json.RawMessage, error) {
	path, err := c.registry.Public(key)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, c.public, endpoint.PartitionPublic, key, path, opts)
}

// CallProtected は認証が必要なエンドポイントを呼び出す。
// IDプロバイダが未初期化またはサインインしていない場合は、
// ネットワークにアクセスせずに ErrUnauthenticated を返す。
// 4xxレスポンスはエラーにせずボディをそのまま返す。
func (c *Client) CallProtected(ctx context.Context, key string, opts Options) (json.RawMessage, error) {
	path, err := c.registry.Protected(key)
	if err != nil {
		return nil, err
	}
	if c.provider == nil || !c.provider.IsLoaded() || !c.provider.IsSignedIn() {
		return nil, ErrUnauthenticated
	}
	return c.do(ctx, c.protected, endpoint.PartitionProtected, key, path, opts)
}

// do はリクエストを組み立てて送信し、レスポンスを正規化する共通処理。
func (c *Client) do(ctx context.Context, t *transport, p endpoint.Partition, key, path string, opts Options) (json.RawMessage, error) {
	method, ok := opts.method()
	if !ok {
		return nil, &ConfigurationError{Key: key, Partition: p, Reason: fmt.Sprintf("サポートされていないHTTPメソッドです: %q", opts.Method)}
	}

	expanded, err := endpoint.Expand(p, key, path, opts.PathParams)
	if err != nil {
		return nil, err
	}

	target := c.baseURL.JoinPath(expanded)
	var body io.Reader
	var contentType string
	if method == http.MethodGet {
		// GETではボディを送らず、Paramsのみクエリとして送る。
		if len(opts.Params) > 0 {
			q := target.Query()
			for k, vs := range opts.Params {
				for _, v := range vs {
					q.Add(k, v)
				}
			}
			target.RawQuery = q.Encode()
		}
	} else if opts.Data != nil {
		body, contentType, err = encodeBody(opts.Data)
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := t.httpClient.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) && errors.Is(uerr.Err, ErrUnauthenticated) {
			return nil, uerr.Err
		}
		c.logger.Warn("API呼び出しの送信に失敗",
			zap.String("key", key),
			zap.String("method", method),
			zap.Error(err),
		)
		return nil, &TransportError{Method: method, URL: target.String(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Method: method, URL: target.String(), StatusCode: resp.StatusCode, Err: fmt.Errorf("レスポンスの読み取りに失敗: %w", err)}
	}

	c.logger.Debug("API呼び出し",
		zap.String("key", key),
		zap.String("partition", string(p)),
		zap.String("method", method),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if !t.valid(resp.StatusCode) {
		return nil, &TransportError{
			Method:     method,
			URL:        target.String(),
			StatusCode: resp.StatusCode,
			Body:       raw,
			Err:        fmt.Errorf("status=%d", resp.StatusCode),
		}
	}
	return normalize(raw)
}

// encodeBody はリクエストボディをエンコードし、ボディとContent-Typeを返す。
func encodeBody(data any) (io.Reader, string, error) {
	switch v := data.(type) {
	case *FormData:
		// boundaryはmultipartライターが決めるため、JSONのContent-Typeは設定しない。
		return v.encode()
	case json.RawMessage:
		return bytes.NewReader(v), "application/json", nil
	case []byte:
		return bytes.NewReader(v), "application/json", nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
		}
		return bytes.NewReader(b), "application/json", nil
	}
}

// normalize はレスポンスボディを呼び出し側へ返す形に整える。
// 空のボディはnil、JSONでないボディはJSON文字列として返す。
func normalize(raw []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed), nil
	}
	b, err := json.Marshal(string(raw))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの変換に失敗: %w", err)
	}
	return b, nil
}

// Decode はレスポンスボディを任意の型にデシリアライズする。
func Decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, errors.New("レスポンスボディが空です")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("レスポンスボディのデシリアライズに失敗: %w", err)
	}
	return v, nil
}
