package endpoint

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Partition はエンドポイントの区分。
type Partition string

const (
	// PartitionPublic は認証不要のエンドポイント区分。
	PartitionPublic Partition = "public"
	// PartitionProtected は認証必須のエンドポイント区分。
	PartitionProtected Partition = "protected"
)

// ErrConfiguration はエンドポイント設定の誤りを表すセンチネルエラー。
// errors.Is で ConfigurationError と比較できる。
var ErrConfiguration = errors.New("endpoint configuration error")

// ConfigurationError はレジストリに存在しないキーの参照など、
// プログラマーの設定ミスを表すエラー。自動的に回復されることはない。
type ConfigurationError struct {
	// Key は参照されたエンドポイントキー。
	Key string
	// Partition は参照された区分。
	Partition Partition
	// Reason はエラーの内容。
	Reason string
}

// Error はエラーメッセージを返す。
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("エンドポイント設定エラー: partition=%s, key=%q: %s", e.Partition, e.Key, e.Reason)
}

// Is は errors.Is で ErrConfiguration と一致させる。
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// Registry はエンドポイントキーとURLパスの不変な対応表。
// 生成後は読み取り専用のため、複数のgoroutineから安全に共有できる。
type Registry struct {
	public    map[string]string
	protected map[string]string
}

// New は public と protected の対応表からレジストリを生成する。
// 渡されたマップはコピーされるため、呼び出し側が後で変更しても影響しない。
func New(public, protected map[string]string) (*Registry, error) {
	r := &Registry{
		public:    make(map[string]string, len(public)),
		protected: make(map[string]string, len(protected)),
	}
	for k, v := range public {
		if err := validate(PartitionPublic, k, v); err != nil {
			return nil, err
		}
		r.public[k] = v
	}
	for k, v := range protected {
		if err := validate(PartitionProtected, k, v); err != nil {
			return nil, err
		}
		r.protected[k] = v
	}
	return r, nil
}

func validate(p Partition, key, path string) error {
	if key == "" {
		return &ConfigurationError{Key: key, Partition: p, Reason: "キーが空です"}
	}
	if !strings.HasPrefix(path, "/") {
		return &ConfigurationError{Key: key, Partition: p, Reason: fmt.Sprintf("パスは / で始まる必要があります: %q", path)}
	}
	if strings.ContainsAny(path, "?#") {
		return &ConfigurationError{Key: key, Partition: p, Reason: fmt.Sprintf("パスにクエリやフラグメントは含められません: %q", path)}
	}
	return nil
}

// Default はアプリケーションが使用する標準のレジストリを返す。
func Default() *Registry {
	r, err := New(
		map[string]string{
			"health":         "/health",
			"getProducts":    "/products",
			"searchProducts": "/products/search",
			"getProduct":     "/products/{id}",
			"getTrending":    "/discover/trending",
		},
		map[string]string{
			"getUserProfile":         "/user/profile",
			"updateUserProfile":      "/user/profile",
			"getOrders":              "/orders",
			"createOrder":            "/orders",
			"getShoppingList":        "/shopping-list",
			"addShoppingListItem":    "/shopping-list",
			"updateShoppingListItem": "/shopping-list/{id}",
			"removeShoppingListItem": "/shopping-list/{id}",
			"uploadImage":            "/upload",
		},
	)
	if err != nil {
		// 組み込みの定義が不正な場合はプログラムの誤り。
		panic(err)
	}
	return r
}

// fileFormat はレジストリ定義ファイルの構造。
type fileFormat struct {
	Public    map[string]string `yaml:"public"`
	Protected map[string]string `yaml:"protected"`
}

// LoadFile はYAML形式の定義ファイルからレジストリを読み込む。
//
//	public:
//	  getProducts: /products
//	protected:
//	  getOrders: /orders
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("エンドポイント定義ファイルの読み込みに失敗: %w", err)
	}
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("エンドポイント定義ファイルのパースに失敗: %w", err)
	}
	return New(f.Public, f.Protected)
}

// Public は public 区分からキーに対応するパスを返す。
func (r *Registry) Public(key string) (string, error) {
	return r.lookup(PartitionPublic, r.public, key)
}

// Protected は protected 区分からキーに対応するパスを返す。
func (r *Registry) Protected(key string) (string, error) {
	return r.lookup(PartitionProtected, r.protected, key)
}

func (r *Registry) lookup(p Partition, m map[string]string, key string) (string, error) {
	path, ok := m[key]
	if !ok {
		return "", &ConfigurationError{Key: key, Partition: p, Reason: "レジストリに存在しないキーです"}
	}
	return path, nil
}

// Keys は指定した区分のキーをソート済みで返す。
func (r *Registry) Keys(p Partition) []string {
	m := r.public
	if p == PartitionProtected {
		m = r.protected
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Expand はパス中の {name} プレースホルダーを params の値で置き換える。
// 値はURLエスケープされる。値が不足している場合は ConfigurationError を返す。
func Expand(p Partition, key, path string, params map[string]string) (string, error) {
	if !strings.Contains(path, "{") {
		return path, nil
	}

	var b strings.Builder
	rest := path
	for {
		start := strings.IndexByte(rest, '{')
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			return "", &ConfigurationError{Key: key, Partition: p, Reason: fmt.Sprintf("閉じられていないプレースホルダーです: %q", path)}
		}
		name := rest[start+1 : start+end]
		value, ok := params[name]
		if !ok || value == "" {
			return "", &ConfigurationError{Key: key, Partition: p, Reason: fmt.Sprintf("パスパラメータ %q が指定されていません", name)}
		}
		b.WriteString(rest[:start])
		b.WriteString(url.PathEscape(value))
		rest = rest[start+end+1:]
	}
	return b.String(), nil
}
