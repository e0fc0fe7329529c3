package apiclient

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"strings"
)

// Options は1回の呼び出しに対するオプション。
type Options struct {
	// Method はHTTPメソッド。空の場合はGET。
	Method string
	// Params はGETの場合にのみ送信するクエリパラメータ。
	Params url.Values
	// Data はGET以外の場合にのみ送信するリクエストボディ。
	// *FormData はマルチパート、それ以外はJSONとして送信する。
	Data any
	// PathParams はパス中の {name} を置き換える値。
	PathParams map[string]string
}

// allowedMethods は呼び出しに使用できるHTTPメソッド。
var allowedMethods = map[string]struct{}{
	"GET":    {},
	"POST":   {},
	"PUT":    {},
	"DELETE": {},
	"PATCH":  {},
}

// method は正規化したHTTPメソッドを返す。
func (o Options) method() (string, bool) {
	if o.Method == "" {
		return "GET", true
	}
	m := strings.ToUpper(o.Method)
	_, ok := allowedMethods[m]
	return m, ok
}

// FormData はマルチパートフォームのリクエストボディ。
// Content-Typeのboundaryはエンコード時にmultipartライターが決定する。
type FormData struct {
	parts []formPart
}

type formPart struct {
	field       string
	value       string
	filename    string
	contentType string
	file        io.Reader
}

// NewFormData は空のフォームを生成する。
func NewFormData() *FormData {
	return &FormData{}
}

// AddField はテキストフィールドを追加する。
func (f *FormData) AddField(name, value string) {
	f.parts = append(f.parts, formPart{field: name, value: value})
}

// AddFile はファイルフィールドを追加する。
// contentTypeが空の場合は application/octet-stream になる。
func (f *FormData) AddFile(field, filename, contentType string, r io.Reader) {
	f.parts = append(f.parts, formPart{field: field, filename: filename, contentType: contentType, file: r})
}

// encode はフォームをマルチパート形式にエンコードし、ボディとContent-Typeを返す。
func (f *FormData) encode() (io.Reader, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for _, p := range f.parts {
		if p.file == nil {
			if err := writer.WriteField(p.field, p.value); err != nil {
				return nil, "", fmt.Errorf("フォームフィールドの書き込みに失敗: %w", err)
			}
			continue
		}

		contentType := p.contentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, p.field, p.filename))
		h.Set("Content-Type", contentType)
		part, err := writer.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("マルチパートパートの作成に失敗: %w", err)
		}
		if _, err := io.Copy(part, p.file); err != nil {
			return nil, "", fmt.Errorf("マルチパートデータの書き込みに失敗: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("マルチパートライターのクローズに失敗: %w", err)
	}
	return body, writer.FormDataContentType(), nil
}
