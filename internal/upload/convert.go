package upload

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/jdeng/goheif"
)

// Converter はHEIC/HEIF画像をJPEGに変換する。
type Converter interface {
	ToJPEG(ctx context.Context, data []byte) ([]byte, error)
}

// heifConverter はgoheifでデコードしてJPEGにエンコードする Converter。
type heifConverter struct {
	quality int
}

// NewHEIFConverter は標準の Converter を返す。
func NewHEIFConverter() Converter {
	return heifConverter{quality: 90}
}

// ToJPEG はHEIC/HEIF画像をJPEGに変換する。
func (h heifConverter) ToJPEG(ctx context.Context, data []byte) (out []byte, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// 壊れたファイルでデコーダがパニックすることがあるためエラーに変換する。
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("HEICのデコード中にパニック: %v", r)
		}
	}()

	img, err := goheif.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("HEICのデコードに失敗: %w", err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: h.quality}); err != nil {
		return nil, fmt.Errorf("JPEGのエンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}

// detectContentType はデータの先頭からMIMEタイプを判定する。
// 判定できない場合（application/octet-stream）は申告されたタイプを使う。
func detectContentType(data []byte, declared string) string {
	sniffed := baseType(mimetype.Detect(data).String())
	if sniffed != "application/octet-stream" {
		return sniffed
	}
	if d := baseType(declared); d != "" {
		return d
	}
	return sniffed
}

// baseType はパラメータを除いたMIMEタイプを小文字で返す。
func baseType(contentType string) string {
	t, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(t))
}

// isHEIC はHEIC/HEIF画像かを判定する。MIMEタイプとファイル名の拡張子の両方を見る。
func isHEIC(contentType, filename string) bool {
	switch contentType {
	case "image/heic", "image/heif", "image/heic-sequence", "image/heif-sequence":
		return true
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".heic", ".heif":
		return true
	}
	return false
}

// formats はMIMEタイプとフォーマット名（拡張子）の対応。
var formats = map[string]string{
	"image/jpeg":          "jpg",
	"image/png":           "png",
	"image/gif":           "gif",
	"image/webp":          "webp",
	"image/avif":          "avif",
	"image/bmp":           "bmp",
	"image/tiff":          "tiff",
	"image/heic":          "heic",
	"image/heic-sequence": "heic",
	"image/heif":          "heif",
	"image/heif-sequence": "heif",
}

// formatOf はMIMEタイプからフォーマット名を返す。
func formatOf(contentType string) string {
	if f, ok := formats[contentType]; ok {
		return f
	}
	if _, sub, ok := strings.Cut(contentType, "/"); ok && sub != "" {
		return strings.TrimPrefix(sub, "x-")
	}
	return "bin"
}
