// Package upload は画像アップロードサービスの内部実装を提供する。
//
// マルチパートフォームまたはbase64のデータURIで画像を受け取り、
// MIMEタイプを判定してHEIC/HEIFはJPEGに変換した上でオブジェクトストレージに保存する。
// 保存した画像は期限付きの署名付きURLでのみ参照できる。
package upload
