// Package endpoint はAPI呼び出しで使用するエンドポイントレジストリを提供する。
//
// シンボリックなキー（例: "getUserProfile"）とURLパスの対応を、
// 認証不要の public と認証必須の protected の2つに分けて保持する。
// レジストリはプロセス起動時に一度だけ生成され、以降は変更されない。
package endpoint
