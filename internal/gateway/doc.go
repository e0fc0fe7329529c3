// Package gateway はクライアントが接続する単一オリジンのエッジサービスを提供する。
//
// /upload と /assets/ 以下はアップロードサービスへ、それ以外はAPIサービスへ転送する。
// 開発環境では POST /auth/dev-token でJWTを発行し、IDプロバイダの代わりとして使える。
package gateway
