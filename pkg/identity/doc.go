// Package identity は認証情報（Bearerトークン）の発行と検証を提供する。
//
// クライアント側では Provider がログイン状態とトークン取得を表し、
// サーバー側では ParseToken がトークンを検証してクレームを取り出す。
// トークンのキャッシュは行わず、GetToken は呼び出しのたびに新しいトークンを返す。
package identity
