// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// Bearerトークンの検証、zapによるリクエストログ、パニックリカバリ、
// CORS、Prometheusメトリクスなど、全サービスで共通して使用するミドルウェアを含む。
package middleware
