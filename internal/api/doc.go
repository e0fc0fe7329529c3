// Package api はファッション探索アプリのバックエンドAPIサービスの内部実装を提供する。
//
// 公開エンドポイント（商品カタログ、検索、トレンド）と、
// JWT認証が必要な保護エンドポイント（プロフィール、注文、ショッピングリスト）を提供する。
package api
