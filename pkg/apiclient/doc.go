// Package apiclient はバックエンドAPIを呼び出すための認証付きゲートウェイを提供する。
//
// シンボリックなエンドポイントキーをURLに解決し、保護されたエンドポイントには
// IDプロバイダから取得したBearerトークンを付与してHTTPリクエストを送信する。
// 全ての画面（呼び出し側）はこのパッケージを経由してバックエンドと通信し、
// レスポンスの整形はそれぞれの呼び出し側が担当する。
//
// 保護されたエンドポイントでは4xxレスポンスをエラーとせず、そのままボディを返す。
// 呼び出し側はボディ中の "error" フィールドなどでアプリケーションエラーを判定する。
// 送信エラーと5xxのみが TransportError として返される。
package apiclient
