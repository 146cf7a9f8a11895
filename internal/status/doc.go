// Package status はパイプラインの状態確認と、モバイルアプリからの
// 端末トークン・購読の登録を受け付けるHTTPサーバーを提供する。
//
// 主なエンドポイント:
//   - GET /health: ストアへの疎通確認
//   - GET /status: キュー長、再試行待ち、保存済み位置、認証トークンの状態
//   - GET /metrics: Prometheusメトリクス
//   - POST, DELETE /api/v1/devices: 端末トークンの登録と無効化
//   - PUT, DELETE /api/v1/artists/:id/reactions/:kind: リアクションの登録と解除
package status
