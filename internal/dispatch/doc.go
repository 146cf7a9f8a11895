// Package dispatch は配信ジョブを固定数のワーカーでプッシュプロバイダへ送信する。
//
// 一時的な失敗は指数バックオフとジッターで再試行し、最大試行回数に達した
// ジョブは打ち切る。恒久的なトークンの失敗ではトークンを無効化する。
// ジョブが終端状態になると完了通知を呼び出す。
package dispatch
