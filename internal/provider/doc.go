// Package provider はプッシュプロバイダへの送信と、応答の分類を提供する。
//
// 応答は次の4種類に分類される。
//   - 成功
//   - 端末トークンが恒久的に無効（トークンを無効化する）
//   - この配信だけが恒久的に失敗（トークンは無効化しない）
//   - 一時的な失敗（リトライする）
package provider
