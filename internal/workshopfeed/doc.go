// Package workshopfeed はワークショップコレクションの変更フィードを提供する。
//
// 変更は追記のみで記録され、単調増加する位置（event.Position）で順序付けられる。
// 購読者は任意の位置の直後から再開できるが、保持期間を過ぎて削除された履歴の
// 位置から再開しようとするとErrPositionExpiredが返る。
//
// 主な機能:
//   - 変更の追記（Append）
//   - 現在の末尾位置の取得（Head）
//   - 指定位置からの購読（Subscribe）
//   - 保持期間を過ぎた履歴の削除（Prune）
package workshopfeed
