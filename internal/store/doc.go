// Package store はプッシュ配信パイプラインが参照・更新する永続ストアを提供する。
//
// SQLite上に次のテーブルを持つ。
//   - subscriptions: ユーザーのアーティストへのリアクション（論理削除）
//   - device_tokens: ユーザーの端末トークン（無効化のみで物理削除しない）
//   - sent_ledger: (workshop_id, user_id) ごとの送信済み台帳（書き込みは一度のみ）
//   - feed_cursors: 変更フィードの処理済み位置
//
// どの書き込みも冪等であり、同じ操作を二度行っても追加の効果はない。
package store
