// Package resolver は新規ワークショップから通知先のユーザーと端末トークンを解決する。
//
// ストアの読み込みに失敗した場合は指数バックオフで有限回リトライする。
// リトライが尽きた場合は呼び出し側がイベントを破棄する。
package resolver
