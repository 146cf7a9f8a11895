// Package credential はプッシュプロバイダの認証トークンを生成し、期限前に
// 差し替えるローテーターを提供する。
//
// 認証トークンは不変の値として扱い、atomic.Pointerで丸ごと差し替える。
// 配信ワーカーは送信ごとにスナップショットを取得するため、差し替え中でも
// 一貫したトークンを使用できる。
package credential
