// Package httpclient は外部サービスとのJSON over HTTP通信を行うクライアントを提供する。
//
// プッシュプロバイダへの配信リクエストなど、ステータスコードによって
// 呼び出し側の判断が変わる通信のために、2xx以外の応答を StatusError として返す。
package httpclient
