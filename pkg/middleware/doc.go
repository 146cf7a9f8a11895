// Package middleware はステータス／デバイス登録APIで使用するGinミドルウェアを提供する。
//
// モバイルアプリが発行するJWTの検証と、パニックからの回復を行う。
package middleware
