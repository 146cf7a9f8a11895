// Package config はプッシュ配信パイプラインの設定を読み込む。
//
// 設定はTOMLファイル、既定値、環境変数の順に解決される。
// 環境変数はTOMLより優先され、コンテナ環境での上書きに使用する。
// 起動時に検証し、署名鍵の欠落など回復不能な設定エラーはここで検出する。
package config
