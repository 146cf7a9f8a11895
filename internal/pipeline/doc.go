// Package pipeline は変更検知から配信までの各コンポーネントを接続する。
//
// 変更検知器が引き渡した新規ワークショップごとに、購読者と端末トークンを
// 解決し、送信済み台帳で重複を除いてから配信ジョブを登録する。
// イベントから生成されたジョブがすべて終端状態になるとイベントは完了となり、
// Watermarkが連続して完了した位置までフィード位置を永続化する。
package pipeline
