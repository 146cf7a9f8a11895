// Package detector はワークショップ変更フィードを監視し、新規ワークショップを
// 通知パイプラインへ引き渡す変更検知器を提供する。
//
// 変更検知器はフィードの唯一の読み手であり、読み込んだ位置はすべてTrackerに
// 報告する。位置の永続化はTrackerが担い、処理が完了した位置までしか進めない。
// そのため再起動時には未完了のイベントから再開され、取りこぼしが発生しない。
package detector
