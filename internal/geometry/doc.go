// Package geometry はカメラ出力とUI座標の変換を担う純粋関数群
//
// # 責務
// - 出力サイズ候補からの最適サイズ選択
// - ズーム倍率からセンサー上のクロップ矩形への変換
// - タッチ座標からセンサー座標のフォーカス領域への変換
//
// # 仕様
// - 全ての関数は失敗しない。前提条件を満たさない入力はデフォルト値にフォールバックする
// - 状態を持たないため並行に呼び出してよい
package geometry
