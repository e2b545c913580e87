// Package broadcast 配信セッションのライフサイクルを担う
//
// # 責務
// - 画質ティアごとの固定プリセット
// - 配信SDKのセッション、入力サーフェス、ミキサー割り当て、ミュートの所有
// - SDKからの状態・エラー・統計・再接続状態をイベントに変換する
//
// # 仕様
//   - IDLE → SESSION_READY → CONNECTING → CONNECTED → DISCONNECTING → DISCONNECTED
//   - IDLEからの接続はNOT_READYを返し、状態を変えない
//   - Stopはセッションがなければ何もしない。2回目以降はイベントを出さない
//   - ミュートは配信状態と独立しており、IDLEでも切り替えられる
//   - SDKの通知はセッションごとのIDで照合し、停止済みセッションからの通知は捨てる
package broadcast
