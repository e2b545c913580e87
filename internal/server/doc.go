// Package server は、コマンドAPIとイベントストリームをHTTPで公開します。
//
// 責務:
//   - 設定からカメラ、配信SDK、イベント配送先、コーディネーターを組み立てる
//   - Ginによるコマンドのルーティングとエラー分類のHTTPステータスへの変換
//   - /ws/events へのイベント配信（gorilla/websocket）
//   - 終了時に配信とキャプチャを解放してからイベントを配送し切る
//
// 仕様:
//   - PERMISSION_DENIED=403, DEVICE_UNAVAILABLE=503, SESSION_CONFIGURATION_FAILED=500,
//     NOT_READY=409, BROADCAST_ERROR=502, INVALID_ARGUMENT=400
//   - エラー応答は {"error": "<CODE>: <detail>", "code": "<CODE>"}
//   - イベントはRedisのPub/Subチャンネルにも発行できる
package server
