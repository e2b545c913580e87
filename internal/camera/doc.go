// Package camera カメラデバイスの列挙とキャプチャセッションを担う
//
// # 責務
// - カメラデバイスの列挙と特性の保持（Catalog）
// - デバイスを開き、出力先サーフェスへのセッションを構成する（Controller）
// - ズーム、フォーカスモード、タッチフォーカスの適用
//
// # 仕様
//   - Controllerの状態遷移:
//     CLOSED → OPENING → OPENED → CONFIGURING_SESSION → STREAMING
//     STREAMING/OPENED/CONFIGURING_SESSION → CLOSING → CLOSED
//     どの状態からでもエラーでFAILED
//   - 開く試行ごとに世代番号を進め、古い試行から届いたデバイスやセッションはその場で閉じる
//   - 解放は必ずセッション、デバイスの順に1回だけ行う
//   - ハードウェアからのコールバックはloop.Executorへ投入してから処理する
//
// # バックエンド
//   - V4L2Backend: ffmpegでMJPEGを取得し、v4l2-ctlでズームとフォーカスを設定する
//   - SimulatedBackend: ハードウェアなしで動く。手動モードでは完了順を制御できる
//
// # 前提要件
//   - v4l-utils: カメラ名の取得とデバイス制御に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
//   - ffmpeg: 画像キャプチャとストリーミングに使用
//     Ubuntu/Debian: sudo apt install ffmpeg
package camera
