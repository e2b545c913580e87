// Package events は外部へ公開するイベントとその配送を担う
//
// # 責務
// - 状態・エラー・統計などのイベント表現
// - 単一の配送ゴルーチンによる順序保証付きの配送
// - 遅いシンクに対する種別ごとの上書き（深さ1のキュー）
// - ログ／Redis／WebSocketなど複数シンクへの分配
package events

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind はイベント種別
type Kind string

const (
	KindState        Kind = "state"        // 配信ライフサイクルの状態
	KindCameraState  Kind = "cameraState"  // キャプチャの状態
	KindError        Kind = "error"        // エラー
	KindStats        Kind = "stats"        // 送信統計
	KindFocusPoint   Kind = "focusPoint"   // フォーカス位置
	KindAudioMuted   Kind = "audioMuted"   // ミュート状態
	KindRetryState   Kind = "retryState"   // 自動再接続の状態
	KindExposureBias Kind = "exposureBias" // 露出補正値
)

// Event は外部に公開する1件のイベント
type Event struct {
	ID      string
	Kind    Kind
	Payload map[string]any
	Time    time.Time
}

// Publisher はイベントを受け付ける
type Publisher interface {
	Publish(e Event)
}

// Sink はイベントの最終的な配送先
type Sink interface {
	Deliver(ctx context.Context, e Event) error
}

// PublisherFunc は関数をPublisherとして扱う
type PublisherFunc func(Event)

// Publish はfを呼び出す
func (f PublisherFunc) Publish(e Event) { f(e) }

// MarshalJSON はペイロードのキーだけを持つJSONを返す
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Payload)
}

func newEvent(kind Kind, payload map[string]any) Event {
	return Event{
		ID:      uuid.NewString(),
		Kind:    kind,
		Payload: payload,
		Time:    time.Now(),
	}
}

// State は {state: name} を作る
func State(name string) Event {
	return newEvent(KindState, map[string]any{"state": name})
}

// CameraState は {cameraState: name} を作る
func CameraState(name string) Event {
	return newEvent(KindCameraState, map[string]any{"cameraState": name})
}

// Error は {error: "<code>: <detail>"} を作る
func Error(text string) Event {
	return newEvent(KindError, map[string]any{"error": text})
}

// Stats は {quality: q, network: n} を作る
func Stats(quality, network int) Event {
	return newEvent(KindStats, map[string]any{"quality": quality, "network": network})
}

// FocusPoint は {focusPoint: "<x>_<y>"} を作る
func FocusPoint(x, y float64) Event {
	point := formatCoordinate(x) + "_" + formatCoordinate(y)
	return newEvent(KindFocusPoint, map[string]any{"focusPoint": point})
}

// formatCoordinate は整数値でも小数点以下1桁を残す（540 → "540.0"）
func formatCoordinate(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if strings.ContainsAny(s, ".NI") {
		return s
	}
	return s + ".0"
}

// ExposureBias は {exposureBias: bias} を作る
func ExposureBias(bias float64) Event {
	return newEvent(KindExposureBias, map[string]any{"exposureBias": bias})
}

// AudioMuted は {audioMuted: muted} を作る
func AudioMuted(muted bool) Event {
	return newEvent(KindAudioMuted, map[string]any{"audioMuted": muted})
}

// RetryState は {retryState: name} を作る
func RetryState(name string) Event {
	return newEvent(KindRetryState, map[string]any{"retryState": name})
}
