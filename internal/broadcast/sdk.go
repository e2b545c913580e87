package broadcast

import "livecast/internal/media"

// DefaultMixerSlot はカメラ映像を割り当てるミキサースロット名
const DefaultMixerSlot = "custom"

// Config は配信セッション作成時の設定
type Config struct {
	Preset        Preset
	AutoReconnect bool
	MixerSlot     string
}

// TransmissionStats は送信品質とネットワーク状態の序数
type TransmissionStats struct {
	Quality int
	Network int
}

// SDKError は配信SDKが報告するエラー
type SDKError struct {
	Code   string
	Detail string
	Fatal  bool
}

func (e SDKError) Error() string {
	return e.Code + ": " + e.Detail
}

// RetryState は自動再接続の状態
type RetryState string

const (
	RetryNotRetrying            RetryState = "NOT_RETRYING"
	RetryWaitingForBackoffTimer RetryState = "WAITING_FOR_BACKOFF_TIMER"
	RetryWaitingForInternet     RetryState = "WAITING_FOR_INTERNET"
	RetryRetrying               RetryState = "RETRYING"
	RetrySuccess                RetryState = "SUCCESS"
	RetryFailure                RetryState = "FAILURE"
)

// Callbacks は配信SDKからの通知先。任意のゴルーチンから呼ばれうる
type Callbacks struct {
	StateChanged      func(State)
	Error             func(SDKError)
	Stats             func(TransmissionStats)
	RetryStateChanged func(RetryState)
}

// SDK は配信SDKの入口
type SDK interface {
	NewSession(cfg Config, cb Callbacks) (Session, error)
}

// Session は配信SDKのセッション。RTMPやエンコードの実装は持たない
type Session interface {
	// CreateInputSurface はカメラが書き込む入力サーフェスを作る
	CreateInputSurface() (media.Surface, error)
	// ReleaseSurface は入力サーフェスを解放する
	ReleaseSurface(s media.Surface)

	Mixer() Mixer
	// AudioDevice はマイクデバイスを返す。なければnil
	AudioDevice() AudioDevice

	IsReady() bool
	Start(url, key string) error
	Stop() error
	SendTimedMetadata(text string) error

	Release()
}

// Mixer は入力ソースを出力フレーム上のスロットに割り当てる
type Mixer interface {
	Bind(source media.Surface, slot string) error
	Unbind(source media.Surface) error
}

// AudioDevice は音声入力デバイス
type AudioDevice interface {
	SetGain(gain float64) error
}
