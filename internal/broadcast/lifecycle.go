package broadcast

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"livecast/internal/apperr"
	"livecast/internal/events"
	"livecast/internal/loop"
	"livecast/internal/media"
)

// State は配信ライフサイクルの状態
type State string

const (
	StateIdle          State = "IDLE"
	StateSessionReady  State = "SESSION_READY"
	StateConnecting    State = "CONNECTING"
	StateConnected     State = "CONNECTED"
	StateDisconnecting State = "DISCONNECTING"
	StateDisconnected  State = "DISCONNECTED"
	StateError         State = "ERROR"
)

// Options はLifecycleの依存関係
type Options struct {
	SDK       SDK
	Executor  loop.Executor
	Publisher events.Publisher
	Logger    *zap.SugaredLogger
	MixerSlot string
}

// Endpoint は配信先
type Endpoint struct {
	URL           string
	Key           string
	AutoReconnect bool
}

type lifecycleState struct {
	state     State
	lastError *SDKError

	session   Session
	sessionID string
	surface   media.Surface
	bound     bool
	audio     AudioDevice

	endpoint Endpoint
	preset   Preset
	muted    bool
}

// Lifecycle は配信セッション、その入力サーフェス、ミュート状態を所有する
//
// すべてのメソッドはExecutorのコンテキスト上で呼び出すこと。
type Lifecycle struct {
	sdk       SDK
	exec      loop.Executor
	publisher events.Publisher
	logger    *zap.SugaredLogger
	slot      string

	st lifecycleState
}

// NewLifecycle は新しいLifecycleを作成する
func NewLifecycle(opts Options) *Lifecycle {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	exec := opts.Executor
	if exec == nil {
		exec = loop.Inline{}
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = events.PublisherFunc(func(events.Event) {})
	}
	slot := opts.MixerSlot
	if slot == "" {
		slot = DefaultMixerSlot
	}
	return &Lifecycle{
		sdk:       opts.SDK,
		exec:      exec,
		publisher: publisher,
		logger:    logger,
		slot:      slot,
		st:        lifecycleState{state: StateIdle},
	}
}

// State は現在の状態を返す
func (l *Lifecycle) State() State {
	return l.st.state
}

// LastError は最後に受け取ったSDKエラーを返す
func (l *Lifecycle) LastError() (SDKError, bool) {
	if l.st.lastError == nil {
		return SDKError{}, false
	}
	return *l.st.lastError, true
}

// Preset は現在のセッションのプリセットを返す
func (l *Lifecycle) Preset() Preset {
	return l.st.preset
}

// IsMuted は現在のミュート状態を返す
func (l *Lifecycle) IsMuted() bool {
	return l.st.muted
}

// Configure は配信セッションを作成し、カメラが書き込む入力サーフェスを返す
//
// 既存のセッションがあれば先に停止する。
func (l *Lifecycle) Configure(preset Preset, endpoint Endpoint) (media.Surface, error) {
	if l.st.session != nil {
		l.Stop()
	}

	id := uuid.NewString()
	cfg := Config{Preset: preset, AutoReconnect: endpoint.AutoReconnect, MixerSlot: l.slot}
	session, err := l.sdk.NewSession(cfg, l.callbacks(id))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeBroadcastError, err, "配信セッションを作成できません")
	}

	surface, err := session.CreateInputSurface()
	if err != nil {
		session.Release()
		return nil, apperr.Wrap(apperr.CodeBroadcastError, err, "入力サーフェスを作成できません")
	}
	if err := session.Mixer().Bind(surface, l.slot); err != nil {
		session.ReleaseSurface(surface)
		session.Release()
		return nil, apperr.Wrap(apperr.CodeBroadcastError, err, "ミキサーに割り当てられません")
	}

	l.st.session = session
	l.st.sessionID = id
	l.st.surface = surface
	l.st.bound = true
	l.st.audio = session.AudioDevice()
	l.st.endpoint = endpoint
	l.st.preset = preset
	l.st.lastError = nil
	l.applyGain()

	l.logger.Infow("配信セッションを作成しました", "session", id, "preset", preset.Name, "autoReconnect", endpoint.AutoReconnect)
	l.setState(StateSessionReady)
	return surface, nil
}

// Connect は配信を開始する。完了は状態イベントで通知される
func (l *Lifecycle) Connect() error {
	switch l.st.state {
	case StateConnecting, StateConnected:
		return nil
	case StateIdle:
		return apperr.New(apperr.CodeNotReady, "配信セッションが準備されていません")
	}
	if l.st.session == nil || !l.st.session.IsReady() {
		return apperr.New(apperr.CodeNotReady, "配信セッションが準備されていません")
	}

	l.setState(StateConnecting)
	if err := l.st.session.Start(l.st.endpoint.URL, l.st.endpoint.Key); err != nil {
		e := apperr.Wrap(apperr.CodeBroadcastError, err, "配信を開始できません")
		l.setState(StateError)
		l.publisher.Publish(events.Error(e.Event()))
		return e
	}
	return nil
}

// Stop は配信を止めてセッションと入力サーフェスを解放する。セッションがなければ何もしない
func (l *Lifecycle) Stop() {
	session := l.st.session
	if session == nil {
		return
	}

	// 以後のSDK通知は古いものとして捨てる
	l.st.sessionID = ""
	l.setState(StateDisconnecting)

	if err := session.Stop(); err != nil {
		l.logger.Warnw("配信の停止に失敗しました", "error", err)
	}
	if l.st.bound {
		if err := session.Mixer().Unbind(l.st.surface); err != nil {
			l.logger.Warnw("ミキサーの割り当て解除に失敗しました", "error", err)
		}
		l.st.bound = false
	}
	if l.st.surface != nil {
		session.ReleaseSurface(l.st.surface)
		l.st.surface = nil
	}
	l.st.audio = nil
	session.Release()
	l.st.session = nil

	l.setState(StateDisconnected)
}

// ToggleMute はミュート状態を反転し、新しい状態を返す
func (l *Lifecycle) ToggleMute() bool {
	l.st.muted = !l.st.muted
	l.applyGain()
	l.publisher.Publish(events.AudioMuted(l.st.muted))
	return l.st.muted
}

// SendTimedMetadata は配信中のストリームにメタデータを埋め込む
func (l *Lifecycle) SendTimedMetadata(text string) error {
	if l.st.state != StateConnected || l.st.session == nil {
		return apperr.New(apperr.CodeNotReady, "配信中ではありません")
	}
	if err := l.st.session.SendTimedMetadata(text); err != nil {
		return apperr.Wrap(apperr.CodeBroadcastError, err, "メタデータを送信できません")
	}
	return nil
}

func (l *Lifecycle) applyGain() {
	if l.st.audio == nil {
		return
	}
	gain := 1.0
	if l.st.muted {
		gain = 0.0
	}
	if err := l.st.audio.SetGain(gain); err != nil {
		l.logger.Warnw("ゲインの設定に失敗しました", "gain", gain, "error", err)
	}
}

func (l *Lifecycle) callbacks(id string) Callbacks {
	return Callbacks{
		StateChanged: func(s State) {
			l.exec.Post(func() {
				if l.current(id) {
					l.onState(s)
				}
			})
		},
		Error: func(e SDKError) {
			l.exec.Post(func() {
				if l.current(id) {
					l.onError(e)
				}
			})
		},
		Stats: func(s TransmissionStats) {
			l.exec.Post(func() {
				if l.current(id) {
					l.publisher.Publish(events.Stats(s.Quality, s.Network))
				}
			})
		},
		RetryStateChanged: func(r RetryState) {
			l.exec.Post(func() {
				if l.current(id) {
					l.publisher.Publish(events.RetryState(string(r)))
				}
			})
		},
	}
}

func (l *Lifecycle) current(id string) bool {
	return id != "" && id == l.st.sessionID
}

func (l *Lifecycle) onState(s State) {
	switch s {
	case StateConnecting, StateConnected, StateDisconnected, StateError:
		l.setState(s)
	default:
		l.logger.Debugw("未対応のSDK状態を無視します", "state", s)
	}
}

func (l *Lifecycle) onError(e SDKError) {
	l.st.lastError = &e
	err := apperr.New(apperr.CodeBroadcastError, "%s", e.Error())
	l.logger.Warnw("配信エラー", "code", e.Code, "detail", e.Detail, "fatal", e.Fatal)
	l.publisher.Publish(events.Error(err.Event()))
	if e.Fatal {
		l.setState(StateError)
	}
}

func (l *Lifecycle) setState(s State) {
	if l.st.state == s {
		return
	}
	l.logger.Debugw("配信状態が変化しました", "from", l.st.state, "to", s)
	l.st.state = s
	l.publisher.Publish(events.State(string(s)))
}
