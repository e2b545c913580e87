package broadcast

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"livecast/internal/media"
)

// SimulatedSDK はネットワークに接続しない配信SDK
//
// AutoConnectが有効ならStartでCONNECTING、CONNECTEDを続けて通知する。
// StatsIntervalが正なら接続中に一定間隔で統計を通知する。
type SimulatedSDK struct {
	AutoConnect   bool
	StatsInterval time.Duration

	mu       sync.Mutex
	newErr   error
	sessions []*SimulatedSession
}

// NewSimulatedSDK は新しいSimulatedSDKを作成する
func NewSimulatedSDK(autoConnect bool, statsInterval time.Duration) *SimulatedSDK {
	return &SimulatedSDK{AutoConnect: autoConnect, StatsInterval: statsInterval}
}

// FailNewSession は以後のセッション作成を失敗させる。nilで解除
func (s *SimulatedSDK) FailNewSession(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.newErr = err
}

// NewSession はセッションを作成する
func (s *SimulatedSDK) NewSession(cfg Config, cb Callbacks) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.newErr != nil {
		return nil, s.newErr
	}
	sess := &SimulatedSession{
		sdk:    s,
		cfg:    cfg,
		cb:     cb,
		mixer:  &SimulatedMixer{bindings: make(map[string]string)},
		audio:  &SimulatedAudio{gain: 1.0},
		ready:  true,
		stopCh: make(chan struct{}),
	}
	s.sessions = append(s.sessions, sess)
	return sess, nil
}

// Sessions は作成したセッションを返す
func (s *SimulatedSDK) Sessions() []*SimulatedSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sessions)
}

// Last は最後に作成したセッションを返す
func (s *SimulatedSDK) Last() *SimulatedSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sessions) == 0 {
		return nil
	}
	return s.sessions[len(s.sessions)-1]
}

// SimulatedSession はSimulatedSDKのセッション
type SimulatedSession struct {
	sdk   *SimulatedSDK
	cfg   Config
	cb    Callbacks
	mixer *SimulatedMixer
	audio *SimulatedAudio

	mu           sync.Mutex
	ready        bool
	startErr     error
	surfaces     []*SimulatedSurface
	released     []string
	url, key     string
	startCount   int
	stopCount    int
	releaseCount int
	metadata     []string
	statsRunning bool
	stopCh       chan struct{}
	statsWG      sync.WaitGroup
}

// Config は作成時の設定を返す
func (s *SimulatedSession) Config() Config { return s.cfg }

// SetReady はIsReadyの結果を変える
func (s *SimulatedSession) SetReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = ready
}

// FailStart は以後のStartを失敗させる。nilで解除
func (s *SimulatedSession) FailStart(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startErr = err
}

// CreateInputSurface は入力サーフェスを作る
func (s *SimulatedSession) CreateInputSurface() (media.Surface, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	surface := &SimulatedSurface{id: fmt.Sprintf("surface-%d", len(s.surfaces)+1)}
	s.surfaces = append(s.surfaces, surface)
	return surface, nil
}

// ReleaseSurface は入力サーフェスを解放する
func (s *SimulatedSession) ReleaseSurface(surface media.Surface) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, surface.ID())
}

// ReleasedSurfaces は解放されたサーフェスIDを返す
func (s *SimulatedSession) ReleasedSurfaces() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.released)
}

// Surfaces は作成したサーフェスを返す
func (s *SimulatedSession) Surfaces() []*SimulatedSurface {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.surfaces)
}

// Mixer はミキサーを返す
func (s *SimulatedSession) Mixer() Mixer { return s.mixer }

// SimMixer は具象型のミキサーを返す
func (s *SimulatedSession) SimMixer() *SimulatedMixer { return s.mixer }

// AudioDevice はマイクを返す
func (s *SimulatedSession) AudioDevice() AudioDevice { return s.audio }

// SimAudio は具象型のマイクを返す
func (s *SimulatedSession) SimAudio() *SimulatedAudio { return s.audio }

// IsReady は開始可能か返す
func (s *SimulatedSession) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready && s.releaseCount == 0
}

// Start は配信を開始する
func (s *SimulatedSession) Start(url, key string) error {
	s.mu.Lock()
	if s.startErr != nil {
		err := s.startErr
		s.mu.Unlock()
		return err
	}
	if s.releaseCount > 0 {
		s.mu.Unlock()
		return errors.New("セッションは解放されています")
	}
	s.url, s.key = url, key
	s.startCount++
	auto := s.sdk.AutoConnect
	interval := s.sdk.StatsInterval
	s.mu.Unlock()

	if auto {
		s.EmitState(StateConnecting)
		s.EmitState(StateConnected)
		if interval > 0 {
			s.startStats(interval)
		}
	}
	return nil
}

// Stop は配信を停止する
func (s *SimulatedSession) Stop() error {
	s.stopStats()

	s.mu.Lock()
	s.stopCount++
	auto := s.sdk.AutoConnect
	s.mu.Unlock()

	if auto {
		s.EmitState(StateDisconnected)
	}
	return nil
}

// SendTimedMetadata はメタデータを記録する
func (s *SimulatedSession) SendTimedMetadata(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata = append(s.metadata, text)
	return nil
}

// Release はセッションを解放する
func (s *SimulatedSession) Release() {
	s.stopStats()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseCount++
}

// Endpoint はStartに渡された配信先を返す
func (s *SimulatedSession) Endpoint() (url, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url, s.key
}

// Counts はStart、Stop、Releaseの呼び出し回数を返す
func (s *SimulatedSession) Counts() (start, stop, release int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startCount, s.stopCount, s.releaseCount
}

// Metadata は送信されたメタデータを返す
func (s *SimulatedSession) Metadata() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.metadata)
}

// EmitState は状態変化を通知する
func (s *SimulatedSession) EmitState(state State) {
	if s.cb.StateChanged != nil {
		s.cb.StateChanged(state)
	}
}

// EmitError はエラーを通知する
func (s *SimulatedSession) EmitError(code, detail string, fatal bool) {
	if s.cb.Error != nil {
		s.cb.Error(SDKError{Code: code, Detail: detail, Fatal: fatal})
	}
}

// EmitStats は送信統計を通知する
func (s *SimulatedSession) EmitStats(quality, network int) {
	if s.cb.Stats != nil {
		s.cb.Stats(TransmissionStats{Quality: quality, Network: network})
	}
}

// EmitRetryState は再接続状態を通知する
func (s *SimulatedSession) EmitRetryState(r RetryState) {
	if s.cb.RetryStateChanged != nil {
		s.cb.RetryStateChanged(r)
	}
}

func (s *SimulatedSession) startStats(interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statsRunning {
		return
	}
	s.statsRunning = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh

	s.statsWG.Add(1)
	go func() {
		defer s.statsWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				s.EmitStats(3, 3)
			}
		}
	}()
}

func (s *SimulatedSession) stopStats() {
	s.mu.Lock()
	if !s.statsRunning {
		s.mu.Unlock()
		return
	}
	s.statsRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.statsWG.Wait()
}

// SimulatedMixer はスロットの割り当てを記録する
type SimulatedMixer struct {
	mu       sync.Mutex
	bindings map[string]string
}

// Bind はsourceをslotに割り当てる
func (m *SimulatedMixer) Bind(source media.Surface, slot string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[source.ID()] = slot
	return nil
}

// Unbind はsourceの割り当てを外す
func (m *SimulatedMixer) Unbind(source media.Surface) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bindings[source.ID()]; !ok {
		return fmt.Errorf("割り当てられていないソース: %s", source.ID())
	}
	delete(m.bindings, source.ID())
	return nil
}

// Bindings は現在の割り当てのコピーを返す
func (m *SimulatedMixer) Bindings() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.bindings))
	for k, v := range m.bindings {
		out[k] = v
	}
	return out
}

// SimulatedAudio はゲインの履歴を記録する
type SimulatedAudio struct {
	mu    sync.Mutex
	gain  float64
	calls []float64
}

// SetGain はゲインを設定する
func (a *SimulatedAudio) SetGain(gain float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gain = gain
	a.calls = append(a.calls, gain)
	return nil
}

// Gain は現在のゲインを返す
func (a *SimulatedAudio) Gain() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gain
}

// GainCalls はSetGainに渡された値を順に返す
func (a *SimulatedAudio) GainCalls() []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.calls)
}

// SimulatedSurface は書き込まれたフレーム数を数える入力サーフェス
type SimulatedSurface struct {
	id     string
	frames atomic.Int64
	bytes  atomic.Int64
}

// ID はサーフェスIDを返す
func (s *SimulatedSurface) ID() string { return s.id }

// WriteFrame はフレームを受け取る
func (s *SimulatedSurface) WriteFrame(frame []byte) error {
	s.frames.Add(1)
	s.bytes.Add(int64(len(frame)))
	return nil
}

// Frames は受け取ったフレーム数を返す
func (s *SimulatedSurface) Frames() int64 {
	return s.frames.Load()
}
