package camera

import (
	"fmt"
	"math"
	"slices"

	"go.uber.org/zap"

	"livecast/internal/apperr"
	"livecast/internal/events"
	"livecast/internal/geometry"
	"livecast/internal/loop"
	"livecast/internal/media"
)

// 失敗理由
const (
	ReasonPermissionDenied     = "permission-denied"
	ReasonDeviceUnavailable    = "device-unavailable"
	ReasonSessionConfiguration = "session-configuration-failed"
)

// ZoomState は現在のズーム倍率と対応するクロップ矩形
type ZoomState struct {
	Factor float64
	Crop   geometry.Rect
}

// ControllerOptions はControllerの依存関係
type ControllerOptions struct {
	Backend   Backend
	Executor  loop.Executor
	Publisher events.Publisher
	Logger    *zap.SugaredLogger

	// FocusMappings はセンサーの向きごとのタッチ写像。なければDefaultFocusMappingを使う
	FocusMappings       map[int]geometry.FocusMapping
	DefaultFocusMapping geometry.FocusMapping
}

// controllerState はControllerだけが読み書きする状態
type controllerState struct {
	state      State
	failReason string

	descriptor *Descriptor
	targets    []media.Surface
	viewWidth  int
	viewHeight int
	size       geometry.Size

	device  Device
	session Session

	request CaptureRequest
	zoom    ZoomState

	// generation は開く試行ごとに進み、古い試行のコールバックを識別する
	generation uint64
}

// Controller はカメラデバイスとキャプチャセッションを所有する
//
// すべてのメソッドはExecutorのコンテキスト上で呼び出すこと。
// ハードウェアからのコールバックもExecutorへ投入されてから処理される。
type Controller struct {
	backend   Backend
	exec      loop.Executor
	publisher events.Publisher
	logger    *zap.SugaredLogger

	focusMappings       map[int]geometry.FocusMapping
	defaultFocusMapping geometry.FocusMapping

	st controllerState
}

// NewController は新しいControllerを作成する
func NewController(opts ControllerOptions) *Controller {
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
	mapping := opts.DefaultFocusMapping
	if mapping.HalfExtent <= 0 {
		mapping = geometry.DefaultFocusMapping()
	}
	return &Controller{
		backend:             opts.Backend,
		exec:                exec,
		publisher:           publisher,
		logger:              logger,
		focusMappings:       opts.FocusMappings,
		defaultFocusMapping: mapping,
		st:                  controllerState{state: StateClosed},
	}
}

// State は現在の状態を返す
func (c *Controller) State() State {
	return c.st.state
}

// FailReason はFailed状態の理由を返す
func (c *Controller) FailReason() string {
	return c.st.failReason
}

// Descriptor は最後に開いたデバイスの特性を返す
func (c *Controller) Descriptor() (Descriptor, bool) {
	if c.st.descriptor == nil {
		return Descriptor{}, false
	}
	return c.st.descriptor.Clone(), true
}

// Zoom は現在のズーム状態を返す
func (c *Controller) Zoom() ZoomState {
	return c.st.zoom
}

// PreviewSize は交渉済みの出力サイズを返す
func (c *Controller) PreviewSize() geometry.Size {
	return c.st.size
}

// FocusMode は現在のフォーカスモードを返す
func (c *Controller) FocusMode() FocusMode {
	return c.st.request.FocusMode
}

// Open はデバイスを開き、targetsへ出力するセッションを構成する
//
// 完了はカメラ状態イベントで通知される。Closed以外から呼ばれた場合は先に閉じる。
func (c *Controller) Open(desc Descriptor, targets []media.Surface, viewWidth, viewHeight int) error {
	if err := desc.Validate(); err != nil {
		return apperr.Wrap(apperr.CodeInvalidArgument, err, "デバイス特性が不正です")
	}
	if len(targets) == 0 {
		return apperr.New(apperr.CodeInvalidArgument, "出力先サーフェスがありません")
	}

	if c.st.state != StateClosed {
		c.Close()
	}

	d := desc.Clone()
	c.st.descriptor = &d
	c.st.targets = slices.Clone(targets)
	c.st.viewWidth = viewWidth
	c.st.viewHeight = viewHeight
	c.st.zoom = ZoomState{
		Factor: 1.0,
		Crop:   geometry.ComputeZoomCrop(d.SensorRect(), d.MaxZoom, 1.0),
	}
	c.st.request = CaptureRequest{FocusMode: FocusContinuousAuto}

	if !c.backend.CheckPermission() {
		err := apperr.New(apperr.CodePermissionDenied, "カメラへのアクセスが許可されていません")
		c.fail(err)
		return err
	}

	c.st.size = geometry.ChooseOptimalSize(d.OutputSizes, viewWidth, viewHeight)
	c.logger.Infow("出力サイズを選択しました", "device", d.ID, "size", c.st.size.String())

	c.st.generation++
	gen := c.st.generation
	c.setState(StateOpening)

	if err := c.backend.OpenDevice(d.ID, c.deviceCallbacks(gen)); err != nil {
		e := apperr.Wrap(apperr.CodeDeviceUnavailable, err, "デバイスを開けません")
		c.fail(e)
		return e
	}
	return nil
}

// SwitchDevice は出力先とビューの大きさを維持したまま別のデバイスに切り替える
func (c *Controller) SwitchDevice(desc Descriptor) error {
	if len(c.st.targets) == 0 {
		return apperr.New(apperr.CodeNotReady, "プレビューが開始されていません")
	}
	targets := c.st.targets
	viewWidth, viewHeight := c.st.viewWidth, c.st.viewHeight

	c.Close()
	return c.Open(desc, targets, viewWidth, viewHeight)
}

// Close はセッション、デバイスの順に解放する。どの状態から呼んでもよい
func (c *Controller) Close() {
	if c.st.state == StateClosed {
		return
	}

	// 進行中の試行のコールバックを無効化する
	c.st.generation++
	c.setState(StateClosing)
	c.release()
	c.st.targets = nil
	c.st.failReason = ""
	c.setState(StateClosed)
}

// SetZoom はズーム倍率を変更し、繰り返しリクエストを再発行する
func (c *Controller) SetZoom(factor float64) error {
	if math.IsNaN(factor) || math.IsInf(factor, 0) {
		return apperr.New(apperr.CodeInvalidArgument, "無効なズーム倍率: %v", factor)
	}
	switch c.st.state {
	case StateOpened, StateConfiguringSession, StateStreaming:
	default:
		return nil
	}

	d := c.st.descriptor
	zoom := geometry.ClampZoom(d.MaxZoom, factor)
	c.st.zoom = ZoomState{
		Factor: zoom,
		Crop:   geometry.ComputeZoomCrop(d.SensorRect(), d.MaxZoom, zoom),
	}

	if c.st.session == nil {
		return nil
	}
	if err := c.st.session.SetRepeatingRequest(c.buildRequest(TriggerIdle)); err != nil {
		return apperr.Wrap(apperr.CodeDeviceUnavailable, err, "ズームの適用に失敗しました")
	}
	return nil
}

// ExposureBias は現在の露出補正値を返す
func (c *Controller) ExposureBias() float64 {
	return c.st.request.ExposureBias
}

// SetExposureBias は露出補正値をデバイスの範囲に収めて適用し、適用した値を返す
func (c *Controller) SetExposureBias(bias float64) (float64, error) {
	if math.IsNaN(bias) || math.IsInf(bias, 0) {
		return 0, apperr.New(apperr.CodeInvalidArgument, "無効な露出補正値: %v", bias)
	}
	switch c.st.state {
	case StateOpened, StateConfiguringSession, StateStreaming:
	default:
		return 0, apperr.New(apperr.CodeNotReady, "カメラが開かれていません")
	}

	clamped := c.st.descriptor.Exposure.Clamp(bias)
	c.st.request.ExposureBias = clamped

	if c.st.session != nil {
		if err := c.st.session.SetRepeatingRequest(c.buildRequest(TriggerIdle)); err != nil {
			return 0, apperr.Wrap(apperr.CodeDeviceUnavailable, err, "露出補正の適用に失敗しました")
		}
	}

	c.logger.Debugw("露出補正値を設定しました", "requested", bias, "applied", clamped)
	c.publisher.Publish(events.ExposureBias(clamped))
	return clamped, nil
}

// SetFocusPoint はタッチ位置にフォーカスを合わせる
func (c *Controller) SetFocusPoint(x, y float64, viewWidth, viewHeight int) error {
	if c.st.session == nil {
		return apperr.New(apperr.CodeNotReady, "キャプチャセッションがありません")
	}
	if c.st.request.FocusMode == FocusContinuousAuto {
		return apperr.New(apperr.CodeNotReady, "連続オートフォーカス中です。先にオートフォーカスに切り替えてください")
	}
	if viewWidth <= 0 || viewHeight <= 0 {
		return apperr.New(apperr.CodeInvalidArgument, "無効なビューサイズ: %dx%d", viewWidth, viewHeight)
	}

	d := c.st.descriptor
	region := c.focusMappingFor(d.Orientation).Map(x, y, viewWidth, viewHeight, d.SensorRect())

	c.st.request.FocusMode = FocusAuto
	c.st.request.FocusRegions = []geometry.FocusRegion{region}

	if err := c.st.session.Capture(c.buildRequest(TriggerStart)); err != nil {
		return apperr.Wrap(apperr.CodeDeviceUnavailable, err, "フォーカスの起動に失敗しました")
	}
	if err := c.st.session.SetRepeatingRequest(c.buildRequest(TriggerIdle)); err != nil {
		return apperr.Wrap(apperr.CodeDeviceUnavailable, err, "繰り返しリクエストの再開に失敗しました")
	}

	c.logger.Debugw("フォーカス位置を設定しました", "x", x, "y", y, "region", region.Rect.String())
	c.publisher.Publish(events.FocusPoint(x, y))
	return nil
}

// SetFocusMode はフォーカスモードを変更する
func (c *Controller) SetFocusMode(mode FocusMode) error {
	switch mode {
	case FocusLocked, FocusAuto, FocusContinuousAuto:
	default:
		return apperr.New(apperr.CodeInvalidArgument, "不明なフォーカスモード: %q", mode)
	}
	if c.st.session == nil {
		return apperr.New(apperr.CodeNotReady, "キャプチャセッションがありません")
	}

	c.st.request.FocusMode = mode
	if mode == FocusContinuousAuto {
		c.st.request.FocusRegions = nil
	}
	if err := c.st.session.SetRepeatingRequest(c.buildRequest(TriggerIdle)); err != nil {
		return apperr.Wrap(apperr.CodeDeviceUnavailable, err, "フォーカスモードの適用に失敗しました")
	}
	return nil
}

func (c *Controller) focusMappingFor(orientation int) geometry.FocusMapping {
	if m, ok := c.focusMappings[orientation]; ok {
		return m
	}
	return c.defaultFocusMapping
}

func (c *Controller) buildRequest(trigger FocusTrigger) CaptureRequest {
	return CaptureRequest{
		Targets:      slices.Clone(c.st.targets),
		Size:         c.st.size,
		Crop:         c.st.zoom.Crop,
		FocusMode:    c.st.request.FocusMode,
		FocusRegions: slices.Clone(c.st.request.FocusRegions),
		FocusTrigger: trigger,
		ExposureBias: c.st.request.ExposureBias,
	}
}

func (c *Controller) deviceCallbacks(gen uint64) DeviceCallbacks {
	return DeviceCallbacks{
		Opened: func(d Device) {
			c.exec.Post(func() { c.onOpened(gen, d) })
		},
		Disconnected: func(d Device) {
			c.exec.Post(func() {
				c.onDeviceLost(gen, d, apperr.New(apperr.CodeDeviceUnavailable, "デバイスが切断されました"))
			})
		},
		Error: func(d Device, err error) {
			c.exec.Post(func() {
				c.onDeviceLost(gen, d, apperr.Wrap(apperr.CodeDeviceUnavailable, err, "デバイスエラー"))
			})
		},
	}
}

func (c *Controller) sessionCallbacks(gen uint64) SessionCallbacks {
	return SessionCallbacks{
		Configured: func(s Session) {
			c.exec.Post(func() { c.onConfigured(gen, s) })
		},
		ConfigureFailed: func(err error) {
			c.exec.Post(func() { c.onConfigureFailed(gen, err) })
		},
	}
}

func (c *Controller) stale(gen uint64) bool {
	return gen != c.st.generation
}

func (c *Controller) onOpened(gen uint64, d Device) {
	if c.stale(gen) || c.st.state != StateOpening {
		// 置き換えられた試行のデバイスはここで閉じる
		c.logger.Infow("古い試行のデバイスを閉じます", "device", d.ID())
		safeClose(c.logger, "device", d.Close)
		return
	}

	c.st.device = d
	c.setState(StateOpened)

	c.setState(StateConfiguringSession)
	if err := d.CreateSession(c.st.targets, c.st.size, c.sessionCallbacks(gen)); err != nil {
		c.fail(apperr.Wrap(apperr.CodeSessionConfigurationFailed, err, "セッションを作成できません"))
	}
}

func (c *Controller) onConfigured(gen uint64, s Session) {
	if c.stale(gen) || c.st.state != StateConfiguringSession {
		safeClose(c.logger, "session", s.Close)
		return
	}

	c.st.session = s
	if err := s.SetRepeatingRequest(c.buildRequest(TriggerIdle)); err != nil {
		c.fail(apperr.Wrap(apperr.CodeSessionConfigurationFailed, err, "プレビューを開始できません"))
		return
	}
	c.setState(StateStreaming)
}

func (c *Controller) onConfigureFailed(gen uint64, err error) {
	if c.stale(gen) {
		return
	}
	c.fail(apperr.Wrap(apperr.CodeSessionConfigurationFailed, err, "セッションの構成に失敗しました"))
}

func (c *Controller) onDeviceLost(gen uint64, d Device, err *apperr.Error) {
	if c.stale(gen) {
		c.logger.Debugw("古い試行のデバイス通知を無視します", "error", err)
		return
	}
	if d != nil && c.st.device != d {
		// 開く途中でエラーになったデバイスは保持していないのでここで閉じる
		safeClose(c.logger, "device", d.Close)
	}
	c.fail(err)
}

// fail はハンドルを解放してFailedへ遷移し、エラーイベントを発行する
func (c *Controller) fail(err *apperr.Error) {
	c.st.generation++
	c.release()
	c.st.failReason = reasonFor(err.Code)
	c.logger.Warnw("キャプチャが失敗しました", "reason", c.st.failReason, "error", err)
	c.setState(StateFailed)
	c.publisher.Publish(events.Error(err.Event()))
}

// release はセッション、デバイスの順に解放する
func (c *Controller) release() {
	if s := c.st.session; s != nil {
		c.st.session = nil
		safeClose(c.logger, "session", s.Close)
	}
	if d := c.st.device; d != nil {
		c.st.device = nil
		safeClose(c.logger, "device", d.Close)
	}
}

func (c *Controller) setState(s State) {
	if c.st.state == s {
		return
	}
	c.logger.Debugw("キャプチャ状態が変化しました", "from", c.st.state, "to", s)
	c.st.state = s
	c.publisher.Publish(events.CameraState(string(s)))
}

func reasonFor(code apperr.Code) string {
	switch code {
	case apperr.CodePermissionDenied:
		return ReasonPermissionDenied
	case apperr.CodeSessionConfigurationFailed:
		return ReasonSessionConfiguration
	default:
		return ReasonDeviceUnavailable
	}
}

// safeClose は解放処理のパニックをログに落とす
func safeClose(logger *zap.SugaredLogger, what string, closeFn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("解放処理でパニックが発生しました", "resource", what, "panic", fmt.Sprint(r))
		}
	}()
	closeFn()
}
