// Package session はキャプチャと配信をまとめて操作するコーディネーターを提供する
//
// すべてのコマンドは1つのloop.Runner上で直列に実行される。
// カメラと配信SDKからのコールバックも同じRunnerに投入されるため、
// CaptureControllerとBroadcastLifecycleの状態はロックなしで扱える。
package session

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"livecast/internal/apperr"
	"livecast/internal/broadcast"
	"livecast/internal/camera"
	"livecast/internal/events"
	"livecast/internal/geometry"
	"livecast/internal/loop"
	"livecast/internal/media"
)

// Options はCoordinatorの依存関係
type Options struct {
	// Runner がnilなら専用のLoopを作り、Closeで停止する
	Runner    loop.Runner
	Catalog   *camera.Catalog
	Backend   camera.Backend
	SDK       broadcast.SDK
	Publisher events.Publisher
	Logger    *zap.SugaredLogger

	FocusMappings       map[int]geometry.FocusMapping
	DefaultFocusMapping geometry.FocusMapping

	// DefaultFacing はプレビュー要求でレンズが省略されたときに使う
	DefaultFacing camera.Facing
	// DefaultViewWidth, DefaultViewHeight はビューの大きさが省略されたときに使う
	DefaultViewWidth  int
	DefaultViewHeight int
	MixerSlot         string
}

// PreviewRequest はプレビュー開始コマンドの入力
type PreviewRequest struct {
	Source        media.Source
	URL           string
	Key           string
	Quality       string
	AutoReconnect bool
	ViewWidth     int
	ViewHeight    int
}

// ZoomRange はズーム倍率の範囲
type ZoomRange struct {
	Min float64 `json:"minZoom"`
	Max float64 `json:"maxZoom"`
}

// BrightnessRange は露出補正値の範囲と現在値
type BrightnessRange struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Value float64 `json:"value"`
}

// Status は現在の状態のスナップショット
type Status struct {
	CameraState      camera.State     `json:"cameraState"`
	CameraFailReason string           `json:"cameraFailReason,omitempty"`
	CameraID         string           `json:"cameraId,omitempty"`
	Facing           camera.Facing    `json:"facing,omitempty"`
	PreviewSize      geometry.Size    `json:"previewSize"`
	Zoom             float64          `json:"zoom"`
	FocusMode        camera.FocusMode `json:"focusMode,omitempty"`
	BroadcastState   broadcast.State  `json:"broadcastState"`
	Quality          string           `json:"quality,omitempty"`
	Muted            bool             `json:"muted"`
	Source           media.SourceKind `json:"source,omitempty"`
}

// Coordinator はCaptureControllerとBroadcastLifecycleを1つずつ所有する
type Coordinator struct {
	runner   loop.Runner
	ownsLoop *loop.Loop
	catalog  *camera.Catalog
	logger   *zap.SugaredLogger

	defaultFacing camera.Facing
	defaultView   geometry.Size

	// 以下はrunner上でのみ読み書きする
	capture    *camera.Controller
	broadcast  *broadcast.Lifecycle
	source     media.Source
	image      media.ImageSource
	viewWidth  int
	viewHeight int
	closed     bool
}

// New は新しいCoordinatorを作成する
func New(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	c := &Coordinator{
		runner:        opts.Runner,
		catalog:       opts.Catalog,
		logger:        logger,
		defaultFacing: opts.DefaultFacing,
		defaultView:   geometry.Size{Width: opts.DefaultViewWidth, Height: opts.DefaultViewHeight},
	}
	if c.runner == nil {
		c.ownsLoop = loop.New(logger.Named("loop"))
		c.runner = c.ownsLoop
	}
	if c.defaultFacing == "" {
		c.defaultFacing = camera.FacingFront
	}

	c.capture = camera.NewController(camera.ControllerOptions{
		Backend:             opts.Backend,
		Executor:            c.runner,
		Publisher:           opts.Publisher,
		Logger:              logger.Named("camera"),
		FocusMappings:       opts.FocusMappings,
		DefaultFocusMapping: opts.DefaultFocusMapping,
	})
	c.broadcast = broadcast.NewLifecycle(broadcast.Options{
		SDK:       opts.SDK,
		Executor:  c.runner,
		Publisher: opts.Publisher,
		Logger:    logger.Named("broadcast"),
		MixerSlot: opts.MixerSlot,
	})
	return c
}

// do はfnをrunner上で実行する。Close後やループ停止後はNOT_READYを返す
func (c *Coordinator) do(ctx context.Context, fn func() error) error {
	err := c.runner.Do(ctx, func() error {
		if c.closed {
			return apperr.New(apperr.CodeNotReady, "コーディネーターは終了しています")
		}
		return fn()
	})
	if errors.Is(err, loop.ErrStopped) {
		return apperr.Wrap(apperr.CodeNotReady, err, "コーディネーターは終了しています")
	}
	return err
}

// StartPreview は配信セッションの入力サーフェスを用意し、映像ソースをそこへ接続する
func (c *Coordinator) StartPreview(ctx context.Context, req PreviewRequest) error {
	if err := req.Source.Validate(); err != nil {
		return apperr.Wrap(apperr.CodeInvalidArgument, err, "映像ソースが不正です")
	}

	var desc camera.Descriptor
	if req.Source.Kind == media.SourceCamera {
		d, err := c.lookupCamera(req.Source.Facing)
		if err != nil {
			return err
		}
		desc = d
	}

	preset, ok := broadcast.PresetFor(req.Quality)
	if !ok {
		c.logger.Infow("不明な画質ティアのため既定プリセットを使います", "quality", req.Quality)
	}

	return c.do(ctx, func() error {
		// 古い入力サーフェスを解放する前に、それを使う映像ソースを止める
		c.detachImage()
		c.capture.Close()

		surface, err := c.broadcast.Configure(preset, broadcast.Endpoint{
			URL:           req.URL,
			Key:           req.Key,
			AutoReconnect: req.AutoReconnect,
		})
		if err != nil {
			return err
		}

		c.viewWidth, c.viewHeight = c.viewSize(req.ViewWidth, req.ViewHeight)
		c.source = req.Source

		switch req.Source.Kind {
		case media.SourceExternalImage:
			if err := req.Source.Image.Attach(surface); err != nil {
				return apperr.Wrap(apperr.CodeDeviceUnavailable, err, "外部映像ソースを接続できません")
			}
			c.image = req.Source.Image
			return nil
		default:
			return c.capture.Open(desc, []media.Surface{surface}, c.viewWidth, c.viewHeight)
		}
	})
}

// StartBroadcast は配信を開始する
func (c *Coordinator) StartBroadcast(ctx context.Context) error {
	return c.do(ctx, c.broadcast.Connect)
}

// StopBroadcast は配信を止め、キャプチャを閉じる
func (c *Coordinator) StopBroadcast(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.teardown()
		return nil
	})
}

// ToggleMute はミュートを切り替えて新しい状態を返す
func (c *Coordinator) ToggleMute(ctx context.Context) (bool, error) {
	var muted bool
	err := c.do(ctx, func() error {
		muted = c.broadcast.ToggleMute()
		return nil
	})
	return muted, err
}

// IsMuted は現在のミュート状態を返す
func (c *Coordinator) IsMuted(ctx context.Context) (bool, error) {
	var muted bool
	err := c.do(ctx, func() error {
		muted = c.broadcast.IsMuted()
		return nil
	})
	return muted, err
}

// CameraZoomFactor は現在のカメラのズーム範囲を返す
func (c *Coordinator) CameraZoomFactor(ctx context.Context) (ZoomRange, error) {
	var zr ZoomRange
	err := c.do(ctx, func() error {
		d, ok := c.capture.Descriptor()
		if !ok {
			return apperr.New(apperr.CodeNotReady, "カメラが開かれていません")
		}
		zr = ZoomRange{Min: 1.0, Max: d.MaxZoom}
		return nil
	})
	return zr, err
}

// ZoomCamera はズーム倍率を変更する
func (c *Coordinator) ZoomCamera(ctx context.Context, factor float64) error {
	return c.do(ctx, func() error {
		return c.capture.SetZoom(factor)
	})
}

// ChangeCamera は指定した向きのカメラに切り替える
func (c *Coordinator) ChangeCamera(ctx context.Context, selector string) error {
	desc, err := c.lookupCamera(selector)
	if err != nil {
		return err
	}
	return c.do(ctx, func() error {
		if c.image != nil {
			return apperr.New(apperr.CodeNotReady, "外部映像ソースを使用中です")
		}
		if err := c.capture.SwitchDevice(desc); err != nil {
			return err
		}
		c.source = media.CameraSource(string(desc.Facing))
		return nil
	})
}

// ChangeLens は指定した種類のレンズのカメラに切り替え、選んだデバイスを返す
func (c *Coordinator) ChangeLens(ctx context.Context, selector string) (camera.Descriptor, error) {
	lens, err := camera.ParseLensType(selector)
	if err != nil {
		return camera.Descriptor{}, apperr.Wrap(apperr.CodeInvalidArgument, err, "レンズ種別が不正です")
	}
	var desc camera.Descriptor
	err = c.do(ctx, func() error {
		if c.image != nil {
			return apperr.New(apperr.CodeNotReady, "外部映像ソースを使用中です")
		}
		if c.capture.State() != camera.StateStreaming {
			return apperr.New(apperr.CodeNotReady, "キャプチャセッションが動作していません")
		}
		d, ok := c.catalog.FindByLensType(lens)
		if !ok {
			return apperr.New(apperr.CodeDeviceUnavailable, "%sのカメラが見つかりません", lens)
		}
		if err := c.capture.SwitchDevice(d); err != nil {
			return err
		}
		c.source = media.CameraSource(string(d.Facing))
		desc = d
		return nil
	})
	return desc, err
}

// CameraBrightness は現在のカメラの露出補正範囲と現在値を返す
func (c *Coordinator) CameraBrightness(ctx context.Context) (BrightnessRange, error) {
	var br BrightnessRange
	err := c.do(ctx, func() error {
		d, ok := c.capture.Descriptor()
		if !ok {
			return apperr.New(apperr.CodeNotReady, "カメラが開かれていません")
		}
		br = BrightnessRange{Min: d.Exposure.Min, Max: d.Exposure.Max, Value: c.capture.ExposureBias()}
		return nil
	})
	return br, err
}

// SetCameraBrightness は露出補正値を変更し、範囲に収めた値を返す
func (c *Coordinator) SetCameraBrightness(ctx context.Context, bias float64) (float64, error) {
	var applied float64
	err := c.do(ctx, func() error {
		v, err := c.capture.SetExposureBias(bias)
		applied = v
		return err
	})
	return applied, err
}

// SetFocusMode はフォーカスモードを変更する
func (c *Coordinator) SetFocusMode(ctx context.Context, selector string) error {
	mode, err := camera.ParseFocusMode(selector)
	if err != nil {
		return apperr.Wrap(apperr.CodeInvalidArgument, err, "フォーカスモードが不正です")
	}
	return c.do(ctx, func() error {
		return c.capture.SetFocusMode(mode)
	})
}

// SetFocusPoint はタッチ位置にフォーカスを合わせる。ビューの大きさが0ならプレビュー時の値を使う
func (c *Coordinator) SetFocusPoint(ctx context.Context, x, y float64, viewWidth, viewHeight int) error {
	return c.do(ctx, func() error {
		if viewWidth <= 0 || viewHeight <= 0 {
			viewWidth, viewHeight = c.viewWidth, c.viewHeight
		}
		return c.capture.SetFocusPoint(x, y, viewWidth, viewHeight)
	})
}

// SendTimedMetadata は配信中のストリームにメタデータを埋め込む
func (c *Coordinator) SendTimedMetadata(ctx context.Context, text string) error {
	return c.do(ctx, func() error {
		return c.broadcast.SendTimedMetadata(text)
	})
}

// AvailableLenses は利用可能なレンズの向きを返す
func (c *Coordinator) AvailableLenses(_ context.Context) []camera.Facing {
	return c.catalog.Facings()
}

// RefreshDevices はカメラデバイスを再列挙する
func (c *Coordinator) RefreshDevices(ctx context.Context) ([]camera.Descriptor, error) {
	descs, err := c.catalog.Refresh(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeDeviceUnavailable, err, "デバイスを列挙できません")
	}
	return descs, nil
}

// Status は現在の状態を返す
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, func() error {
		st = Status{
			CameraState:      c.capture.State(),
			CameraFailReason: c.capture.FailReason(),
			PreviewSize:      c.capture.PreviewSize(),
			Zoom:             c.capture.Zoom().Factor,
			FocusMode:        c.capture.FocusMode(),
			BroadcastState:   c.broadcast.State(),
			Muted:            c.broadcast.IsMuted(),
			Source:           c.source.Kind,
		}
		if d, ok := c.capture.Descriptor(); ok {
			st.CameraID = d.ID
			st.Facing = d.Facing
		}
		if c.broadcast.State() != broadcast.StateIdle {
			st.Quality = c.broadcast.Preset().Name
		}
		return nil
	})
	return st, err
}

// Close は配信とキャプチャを解放する。何度呼んでもよい
func (c *Coordinator) Close(ctx context.Context) error {
	err := c.runner.Do(ctx, func() error {
		if c.closed {
			return nil
		}
		c.closed = true
		c.teardown()
		return nil
	})
	if errors.Is(err, loop.ErrStopped) {
		err = nil
	}
	if c.ownsLoop != nil {
		c.ownsLoop.Stop()
	}
	return err
}

// teardown は配信を止めてからキャプチャを閉じる
func (c *Coordinator) teardown() {
	c.broadcast.Stop()
	c.detachImage()
	c.capture.Close()
}

func (c *Coordinator) detachImage() {
	if c.image == nil {
		return
	}
	if err := c.image.Detach(); err != nil {
		c.logger.Warnw("外部映像ソースの切り離しに失敗しました", "error", err)
	}
	c.image = nil
}

func (c *Coordinator) lookupCamera(selector string) (camera.Descriptor, error) {
	facing := c.defaultFacing
	if selector != "" {
		f, err := camera.ParseFacing(selector)
		if err != nil {
			return camera.Descriptor{}, apperr.Wrap(apperr.CodeInvalidArgument, err, "カメラ種別が不正です")
		}
		facing = f
	}
	desc, ok := c.catalog.FindByFacing(facing)
	if !ok {
		return camera.Descriptor{}, apperr.New(apperr.CodeDeviceUnavailable, "%sカメラが見つかりません", facing)
	}
	return desc, nil
}

func (c *Coordinator) viewSize(w, h int) (int, int) {
	if w > 0 && h > 0 {
		return w, h
	}
	return c.defaultView.Width, c.defaultView.Height
}
