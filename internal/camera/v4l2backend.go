package camera

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"livecast/internal/geometry"
	"livecast/internal/media"
)

// DescriptorLookup はIDからデバイス特性を引く
type DescriptorLookup interface {
	Lookup(id string) (Descriptor, bool)
}

// V4L2Backend はffmpegとv4l2-ctlでV4L2デバイスを操作する
type V4L2Backend struct {
	devices DescriptorLookup
	fps     int
	logger  *zap.SugaredLogger
	run     commandRunner
	pattern string
}

// NewV4L2Backend は新しいV4L2Backendを作成する
func NewV4L2Backend(devices DescriptorLookup, fps int, logger *zap.SugaredLogger) *V4L2Backend {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if fps <= 0 {
		fps = 30
	}
	return &V4L2Backend{
		devices: devices,
		fps:     fps,
		logger:  logger,
		run:     execRunner,
		pattern: "/dev/video*",
	}
}

// CheckPermission は読み取り可能なビデオデバイスがあるか返す
func (b *V4L2Backend) CheckPermission() bool {
	matches, err := filepath.Glob(b.pattern)
	if err != nil {
		return false
	}
	for _, m := range matches {
		if isReadableDevice(m) {
			return true
		}
	}
	return false
}

// OpenDevice はデバイスを開く。結果は別ゴルーチンから通知する
func (b *V4L2Backend) OpenDevice(id string, cb DeviceCallbacks) error {
	desc, ok := b.devices.Lookup(id)
	if !ok {
		return fmt.Errorf("デバイスが見つかりません: %s", id)
	}

	dev := &v4l2Device{backend: b, desc: desc, cb: cb}
	go func() {
		if !isReadableDevice(desc.Device) {
			cb.Error(dev, fmt.Errorf("デバイスが利用できません: %s", desc.Device))
			return
		}
		ctx := context.Background()
		if ctrls, err := b.run(ctx, "v4l2-ctl", "--device", desc.Device, "--list-ctrls"); err == nil {
			if z, ok := parseZoomControl(string(ctrls)); ok {
				dev.zoom = &z
			}
			if b, ok := parseBrightnessControl(string(ctrls)); ok {
				dev.brightness = &b
			}
		}
		cb.Opened(dev)
	}()
	return nil
}

type v4l2Device struct {
	backend    *V4L2Backend
	desc       Descriptor
	cb         DeviceCallbacks
	zoom       *zoomControl
	brightness *brightnessControl

	mu      sync.Mutex
	session *v4l2Session
	closed  bool
}

func (d *v4l2Device) ID() string { return d.desc.ID }

func (d *v4l2Device) CreateSession(targets []media.Surface, size geometry.Size, cb SessionCallbacks) error {
	writers, err := frameWriters(targets)
	if err != nil {
		return err
	}

	go func() {
		logger := d.backend.logger.With("device", d.desc.Device)
		input := []string{
			"-f", "v4l2",
			"-video_size", fmt.Sprintf("%dx%d", size.Width, size.Height),
			"-r", strconv.Itoa(d.backend.fps),
			"-i", d.desc.Device,
		}
		stream, err := startFrameStream(context.Background(), logger, input, writers, func(err error) {
			d.cb.Disconnected(d)
		})
		if err != nil {
			cb.ConfigureFailed(err)
			return
		}

		s := &v4l2Session{device: d, stream: stream}
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			stream.stop()
			cb.ConfigureFailed(fmt.Errorf("デバイスは閉じられています"))
			return
		}
		d.session = s
		d.mu.Unlock()

		cb.Configured(s)
	}()
	return nil
}

func (d *v4l2Device) Close() {
	d.mu.Lock()
	d.closed = true
	s := d.session
	d.session = nil
	d.mu.Unlock()

	if s != nil {
		s.Close()
	}
}

type v4l2Session struct {
	device *v4l2Device
	stream *frameStream
	once   sync.Once
}

// control はv4l2-ctlに渡すコントロール名と値
type control struct {
	name  string
	value string
}

// SetRepeatingRequest はズーム、フォーカス、露出補正をデバイスコントロールに反映する
func (s *v4l2Session) SetRepeatingRequest(req CaptureRequest) error {
	var controls []control

	if z := s.device.zoom; z != nil && req.Crop.Width() > 0 {
		factor := float64(s.device.desc.ActiveArray.Width) / float64(req.Crop.Width())
		controls = append(controls, control{"zoom_absolute", strconv.Itoa(z.value(factor))})
	}

	switch req.FocusMode {
	case FocusContinuousAuto:
		controls = append(controls, control{"focus_automatic_continuous", "1"})
	case FocusAuto, FocusLocked:
		controls = append(controls, control{"focus_automatic_continuous", "0"})
	}

	if b := s.device.brightness; b != nil {
		controls = append(controls, control{"brightness", strconv.Itoa(b.value(req.ExposureBias))})
	}

	return s.setControls(controls...)
}

// Capture はワンショットのオートフォーカスを起動する。V4L2は領域指定を持たない
func (s *v4l2Session) Capture(req CaptureRequest) error {
	if req.FocusTrigger != TriggerStart {
		return nil
	}
	// 連続AF中はauto_focus_startが効かないので先に止める
	return s.setControls(
		control{"focus_automatic_continuous", "0"},
		control{"auto_focus_start", "1"},
	)
}

func (s *v4l2Session) Close() {
	s.once.Do(s.stream.stop)
}

// setControls はカメラのコントロールを指定順に設定する
func (s *v4l2Session) setControls(controls ...control) error {
	ctx := context.Background()
	for _, c := range controls {
		if _, err := s.device.backend.run(ctx, "v4l2-ctl", "--device", s.device.desc.Device, "--set-ctrl", c.name+"="+c.value); err != nil {
			return fmt.Errorf("コントロール %s の設定に失敗: %w", c.name, err)
		}
	}
	return nil
}
