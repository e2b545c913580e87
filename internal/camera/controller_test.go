package camera

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livecast/internal/apperr"
	"livecast/internal/events"
	"livecast/internal/geometry"
	"livecast/internal/media"
)

type testSurface string

func (s testSurface) ID() string { return string(s) }

func testDescriptor(id string, facing Facing) Descriptor {
	return Descriptor{
		ID:          id,
		Name:        "テストカメラ " + id,
		Facing:      facing,
		Orientation: 90,
		ActiveArray: geometry.Size{Width: 4000, Height: 3000},
		MaxZoom:     4.0,
		Exposure:    ExposureRange{Min: -8, Max: 8},
		OutputSizes: []geometry.Size{
			{Width: 640, Height: 480},
			{Width: 1280, Height: 720},
			{Width: 1920, Height: 1080},
		},
	}
}

func newTestController(backend Backend) (*Controller, *events.Recorder) {
	rec := events.NewRecorder()
	c := NewController(ControllerOptions{
		Backend:   backend,
		Publisher: rec,
	})
	return c, rec
}

var testTargets = []media.Surface{testSurface("encoder")}

func TestController_OpenReachesStreaming(t *testing.T) {
	backend := NewSimulatedBackend()
	c, rec := newTestController(backend)

	require.NoError(t, c.Open(testDescriptor("0", FacingFront), testTargets, 1280, 720))
	assert.Equal(t, StateStreaming, c.State())
	assert.Equal(t, geometry.Size{Width: 1280, Height: 720}, c.PreviewSize())

	devices := backend.Devices()
	require.Len(t, devices, 1)
	sessions := devices[0].Sessions()
	require.Len(t, sessions, 1)

	req, ok := sessions[0].LastRepeating()
	require.True(t, ok)
	assert.Equal(t, FocusContinuousAuto, req.FocusMode)
	assert.Equal(t, geometry.NewRect(0, 0, 4000, 3000), req.Crop)
	assert.Equal(t, TriggerIdle, req.FocusTrigger)

	assert.Equal(t,
		[]any{"OPENING", "OPENED", "CONFIGURING_SESSION", "STREAMING"},
		rec.Values(events.KindCameraState, "cameraState"),
	)
}

func TestController_PermissionDenied(t *testing.T) {
	backend := NewSimulatedBackend()
	backend.DenyPermission(true)
	c, rec := newTestController(backend)

	err := c.Open(testDescriptor("0", FacingFront), testTargets, 1280, 720)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrPermissionDenied))
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, ReasonPermissionDenied, c.FailReason())
	assert.Empty(t, backend.Devices())

	errs := rec.Values(events.KindError, "error")
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "PERMISSION_DENIED")
}

func TestController_InvalidArguments(t *testing.T) {
	c, _ := newTestController(NewSimulatedBackend())

	err := c.Open(Descriptor{}, testTargets, 0, 0)
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))

	err = c.Open(testDescriptor("0", FacingFront), nil, 0, 0)
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))
	assert.Equal(t, StateClosed, c.State())
}

func TestController_SupersededOpenIsReleased(t *testing.T) {
	backend := NewManualSimulatedBackend()
	c, _ := newTestController(backend)

	require.NoError(t, c.Open(testDescriptor("0", FacingFront), testTargets, 1280, 720))
	require.NoError(t, c.Open(testDescriptor("1", FacingBack), testTargets, 1280, 720))
	require.Equal(t, 2, backend.PendingOpens())

	// 先に要求した方が後から完了しても採用されない
	stale := backend.CompleteOpen(0)
	assert.Equal(t, 1, stale.CloseCount())
	assert.Equal(t, StateOpening, c.State())

	current := backend.CompleteOpen(0)
	assert.Equal(t, "1", current.ID())
	assert.Equal(t, StateConfiguringSession, c.State())

	current.CompleteSession(0)
	assert.Equal(t, StateStreaming, c.State())
	assert.Equal(t, 0, current.CloseCount())
	assert.Equal(t, 1, stale.CloseCount())
}

func TestController_SwitchDeviceWhileOpening(t *testing.T) {
	backend := NewManualSimulatedBackend()
	c, rec := newTestController(backend)

	require.NoError(t, c.Open(testDescriptor("0", FacingFront), testTargets, 1280, 720))
	require.Equal(t, StateOpening, c.State())

	require.NoError(t, c.SwitchDevice(testDescriptor("1", FacingBack)))
	require.Equal(t, 2, backend.PendingOpens())

	// 切り替え前のデバイスは遅れて届いても1回だけ閉じられる
	stale := backend.CompleteOpen(0)
	assert.Equal(t, "0", stale.ID())
	assert.Equal(t, 1, stale.CloseCount())
	assert.Empty(t, stale.Sessions())
	assert.Equal(t, StateOpening, c.State())

	current := backend.CompleteOpen(0)
	current.CompleteSession(0)
	assert.Equal(t, "1", current.ID())
	assert.Equal(t, StateStreaming, c.State())
	assert.Equal(t, 0, current.CloseCount())
	assert.Equal(t, 1, stale.CloseCount())

	d, ok := c.Descriptor()
	require.True(t, ok)
	assert.Equal(t, FacingBack, d.Facing)
	assert.Equal(t, testTargets, current.Sessions()[0].Targets())

	assert.Equal(t,
		[]any{"OPENING", "CLOSING", "CLOSED", "OPENING", "OPENED", "CONFIGURING_SESSION", "STREAMING"},
		rec.Values(events.KindCameraState, "cameraState"),
	)
}

func TestController_StaleSessionIsReleased(t *testing.T) {
	backend := NewManualSimulatedBackend()
	c, _ := newTestController(backend)

	require.NoError(t, c.Open(testDescriptor("0", FacingFront), testTargets, 1280, 720))
	dev := backend.CompleteOpen(0)
	require.Equal(t, 1, dev.PendingSessions())

	c.Close()
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 1, dev.CloseCount())

	session := dev.CompleteSession(0)
	assert.Equal(t, 1, session.CloseCount())
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 1, dev.CloseCount())
}

func TestController_CloseReleasesOnce(t *testing.T) {
	backend := NewSimulatedBackend()
	c, rec := newTestController(backend)

	require.NoError(t, c.Open(testDescriptor("0", FacingFront), testTargets, 1280, 720))
	dev := backend.Devices()[0]
	session := dev.Sessions()[0]

	rec.Reset()
	c.Close()
	c.Close()

	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 1, session.CloseCount())
	assert.Equal(t, 1, dev.CloseCount())
	assert.Equal(t, []any{"CLOSING", "CLOSED"}, rec.Values(events.KindCameraState, "cameraState"))
}

func TestController_SetZoom(t *testing.T) {
	backend := NewSimulatedBackend()
	c, _ := newTestController(backend)

	// セッションがなければ何もしない
	require.NoError(t, c.SetZoom(2.0))
	assert.Equal(t, ZoomState{}, c.Zoom())

	require.NoError(t, c.Open(testDescriptor("0", FacingFront), testTargets, 1280, 720))
	session := backend.Devices()[0].Sessions()[0]

	require.NoError(t, c.SetZoom(2.0))
	assert.Equal(t, 2.0, c.Zoom().Factor)
	assert.Equal(t, geometry.Rect{Left: 1000, Top: 750, Right: 3000, Bottom: 2250}, c.Zoom().Crop)

	req, _ := session.LastRepeating()
	assert.Equal(t, c.Zoom().Crop, req.Crop)

	require.NoError(t, c.SetZoom(10.0))
	assert.Equal(t, 4.0, c.Zoom().Factor)

	require.NoError(t, c.SetZoom(0.5))
	assert.Equal(t, 1.0, c.Zoom().Factor)
	assert.Equal(t, geometry.NewRect(0, 0, 4000, 3000), c.Zoom().Crop)
}

func TestController_SetZoomRejectsNonFinite(t *testing.T) {
	c, _ := newTestController(NewSimulatedBackend())
	require.NoError(t, c.Open(testDescriptor("0", FacingFront), testTargets, 1280, 720))

	err := c.SetZoom(math.Inf(1))
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))
}

func TestController_SetExposureBias(t *testing.T) {
	backend := NewSimulatedBackend()
	c, rec := newTestController(backend)

	_, err := c.SetExposureBias(1)
	assert.True(t, errors.Is(err, apperr.ErrNotReady))

	require.NoError(t, c.Open(testDescriptor("0", FacingBack), testTargets, 1280, 720))
	rec.Reset()
	session := backend.Devices()[0].Sessions()[0]

	applied, err := c.SetExposureBias(2.5)
	require.NoError(t, err)
	assert.Equal(t, 2.5, applied)
	last, ok := session.LastRepeating()
	require.True(t, ok)
	assert.Equal(t, 2.5, last.ExposureBias)

	// 範囲外の値はデバイスの範囲に収める
	applied, err = c.SetExposureBias(20)
	require.NoError(t, err)
	assert.Equal(t, 8.0, applied)
	assert.Equal(t, 8.0, c.ExposureBias())

	// ズームを変えても補正値は維持される
	require.NoError(t, c.SetZoom(2))
	last, _ = session.LastRepeating()
	assert.Equal(t, 8.0, last.ExposureBias)

	_, err = c.SetExposureBias(math.NaN())
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))

	assert.Equal(t, []any{2.5, 8.0}, rec.Values(events.KindExposureBias, "exposureBias"))

	// 開き直すと補正値は戻る
	require.NoError(t, c.SwitchDevice(testDescriptor("1", FacingFront)))
	assert.Equal(t, 0.0, c.ExposureBias())
}

func TestController_SetFocusPoint(t *testing.T) {
	backend := NewSimulatedBackend()
	c, rec := newTestController(backend)

	err := c.SetFocusPoint(10, 10, 100, 100)
	assert.True(t, errors.Is(err, apperr.ErrNotReady))

	require.NoError(t, c.Open(testDescriptor("0", FacingFront), testTargets, 1280, 720))
	session := backend.Devices()[0].Sessions()[0]

	// 連続オートフォーカス中は受け付けない
	err = c.SetFocusPoint(540, 960, 1080, 1920)
	assert.True(t, errors.Is(err, apperr.ErrNotReady))

	require.NoError(t, c.SetFocusMode(FocusAuto))
	require.NoError(t, c.SetFocusPoint(540, 960, 1080, 1920))

	captures := session.Captures()
	require.Len(t, captures, 1)
	assert.Equal(t, TriggerStart, captures[0].FocusTrigger)
	require.Len(t, captures[0].FocusRegions, 1)
	region := captures[0].FocusRegions[0]
	assert.Equal(t, geometry.Rect{Left: 1850, Top: 1350, Right: 2150, Bottom: 1650}, region.Rect)
	assert.Equal(t, geometry.FocusMeteringWeight, region.Weight)

	last, _ := session.LastRepeating()
	assert.Equal(t, TriggerIdle, last.FocusTrigger)
	assert.Equal(t, FocusAuto, last.FocusMode)
	assert.Equal(t, captures[0].FocusRegions, last.FocusRegions)

	assert.Equal(t, []any{"540.0_960.0"}, rec.Values(events.KindFocusPoint, "focusPoint"))
}

func TestController_SetFocusModeContinuousClearsRegions(t *testing.T) {
	backend := NewSimulatedBackend()
	c, _ := newTestController(backend)

	require.NoError(t, c.Open(testDescriptor("0", FacingFront), testTargets, 1280, 720))
	require.NoError(t, c.SetFocusMode(FocusAuto))
	require.NoError(t, c.SetFocusPoint(10, 10, 100, 100))
	require.NoError(t, c.SetFocusMode(FocusContinuousAuto))

	last, _ := backend.Devices()[0].Sessions()[0].LastRepeating()
	assert.Equal(t, FocusContinuousAuto, last.FocusMode)
	assert.Empty(t, last.FocusRegions)

	err := c.SetFocusMode(FocusMode("macro"))
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))
}

func TestController_DisconnectFails(t *testing.T) {
	backend := NewSimulatedBackend()
	c, rec := newTestController(backend)

	require.NoError(t, c.Open(testDescriptor("0", FacingFront), testTargets, 1280, 720))
	dev := backend.Devices()[0]
	session := dev.Sessions()[0]

	dev.Disconnect()
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, ReasonDeviceUnavailable, c.FailReason())
	assert.Equal(t, 1, session.CloseCount())
	assert.Equal(t, 1, dev.CloseCount())

	errs := rec.Values(events.KindError, "error")
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "DEVICE_UNAVAILABLE")

	// 失敗後のCloseは追加で解放しない
	c.Close()
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 1, dev.CloseCount())
}

func TestController_OpenErrorClosesDeliveredDevice(t *testing.T) {
	backend := NewManualSimulatedBackend()
	c, _ := newTestController(backend)

	require.NoError(t, c.Open(testDescriptor("0", FacingFront), testTargets, 1280, 720))
	dev := backend.FailOpen(0, errors.New("busy"))

	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, 1, dev.CloseCount())
}

func TestController_SessionConfigureFailed(t *testing.T) {
	backend := NewManualSimulatedBackend()
	c, _ := newTestController(backend)

	require.NoError(t, c.Open(testDescriptor("0", FacingFront), testTargets, 1280, 720))
	dev := backend.CompleteOpen(0)
	dev.FailSession(0, errors.New("unsupported surface"))

	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, ReasonSessionConfiguration, c.FailReason())
	assert.Equal(t, 1, dev.CloseCount())
}

func TestController_SwitchDeviceKeepsTargets(t *testing.T) {
	backend := NewSimulatedBackend()
	c, _ := newTestController(backend)

	err := c.SwitchDevice(testDescriptor("1", FacingBack))
	assert.True(t, errors.Is(err, apperr.ErrNotReady))

	require.NoError(t, c.Open(testDescriptor("0", FacingFront), testTargets, 1280, 720))
	require.NoError(t, c.SwitchDevice(testDescriptor("1", FacingBack)))

	devices := backend.Devices()
	require.Len(t, devices, 2)
	assert.Equal(t, 1, devices[0].CloseCount())
	assert.Equal(t, "1", devices[1].ID())
	assert.Equal(t, testTargets, devices[1].Sessions()[0].Targets())
	assert.Equal(t, StateStreaming, c.State())

	d, ok := c.Descriptor()
	require.True(t, ok)
	assert.Equal(t, FacingBack, d.Facing)
}

func TestController_FocusMappingPerOrientation(t *testing.T) {
	backend := NewSimulatedBackend()
	rec := events.NewRecorder()
	c := NewController(ControllerOptions{
		Backend:   backend,
		Publisher: rec,
		FocusMappings: map[int]geometry.FocusMapping{
			90: {SwapAxes: false, ClampUpper: true, HalfExtent: 100},
		},
	})

	require.NoError(t, c.Open(testDescriptor("0", FacingFront), testTargets, 1280, 720))
	require.NoError(t, c.SetFocusMode(FocusLocked))
	require.NoError(t, c.SetFocusPoint(100, 100, 100, 100))

	captures := backend.Devices()[0].Sessions()[0].Captures()
	require.Len(t, captures, 1)
	assert.Equal(t, geometry.Rect{Left: 3800, Top: 2800, Right: 4000, Bottom: 3000}, captures[0].FocusRegions[0].Rect)
}
