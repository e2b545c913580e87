package camera

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"livecast/internal/geometry"
	"livecast/internal/media"
)

// Facing はレンズの向き
type Facing string

const (
	FacingFront   Facing = "front"   // 前面カメラ
	FacingBack    Facing = "back"    // 背面カメラ
	FacingUnknown Facing = "unknown" // 外付けなど向き不明
)

// ParseFacing はカメラ種別セレクタ（"0"=前面, "1"=背面 または名前）を解釈する
func ParseFacing(selector string) (Facing, error) {
	switch strings.ToLower(strings.TrimSpace(selector)) {
	case "0", "front":
		return FacingFront, nil
	case "1", "back":
		return FacingBack, nil
	case "unknown", "external":
		return FacingUnknown, nil
	default:
		return "", fmt.Errorf("不明なカメラ種別: %q", selector)
	}
}

// LensType はレンズの種類
type LensType string

const (
	LensDual       LensType = "dual"        // デュアルカメラ
	LensWideAngle  LensType = "wide_angle"  // 広角
	LensTriple     LensType = "triple"      // トリプルカメラ
	LensTelephoto  LensType = "telephoto"   // 望遠
	LensDualWide   LensType = "dual_wide"   // デュアル広角
	LensTrueDepth  LensType = "true_depth"  // 深度センサー付き前面
	LensUltraWide  LensType = "ultra_wide"  // 超広角
	LensLiDARDepth LensType = "lidar_depth" // LiDAR深度
	LensDefault    LensType = "default"     // 既定のカメラ
)

// lensSelectors はセレクタ番号順のレンズ種別
var lensSelectors = []LensType{
	LensDual, LensWideAngle, LensTriple, LensTelephoto, LensDualWide,
	LensTrueDepth, LensUltraWide, LensLiDARDepth, LensDefault,
}

// ParseLensType はレンズ種別セレクタ（"0"〜"8" または名前）を解釈する
func ParseLensType(selector string) (LensType, error) {
	s := strings.ToLower(strings.TrimSpace(selector))
	for i, l := range lensSelectors {
		if s == strconv.Itoa(i) || s == string(l) {
			return l, nil
		}
	}
	return "", fmt.Errorf("不明なレンズ種別: %q", selector)
}

// ExposureRange は露出補正値の範囲（EV）。ゼロ値は補正できないことを表す
type ExposureRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Clamp はvを範囲内に収める
func (r ExposureRange) Clamp(v float64) float64 {
	return min(max(v, r.Min), r.Max)
}

// Descriptor はカメラデバイスの静的な特性。列挙時に作られ、以後変更しない
type Descriptor struct {
	ID          string          // デバイス識別子
	Name        string          // 表示名
	Device      string          // デバイスパス（例: /dev/video0）
	Facing      Facing          // レンズの向き
	LensType    LensType        // レンズの種類。空なら広角とみなす
	Orientation int             // センサーの向き（0/90/180/270）
	ActiveArray geometry.Size   // センサー有効画素領域
	MaxZoom     float64         // 最大デジタルズーム倍率
	Exposure    ExposureRange   // 露出補正値の範囲
	OutputSizes []geometry.Size // 出力可能なサイズ（順序あり）
}

// Lens はレンズの種類を返す
func (d Descriptor) Lens() LensType {
	if d.LensType == "" {
		return LensWideAngle
	}
	return d.LensType
}

// SensorRect はセンサー有効画素領域を矩形で返す
func (d Descriptor) SensorRect() geometry.Rect {
	return geometry.NewRect(0, 0, d.ActiveArray.Width, d.ActiveArray.Height)
}

// Clone はスライスを共有しないコピーを返す
func (d Descriptor) Clone() Descriptor {
	d.OutputSizes = slices.Clone(d.OutputSizes)
	return d
}

// Validate は特性値の妥当性を検証する
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("デバイスIDがありません")
	}
	switch d.Orientation {
	case 0, 90, 180, 270:
	default:
		return fmt.Errorf("無効なセンサーの向き: %d", d.Orientation)
	}
	if d.MaxZoom < 1.0 {
		return fmt.Errorf("無効な最大ズーム倍率: %v", d.MaxZoom)
	}
	if d.ActiveArray.Width <= 0 || d.ActiveArray.Height <= 0 {
		return fmt.Errorf("無効なセンサーサイズ: %s", d.ActiveArray)
	}
	if d.Exposure.Min > d.Exposure.Max {
		return fmt.Errorf("無効な露出補正範囲: %v〜%v", d.Exposure.Min, d.Exposure.Max)
	}
	return nil
}

// FocusMode はフォーカスモード
type FocusMode string

const (
	FocusLocked         FocusMode = "locked"
	FocusAuto           FocusMode = "auto"
	FocusContinuousAuto FocusMode = "continuous_auto"
)

// ParseFocusMode はフォーカスモードセレクタ（"0"/"1"/"2" または名前）を解釈する
func ParseFocusMode(selector string) (FocusMode, error) {
	switch strings.ToLower(strings.TrimSpace(selector)) {
	case "0", string(FocusLocked):
		return FocusLocked, nil
	case "1", string(FocusAuto):
		return FocusAuto, nil
	case "2", string(FocusContinuousAuto):
		return FocusContinuousAuto, nil
	default:
		return "", fmt.Errorf("不明なフォーカスモード: %q", selector)
	}
}

// FocusTrigger はオートフォーカスの起動指示
type FocusTrigger int

const (
	TriggerIdle FocusTrigger = iota
	TriggerStart
)

// CaptureRequest はセッションに発行するキャプチャ指示
type CaptureRequest struct {
	Targets      []media.Surface
	Size         geometry.Size
	Crop         geometry.Rect
	FocusMode    FocusMode
	FocusRegions []geometry.FocusRegion
	FocusTrigger FocusTrigger
	ExposureBias float64
}

// State はキャプチャセッションの状態
type State string

const (
	StateClosed             State = "CLOSED"
	StateOpening            State = "OPENING"
	StateOpened             State = "OPENED"
	StateConfiguringSession State = "CONFIGURING_SESSION"
	StateStreaming          State = "STREAMING"
	StateClosing            State = "CLOSING"
	StateFailed             State = "FAILED"
)

// Enumerator はカメラデバイスを列挙する
type Enumerator interface {
	Enumerate(ctx context.Context) ([]Descriptor, error)
}

// Backend はカメラハードウェアへのアクセスを提供する
type Backend interface {
	// CheckPermission はカメラへのアクセス権限があるか返す
	CheckPermission() bool

	// OpenDevice はデバイスを非同期に開く。結果はcbで通知される
	OpenDevice(id string, cb DeviceCallbacks) error
}

// DeviceCallbacks はデバイスを開いた結果の通知先
type DeviceCallbacks struct {
	Opened       func(Device)
	Disconnected func(Device)
	Error        func(Device, error)
}

// Device は開いたカメラデバイス
type Device interface {
	ID() string

	// CreateSession は出力先サーフェスとのセッションを非同期に構成する
	CreateSession(targets []media.Surface, size geometry.Size, cb SessionCallbacks) error

	Close()
}

// SessionCallbacks はセッション構成の結果の通知先
type SessionCallbacks struct {
	Configured      func(Session)
	ConfigureFailed func(error)
}

// Session は構成済みのキャプチャセッション
type Session interface {
	// SetRepeatingRequest は繰り返しリクエストを置き換える
	SetRepeatingRequest(req CaptureRequest) error

	// Capture は1回だけのリクエストを発行する
	Capture(req CaptureRequest) error

	Close()
}
