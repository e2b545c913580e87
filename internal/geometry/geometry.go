package geometry

import (
	"fmt"
	"math"
)

const (
	// DefaultTargetWidth は目標サイズが不正な場合に使う幅
	DefaultTargetWidth = 1280
	// DefaultTargetHeight は目標サイズが不正な場合に使う高さ
	DefaultTargetHeight = 720

	// DefaultFocusHalfExtent はフォーカス領域の半径（センサー画素）
	DefaultFocusHalfExtent = 150

	// MaxMeteringWeight はプラットフォームが予約している最大重み
	MaxMeteringWeight = 1000
	// FocusMeteringWeight は予約値と衝突しない最大の重み
	FocusMeteringWeight = MaxMeteringWeight - 1
)

// Size は出力解像度を表す
type Size struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Area は面積を返す
func (s Size) Area() int64 {
	return int64(s.Width) * int64(s.Height)
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Rect はセンサー座標系の矩形（Right/Bottomは排他的）
type Rect struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// NewRect は原点と大きさから矩形を作る
func NewRect(left, top, width, height int) Rect {
	return Rect{Left: left, Top: top, Right: left + width, Bottom: top + height}
}

// Width は幅を返す
func (r Rect) Width() int { return r.Right - r.Left }

// Height は高さを返す
func (r Rect) Height() int { return r.Bottom - r.Top }

// Empty は面積が0以下かどうか
func (r Rect) Empty() bool { return r.Width() <= 0 || r.Height() <= 0 }

// Contains はoが完全にr内に収まっているか判定する
func (r Rect) Contains(o Rect) bool {
	return o.Left >= r.Left && o.Top >= r.Top && o.Right <= r.Right && o.Bottom <= r.Bottom
}

func (r Rect) String() string {
	return fmt.Sprintf("[%d,%d %dx%d]", r.Left, r.Top, r.Width(), r.Height())
}

// ChooseOptimalSize は候補の中から目標サイズに最も適した出力サイズを選ぶ
//
// 目標と同じアスペクト比（整数演算で完全一致）の候補のうち、
// 目標以上のものがあれば最小面積、なければ目標未満の最大面積を返す。
// どれも一致しない場合は候補の先頭を返す。
func ChooseOptimalSize(candidates []Size, targetWidth, targetHeight int) Size {
	if targetWidth <= 0 || targetHeight <= 0 {
		targetWidth, targetHeight = DefaultTargetWidth, DefaultTargetHeight
	}
	if len(candidates) == 0 {
		return Size{Width: targetWidth, Height: targetHeight}
	}

	var (
		bigEnough    []Size
		notBigEnough []Size
	)
	for _, c := range candidates {
		if c.Height != c.Width*targetHeight/targetWidth {
			continue
		}
		if c.Width >= targetWidth && c.Height >= targetHeight {
			bigEnough = append(bigEnough, c)
		} else {
			notBigEnough = append(notBigEnough, c)
		}
	}

	switch {
	case len(bigEnough) > 0:
		best := bigEnough[0]
		for _, c := range bigEnough[1:] {
			if c.Area() < best.Area() {
				best = c
			}
		}
		return best
	case len(notBigEnough) > 0:
		best := notBigEnough[0]
		for _, c := range notBigEnough[1:] {
			if c.Area() > best.Area() {
				best = c
			}
		}
		return best
	default:
		return candidates[0]
	}
}

// ClampZoom はズーム倍率を [1.0, maxZoom] に収める
func ClampZoom(maxZoom, requested float64) float64 {
	if math.IsNaN(maxZoom) || maxZoom < 1.0 {
		maxZoom = 1.0
	}
	if math.IsNaN(requested) || requested < 1.0 {
		return 1.0
	}
	if requested > maxZoom {
		return maxZoom
	}
	return requested
}

// ComputeZoomCrop はズーム倍率に対応する中央寄せのクロップ矩形を計算する
func ComputeZoomCrop(sensor Rect, maxZoom, requested float64) Rect {
	zoom := ClampZoom(maxZoom, requested)
	w, h := sensor.Width(), sensor.Height()
	if w <= 0 || h <= 0 {
		return sensor
	}

	cropWidth := int(float64(w) / zoom)
	cropHeight := int(float64(h) / zoom)
	left := (w - cropWidth) / 2
	top := (h - cropHeight) / 2

	return NewRect(sensor.Left+left, sensor.Top+top, cropWidth, cropHeight)
}
