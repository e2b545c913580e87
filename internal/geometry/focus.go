package geometry

import "math"

// FocusRegion はセンサー座標上のフォーカス／測光領域
type FocusRegion struct {
	Rect   Rect `json:"rect"`
	Weight int  `json:"weight"`
}

// FocusMapping はタッチ座標からセンサー座標への写像方法
//
// 参照端末ではセンサーが表示に対して90度回転しているため、
// 画面の水平位置がセンサーの垂直方向に対応する（SwapAxes）。
// 端末の向きごとに設定で切り替えられるようにしている。
type FocusMapping struct {
	SwapAxes   bool `yaml:"swap_axes"`   // 縦横を入れ替える
	ClampUpper bool `yaml:"clamp_upper"` // センサー右下端でもクランプする
	HalfExtent int  `yaml:"half_extent"` // 領域の半径
}

// DefaultFocusMapping は参照端末で観測された写像を返す
func DefaultFocusMapping() FocusMapping {
	return FocusMapping{
		SwapAxes:   true,
		ClampUpper: false,
		HalfExtent: DefaultFocusHalfExtent,
	}
}

// MapTouchToFocusRegion はタッチ位置を参照端末の写像でフォーカス領域に変換する
func MapTouchToFocusRegion(touchX, touchY float64, viewWidth, viewHeight int, sensor Rect, halfExtent int) FocusRegion {
	m := DefaultFocusMapping()
	m.HalfExtent = halfExtent
	return m.Map(touchX, touchY, viewWidth, viewHeight, sensor)
}

// Map はタッチ位置をフォーカス領域に変換する
func (m FocusMapping) Map(touchX, touchY float64, viewWidth, viewHeight int, sensor Rect) FocusRegion {
	half := m.HalfExtent
	if half <= 0 {
		half = DefaultFocusHalfExtent
	}
	side := 2 * half

	// ビューの大きさが不明な場合はセンサー中央とみなす
	nx, ny := 0.5, 0.5
	if viewWidth > 0 && viewHeight > 0 {
		nx = finiteOrZero(touchX) / float64(viewWidth)
		ny = finiteOrZero(touchY) / float64(viewHeight)
	}

	var x, y int
	if m.SwapAxes {
		y = int(nx * float64(sensor.Height()))
		x = int(ny * float64(sensor.Width()))
	} else {
		x = int(nx * float64(sensor.Width()))
		y = int(ny * float64(sensor.Height()))
	}
	x += sensor.Left
	y += sensor.Top

	left := max(x-half, 0, sensor.Left)
	top := max(y-half, 0, sensor.Top)
	width, height := side, side

	if m.ClampUpper && !sensor.Empty() {
		width = min(width, sensor.Width())
		height = min(height, sensor.Height())
		if left+width > sensor.Right {
			left = sensor.Right - width
		}
		if top+height > sensor.Bottom {
			top = sensor.Bottom - height
		}
	}

	return FocusRegion{
		Rect:   NewRect(left, top, width, height),
		Weight: FocusMeteringWeight,
	}
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
