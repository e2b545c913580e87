package geometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChooseOptimalSize(t *testing.T) {
	candidates := []Size{{640, 480}, {1280, 720}, {1920, 1080}}

	testCases := []struct {
		name       string
		candidates []Size
		width      int
		height     int
		want       Size
	}{
		{"十分な大きさの最小面積", candidates, 1280, 720, Size{1280, 720}},
		{"足りない中で最大面積", candidates, 3840, 2160, Size{1920, 1080}},
		{"アスペクト比が一致しない場合は先頭", []Size{{640, 480}, {800, 600}}, 1280, 720, Size{640, 480}},
		{"目標が不正なら1280x720を使う", candidates, 0, -1, Size{1280, 720}},
		{"小さい目標", candidates, 640, 360, Size{1280, 720}},
		{"候補が空", nil, 1920, 1080, Size{1920, 1080}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := ChooseOptimalSize(tc.candidates, tc.width, tc.height)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestComputeZoomCrop_Containment(t *testing.T) {
	sensors := []Rect{
		NewRect(0, 0, 4000, 3000),
		NewRect(0, 0, 1921, 1079),
		NewRect(8, 16, 3264, 2448),
		NewRect(0, 0, 1, 1),
	}
	maxZoom := 8.0

	for _, sensor := range sensors {
		for z := 1.0; z <= maxZoom; z += 0.37 {
			crop := ComputeZoomCrop(sensor, maxZoom, z)
			assert.Truef(t, sensor.Contains(crop), "sensor=%v zoom=%.2f crop=%v", sensor, z, crop)
		}
	}
}

func TestComputeZoomCrop_Clamps(t *testing.T) {
	sensor := NewRect(0, 0, 4000, 3000)

	assert.Equal(t, ComputeZoomCrop(sensor, 4, 1.0), ComputeZoomCrop(sensor, 4, 0.2))
	assert.Equal(t, ComputeZoomCrop(sensor, 4, 1.0), ComputeZoomCrop(sensor, 4, math.NaN()))
	assert.Equal(t, ComputeZoomCrop(sensor, 4, 4.0), ComputeZoomCrop(sensor, 4, 12))

	crop := ComputeZoomCrop(sensor, 4, 2)
	assert.Equal(t, NewRect(1000, 750, 2000, 1500), crop)
}

func TestMapTouchToFocusRegion(t *testing.T) {
	sensor := NewRect(0, 0, 4000, 3000)

	t.Run("軸の入れ替え", func(t *testing.T) {
		// 水平位置はセンサーの垂直方向に対応する
		region := MapTouchToFocusRegion(540, 960, 1080, 1920, sensor, 150)
		assert.Equal(t, NewRect(1850, 1350, 300, 300), region.Rect)
		assert.Equal(t, MaxMeteringWeight-1, region.Weight)
	})

	t.Run("原点は負にならない", func(t *testing.T) {
		points := [][2]float64{{0, 0}, {-50, -10}, {1, 1079}, {1080, 0}, {math.Inf(1), math.NaN()}}
		for _, p := range points {
			region := MapTouchToFocusRegion(p[0], p[1], 1080, 1920, sensor, 150)
			assert.GreaterOrEqual(t, region.Rect.Left, 0)
			assert.GreaterOrEqual(t, region.Rect.Top, 0)
			assert.Equal(t, 300, region.Rect.Width())
		}
	})

	t.Run("上限側はクランプしない", func(t *testing.T) {
		region := MapTouchToFocusRegion(1080, 1920, 1080, 1920, sensor, 150)
		assert.Greater(t, region.Rect.Right, sensor.Right)
	})

	t.Run("ビューの大きさが0", func(t *testing.T) {
		region := MapTouchToFocusRegion(10, 10, 0, 0, sensor, 0)
		assert.Equal(t, NewRect(1850, 1350, 300, 300), region.Rect)
	})
}

func TestFocusMapping_ClampUpper(t *testing.T) {
	sensor := NewRect(0, 0, 4000, 3000)
	m := FocusMapping{SwapAxes: false, ClampUpper: true, HalfExtent: 150}

	region := m.Map(1080, 1920, 1080, 1920, sensor)
	assert.True(t, sensor.Contains(region.Rect), "region=%v", region.Rect)
	assert.Equal(t, 300, region.Rect.Width())
}
