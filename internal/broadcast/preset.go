package broadcast

import (
	"strings"
	"time"

	"livecast/internal/geometry"
)

// 画質ティア
const (
	Quality360     = "360"
	Quality720     = "720"
	Quality1080    = "1080"
	QualityDefault = "default"
)

// DefaultAudioBitrate は全プリセット共通の音声ビットレート
const DefaultAudioBitrate = 128_000

// BitrateRange は映像ビットレートの範囲（bps）
type BitrateRange struct {
	Min     int `json:"min"`
	Initial int `json:"initial"`
	Max     int `json:"max"`
}

// Preset は画質ティアに対応する固定の配信設定
type Preset struct {
	Name             string        `json:"name"`
	Size             geometry.Size `json:"size"`
	Bitrate          BitrateRange  `json:"bitrate"`
	FrameRate        int           `json:"frameRate"`
	KeyframeInterval time.Duration `json:"keyframeInterval"`
	AudioBitrate     int           `json:"audioBitrate"`
}

var presets = map[string]Preset{
	Quality360: {
		Name:             Quality360,
		Size:             geometry.Size{Width: 640, Height: 360},
		Bitrate:          BitrateRange{Min: 500_000, Initial: 800_000, Max: 1_000_000},
		FrameRate:        30,
		KeyframeInterval: 2 * time.Second,
		AudioBitrate:     DefaultAudioBitrate,
	},
	Quality720: {
		Name:             Quality720,
		Size:             geometry.Size{Width: 1280, Height: 720},
		Bitrate:          BitrateRange{Min: 1_500_000, Initial: 2_500_000, Max: 3_500_000},
		FrameRate:        30,
		KeyframeInterval: 2 * time.Second,
		AudioBitrate:     DefaultAudioBitrate,
	},
	Quality1080: {
		Name:             Quality1080,
		Size:             geometry.Size{Width: 1920, Height: 1080},
		Bitrate:          BitrateRange{Min: 4_000_000, Initial: 5_000_000, Max: 6_000_000},
		FrameRate:        30,
		KeyframeInterval: 2 * time.Second,
		AudioBitrate:     DefaultAudioBitrate,
	},
	QualityDefault: {
		Name:             QualityDefault,
		Size:             geometry.Size{Width: 1920, Height: 1080},
		Bitrate:          BitrateRange{Min: 2_500_000, Initial: 5_000_000, Max: 8_500_000},
		FrameRate:        30,
		KeyframeInterval: 2 * time.Second,
		AudioBitrate:     DefaultAudioBitrate,
	},
}

// PresetFor は画質ティアのプリセットを返す
//
// "720p" のような末尾のpは無視する。不明なティアは既定プリセットを返し、okはfalseになる。
func PresetFor(quality string) (p Preset, ok bool) {
	q := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(quality)), "p")
	if p, ok := presets[q]; ok {
		return p, true
	}
	return presets[QualityDefault], false
}

// Presets はすべてのプリセットを小さい順に返す
func Presets() []Preset {
	return []Preset{
		presets[Quality360],
		presets[Quality720],
		presets[Quality1080],
		presets[QualityDefault],
	}
}
