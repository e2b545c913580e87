package camera

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"livecast/internal/geometry"
)

// commandRunner は外部コマンドを実行して標準出力を返す
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// V4L2Enumerator はLinuxのV4L2デバイスを列挙する
type V4L2Enumerator struct {
	// Pattern はデバイスファイルのglobパターン
	Pattern string
	// Facings はデバイスパスごとのレンズの向き。指定がなければ検出順に前面、背面とする
	Facings map[string]Facing
	// Orientations はデバイスパスごとのセンサーの向き
	Orientations map[string]int

	run commandRunner
}

// NewV4L2Enumerator は新しいV4L2Enumeratorを作成する
func NewV4L2Enumerator() *V4L2Enumerator {
	return &V4L2Enumerator{
		Pattern: "/dev/video*",
		run:     execRunner,
	}
}

// Enumerate はカラー出力を持つV4L2デバイスの特性を返す
func (e *V4L2Enumerator) Enumerate(ctx context.Context) ([]Descriptor, error) {
	matches, err := filepath.Glob(e.Pattern)
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	// デバイス番号でソート
	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	var descs []Descriptor
	seenNames := make(map[string]bool)
	for _, device := range matches {
		select {
		case <-ctx.Done():
			return descs, ctx.Err()
		default:
		}

		if !isReadableDevice(device) {
			continue
		}

		formats, err := e.run(ctx, "v4l2-ctl", "--device", device, "--list-formats-ext")
		if err != nil || !hasColorFormat(string(formats)) {
			continue
		}

		name := e.deviceName(ctx, device)
		// 同じ物理デバイスの複数チャンネルは最も小さい番号だけを使う
		if seenNames[name] {
			continue
		}
		seenNames[name] = true

		desc := Descriptor{
			ID:          strconv.Itoa(extractDeviceNumber(device)),
			Name:        name,
			Device:      device,
			Facing:      e.facingFor(device, len(descs)),
			Orientation: e.Orientations[device],
			OutputSizes: parseOutputSizes(string(formats)),
			MaxZoom:     1.0,
		}
		desc.ActiveArray = largestSize(desc.OutputSizes)

		if ctrls, err := e.run(ctx, "v4l2-ctl", "--device", device, "--list-ctrls"); err == nil {
			if z, ok := parseZoomControl(string(ctrls)); ok {
				desc.MaxZoom = z.maxFactor()
			}
			if b, ok := parseBrightnessControl(string(ctrls)); ok {
				desc.Exposure = b.biasRange()
			}
		}

		if err := desc.Validate(); err != nil {
			continue
		}
		descs = append(descs, desc)
	}

	return descs, nil
}

func (e *V4L2Enumerator) facingFor(device string, index int) Facing {
	if f, ok := e.Facings[device]; ok {
		return f
	}
	switch index {
	case 0:
		return FacingFront
	case 1:
		return FacingBack
	default:
		return FacingUnknown
	}
}

// deviceName はv4l2-ctlを使って実際のデバイス名を取得する
func (e *V4L2Enumerator) deviceName(ctx context.Context, device string) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	output, err := e.run(ctx, "v4l2-ctl", "--device", device, "--info")
	if err == nil {
		if name := parseCardType(string(output)); name != "" {
			return name
		}
	}
	return fmt.Sprintf("カメラ %d", extractDeviceNumber(device))
}

func isReadableDevice(device string) bool {
	if matched, _ := regexp.MatchString(`^/dev/video\d+$`, device); !matched {
		return false
	}
	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	_ = file.Close()
	return true
}

func hasColorFormat(formats string) bool {
	return strings.Contains(formats, "YUYV") || strings.Contains(formats, "MJPG")
}

var deviceNumberRe = regexp.MustCompile(`video(\d+)`)

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	matches := deviceNumberRe.FindStringSubmatch(device)
	if len(matches) < 2 {
		return 0
	}
	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0
	}
	return num
}

// parseCardType は "Card type" の行からカメラ名を抽出する
func parseCardType(info string) string {
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Card type") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) == 2 {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

var discreteSizeRe = regexp.MustCompile(`Size:\s*Discrete\s+(\d+)x(\d+)`)

// parseOutputSizes は --list-formats-ext の出力から出力サイズを出現順に重複なく取り出す
func parseOutputSizes(formats string) []geometry.Size {
	var sizes []geometry.Size
	for _, m := range discreteSizeRe.FindAllStringSubmatch(formats, -1) {
		w, _ := strconv.Atoi(m[1])
		h, _ := strconv.Atoi(m[2])
		s := geometry.Size{Width: w, Height: h}
		if !slices.Contains(sizes, s) {
			sizes = append(sizes, s)
		}
	}
	return sizes
}

func largestSize(sizes []geometry.Size) geometry.Size {
	var best geometry.Size
	for _, s := range sizes {
		if s.Area() > best.Area() {
			best = s
		}
	}
	return best
}

// zoomControl はzoom_absoluteコントロールの範囲
type zoomControl struct {
	Min, Max int
}

// maxFactor は最小値を等倍とした最大倍率を返す
func (z zoomControl) maxFactor() float64 {
	if z.Min <= 0 || z.Max <= z.Min {
		return 1.0
	}
	return float64(z.Max) / float64(z.Min)
}

// value は倍率に対応するコントロール値を返す
func (z zoomControl) value(factor float64) int {
	if z.Min <= 0 {
		return z.Min
	}
	v := int(float64(z.Min) * factor)
	return min(max(v, z.Min), z.Max)
}

var zoomCtrlRe = regexp.MustCompile(`zoom_absolute\s.*min=(-?\d+)\s+max=(-?\d+)`)

// parseZoomControl は --list-ctrls の出力からzoom_absoluteの範囲を取り出す
func parseZoomControl(ctrls string) (zoomControl, bool) {
	m := zoomCtrlRe.FindStringSubmatch(ctrls)
	if m == nil {
		return zoomControl{}, false
	}
	lo, _ := strconv.Atoi(m[1])
	hi, _ := strconv.Atoi(m[2])
	return zoomControl{Min: lo, Max: hi}, true
}

// brightnessControl はbrightnessコントロールの範囲と既定値
//
// 露出補正値は既定値からの差として扱う。
type brightnessControl struct {
	Min, Max, Default int
}

func (b brightnessControl) biasRange() ExposureRange {
	return ExposureRange{Min: float64(b.Min - b.Default), Max: float64(b.Max - b.Default)}
}

// value は補正値に対応するコントロール値を返す
func (b brightnessControl) value(bias float64) int {
	v := b.Default + int(math.Round(bias))
	return min(max(v, b.Min), b.Max)
}

var brightnessCtrlRe = regexp.MustCompile(`(?m)^\s*brightness\s.*min=(-?\d+)\s+max=(-?\d+).*default=(-?\d+)`)

// parseBrightnessControl は --list-ctrls の出力からbrightnessの範囲を取り出す
func parseBrightnessControl(ctrls string) (brightnessControl, bool) {
	m := brightnessCtrlRe.FindStringSubmatch(ctrls)
	if m == nil {
		return brightnessControl{}, false
	}
	lo, _ := strconv.Atoi(m[1])
	hi, _ := strconv.Atoi(m[2])
	def, _ := strconv.Atoi(m[3])
	if lo > hi || def < lo || def > hi {
		return brightnessControl{}, false
	}
	return brightnessControl{Min: lo, Max: hi, Default: def}, true
}

// StaticEnumerator は固定のデバイス一覧を返す。設定ファイルやテストで使う
type StaticEnumerator struct {
	mu    sync.Mutex
	descs []Descriptor
	err   error
}

// NewStaticEnumerator は新しいStaticEnumeratorを作成する
func NewStaticEnumerator(descs ...Descriptor) *StaticEnumerator {
	s := &StaticEnumerator{}
	for _, d := range descs {
		s.descs = append(s.descs, d.Clone())
	}
	return s
}

// Enumerate はデバイス一覧のコピーを返す
func (s *StaticEnumerator) Enumerate(_ context.Context) ([]Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]Descriptor, 0, len(s.descs))
	for _, d := range s.descs {
		out = append(out, d.Clone())
	}
	return out, nil
}

// Add はデバイスを追加する。同じIDがあれば置き換える
func (s *StaticEnumerator) Add(d Descriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.descs {
		if s.descs[i].ID == d.ID {
			s.descs[i] = d.Clone()
			return
		}
	}
	s.descs = append(s.descs, d.Clone())
}

// Remove はデバイスを削除する
func (s *StaticEnumerator) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.descs = slices.DeleteFunc(s.descs, func(d Descriptor) bool { return d.ID == id })
}

// SetError は以後の列挙を失敗させる
func (s *StaticEnumerator) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}
