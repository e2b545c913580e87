package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"livecast/internal/broadcast"
	"livecast/internal/camera"
	"livecast/internal/geometry"
	"livecast/internal/logging"
)

// Backend 名
const (
	BackendSimulated = "simulated"
	BackendV4L2      = "v4l2"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Camera    CameraConfig    `yaml:"camera"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Events    EventsConfig    `yaml:"events"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // 読み込みタイムアウト
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // 書き込みタイムアウト
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // 終了待ちの上限
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	Backend       string `yaml:"backend"`        // simulated または v4l2
	DefaultFacing string `yaml:"default_facing"` // レンズ省略時の向き
	ViewWidth     int    `yaml:"view_width"`     // プレビュー表示領域の幅
	ViewHeight    int    `yaml:"view_height"`    // プレビュー表示領域の高さ
	FPS           int    `yaml:"fps"`

	// センサーの向き（0/90/180/270）ごとのタッチ座標の写像
	FocusMappings   map[int]geometry.FocusMapping `yaml:"focus_mappings"`
	FocusHalfExtent int                           `yaml:"focus_half_extent"`

	// simulated のときに使う固定デバイス一覧
	Devices      []CameraDevice `yaml:"devices"`
	ScanInterval time.Duration  `yaml:"scan_interval"` // v4l2 の再列挙間隔

	Screen ScreenConfig `yaml:"screen"`
}

// CameraDevice は個別カメラの設定
type CameraDevice struct {
	ID          string               `yaml:"id"`     // カメラID
	Name        string               `yaml:"name"`   // カメラ名
	Device      string               `yaml:"device"` // デバイスパス (例: /dev/video0)
	Facing      string               `yaml:"facing"`
	LensType    string               `yaml:"lens_type"` // 省略時は wide_angle
	Orientation int                  `yaml:"orientation"`
	ActiveArray geometry.Size        `yaml:"active_array"`
	MaxZoom     float64              `yaml:"max_zoom"`
	Exposure    camera.ExposureRange `yaml:"exposure"` // 露出補正値の範囲 (EV)
	OutputSizes []geometry.Size      `yaml:"output_sizes"`
}

// ScreenConfig はカメラの代わりに画面を映像ソースにするときの設定
type ScreenConfig struct {
	Display string `yaml:"display"`
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
}

// BroadcastConfig は配信の設定
type BroadcastConfig struct {
	DefaultQuality string        `yaml:"default_quality"`
	AutoReconnect  bool          `yaml:"auto_reconnect"`
	StatsInterval  time.Duration `yaml:"stats_interval"` // シミュレーションSDKの統計通知間隔
}

// EventsConfig はイベント配送先の設定
type EventsConfig struct {
	RedisAddr    string `yaml:"redis_addr"` // 空ならRedisへは送らない
	RedisChannel string `yaml:"redis_channel"`
	WebSocket    bool   `yaml:"websocket"`
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default はデフォルト値の設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    0, // WebSocket用にタイムアウト無効化
			ShutdownTimeout: 10 * time.Second,
		},
		Camera: CameraConfig{
			Backend:         BackendSimulated,
			DefaultFacing:   string(camera.FacingFront),
			ViewWidth:       1280,
			ViewHeight:      720,
			FPS:             30,
			FocusHalfExtent: geometry.DefaultFocusHalfExtent,
			Devices: []CameraDevice{
				{
					ID:          "0",
					Name:        "Simulated Front",
					Facing:      string(camera.FacingFront),
					LensType:    string(camera.LensTrueDepth),
					Orientation: 270,
					ActiveArray: geometry.Size{Width: 4032, Height: 3024},
					MaxZoom:     4.0,
					Exposure:    camera.ExposureRange{Min: -8, Max: 8},
					OutputSizes: []geometry.Size{{Width: 1920, Height: 1080}, {Width: 1280, Height: 720}, {Width: 640, Height: 480}},
				},
				{
					ID:          "1",
					Name:        "Simulated Back",
					Facing:      string(camera.FacingBack),
					LensType:    string(camera.LensWideAngle),
					Orientation: 90,
					ActiveArray: geometry.Size{Width: 4032, Height: 3024},
					MaxZoom:     8.0,
					Exposure:    camera.ExposureRange{Min: -8, Max: 8},
					OutputSizes: []geometry.Size{{Width: 1920, Height: 1080}, {Width: 1280, Height: 720}, {Width: 640, Height: 480}},
				},
			},
			ScanInterval: camera.DefaultScanInterval,
			Screen: ScreenConfig{
				Display: ":0.0",
				Width:   1280,
				Height:  720,
			},
		},
		Broadcast: BroadcastConfig{
			DefaultQuality: broadcast.QualityDefault,
			AutoReconnect:  true,
			StatsInterval:  5 * time.Second,
		},
		Events: EventsConfig{
			RedisChannel: "livecast:events",
			WebSocket:    true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load は設定を読み込む
// デフォルト値にLIVECAST_CONFIGのYAMLを重ね、最後に環境変数で上書きする
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("LIVECAST_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("設定ファイルの解析に失敗: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Log.Level = getEnvOrDefault("LIVECAST_LOG_LEVEL", c.Log.Level)
	c.Events.RedisAddr = getEnvOrDefault("LIVECAST_REDIS_ADDR", c.Events.RedisAddr)
	c.Camera.Backend = getEnvOrDefault("LIVECAST_CAMERA_BACKEND", c.Camera.Backend)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	var errs []error

	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("無効なポート番号: %d", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("タイムアウトに負の値は指定できません"))
	}

	// カメラ設定の検証
	switch c.Camera.Backend {
	case BackendSimulated:
		if len(c.Camera.Devices) == 0 {
			errs = append(errs, errors.New("simulated バックエンドにはデバイスが1つ以上必要です"))
		}
	case BackendV4L2:
	default:
		errs = append(errs, fmt.Errorf("不明なカメラバックエンド: %q", c.Camera.Backend))
	}
	if _, err := camera.ParseFacing(c.Camera.DefaultFacing); err != nil {
		errs = append(errs, err)
	}
	if c.Camera.ViewWidth <= 0 || c.Camera.ViewHeight <= 0 {
		errs = append(errs, fmt.Errorf("無効なビューサイズ: %dx%d", c.Camera.ViewWidth, c.Camera.ViewHeight))
	}
	if c.Camera.FPS <= 0 {
		errs = append(errs, fmt.Errorf("無効なFPS: %d", c.Camera.FPS))
	}
	if c.Camera.FocusHalfExtent <= 0 {
		errs = append(errs, fmt.Errorf("無効なフォーカス領域の半径: %d", c.Camera.FocusHalfExtent))
	}
	for orientation := range c.Camera.FocusMappings {
		if orientation%90 != 0 || orientation < 0 || orientation >= 360 {
			errs = append(errs, fmt.Errorf("無効なセンサーの向き: %d", orientation))
		}
	}
	for _, d := range c.Camera.Devices {
		if err := d.Descriptor().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("デバイス %q: %w", d.ID, err))
		}
		if d.LensType != "" {
			if _, err := camera.ParseLensType(d.LensType); err != nil {
				errs = append(errs, fmt.Errorf("デバイス %q: %w", d.ID, err))
			}
		}
	}

	if _, ok := broadcast.PresetFor(c.Broadcast.DefaultQuality); !ok {
		errs = append(errs, fmt.Errorf("不明な画質ティア: %q", c.Broadcast.DefaultQuality))
	}

	if c.Events.RedisAddr != "" && c.Events.RedisChannel == "" {
		errs = append(errs, errors.New("Redisチャンネル名が空です"))
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// DefaultFocusMapping は向きごとの設定がないときの写像を返す
func (c *Config) DefaultFocusMapping() geometry.FocusMapping {
	m := geometry.DefaultFocusMapping()
	m.HalfExtent = c.Camera.FocusHalfExtent
	return m
}

// FocusMappings は半径が省略された写像を既定値で埋めて返す
func (c *Config) FocusMappings() map[int]geometry.FocusMapping {
	out := make(map[int]geometry.FocusMapping, len(c.Camera.FocusMappings))
	for orientation, m := range c.Camera.FocusMappings {
		if m.HalfExtent <= 0 {
			m.HalfExtent = c.Camera.FocusHalfExtent
		}
		out[orientation] = m
	}
	return out
}

// Descriptor は設定値からカメラの特性を作る
func (d CameraDevice) Descriptor() camera.Descriptor {
	facing, err := camera.ParseFacing(d.Facing)
	if err != nil {
		facing = camera.FacingUnknown
	}
	lens, _ := camera.ParseLensType(d.LensType)
	return camera.Descriptor{
		ID:          d.ID,
		Name:        d.Name,
		Device:      d.Device,
		Facing:      facing,
		LensType:    lens,
		Orientation: d.Orientation,
		ActiveArray: d.ActiveArray,
		MaxZoom:     d.MaxZoom,
		Exposure:    d.Exposure,
		OutputSizes: d.OutputSizes,
	}
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
