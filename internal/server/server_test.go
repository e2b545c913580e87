package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livecast/internal/apperr"
	"livecast/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestServer はsimulatedバックエンドのServerを作成する
func newTestServer(t *testing.T, modify func(cfg *config.Config)) *Server {
	t.Helper()

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Camera.Screen.Display = ""
	cfg.Broadcast.StatsInterval = 0
	if modify != nil {
		modify(cfg)
	}

	srv, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, srv.catalog.Start(context.Background()))
	t.Cleanup(func() { _ = srv.coord.Close(context.Background()) })
	return srv
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthCheck(t *testing.T) {
	srv := newTestServer(t, nil)

	w := doJSON(t, srv.Handler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])
}

func TestPreviewAndBroadcast(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Handler()

	w := doJSON(t, h, http.MethodPost, "/api/preview", gin.H{
		"camera":  "1",
		"url":     "rtmps://example.test/app/",
		"key":     "sk_test",
		"quality": "720",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "SESSION_READY", decode(t, w)["broadcastState"])

	// デバイスのオープン完了はループ上で非同期に処理される
	assert.Eventually(t, func() bool {
		w := doJSON(t, h, http.MethodGet, "/api/status", nil)
		return decode(t, w)["cameraState"] == "STREAMING"
	}, time.Second, 10*time.Millisecond)

	w = doJSON(t, h, http.MethodGet, "/api/camera/zoom", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"minZoom": 1.0, "maxZoom": 8.0}, decode(t, w))

	w = doJSON(t, h, http.MethodPost, "/api/camera/zoom", gin.H{"factor": 2.5})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/broadcast/start", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/broadcast/metadata", gin.H{"text": "chapter:1"})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/broadcast/stop", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, h, http.MethodGet, "/api/status", nil)
	st := decode(t, w)
	assert.Equal(t, "DISCONNECTED", st["broadcastState"])
	assert.Equal(t, "CLOSED", st["cameraState"])
}

func TestCommandErrors(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Handler()

	testCases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   apperr.Code
	}{
		{"プレビュー前の配信開始", http.MethodPost, "/api/broadcast/start", nil, http.StatusConflict, apperr.CodeNotReady},
		{"カメラなしのズーム範囲", http.MethodGet, "/api/camera/zoom", nil, http.StatusConflict, apperr.CodeNotReady},
		{"接続前のメタデータ", http.MethodPost, "/api/broadcast/metadata", gin.H{"text": "x"}, http.StatusConflict, apperr.CodeNotReady},
		{"URLなしのプレビュー", http.MethodPost, "/api/preview", gin.H{"key": "k"}, http.StatusBadRequest, apperr.CodeInvalidArgument},
		{"不明なソース", http.MethodPost, "/api/preview", gin.H{"url": "u", "key": "k", "source": "tape"}, http.StatusBadRequest, apperr.CodeInvalidArgument},
		{"無効な画面ソース", http.MethodPost, "/api/preview", gin.H{"url": "u", "key": "k", "source": "screen"}, http.StatusBadRequest, apperr.CodeInvalidArgument},
		{"不明なカメラ", http.MethodPost, "/api/camera/change", gin.H{"camera": "sideways"}, http.StatusBadRequest, apperr.CodeInvalidArgument},
		{"不明なフォーカスモード", http.MethodPost, "/api/camera/focus-mode", gin.H{"mode": "9"}, http.StatusBadRequest, apperr.CodeInvalidArgument},
		{"倍率なしのズーム", http.MethodPost, "/api/camera/zoom", gin.H{}, http.StatusBadRequest, apperr.CodeInvalidArgument},
		{"カメラなしの露出補正", http.MethodGet, "/api/camera/brightness", nil, http.StatusConflict, apperr.CodeNotReady},
		{"値なしの露出補正", http.MethodPost, "/api/camera/brightness", gin.H{}, http.StatusBadRequest, apperr.CodeInvalidArgument},
		{"不明なレンズ", http.MethodPost, "/api/camera/lens", gin.H{"lens": "fisheye"}, http.StatusBadRequest, apperr.CodeInvalidArgument},
		{"プレビュー前のレンズ切り替え", http.MethodPost, "/api/camera/lens", gin.H{"lens": "1"}, http.StatusConflict, apperr.CodeNotReady},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, h, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, w.Code, w.Body.String())
			assert.Equal(t, string(tc.code), decode(t, w)["code"])
		})
	}
}

func TestLensAndBrightness(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Handler()

	w := doJSON(t, h, http.MethodPost, "/api/preview", gin.H{"camera": "0", "url": "u", "key": "k"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	streaming := func() bool {
		w := doJSON(t, h, http.MethodGet, "/api/status", nil)
		return decode(t, w)["cameraState"] == "STREAMING"
	}
	require.Eventually(t, streaming, time.Second, 10*time.Millisecond)

	w = doJSON(t, h, http.MethodGet, "/api/camera/brightness", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"min": -8.0, "max": 8.0, "value": 0.0}, decode(t, w))

	w = doJSON(t, h, http.MethodPost, "/api/camera/brightness", gin.H{"value": 20})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"exposureBias": 8.0}, decode(t, w))

	w = doJSON(t, h, http.MethodPost, "/api/camera/lens", gin.H{"lens": "1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cam := decode(t, w)
	assert.Equal(t, "1", cam["id"])
	assert.Equal(t, "wide_angle", cam["lens"])
	require.Eventually(t, streaming, time.Second, 10*time.Millisecond)

	w = doJSON(t, h, http.MethodPost, "/api/camera/lens", gin.H{"lens": "telephoto"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, string(apperr.CodeDeviceUnavailable), decode(t, w)["code"])
}

func TestPreviewMissingCamera(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Camera.Devices = cfg.Camera.Devices[:1]
	})

	w := doJSON(t, srv.Handler(), http.MethodPost, "/api/preview", gin.H{
		"camera": "back", "url": "u", "key": "k",
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, string(apperr.CodeDeviceUnavailable), decode(t, w)["code"])
}

func TestLensesAndRefresh(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Handler()

	w := doJSON(t, h, http.MethodGet, "/api/camera/lenses", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"front", "back"}, decode(t, w)["lenses"])

	w = doJSON(t, h, http.MethodPost, "/api/camera/refresh", nil)
	require.Equal(t, http.StatusOK, w.Code)
	cameras := decode(t, w)["cameras"].([]any)
	require.Len(t, cameras, 2)
	assert.Equal(t, "0", cameras[0].(map[string]any)["id"])
}

func TestMuteEventsOverWebSocket(t *testing.T) {
	srv := newTestServer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.dispatcher.Run(ctx) }()

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Eventually(t, func() bool { return srv.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	resp, err := http.Post(ts.URL+"/api/audio/mute", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"audioMuted":true}`, string(msg))

	srv.hub.Close()
	assert.Equal(t, 0, srv.hub.Clients())
}

func TestStatusFor(t *testing.T) {
	testCases := map[apperr.Code]int{
		apperr.CodePermissionDenied:           http.StatusForbidden,
		apperr.CodeDeviceUnavailable:          http.StatusServiceUnavailable,
		apperr.CodeSessionConfigurationFailed: http.StatusInternalServerError,
		apperr.CodeNotReady:                   http.StatusConflict,
		apperr.CodeBroadcastError:             http.StatusBadGateway,
		apperr.CodeInvalidArgument:            http.StatusBadRequest,
	}
	for code, want := range testCases {
		assert.Equal(t, want, statusFor(code), code)
	}
}

// TestServerRunAndShutdown はサーバーの起動とシャットダウンをテストする
func TestServerRunAndShutdown(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0 // ランダムポートを使用
	cfg.Server.ShutdownTimeout = time.Second
	cfg.Broadcast.StatsInterval = 0

	srv, err := New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx)
	}()

	// サーバーが起動するまで少し待つ
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("サーバーのシャットダウンがタイムアウトしました")
	}

	// 終了後のコマンドは受け付けない
	_, err = srv.Coordinator().IsMuted(context.Background())
	assert.ErrorIs(t, err, apperr.ErrNotReady)
}
