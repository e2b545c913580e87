package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"livecast/internal/apperr"
	"livecast/internal/camera"
	"livecast/internal/geometry"
	"livecast/internal/media"
	"livecast/internal/session"
)

// previewSource のソース種別
const (
	sourceCamera = "camera"
	sourceScreen = "screen"
)

// LivecastHandler はコマンドAPIのハンドラー
type LivecastHandler struct {
	coord *session.Coordinator

	defaultQuality       string
	defaultAutoReconnect bool

	// newScreen は画面キャプチャの映像ソースを作る。nilなら画面ソースは使えない
	newScreen func() media.ImageSource
}

type previewRequest struct {
	Source        string `json:"source"`
	Camera        string `json:"camera"`
	URL           string `json:"url" binding:"required"`
	Key           string `json:"key" binding:"required"`
	Quality       string `json:"quality"`
	AutoReconnect *bool  `json:"autoReconnect"`
	ViewWidth     int    `json:"viewWidth"`
	ViewHeight    int    `json:"viewHeight"`
}

type metadataRequest struct {
	Text string `json:"text" binding:"required"`
}

type zoomRequest struct {
	Factor *float64 `json:"factor" binding:"required"`
}

type changeCameraRequest struct {
	Camera string `json:"camera" binding:"required"`
}

type lensRequest struct {
	Lens string `json:"lens" binding:"required"`
}

type brightnessRequest struct {
	Value *float64 `json:"value" binding:"required"`
}

type focusModeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

type focusPointRequest struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	ViewWidth  int     `json:"viewWidth"`
	ViewHeight int     `json:"viewHeight"`
}

// cameraInfo はAPIで返すカメラ情報
type cameraInfo struct {
	ID          string               `json:"id"`
	Name        string               `json:"name,omitempty"`
	Device      string               `json:"device,omitempty"`
	Facing      camera.Facing        `json:"facing"`
	Lens        camera.LensType      `json:"lens"`
	Orientation int                  `json:"orientation"`
	MaxZoom     float64              `json:"maxZoom"`
	Exposure    camera.ExposureRange `json:"exposure"`
	ActiveArray geometry.Size        `json:"activeArray"`
	OutputSizes []geometry.Size      `json:"outputSizes"`
}

type errorResponse struct {
	Error string      `json:"error"`
	Code  apperr.Code `json:"code,omitempty"`
}

// HealthCheck はヘルスチェックエンドポイント
func (h *LivecastHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// GetStatus はキャプチャと配信の状態を返す
func (h *LivecastHandler) GetStatus(c *gin.Context) {
	st, err := h.coord.Status(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// StartPreview はプレビューを開始する
func (h *LivecastHandler) StartPreview(c *gin.Context) {
	var req previewRequest
	if !bindJSON(c, &req) {
		return
	}

	in := session.PreviewRequest{
		URL:           req.URL,
		Key:           req.Key,
		Quality:       req.Quality,
		AutoReconnect: h.defaultAutoReconnect,
		ViewWidth:     req.ViewWidth,
		ViewHeight:    req.ViewHeight,
	}
	if in.Quality == "" {
		in.Quality = h.defaultQuality
	}
	if req.AutoReconnect != nil {
		in.AutoReconnect = *req.AutoReconnect
	}

	switch req.Source {
	case "", sourceCamera:
		in.Source = media.CameraSource(req.Camera)
	case sourceScreen:
		if h.newScreen == nil {
			writeError(c, apperr.New(apperr.CodeInvalidArgument, "画面ソースは無効です"))
			return
		}
		in.Source = media.ExternalImageSource(h.newScreen())
	default:
		writeError(c, apperr.New(apperr.CodeInvalidArgument, "不明なソース種別: %q", req.Source))
		return
	}

	if err := h.coord.StartPreview(c.Request.Context(), in); err != nil {
		writeError(c, err)
		return
	}
	h.GetStatus(c)
}

// StartBroadcast は配信を開始する
func (h *LivecastHandler) StartBroadcast(c *gin.Context) {
	if err := h.coord.StartBroadcast(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// StopBroadcast は配信を停止する
func (h *LivecastHandler) StopBroadcast(c *gin.Context) {
	if err := h.coord.StopBroadcast(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SendTimedMetadata は配信にメタデータを埋め込む
func (h *LivecastHandler) SendTimedMetadata(c *gin.Context) {
	var req metadataRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.coord.SendTimedMetadata(c.Request.Context(), req.Text); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ToggleMute はミュートを切り替える
func (h *LivecastHandler) ToggleMute(c *gin.Context) {
	muted, err := h.coord.ToggleMute(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"audioMuted": muted})
}

// IsMuted はミュート状態を返す
func (h *LivecastHandler) IsMuted(c *gin.Context) {
	muted, err := h.coord.IsMuted(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"audioMuted": muted})
}

// GetZoom はズーム倍率の範囲を返す
func (h *LivecastHandler) GetZoom(c *gin.Context) {
	zr, err := h.coord.CameraZoomFactor(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, zr)
}

// SetZoom はズーム倍率を変更する
func (h *LivecastHandler) SetZoom(c *gin.Context) {
	var req zoomRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.coord.ZoomCamera(c.Request.Context(), *req.Factor); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ChangeCamera はカメラを切り替える
func (h *LivecastHandler) ChangeCamera(c *gin.Context) {
	var req changeCameraRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.coord.ChangeCamera(c.Request.Context(), req.Camera); err != nil {
		writeError(c, err)
		return
	}
	h.GetStatus(c)
}

// ChangeLens はレンズの種類でカメラを切り替え、選ばれたカメラを返す
func (h *LivecastHandler) ChangeLens(c *gin.Context) {
	var req lensRequest
	if !bindJSON(c, &req) {
		return
	}
	d, err := h.coord.ChangeLens(c.Request.Context(), req.Lens)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, convertDescriptor(d))
}

// GetBrightness は露出補正値の範囲と現在値を返す
func (h *LivecastHandler) GetBrightness(c *gin.Context) {
	br, err := h.coord.CameraBrightness(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, br)
}

// SetBrightness は露出補正値を変更する
func (h *LivecastHandler) SetBrightness(c *gin.Context) {
	var req brightnessRequest
	if !bindJSON(c, &req) {
		return
	}
	applied, err := h.coord.SetCameraBrightness(c.Request.Context(), *req.Value)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exposureBias": applied})
}

// SetFocusMode はフォーカスモードを変更する
func (h *LivecastHandler) SetFocusMode(c *gin.Context) {
	var req focusModeRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.coord.SetFocusMode(c.Request.Context(), req.Mode); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SetFocusPoint はタッチ位置にフォーカスを合わせる
func (h *LivecastHandler) SetFocusPoint(c *gin.Context) {
	var req focusPointRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.coord.SetFocusPoint(c.Request.Context(), req.X, req.Y, req.ViewWidth, req.ViewHeight); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetLenses は利用可能なレンズの向きを返す
func (h *LivecastHandler) GetLenses(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"lenses": h.coord.AvailableLenses(c.Request.Context())})
}

// RefreshDevices はカメラを再列挙して一覧を返す
func (h *LivecastHandler) RefreshDevices(c *gin.Context) {
	descs, err := h.coord.RefreshDevices(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	cameras := make([]cameraInfo, 0, len(descs))
	for _, d := range descs {
		cameras = append(cameras, convertDescriptor(d))
	}
	c.JSON(http.StatusOK, gin.H{"cameras": cameras})
}

// convertDescriptor はカメラの特性をAPIの形式に変換する
func convertDescriptor(d camera.Descriptor) cameraInfo {
	return cameraInfo{
		ID:          d.ID,
		Name:        d.Name,
		Device:      d.Device,
		Facing:      d.Facing,
		Lens:        d.Lens(),
		Orientation: d.Orientation,
		MaxZoom:     d.MaxZoom,
		Exposure:    d.Exposure,
		ActiveArray: d.ActiveArray,
		OutputSizes: d.OutputSizes,
	}
}

func bindJSON(c *gin.Context, obj any) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		writeError(c, apperr.Wrap(apperr.CodeInvalidArgument, err, "リクエストが不正です"))
		return false
	}
	return true
}

// writeError はエラー分類に応じたステータスでエラーを返す
func writeError(c *gin.Context, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	c.AbortWithStatusJSON(statusFor(appErr.Code), errorResponse{
		Error: appErr.Event(),
		Code:  appErr.Code,
	})
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodePermissionDenied:
		return http.StatusForbidden
	case apperr.CodeDeviceUnavailable:
		return http.StatusServiceUnavailable
	case apperr.CodeSessionConfigurationFailed:
		return http.StatusInternalServerError
	case apperr.CodeNotReady:
		return http.StatusConflict
	case apperr.CodeBroadcastError:
		return http.StatusBadGateway
	case apperr.CodeInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
