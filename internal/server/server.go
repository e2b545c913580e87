package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"livecast/internal/broadcast"
	"livecast/internal/camera"
	"livecast/internal/config"
	"livecast/internal/events"
	"livecast/internal/media"
	"livecast/internal/session"
)

const defaultShutdownTimeout = 5 * time.Second

// Server はHTTPサーバーとキャプチャ・配信の構成要素をまとめて管理する
type Server struct {
	config     *config.Config
	logger     *zap.SugaredLogger
	httpServer *http.Server
	engine     *gin.Engine

	catalog    *camera.Catalog
	dispatcher *events.Dispatcher
	hub        *Hub
	redis      *redis.Client
	coord      *session.Coordinator
}

// New は設定から新しいServerインスタンスを組み立てる
func New(cfg *config.Config, logger *zap.SugaredLogger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	s := &Server{
		config: cfg,
		logger: logger,
	}

	// イベントの配送先
	sinks := events.Fanout{events.LogSink{Logger: logger.Named("events")}}
	if cfg.Events.RedisAddr != "" {
		s.redis = redis.NewClient(&redis.Options{Addr: cfg.Events.RedisAddr})
		sinks = append(sinks, events.NewRedisSink(s.redis, cfg.Events.RedisChannel))
	}
	if cfg.Events.WebSocket {
		s.hub = NewHub(logger.Named("ws"))
		sinks = append(sinks, s.hub)
	}
	s.dispatcher = events.NewDispatcher(sinks, events.DispatcherOptions{
		Coalesce: []events.Kind{events.KindStats},
		Logger:   logger.Named("dispatcher"),
	})

	// カメラ
	var (
		enumerator camera.Enumerator
		backend    camera.Backend
		scan       = cfg.Camera.ScanInterval
	)
	switch cfg.Camera.Backend {
	case config.BackendV4L2:
		enumerator = camera.NewV4L2Enumerator()
	case config.BackendSimulated:
		descs := make([]camera.Descriptor, 0, len(cfg.Camera.Devices))
		for _, d := range cfg.Camera.Devices {
			descs = append(descs, d.Descriptor())
		}
		enumerator = camera.NewStaticEnumerator(descs...)
		backend = camera.NewSimulatedBackend()
		scan = 0
	default:
		return nil, fmt.Errorf("不明なカメラバックエンド: %q", cfg.Camera.Backend)
	}
	s.catalog = camera.NewCatalog(enumerator, scan, logger.Named("catalog"))
	if backend == nil {
		backend = camera.NewV4L2Backend(s.catalog, cfg.Camera.FPS, logger.Named("v4l2"))
	}

	defaultFacing, err := camera.ParseFacing(cfg.Camera.DefaultFacing)
	if err != nil {
		return nil, fmt.Errorf("既定のレンズ向きが不正: %w", err)
	}

	s.coord = session.New(session.Options{
		Catalog:             s.catalog,
		Backend:             backend,
		SDK:                 broadcast.NewSimulatedSDK(true, cfg.Broadcast.StatsInterval),
		Publisher:           s.dispatcher,
		Logger:              logger.Named("session"),
		FocusMappings:       cfg.FocusMappings(),
		DefaultFocusMapping: cfg.DefaultFocusMapping(),
		DefaultFacing:       defaultFacing,
		DefaultViewWidth:    cfg.Camera.ViewWidth,
		DefaultViewHeight:   cfg.Camera.ViewHeight,
	})

	handler := &LivecastHandler{
		coord:                s.coord,
		defaultQuality:       cfg.Broadcast.DefaultQuality,
		defaultAutoReconnect: cfg.Broadcast.AutoReconnect,
	}
	if cfg.Camera.Screen.Display != "" {
		screen := cfg.Camera.Screen
		handler.newScreen = func() media.ImageSource {
			return camera.NewScreenSource(screen.Display, screen.Width, screen.Height, cfg.Camera.FPS, logger.Named("screen"))
		}
	}

	s.engine = newEngine(handler, s.hub, logger)
	s.httpServer = &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      s.engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s, nil
}

// newEngine はルートを登録したGinエンジンを作成する
func newEngine(h *LivecastHandler, hub *Hub, logger *zap.SugaredLogger) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	// ヘルスチェックエンドポイント
	engine.GET("/health", h.HealthCheck)

	api := engine.Group("/api")
	api.GET("/status", h.GetStatus)
	api.POST("/preview", h.StartPreview)

	api.POST("/broadcast/start", h.StartBroadcast)
	api.POST("/broadcast/stop", h.StopBroadcast)
	api.POST("/broadcast/metadata", h.SendTimedMetadata)

	api.GET("/audio/mute", h.IsMuted)
	api.POST("/audio/mute", h.ToggleMute)

	cam := api.Group("/camera")
	cam.GET("/zoom", h.GetZoom)
	cam.POST("/zoom", h.SetZoom)
	cam.POST("/change", h.ChangeCamera)
	cam.POST("/lens", h.ChangeLens)
	cam.GET("/brightness", h.GetBrightness)
	cam.POST("/brightness", h.SetBrightness)
	cam.POST("/focus-mode", h.SetFocusMode)
	cam.POST("/focus-point", h.SetFocusPoint)
	cam.GET("/lenses", h.GetLenses)
	cam.POST("/refresh", h.RefreshDevices)

	if hub != nil {
		engine.GET("/ws/events", gin.WrapH(hub))
	}
	return engine
}

func requestLogger(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.Debugw("リクエストを処理しました",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
		)
	}
}

// Handler はHTTPハンドラーを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Coordinator はコマンドを処理するコーディネーターを返す
func (s *Server) Coordinator() *session.Coordinator {
	return s.coord
}

// Run はctxが終了するまでサーバーを動かし、終了時に配信とキャプチャを解放する
func (s *Server) Run(ctx context.Context) error {
	if err := s.catalog.Start(ctx); err != nil {
		return fmt.Errorf("カメラの列挙に失敗: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		_ = s.dispatcher.Run(dispatchCtx)
	}()

	g.Go(func() error {
		s.logger.Infow("HTTPサーバーを起動しています", "addr", s.config.ServerAddress())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	err := g.Wait()

	// 最後のイベントまで配送してから止める
	stopDispatch()
	<-dispatchDone
	if s.hub != nil {
		s.hub.Close()
	}
	if s.redis != nil {
		if cerr := s.redis.Close(); cerr != nil {
			s.logger.Warnw("Redisクライアントの終了に失敗しました", "error", cerr)
		}
	}
	return err
}

// shutdown はHTTPサーバーをグレースフルに止め、配信とキャプチャを解放する
func (s *Server) shutdown() error {
	s.logger.Info("サーバーをシャットダウンしています...")

	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("サーバーのシャットダウンに失敗: %w", err))
	}
	if err := s.coord.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("セッションの解放に失敗: %w", err))
	}
	s.catalog.Stop()

	if len(errs) == 0 {
		s.logger.Info("サーバーが正常にシャットダウンされました")
	}
	return errors.Join(errs...)
}
