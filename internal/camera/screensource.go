package camera

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"livecast/internal/media"
)

// ScreenSource はX11画面キャプチャを外部映像ソースとして供給する
type ScreenSource struct {
	display string
	width   int
	height  int
	fps     int
	logger  *zap.SugaredLogger

	mu     sync.Mutex
	stream *frameStream
}

// NewScreenSource は新しいScreenSourceを作成する
func NewScreenSource(display string, width, height, fps int, logger *zap.SugaredLogger) *ScreenSource {
	if display == "" {
		display = ":0.0"
	}
	if width <= 0 || height <= 0 {
		width, height = 1920, 1080
	}
	if fps <= 0 {
		fps = 10
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ScreenSource{display: display, width: width, height: height, fps: fps, logger: logger}
}

// Attach は出力先サーフェスへの画面キャプチャの供給を開始する
func (s *ScreenSource) Attach(target media.Surface) error {
	writers, err := frameWriters([]media.Surface{target})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		return fmt.Errorf("画面キャプチャは既に供給中です")
	}

	logger := s.logger.With("display", s.display)
	input := []string{
		"-f", "x11grab",
		"-video_size", fmt.Sprintf("%dx%d", s.width, s.height),
		"-r", strconv.Itoa(s.fps),
		"-i", s.display,
		"-vf", "format=yuv420p",
	}
	stream, err := startFrameStream(context.Background(), logger, input, writers, func(err error) {
		logger.Warnw("画面キャプチャが終了しました", "error", err)
	})
	if err != nil {
		return err
	}
	s.stream = stream
	return nil
}

// Detach は供給を停止する
func (s *ScreenSource) Detach() error {
	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	if stream != nil {
		stream.stop()
	}
	return nil
}
