package camera

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"

	"go.uber.org/zap"

	"livecast/internal/media"
)

// frameStream はffmpegのMJPEG出力を書き込み先へ配る
type frameStream struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// startFrameStream はffmpegを起動する。予期せず終了した場合はonExitにエラーを渡す
func startFrameStream(ctx context.Context, logger *zap.SugaredLogger, inputArgs []string, writers []media.FrameWriter, onExit func(error)) (*frameStream, error) {
	ctx, cancel := context.WithCancel(ctx)

	args := append([]string{"-hide_banner", "-loglevel", "error"}, inputArgs...)
	args = append(args, "-f", "image2pipe", "-c:v", "mjpeg", "-q:v", "3", "-")
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stderrパイプの作成に失敗: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	// stderrはログに流す
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Debugw("ffmpeg", "line", scanner.Text())
		}
	}()

	s := &frameStream{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)

		readErr := ReadMJPEGFrames(ctx, stdout, func(frame []byte) error {
			for _, w := range writers {
				if err := w.WriteFrame(frame); err != nil {
					logger.Warnw("フレームの書き込みに失敗しました", "error", err)
				}
			}
			return nil
		})
		waitErr := cmd.Wait()

		if ctx.Err() != nil {
			return
		}
		if err := errors.Join(readErr, waitErr); err != nil {
			onExit(err)
			return
		}
		onExit(errors.New("ffmpegが終了しました"))
	}()

	return s, nil
}

// stop はffmpegを止めて読み取りの終了を待つ
func (s *frameStream) stop() {
	s.cancel()
	<-s.done
}

// frameWriters はサーフェスのうちフレームを受け取れるものを返す
func frameWriters(targets []media.Surface) ([]media.FrameWriter, error) {
	writers := make([]media.FrameWriter, 0, len(targets))
	for _, t := range targets {
		w, ok := t.(media.FrameWriter)
		if !ok {
			return nil, fmt.Errorf("サーフェス %s はフレームを受け取れません", t.ID())
		}
		writers = append(writers, w)
	}
	return writers, nil
}
