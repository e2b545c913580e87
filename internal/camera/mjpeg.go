package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// ReadMJPEGFrames はMJPEGストリームからJPEGフレームを切り出してemitに渡す
//
// rがEOFになるかctxが終了すると戻る。emitがエラーを返した場合はそのエラーで戻る。
func ReadMJPEGFrames(ctx context.Context, r io.Reader, emit func([]byte) error) error {
	buffer := make([]byte, 64*1024)
	var pending []byte

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := r.Read(buffer)
		if n > 0 {
			pending = append(pending, buffer[:n]...)
			var emitErr error
			pending, emitErr = splitFrames(pending, emit)
			if emitErr != nil {
				return emitErr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("フレーム読み取りエラー: %w", err)
		}
	}
}

// splitFrames は完全なフレームをすべて渡し、未完成の残りを返す
func splitFrames(data []byte, emit func([]byte) error) ([]byte, error) {
	for {
		start := bytes.Index(data, jpegSOI)
		if start == -1 {
			// 開始マーカーの片割れだけ残す
			if len(data) > 0 && data[len(data)-1] == 0xFF {
				return data[len(data)-1:], nil
			}
			return data[:0], nil
		}

		end := bytes.Index(data[start+2:], jpegEOI)
		if end == -1 {
			return data[start:], nil
		}
		end += start + 2 + len(jpegEOI)

		frame := make([]byte, end-start)
		copy(frame, data[start:end])
		if err := emit(frame); err != nil {
			return nil, err
		}

		data = data[end:]
	}
}
