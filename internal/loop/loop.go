// Package loop は単一ゴルーチンで処理を直列化する実行コンテキストを提供する
//
// コマンド処理とハードウェア／SDKのコールバックはすべてLoopに投入され、
// 同じゴルーチン上で順番に実行される。そのためLoop上で動く状態はロック不要。
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrStopped は停止済みのLoopに投入された場合のエラー
var ErrStopped = errors.New("ループは停止しています")

// Executor は処理を実行コンテキストに引き渡す
type Executor interface {
	Post(fn func())
}

// Inline は呼び出し元のゴルーチンで即座に実行するExecutor（テスト用）
type Inline struct{}

// Post はfnをその場で実行する
func (Inline) Post(fn func()) { fn() }

// Do はfnをその場で実行する
func (Inline) Do(_ context.Context, fn func() error) error { return fn() }

// Runner は処理を投入し、完了を待つこともできる実行コンテキスト
type Runner interface {
	Executor
	Do(ctx context.Context, fn func() error) error
}

// Loop は投入された処理を1つのゴルーチンで順に実行する
type Loop struct {
	logger *zap.SugaredLogger

	mu      sync.Mutex
	queue   []func()
	stopped bool

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

// New は新しいLoopを作成し、処理ゴルーチンを開始する
func New(logger *zap.SugaredLogger) *Loop {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	l := &Loop{
		logger: logger,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// Post は処理をキューに追加する。停止後は破棄する
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		l.logger.Debugw("停止済みのループへの投入を破棄しました")
		return
	}
	l.queue = append(l.queue, fn)
	select {
	case l.notify <- struct{}{}:
	default:
	}
	l.mu.Unlock()
}

// Do はfnをループ上で実行し、完了を待つ。実行前にctxが終了していればfnは呼ばれない
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	l.mu.Unlock()

	l.Post(func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("処理中にパニックが発生しました: %v", r)
			}
		}()
		// 待っている間に呼び出し元が諦めていれば実行しない
		if err := ctx.Err(); err != nil {
			result <- err
			return
		}
		result <- fn()
	})

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		// 停止直前に実行された可能性がある
		select {
		case err := <-result:
			return err
		default:
			return ErrStopped
		}
	}
}

// Stop は残りのキューを実行してからループを停止する。ループ上から呼んではならない
func (l *Loop) Stop() {
	l.once.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.mu.Unlock()
		close(l.notify)
		<-l.done
	})
}

func (l *Loop) run() {
	defer close(l.done)

	for {
		_, ok := <-l.notify
		for _, fn := range l.drain() {
			l.execute(fn)
		}
		if !ok {
			return
		}
	}
}

func (l *Loop) drain() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	tasks := l.queue
	l.queue = nil
	return tasks
}

// execute はパニックを捕捉してループを止めない
func (l *Loop) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Errorw("ループ上の処理でパニックが発生しました", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
