package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// DispatcherOptions はDispatcherの設定
type DispatcherOptions struct {
	// Coalesce に含まれる種別は未配送のものを新しいイベントで上書きする
	Coalesce []Kind
	Logger   *zap.SugaredLogger
}

type slot struct {
	event Event
}

// Dispatcher は単一の配送ゴルーチンでイベントを順番にシンクへ渡す
type Dispatcher struct {
	sink     Sink
	logger   *zap.SugaredLogger
	coalesce map[Kind]bool

	mu         sync.Mutex
	pending    []*slot
	waiting    map[Kind]*slot
	delivering bool
	closed     bool
	idle       []chan struct{}

	notify chan struct{}
}

// NewDispatcher は新しいDispatcherを作成する
func NewDispatcher(sink Sink, opts DispatcherOptions) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	coalesce := make(map[Kind]bool, len(opts.Coalesce))
	for _, k := range opts.Coalesce {
		coalesce[k] = true
	}
	return &Dispatcher{
		sink:     sink,
		logger:   logger,
		coalesce: coalesce,
		waiting:  make(map[Kind]*slot),
		notify:   make(chan struct{}, 1),
	}
}

// Publish はイベントを配送キューに追加する。ブロックしない
func (d *Dispatcher) Publish(e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	if d.coalesce[e.Kind] {
		if s, ok := d.waiting[e.Kind]; ok {
			// 未配送の同種イベントを上書き
			s.event = e
			return
		}
		s := &slot{event: e}
		d.waiting[e.Kind] = s
		d.pending = append(d.pending, s)
	} else {
		d.pending = append(d.pending, &slot{event: e})
	}

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Run はctxが終了するまで配送を続ける。終了時は残りを配送してから戻る
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.closed = true
			d.mu.Unlock()
			d.deliverPending(context.WithoutCancel(ctx))
			return nil
		case <-d.notify:
			d.deliverPending(ctx)
		}
	}
}

// Flush はキューが空になるまで待つ
func (d *Dispatcher) Flush(ctx context.Context) error {
	d.mu.Lock()
	if len(d.pending) == 0 && !d.delivering {
		d.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	d.idle = append(d.idle, ch)
	d.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) deliverPending(ctx context.Context) {
	for {
		d.mu.Lock()
		if len(d.pending) == 0 {
			d.delivering = false
			for _, ch := range d.idle {
				close(ch)
			}
			d.idle = nil
			d.mu.Unlock()
			return
		}
		s := d.pending[0]
		d.pending = d.pending[1:]
		if d.waiting[s.event.Kind] == s {
			delete(d.waiting, s.event.Kind)
		}
		e := s.event
		d.delivering = true
		d.mu.Unlock()

		if err := d.sink.Deliver(ctx, e); err != nil {
			d.logger.Warnw("イベントの配送に失敗しました", "kind", e.Kind, "error", err)
		}
	}
}
