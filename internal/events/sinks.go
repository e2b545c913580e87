package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultRedisChannel はRedisSinkの既定チャンネル
const DefaultRedisChannel = "livecast:events"

// Fanout は複数のシンクへ順に配送する
type Fanout []Sink

// Deliver は全シンクへ配送し、失敗をまとめて返す
func (f Fanout) Deliver(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Deliver(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink はイベントをログに出力する
type LogSink struct {
	Logger *zap.SugaredLogger
}

// Deliver はイベントをdebugレベルで出力する
func (s LogSink) Deliver(_ context.Context, e Event) error {
	if s.Logger != nil {
		s.Logger.Debugw("イベントを送信します", "kind", e.Kind, "payload", e.Payload)
	}
	return nil
}

// redisPublisher は *redis.Client が満たす
type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink はイベントをRedisのPub/Subチャンネルへ発行する
type RedisSink struct {
	client  redisPublisher
	channel string
}

// NewRedisSink は新しいRedisSinkを作成する
func NewRedisSink(client redisPublisher, channel string) *RedisSink {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisSink{client: client, channel: channel}
}

// Deliver はイベントをJSONにして発行する
func (s *RedisSink) Deliver(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("イベントのエンコードに失敗: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("redisへの発行に失敗: %w", err)
	}
	return nil
}

// Recorder はイベントを記録する（テスト用）
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder は新しいRecorderを作成する
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish はイベントを記録する
func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Deliver はイベントを記録する
func (r *Recorder) Deliver(_ context.Context, e Event) error {
	r.Publish(e)
	return nil
}

// Events は記録したイベントのコピーを返す
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Values は指定種別のイベントからキーkeyの値を順に返す
func (r *Recorder) Values(kind Kind, key string) []any {
	var out []any
	for _, e := range r.Events() {
		if e.Kind == kind {
			out = append(out, e.Payload[key])
		}
	}
	return out
}

// Reset は記録を消去する
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
