package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingSink は最初の配送をreleaseが閉じられるまで止める
type blockingSink struct {
	*Recorder
	started chan struct{}
	release chan struct{}
	first   bool
}

func newBlockingSink() *blockingSink {
	return &blockingSink{
		Recorder: NewRecorder(),
		started:  make(chan struct{}),
		release:  make(chan struct{}),
		first:    true,
	}
}

func (b *blockingSink) Deliver(ctx context.Context, e Event) error {
	if b.first {
		b.first = false
		close(b.started)
		<-b.release
	}
	return b.Recorder.Deliver(ctx, e)
}

func runDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestDispatcher_PreservesOrder(t *testing.T) {
	rec := NewRecorder()
	d := NewDispatcher(rec, DispatcherOptions{})
	runDispatcher(t, d)

	names := []string{"SESSION_READY", "CONNECTING", "CONNECTED", "DISCONNECTING", "DISCONNECTED"}
	for _, n := range names {
		d.Publish(State(n))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Flush(ctx))

	got := rec.Values(KindState, "state")
	require.Len(t, got, len(names))
	for i, n := range names {
		assert.Equal(t, n, got[i])
	}
}

func TestDispatcher_CoalescesStats(t *testing.T) {
	sink := newBlockingSink()
	d := NewDispatcher(sink, DispatcherOptions{Coalesce: []Kind{KindStats}})
	runDispatcher(t, d)

	d.Publish(State("CONNECTED"))
	<-sink.started

	d.Publish(Stats(1, 1))
	d.Publish(Stats(2, 2))
	d.Publish(State("DISCONNECTING"))
	d.Publish(Stats(3, 4))
	close(sink.release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Flush(ctx))

	events := sink.Events()
	require.Len(t, events, 3)
	assert.Equal(t, "CONNECTED", events[0].Payload["state"])
	assert.Equal(t, 3, events[1].Payload["quality"])
	assert.Equal(t, 4, events[1].Payload["network"])
	assert.Equal(t, "DISCONNECTING", events[2].Payload["state"])
}

func TestEvent_MarshalJSON(t *testing.T) {
	testCases := []struct {
		name  string
		event Event
		want  string
	}{
		{"状態", State("CONNECTED"), `{"state":"CONNECTED"}`},
		{"エラー", Error("NOT_READY: not ready"), `{"error":"NOT_READY: not ready"}`},
		{"統計", Stats(2, 1), `{"network":1,"quality":2}`},
		{"フォーカス", FocusPoint(120.5, 300), `{"focusPoint":"120.5_300.0"}`},
		{"フォーカス（負の値）", FocusPoint(-2, 0.25), `{"focusPoint":"-2.0_0.25"}`},
		{"ミュート", AudioMuted(true), `{"audioMuted":true}`},
		{"露出補正", ExposureBias(-1.5), `{"exposureBias":-1.5}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := json.Marshal(tc.event)
			require.NoError(t, err)
			assert.JSONEq(t, tc.want, string(data))
			assert.NotEmpty(t, tc.event.ID)
		})
	}
}

type fakeRedis struct {
	channel string
	message interface{}
	err     error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.message = message
	return redis.NewIntResult(1, f.err)
}

func TestRedisSink_Deliver(t *testing.T) {
	client := &fakeRedis{}
	sink := NewRedisSink(client, "")

	require.NoError(t, sink.Deliver(context.Background(), AudioMuted(false)))
	assert.Equal(t, DefaultRedisChannel, client.channel)
	assert.JSONEq(t, `{"audioMuted":false}`, string(client.message.([]byte)))

	client.err = errors.New("connection refused")
	assert.Error(t, sink.Deliver(context.Background(), AudioMuted(true)))
}

func TestFanout_JoinsErrors(t *testing.T) {
	rec := NewRecorder()
	failing := &RedisSink{client: &fakeRedis{err: errors.New("down")}, channel: "c"}

	err := Fanout{rec, failing}.Deliver(context.Background(), State("IDLE"))
	assert.Error(t, err)
	assert.Len(t, rec.Events(), 1)
}
