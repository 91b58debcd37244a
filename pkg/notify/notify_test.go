package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"proxy-rental/pkg/models"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Event
		wantErr bool
	}{
		{
			name: "worker wire format",
			raw: `{"task_id": 7, "task_type": "add_proxy", "server_ip": "10.0.0.1",
				"payload": {"ip": "10.0.0.1", "internal_ip": "192.168.0.2", "port": 8080,
				"login": "abc", "password": "xyz", "protocol": "SOCKS5", "operator": "TESTCO"}}`,
			want: Event{
				TaskID:   7,
				TaskType: models.TaskAddProxy,
				ServerIP: "10.0.0.1",
				Payload: models.TaskPayload{
					IP:         "10.0.0.1",
					InternalIP: "192.168.0.2",
					Port:       8080,
					Login:      "abc",
					Password:   "xyz",
					Protocol:   "SOCKS5",
					Operator:   "TESTCO",
				},
			},
		},
		{
			name:    "not json",
			raw:     "hello",
			wantErr: true,
		},
		{
			name:    "missing id",
			raw:     `{"task_type": "remove_proxy"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeEvent(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type fakePublisher struct {
	channel  string
	messages []interface{}
	err      error
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	f.messages = append(f.messages, message)
	return redis.NewIntResult(1, nil)
}

func TestRelayPublishesRawPayload(t *testing.T) {
	pub := &fakePublisher{}
	relay := NewRelay(pub, "tasks", slog.New(slog.NewTextHandler(io.Discard, nil)))
	handle := relay.Handle(context.Background())

	raw := `{"task_id":1,"task_type":"add_proxy"}`
	require.NoError(t, handle(Message{Raw: raw, Event: Event{TaskID: 1}}))

	assert.Equal(t, "tasks", pub.channel)
	assert.Equal(t, []interface{}{raw}, pub.messages)
}

func TestRelayError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("connection refused")}
	relay := NewRelay(pub, "tasks", slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := relay.Handle(context.Background())(Message{Event: Event{TaskID: 3}})
	assert.ErrorContains(t, err, "task 3")
}
