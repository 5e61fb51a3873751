package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu  sync.Mutex
	got []Notification
	err error
}

func (r *recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestDispatcher_DeliversAndDrainsOnClose(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec, nil, nil, 16, 2)

	for i := 0; i < 10; i++ {
		require.NoError(t, d.Notify(context.Background(), Notification{UserID: "u1", Type: TypeLowBalance}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
	assert.Equal(t, 10, rec.count())

	// After close, Notify is a silent drop.
	require.NoError(t, d.Notify(context.Background(), Notification{UserID: "u1", Type: TypeLowBalance}))
	assert.Equal(t, 10, rec.count())
}

func TestMulti_JoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("smtp down")}
	err := Multi{ok, bad}.Notify(context.Background(), Notification{UserID: "u", Type: TypePaymentConfirmed})
	require.Error(t, err)
	assert.Equal(t, 1, ok.count())
	assert.Equal(t, 1, bad.count())
}

func TestRedisPublisher_PublishesJSON(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	sub := rdb.Subscribe(ctx, "billing:notifications")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	p := NewRedisPublisher(rdb, "")
	require.NoError(t, p.Notify(ctx, Notification{UserID: "u9", Type: TypeUsageNearLimit, Cycle: "2025-06"}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var got Notification
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, "u9", got.UserID)
	assert.Equal(t, TypeUsageNearLimit, got.Type)
	assert.Equal(t, "2025-06", got.Cycle)
}
