package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPingsServer(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := New(context.Background(), Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	mr.CheckGet(t, "k", "v")
}

func TestNewFailsWhenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err := New(context.Background(), Options{Addr: addr})
	require.Error(t, err)
}

func TestQueueOptMirrorsOptions(t *testing.T) {
	opt := Options{Addr: "127.0.0.1:6380", Password: "pw", DB: 2}.QueueOpt()
	assert.Equal(t, "127.0.0.1:6380", opt.Addr)
	assert.Equal(t, "pw", opt.Password)
	assert.Equal(t, 2, opt.DB)
	assert.Equal(t, defaultDialTimeout, opt.DialTimeout)

	opt = Options{Addr: "x", DialTimeout: time.Second}.QueueOpt()
	assert.Equal(t, time.Second, opt.DialTimeout)
}
