package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartFailsWithoutRedis(t *testing.T) {
	r := New("127.0.0.1:1", "", nil)
	t.Cleanup(func() { r.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Error(t, r.Start(ctx))
}

// Publish runs on a session's dispatch goroutine, so it must return
// within its own deadline even when Redis is unreachable.
func TestPublishBoundedWithoutRedis(t *testing.T) {
	r := New("127.0.0.1:1", "", nil)
	t.Cleanup(func() { r.Close() })

	start := time.Now()
	err := r.Publish("s1", []byte(`{}`), "")
	require.Error(t, err)
	require.Less(t, time.Since(start), publishTimeout+2*time.Second)
}
