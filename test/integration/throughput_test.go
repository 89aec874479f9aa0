package integration

import (
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/rtsd/pkg/rts"
	"github.com/ChuLiYu/rtsd/pkg/types"
	"github.com/stretchr/testify/require"
)

// TestRequestThroughput measures how many exchanges per second the daemon
// serves with every slot busy.
func TestRequestThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping throughput test in short mode")
	}

	const clients = 16
	const perClient = 200
	d, _ := newDaemon(t, clients)
	ctx := ctxFor(t, 60*time.Second)

	conns := make([]*rts.Client, clients)
	for i := range conns {
		c, err := rts.Connect(ctx, d.Addr())
		require.NoError(t, err)
		defer c.Close()
		conns[i] = c
	}

	start := time.Now()
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *rts.Client) {
			defer wg.Done()
			for i := 0; i < perClient; i++ {
				if _, err := c.CapQuery(ctx, types.QueryBudget); err != nil {
					t.Error(err)
					return
				}
			}
		}(c)
	}
	wg.Wait()
	elapsed := time.Since(start)

	total := clients * perClient
	t.Logf("%d requests in %s (%.0f req/s)", total, elapsed, float64(total)/elapsed.Seconds())
	require.Equal(t, uint64(total), d.Stats().Counters.Requests)
}
