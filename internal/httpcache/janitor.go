package httpcache

import (
	"context"
	"time"
)

// RunJanitor 定期執行 ClearExpired，直到 ctx 結束。
//
// 阻塞呼叫，通常以 goroutine 啟動：
//
//	go cache.RunJanitor(ctx, time.Minute)
//
// interval <= 0 時直接返回。
func (c *Cache) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("janitor started", "interval", interval)
	for {
		select {
		case <-ticker.C:
			c.ClearExpired()
		case <-ctx.Done():
			c.logger.Info("janitor stopped")
			return
		}
	}
}
