package proxypool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"adsplice-proxy/work/logger"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/ratelimit"
)

// CheckFunc performs one health request through the given proxy.
type CheckFunc func(ctx context.Context, e *Entry) error

// Checker periodically checks every entry and reports the result, so
// cooled-down proxies get a chance to prove themselves healthy again
// without waiting for live traffic.
type Checker struct {
	pool     *Pool
	check    CheckFunc
	interval time.Duration
	timeout  time.Duration
	workers  *ants.Pool
	pace     ratelimit.Limiter

	running  atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	released sync.Once
}

// NewChecker creates a checker running at most concurrency checks at once
// and starting at most perSecond of them each second, so a large list does
// not hit the health endpoint in one burst.
func NewChecker(pool *Pool, check CheckFunc, interval, timeout time.Duration, concurrency, perSecond int) (*Checker, error) {
	if concurrency <= 0 {
		concurrency = 4
	}
	if perSecond <= 0 {
		perSecond = 10
	}
	workers, err := ants.NewPool(concurrency)
	if err != nil {
		return nil, err
	}
	return &Checker{
		pool:     pool,
		check:    check,
		interval: interval,
		timeout:  timeout,
		workers:  workers,
		pace:     ratelimit.New(perSecond),
	}, nil
}

// Start launches the periodic loop
func (c *Checker) Start(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.CheckAll(ctx)
			}
		}
	}()
}

// Stop halts the loop and releases the worker pool
func (c *Checker) Stop() {
	if c.running.CompareAndSwap(true, false) {
		c.cancel()
		c.wg.Wait()
	}
	c.released.Do(c.workers.Release)
}

// CheckAll checks every current entry once and waits for the results.
// It returns the number of healthy entries. Entries not yet started when
// ctx ends are skipped.
func (c *Checker) CheckAll(ctx context.Context) int {
	entries := c.pool.list()
	if len(entries) == 0 {
		return 0
	}

	var (
		wg      sync.WaitGroup
		healthy atomic.Int32
	)
	for _, e := range entries {
		c.pace.Take()
		if ctx.Err() != nil {
			logger.Debug("{proxypool/checker - CheckAll} stopped before checking proxy #%d: %v", e.Index, ctx.Err())
			break
		}
		wg.Add(1)
		entry := e
		err := c.workers.Submit(func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			if err := c.check(pctx, entry); err != nil {
				logger.Debug("{proxypool/checker - CheckAll} proxy #%d %s failed health check: %v", entry.Index, entry.Label(), err)
				c.pool.ReportOutcome(entry, false)
				return
			}
			healthy.Add(1)
			c.pool.ReportOutcome(entry, true)
		})
		if err != nil {
			wg.Done()
			logger.Warn("{proxypool/checker - CheckAll} failed to schedule health check for proxy #%d: %v", entry.Index, err)
		}
	}
	wg.Wait()

	logger.Info("{proxypool/checker - CheckAll} %d/%d proxies healthy", healthy.Load(), len(entries))
	return int(healthy.Load())
}
