// internal/discovery/runner.go
package discovery

import (
	"context"
	"math/rand"
	"time"
)

// Run performs Start, then polls known modules every Interval plus a random
// jitter in [0, Jitter). It is the only goroutine that talks to the bus.
// On return the snapshot is saved.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.SaveSnapshot()

	rng := rand.New(rand.NewSource(c.now().UnixNano()))
	timer := time.NewTimer(c.nextDelay(rng))
	defer timer.Stop()

	lastScan := c.now()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-c.scanReq:
			if c.Paused() {
				continue
			}
			if _, err := c.FullScan(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("requested scan failed")
			}
			lastScan = c.now()

		case <-timer.C:
			if c.cfg.RescanInterval > 0 && c.now().Sub(lastScan) >= c.cfg.RescanInterval && !c.Paused() {
				if _, err := c.FullScan(ctx); err != nil && ctx.Err() == nil {
					c.log.Warn().Err(err).Msg("periodic scan failed")
				}
				lastScan = c.now()
			} else {
				_ = c.PollOnce(ctx)
			}
			timer.Reset(c.nextDelay(rng))
		}
	}
}

func (c *Coordinator) nextDelay(rng *rand.Rand) time.Duration {
	d := c.cfg.Interval
	if c.cfg.Jitter > 0 {
		d += time.Duration(rng.Int63n(int64(c.cfg.Jitter)))
	}
	return d
}
