package agentconn

import "time"

// isStale reports whether a session that last heard from its agent at last is
// idle for longer than after.
func isStale(now, last time.Time, after time.Duration) bool {
	return after > 0 && now.Sub(last) > after
}

func (c *Conn) startHealth() {
	c.stopHealth()
	if c.cfg.HealthInterval <= 0 {
		return
	}
	gen := c.gen
	c.healthTimer = c.clock.Every(c.cfg.HealthInterval, func() {
		c.post(func() { c.checkHealth(gen) })
	})
}

func (c *Conn) stopHealth() {
	if c.healthTimer != nil {
		c.healthTimer.Stop()
		c.healthTimer = nil
	}
}

// checkHealth treats a silent session like a failed transport. The agent
// sends telemetry on its own, so silence means the channel is half-open.
func (c *Conn) checkHealth(gen uint64) {
	if gen != c.gen || c.netConn == nil {
		return
	}
	now := c.clock.Now()
	if !isStale(now, c.lastMessageAt, c.cfg.StaleAfter) {
		return
	}
	c.obs.SessionStale(c.vmID)
	c.transportFailed(gen, ErrStale)
}
