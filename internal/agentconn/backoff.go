package agentconn

import (
	"math"
	"time"
)

// backoffDelay returns min(base * 2^attempt, max).
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		if max > 0 && d >= max/2 {
			return max
		}
		if d > math.MaxInt64/2 {
			break
		}
		d *= 2
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// scheduleReconnect arms the single reconnect timer, or destroys the
// connection once the attempt budget is spent.
func (c *Conn) scheduleReconnect() {
	if c.destroyed {
		return
	}
	if c.cfg.MaxReconnectAttempts > 0 && c.attempts >= c.cfg.MaxReconnectAttempts {
		c.log.Warn("giving up on agent", "attempts", c.attempts)
		c.destroy(ErrMaxReconnectAttempts)
		return
	}

	delay := backoffDelay(c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay, c.attempts)
	c.attempts++

	c.stopReconnectTimer()
	seq := c.reconnectSeq
	c.reconnectTimer = c.clock.AfterFunc(delay, func() {
		c.post(func() { c.retry(seq) })
	})

	c.obs.ReconnectScheduled(c.vmID, c.attempts, delay)
	c.log.Debug("reconnect scheduled", "attempt", c.attempts, "delay", delay)
}

func (c *Conn) stopReconnectTimer() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.reconnectSeq++
}

// retry runs when the reconnect timer fires. A timer from an earlier
// schedule is ignored.
func (c *Conn) retry(seq uint64) {
	if seq != c.reconnectSeq || c.destroyed {
		return
	}
	c.reconnectTimer = nil
	c.reconnectNow()
}

func (c *Conn) reconnectNow() {
	if c.netConn != nil || c.dialing {
		return
	}
	if !c.endpointExists() {
		c.destroy(ErrEndpointRemoved)
		return
	}
	c.dial()
}

// Reconnect asks for an immediate connection attempt, skipping any pending
// backoff delay. It does nothing while connected or dialing.
func (c *Conn) Reconnect() {
	c.post(func() {
		if c.netConn != nil || c.dialing {
			return
		}
		c.stopReconnectTimer()
		c.reconnectNow()
	})
}
