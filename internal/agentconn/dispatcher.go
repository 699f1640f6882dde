package agentconn

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"grimm.is/vmlink/internal/clock"
	"grimm.is/vmlink/internal/protocol"
)

// NewCommandID returns a random 128-bit command id.
func NewCommandID() string {
	return uuid.NewString()
}

type outcome struct {
	result *protocol.Result
	err    error
}

type pendingCommand struct {
	id      string
	action  protocol.Action
	timeout time.Duration
	started time.Time
	timer   clock.Timer
	reply   chan outcome
}

func (p *pendingCommand) label() string {
	if p.action == "" {
		return "unsafe"
	}
	return string(p.action)
}

// Send writes cmd to the agent and waits for its response. A response with
// success=false is returned as a Result, not an error. Failures are returned
// as *CommandError.
//
// Cancelling ctx abandons the command with ErrCancelled.
func (c *Conn) Send(ctx context.Context, cmd protocol.Command) (*protocol.Result, error) {
	if !c.IsConnected() {
		if c.State() == StateClosing || c.State() == StateClosed {
			return nil, c.commandErr("", c.closedReason())
		}
		return nil, c.commandErr("", ErrNotConnected)
	}

	p := &pendingCommand{
		action:  cmd.Action(),
		timeout: cmd.Timeout(),
		reply:   make(chan outcome, 1),
	}
	if p.timeout <= 0 {
		p.timeout = c.cfg.CommandTimeout
	}

	if !c.post(func() { c.start(p, cmd) }) {
		return nil, c.commandErr("", c.closedReason())
	}

	select {
	case o := <-p.reply:
		return o.result, o.err
	case <-ctx.Done():
		c.post(func() { c.finish(p, outcome{err: c.commandErr(p.id, ErrCancelled)}, OutcomeCancelled) })
	case <-c.done:
	}

	select {
	case o := <-p.reply:
		return o.result, o.err
	case <-c.done:
		select {
		case o := <-p.reply:
			return o.result, o.err
		default:
			return nil, c.commandErr("", c.closedReason())
		}
	}
}

// closedReason is what a caller sees when the Conn is already gone.
func (c *Conn) closedReason() error {
	if r := c.Err(); r != nil {
		return rejectReason(r)
	}
	return ErrShuttingDown
}

func (c *Conn) commandErr(id string, err error) error {
	return &CommandError{ID: id, VMID: c.vmID, Err: err}
}

// start registers p and writes the command.
func (c *Conn) start(p *pendingCommand, cmd protocol.Command) {
	if c.netConn == nil {
		p.reply <- outcome{err: c.commandErr("", ErrNotConnected)}
		return
	}

	id := c.newID()
	for _, taken := c.pending[id]; taken; _, taken = c.pending[id] {
		id = c.newID()
	}
	p.id = id

	line, err := cmd.Encode(id)
	if err != nil {
		p.reply <- outcome{err: c.commandErr(id, err)}
		c.obs.CommandCompleted(c.vmID, p.label(), OutcomeRejected, 0)
		return
	}

	p.started = c.clock.Now()
	c.pending[id] = p
	p.timer = c.clock.AfterFunc(p.timeout, func() {
		c.post(func() { c.expire(p) })
	})

	if err := c.write(line); err != nil {
		c.finish(p, outcome{err: c.commandErr(id, fmt.Errorf("write: %w", err))}, OutcomeError)
		c.transportFailed(c.gen, err)
		return
	}
	c.sent++
	c.log.Debug("command sent", "id", id, "action", p.label(), "timeout", p.timeout)
}

// finish completes p exactly once. It reports false if p had already been
// completed by another path.
func (c *Conn) finish(p *pendingCommand, o outcome, label Outcome) bool {
	if p.id == "" || c.pending[p.id] != p {
		return false
	}
	delete(c.pending, p.id)
	if p.timer != nil {
		p.timer.Stop()
	}
	p.reply <- o
	c.obs.CommandCompleted(c.vmID, p.label(), label, c.clock.Since(p.started))
	return true
}

func (c *Conn) expire(p *pendingCommand) {
	err := c.commandErr(p.id, fmt.Errorf("%w after %s", ErrTimeout, p.timeout))
	if c.finish(p, outcome{err: err}, OutcomeTimeout) {
		c.timeouts++
		c.log.Warn("command timed out", "id", p.id, "action", p.label(), "timeout", p.timeout)
	}
}

func (c *Conn) handleResponse(resp *protocol.Response) {
	p, ok := c.pending[resp.ID]
	if !ok {
		c.log.Debug("dropping response for unknown command", "id", resp.ID)
		return
	}
	c.responses++

	result := protocol.NewResult(resp, p.action)
	if p.action.AutoCheck() {
		c.notify("auto_check", func() {
			c.sink.OnAutoCheckSignal(c.vmID, p.action, result.Success, result.Data)
		})
	}

	label := OutcomeSuccess
	if !result.Success {
		label = OutcomeFailure
	}
	c.finish(p, outcome{result: result}, label)
}

// Cancel rejects the pending command with id. It reports whether a command
// was found.
func (c *Conn) Cancel(id string) bool {
	found := make(chan bool, 1)
	if !c.post(func() {
		p, ok := c.pending[id]
		if ok {
			c.finish(p, outcome{err: c.commandErr(id, ErrCancelled)}, OutcomeCancelled)
		}
		found <- ok
	}) {
		return false
	}
	select {
	case ok := <-found:
		return ok
	case <-c.done:
		return false
	}
}

// CancelAll rejects every pending command and returns how many there were.
func (c *Conn) CancelAll() int {
	count := make(chan int, 1)
	if !c.post(func() { count <- c.rejectAll(ErrCancelled) }) {
		return 0
	}
	select {
	case n := <-count:
		return n
	case <-c.done:
		return 0
	}
}

// pendingIDs returns the sorted ids of in-flight commands. Actor only.
func (c *Conn) pendingIDs() []string {
	if len(c.pending) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.pending))
	for id := range c.pending {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (c *Conn) rejectAll(err error) int {
	label := OutcomeError
	if errors.Is(err, ErrCancelled) {
		label = OutcomeCancelled
	}
	n := 0
	for _, p := range c.pending {
		if c.finish(p, outcome{err: c.commandErr(p.id, err)}, label) {
			n++
		}
	}
	return n
}
