package agentconn

import "grimm.is/vmlink/internal/logging"

// errorThrottle keeps repeated identical transport failures out of the warn
// log. It only affects logging.
type errorThrottle struct {
	every    int
	lastKind ErrorKind
	count    int
}

// log records err and emits at most one warning per run of identical kinds,
// plus a "still failing" warning every t.every repeats.
func (t *errorThrottle) log(l *logging.Logger, msg string, err error) {
	kind := ClassifyError(err)
	if kind != t.lastKind {
		t.lastKind = kind
		t.count = 1
		l.Warn(msg, "error", err, "kind", string(kind))
		return
	}

	t.count++
	if t.every > 0 && t.count%t.every == 0 {
		l.Warn("still failing", "error", err, "kind", string(kind), "count", t.count)
		return
	}
	l.Debug(msg, "error", err, "kind", string(kind), "count", t.count)
}

func (t *errorThrottle) reset() {
	t.lastKind = ""
	t.count = 0
}
