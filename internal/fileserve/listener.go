package fileserve

import (
	"net"
	"sync"
	"time"
)

// State is the listener's current state-vtable (spec.md §9: "the
// per-client ops field is better expressed as an explicit state enum").
type State int

const (
	StatePrefile State = iota
	StateFile
	StateThrottledFile
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StatePrefile:
		return "prefile"
	case StateFile:
		return "file"
	case StateThrottledFile:
		return "throttled_file"
	case StateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// Listener is the file-serving engine's view of an attached client:
// spec.md §3's Client fields that this subsystem reads and writes
// (intro_offset, pos, counter, schedule_ms, check_buffer/ops), kept
// deliberately separate from mountauth.Client -- the two connect only
// through the handoff Engine.ServeClient performs.
type Listener struct {
	conn   net.Conn
	header []byte // buffered HTTP response header awaiting drain (Prefile)

	mu          sync.Mutex
	state       State
	fh          *FileHandle
	introOffset int64
	counter     int64 // bytes sent so far, for throttling
	timerStart  time.Time
	scheduleAt  time.Time
	disconAt    time.Time // zero = no forced disconnect deadline
	fsOverride  bool      // see mountauth.MoveListener's FS_OVERRIDE tag
	connError   bool

	done chan struct{}
}

// newListener builds a Listener bound to conn, starting in Prefile with
// header buffered for drain.
func newListener(conn net.Conn, header []byte) *Listener {
	return &Listener{
		conn:       conn,
		header:     header,
		state:      StatePrefile,
		timerStart: time.Now(),
		done:       make(chan struct{}),
	}
}

func (l *Listener) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Listener) getState() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// ConnectionError reports whether the last socket write failed terminally
// (spec.md §5: "client.connection.error -- checked at every file-serve
// tick").
func (l *Listener) ConnectionError() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connError
}

func (l *Listener) setConnError() {
	l.mu.Lock()
	l.connError = true
	l.mu.Unlock()
}
