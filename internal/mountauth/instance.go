package mountauth

import (
	"context"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
)

// maxPending is spec.md's admission bound: an authenticator whose FIFO
// already holds more than this many entries refuses further enqueues
// (upstream translates that into a 403 "busy").
const maxPending = 300

// defaultHandlers is used when a mount's authenticator block does not
// configure `handlers` at all (as opposed to configuring it as 0).
const defaultHandlers = 3

// process-global shutdown coordination (spec.md §4.C, §5): every running
// worker holds the rwlock in read mode for its entire loop lifetime;
// Shutdown takes the write lock, which blocks until all workers have
// exited.
var (
	allowAuth      atomic.Bool
	globalShutdown sync.RWMutex
)

func init() {
	allowAuth.Store(true)
}

// AllowAuth reports whether new auth work may still be enqueued. It goes
// false the instant Shutdown is called and never recovers within a process
// lifetime (restart to re-enable, matching the C source's one-shot
// allow_auth).
func AllowAuth() bool { return allowAuth.Load() }

// Shutdown flips AllowAuth() off, then blocks until every currently
// running Instance worker has observed the empty-queue exit path. New
// enqueues are refused from the moment this function is called, not from
// the moment it returns.
func Shutdown() {
	allowAuth.Store(false)
	globalShutdown.Lock()
	defer globalShutdown.Unlock()
}

// Config is the authenticator block configuration of spec.md §6
// (`<authenticator type="..."><option name="..." value="..."/></authenticator>`).
type Config struct {
	Type                 string
	Realm                string
	RejectedMount        string
	Handlers             *int // nil => defaultHandlers; explicit 0 clamps to 1
	AllowDuplicateUsers  bool
	DropExistingListener bool
}

func clampHandlers(cfg Config) int {
	if cfg.Handlers == nil {
		return defaultHandlers
	}
	h := *cfg.Handlers
	if h < 1 {
		h = 1
	}
	if h > 100 {
		h = 100
	}
	return h
}

type slot struct {
	active     bool
	threadData any
}

// Instance is a per-mount authenticator: a FIFO of pending ClientRequests
// plus a lazily-spawned, bounded worker pool that drains it. It is
// reference counted: one reference is held by whoever installed it on a
// MountInfo, and the Instance tears itself down (invoking the backend's
// Release and ReleaseThreadData hooks) the moment the count reaches zero.
type Instance struct {
	cfg     Config
	backend any
	logger  *log.Logger

	mu           sync.Mutex
	queue        []*ClientRequest
	pendingCount int
	refcount     int
	running      bool
	slots        []slot
}

// NewInstance constructs a running Instance with refcount 1 (the caller's
// own reference). backend may implement any subset of the capability
// interfaces in backend.go; absent capabilities degrade to OutcomeOK / a
// no-op, matching "any may be absent" in spec.md §3.
func NewInstance(cfg Config, backend any, logger *log.Logger) *Instance {
	if logger == nil {
		logger = log.Default()
	}
	n := clampHandlers(cfg)
	return &Instance{
		cfg:      cfg,
		backend:  backend,
		logger:   logger,
		running:  true,
		refcount: 1,
		slots:    make([]slot, n),
	}
}

// PendingCount returns the current FIFO length (for admin stats / tests).
func (in *Instance) PendingCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.pendingCount
}

// Running reports whether the instance still accepts enqueues.
func (in *Instance) Running() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.running
}

// Realm returns the configured HTTP Basic realm.
func (in *Instance) Realm() string { return in.cfg.Realm }

// RejectedMount returns the configured redirect-on-failure mount, or "".
func (in *Instance) RejectedMount() string { return in.cfg.RejectedMount }

// Retain adds a reference (e.g. a second MountInfo sharing the same
// authenticator instance).
func (in *Instance) Retain() {
	in.mu.Lock()
	in.refcount++
	in.mu.Unlock()
}

// Release drops a reference; at zero it tears the instance down.
func (in *Instance) Release() {
	in.drop()
}

func (in *Instance) drop() {
	in.mu.Lock()
	in.refcount--
	rc := in.refcount
	in.mu.Unlock()
	if rc <= 0 {
		in.teardown()
	}
}

func (in *Instance) teardown() {
	in.mu.Lock()
	in.running = false
	slots := in.slots
	in.mu.Unlock()

	if r, ok := in.backend.(ThreadDataReleaser); ok {
		for i := range slots {
			if slots[i].threadData != nil {
				r.ReleaseThreadData(slots[i].threadData)
			}
		}
	}
	if r, ok := in.backend.(SelfReleaser); ok {
		r.Release()
	}
}

// Enqueue appends req to the FIFO and, if the queue was empty and a
// worker slot is free, spawns exactly one worker to drain it. Mirrors
// spec.md §4.C: "if pending_count == 0 and a free slot exists, spawn one
// worker in that slot".
func (in *Instance) Enqueue(req *ClientRequest) error {
	if !AllowAuth() {
		return ErrShuttingDown
	}

	in.mu.Lock()
	if !in.running {
		in.mu.Unlock()
		return ErrNotRunning
	}
	if in.pendingCount > maxPending {
		in.mu.Unlock()
		return ErrBusy
	}

	req.Instance = in
	wasEmpty := in.pendingCount == 0
	in.queue = append(in.queue, req)
	in.pendingCount++

	var spawnSlot = -1
	if wasEmpty {
		for i := range in.slots {
			if !in.slots[i].active {
				in.slots[i].active = true
				spawnSlot = i
				break
			}
		}
	}
	in.mu.Unlock()

	if spawnSlot >= 0 {
		in.refcount1()
		go in.workerLoop(spawnSlot)
	}
	return nil
}

// refcount1 mirrors the C source incrementing Auth.refcount when a worker
// thread is spawned, so a running worker alone keeps the instance alive
// even if the config reference is dropped mid-drain.
func (in *Instance) refcount1() {
	in.mu.Lock()
	in.refcount++
	in.mu.Unlock()
}

func (in *Instance) workerLoop(slotIdx int) {
	globalShutdown.RLock()
	defer globalShutdown.RUnlock()

	for {
		in.mu.Lock()
		if len(in.queue) == 0 {
			in.slots[slotIdx].active = false
			in.mu.Unlock()
			in.drop()
			return
		}
		req := in.queue[0]
		in.queue = in.queue[1:]
		in.pendingCount--
		req.HandlerID = slotIdx
		req.ThreadData = in.slots[slotIdx].threadData
		if req.ThreadData == nil {
			if a, ok := in.backend.(ThreadDataAllocator); ok {
				req.ThreadData = a.AllocThreadData()
				in.slots[slotIdx].threadData = req.ThreadData
			}
		}
		in.mu.Unlock()

		outcome := OutcomeError
		if req.Callback != nil {
			outcome = req.Callback(context.Background(), req)
		}
		in.disposeRequest(req, outcome)
	}
}

// disposeRequest implements auth_client_free: if the callback left the
// client attached (did not hand it off to source or file serving), the
// listener is terminated. spec.md §9 flags that the 401 is sent even when
// RespCode was already set to 400 by a pre-auth liveness check -- that
// behavior is preserved verbatim rather than "fixed", per the explicit
// Open Question resolution in SPEC_FULL.md.
func (in *Instance) disposeRequest(req *ClientRequest, outcome Outcome) {
	if req.onDispose != nil {
		req.onDispose(req, outcome)
		return
	}
	c := req.Client
	if c == nil {
		return
	}
	if c.RespCode == 0 {
		c.RespCode = http.StatusBadRequest
	}
	if c.Finish != nil {
		c.Finish(http.StatusUnauthorized, in.cfg.Realm, c.ConnError)
	}
}
