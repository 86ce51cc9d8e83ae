package listener

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"dtv-relay/work/logger"
	"dtv-relay/work/metrics"
	"dtv-relay/work/types"
)

// Task is the body of a room listener. It must watch cancel.Done() alongside its
// own I/O and return promptly once it fires. Errors are logged by the registry.
type Task func(roomID string, cancel *Receiver) error

// DeliveryError is returned by Stop when a listener was registered but its task
// had already exited, so the cancellation reached nobody.
type DeliveryError struct {
	Platform string
	RoomID   string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("failed to stop %s listener for room %s: %v", e.Platform, e.RoomID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

type registration struct {
	id      string
	roomID  string
	started time.Time
	sender  *Sender
}

// Registry keeps at most one listener task per room id for one platform.
type Registry struct {
	platform string
	task     Task
	pool     *ants.Pool
	entries  *xsync.MapOf[string, *registration]
	exits    *otter.Cache[string, types.ListenerExit]
	active   atomic.Int32
}

// errTaskPanicked is recorded for a task that did not return.
var errTaskPanicked = errors.New("listener panicked")

// Exits are remembered for this long so the GUI can show why a room went quiet.
const (
	exitRetention = 10 * time.Minute
	maxExits      = 256
)

// NewRegistry creates a registry running task on a worker pool of maxTasks
// goroutines; maxTasks <= 0 leaves the pool unbounded.
func NewRegistry(platform string, task Task, maxTasks int) (*Registry, error) {
	pool, err := ants.NewPool(maxTasks,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			logger.Error("{listener/registry - NewRegistry} %s listener panicked: %v", platform, p)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s listener pool: %w", platform, err)
	}

	return &Registry{
		platform: platform,
		task:     task,
		pool:     pool,
		entries:  xsync.NewMapOf[string, *registration](),
		exits: otter.Must(&otter.Options[string, types.ListenerExit]{
			MaximumSize:      maxExits,
			ExpiryCalculator: otter.ExpiryWriting[string, types.ListenerExit](exitRetention),
		}),
	}, nil
}

// Start registers a fresh listener for roomID and launches its task without
// waiting for it. A listener already registered for the room is cancelled and
// replaced in the same step; failure to cancel it is ignored. When the pool is
// full Start fails and the room keeps whatever listener it had.
func (r *Registry) Start(roomID string) error {
	sender, receiver := NewToken()
	reg := &registration{
		id:      uuid.NewString(),
		roomID:  roomID,
		started: time.Now(),
		sender:  sender,
	}

	// the worker is reserved first and held until the registration is in place
	launch := make(chan struct{})
	err := r.pool.Submit(func() {
		<-launch

		r.active.Add(1)
		metrics.ActiveListeners.WithLabelValues(r.platform).Inc()

		taskErr := errTaskPanicked
		defer func() {
			r.recordExit(reg, receiver.Cancelled(), taskErr)
			receiver.release()
			metrics.ActiveListeners.WithLabelValues(r.platform).Dec()
			r.active.Add(-1)
		}()

		logger.Info("{listener/registry - Start} %s room %s: listener %s running", r.platform, roomID, reg.id)
		if taskErr = r.task(roomID, receiver); taskErr != nil {
			logger.Warn("{listener/registry - Start} %s room %s: listener %s failed: %v", r.platform, roomID, reg.id, taskErr)
			return
		}
		logger.Info("{listener/registry - Start} %s room %s: listener %s exited", r.platform, roomID, reg.id)
	})
	if err != nil {
		receiver.release()
		return fmt.Errorf("start %s listener for room %s: %w", r.platform, roomID, err)
	}

	r.entries.Compute(roomID, func(old *registration, loaded bool) (*registration, bool) {
		if loaded {
			_ = old.sender.Cancel()
			metrics.ListenerSupersessions.WithLabelValues(r.platform).Inc()
			logger.Info("{listener/registry - Start} %s room %s: superseding listener %s", r.platform, roomID, old.id)
		}
		return reg, false
	})
	close(launch)
	return nil
}

// Stop removes the room's registration and fires its token. Stopping a room with
// no registration succeeds.
func (r *Registry) Stop(roomID string) error {
	reg, ok := r.entries.LoadAndDelete(roomID)
	if !ok {
		logger.Debug("{listener/registry - Stop} %s room %s: no listener registered", r.platform, roomID)
		return nil
	}

	if err := reg.sender.Cancel(); err != nil {
		return &DeliveryError{Platform: r.platform, RoomID: roomID, Err: err}
	}
	logger.Info("{listener/registry - Stop} %s room %s: listener %s signalled", r.platform, roomID, reg.id)
	return nil
}

// List returns the current registrations ordered by room id.
func (r *Registry) List() []types.ListenerInfo {
	var out []types.ListenerInfo
	r.entries.Range(func(roomID string, reg *registration) bool {
		out = append(out, types.ListenerInfo{
			Platform: r.platform,
			RoomID:   roomID,
			ID:       reg.id,
			Started:  reg.started,
			Running:  !reg.sender.Exited(),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

func (r *Registry) recordExit(reg *registration, cancelled bool, err error) {
	exit := types.ListenerExit{
		Platform:  r.platform,
		RoomID:    reg.roomID,
		ID:        reg.id,
		Started:   reg.started,
		Exited:    time.Now(),
		Cancelled: cancelled,
	}
	if err != nil {
		exit.Error = err.Error()
	}
	r.exits.Set(reg.id, exit)
}

// RecentExits returns the listeners that finished within the retention window,
// newest first.
func (r *Registry) RecentExits() []types.ListenerExit {
	var out []types.ListenerExit
	for _, exit := range r.exits.All() {
		out = append(out, exit)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Exited.After(out[j].Exited) })
	return out
}

// Running returns the number of tasks currently executing.
func (r *Registry) Running() int {
	return int(r.active.Load())
}

// Close cancels every registration and waits up to timeout for the tasks to
// return. The registry cannot be started again afterwards.
func (r *Registry) Close(timeout time.Duration) error {
	r.entries.Range(func(roomID string, reg *registration) bool {
		r.entries.Delete(roomID)
		_ = reg.sender.Cancel()
		return true
	})
	return r.pool.ReleaseTimeout(timeout)
}
