package listener

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// recorder is a Task that blocks until cancelled and records what it saw.
type recorder struct {
	mu        sync.Mutex
	started   map[string]int
	cancelled map[string]int
	running   chan string
}

func newRecorder() *recorder {
	return &recorder{
		started:   map[string]int{},
		cancelled: map[string]int{},
		running:   make(chan string, 16),
	}
}

func (rec *recorder) task(roomID string, cancel *Receiver) error {
	rec.mu.Lock()
	rec.started[roomID]++
	rec.mu.Unlock()
	rec.running <- roomID

	<-cancel.Done()

	rec.mu.Lock()
	rec.cancelled[roomID]++
	rec.mu.Unlock()
	return nil
}

func (rec *recorder) counts(roomID string) (int, int) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.started[roomID], rec.cancelled[roomID]
}

func waitRunning(t *testing.T, rec *recorder, roomID string) {
	t.Helper()
	select {
	case got := <-rec.running:
		require.Equal(t, roomID, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("listener for room %s never started", roomID)
	}
}

func TestTokenSingleUse(t *testing.T) {
	sender, receiver := NewToken()
	assert.False(t, receiver.Cancelled())

	require.NoError(t, sender.Cancel())
	require.NoError(t, sender.Cancel())
	assert.True(t, receiver.Cancelled())

	select {
	case <-receiver.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestTokenReceiverGone(t *testing.T) {
	sender, receiver := NewToken()
	receiver.release()

	assert.True(t, sender.Exited())
	assert.ErrorIs(t, sender.Cancel(), ErrReceiverGone)
	assert.False(t, receiver.Cancelled())
}

func TestTokenContext(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sender, receiver := NewToken()
	ctx, stop := receiver.Context(context.Background())
	defer stop()

	require.NoError(t, sender.Cancel())
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled")
	}
}

func TestStartStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rec := newRecorder()
	reg, err := NewRegistry("douyu", rec.task, 0)
	require.NoError(t, err)

	require.NoError(t, reg.Start("42"))
	waitRunning(t, rec, "42")
	require.Len(t, reg.List(), 1)

	require.NoError(t, reg.Stop("42"))
	assert.Empty(t, reg.List())

	require.NoError(t, reg.Close(2*time.Second))
	started, cancelled := rec.counts("42")
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, cancelled)
}

func TestStartSupersedes(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rec := newRecorder()
	reg, err := NewRegistry("huya", rec.task, 0)
	require.NoError(t, err)

	require.NoError(t, reg.Start("7"))
	waitRunning(t, rec, "7")
	first := reg.List()[0].ID

	require.NoError(t, reg.Start("7"))
	waitRunning(t, rec, "7")

	list := reg.List()
	require.Len(t, list, 1)
	assert.NotEqual(t, first, list[0].ID)

	require.Eventually(t, func() bool {
		_, cancelled := rec.counts("7")
		return cancelled == 1 && reg.Running() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, reg.Stop("7"))
	require.NoError(t, reg.Close(2*time.Second))

	started, cancelled := rec.counts("7")
	assert.Equal(t, 2, started)
	assert.Equal(t, 2, cancelled)
}

func TestRoomsAreIndependent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rec := newRecorder()
	reg, err := NewRegistry("bilibili", rec.task, 0)
	require.NoError(t, err)

	require.NoError(t, reg.Start("a"))
	waitRunning(t, rec, "a")
	require.NoError(t, reg.Start("b"))
	waitRunning(t, rec, "b")

	require.NoError(t, reg.Stop("a"))
	require.Eventually(t, func() bool {
		_, cancelled := rec.counts("a")
		return cancelled == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, cancelledB := rec.counts("b")
	assert.Zero(t, cancelledB)
	require.Len(t, reg.List(), 1)
	assert.Equal(t, "b", reg.List()[0].RoomID)

	require.NoError(t, reg.Close(2*time.Second))
}

func TestStopUnknownRoom(t *testing.T) {
	reg, err := NewRegistry("douyin", newRecorder().task, 0)
	require.NoError(t, err)
	defer reg.Close(time.Second)

	assert.NoError(t, reg.Stop("never-started"))
}

func TestStopAfterTaskExited(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	done := make(chan struct{})
	reg, err := NewRegistry("douyu", func(roomID string, cancel *Receiver) error {
		defer close(done)
		return errors.New("feed closed by server")
	}, 0)
	require.NoError(t, err)

	require.NoError(t, reg.Start("1"))
	<-done
	require.Eventually(t, func() bool {
		list := reg.List()
		return len(list) == 1 && !list[0].Running
	}, 2*time.Second, 10*time.Millisecond)

	err = reg.Stop("1")
	var delivery *DeliveryError
	require.ErrorAs(t, err, &delivery)
	assert.ErrorIs(t, err, ErrReceiverGone)
	assert.Equal(t, "1", delivery.RoomID)
	assert.Contains(t, err.Error(), "failed to stop douyu listener for room 1")

	assert.NoError(t, reg.Stop("1"))

	exits := reg.RecentExits()
	require.Len(t, exits, 1)
	assert.Equal(t, "1", exits[0].RoomID)
	assert.Equal(t, "feed closed by server", exits[0].Error)
	assert.False(t, exits[0].Cancelled)

	require.NoError(t, reg.Close(2*time.Second))
}

func TestStoppedListenerRecordsExit(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rec := newRecorder()
	reg, err := NewRegistry("bilibili", rec.task, 0)
	require.NoError(t, err)

	require.NoError(t, reg.Start("5"))
	waitRunning(t, rec, "5")
	require.NoError(t, reg.Stop("5"))

	require.Eventually(t, func() bool { return len(reg.RecentExits()) == 1 }, 2*time.Second, 10*time.Millisecond)
	exit := reg.RecentExits()[0]
	assert.True(t, exit.Cancelled)
	assert.Empty(t, exit.Error)

	require.NoError(t, reg.Close(2*time.Second))
}

func TestStartAfterCloseFails(t *testing.T) {
	reg, err := NewRegistry("huya", newRecorder().task, 0)
	require.NoError(t, err)
	require.NoError(t, reg.Close(time.Second))

	assert.Error(t, reg.Start("1"))
	assert.Empty(t, reg.List())
}

func TestFullPoolKeepsExistingListener(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rec := newRecorder()
	reg, err := NewRegistry("douyu", rec.task, 1)
	require.NoError(t, err)

	require.NoError(t, reg.Start("a"))
	waitRunning(t, rec, "a")
	first := reg.List()[0].ID

	err = reg.Start("b")
	require.ErrorIs(t, err, ants.ErrPoolOverload)

	err = reg.Start("a")
	require.ErrorIs(t, err, ants.ErrPoolOverload)

	list := reg.List()
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].RoomID)
	assert.Equal(t, first, list[0].ID)
	assert.True(t, list[0].Running)

	started, cancelled := rec.counts("a")
	assert.Equal(t, 1, started)
	assert.Zero(t, cancelled)
	assert.Equal(t, 1, reg.Running())

	require.NoError(t, reg.Stop("a"))
	require.NoError(t, reg.Close(2*time.Second))
}

func TestPanickingTaskIsContained(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reg, err := NewRegistry("douyin", func(roomID string, cancel *Receiver) error {
		panic("decoder bug")
	}, 0)
	require.NoError(t, err)

	require.NoError(t, reg.Start("1"))
	require.Eventually(t, func() bool {
		list := reg.List()
		return len(list) == 1 && !list[0].Running
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return len(reg.RecentExits()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, errTaskPanicked.Error(), reg.RecentExits()[0].Error)

	require.NoError(t, reg.Close(2*time.Second))
}
