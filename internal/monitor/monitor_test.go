package monitor_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/asterisk-panel/internal/ami"
	"github.com/sweeney/asterisk-panel/internal/ami/amitest"
	"github.com/sweeney/asterisk-panel/internal/metrics"
	"github.com/sweeney/asterisk-panel/internal/monitor"
	"github.com/sweeney/asterisk-panel/internal/state"
)

func event(name string, kvs ...string) ami.Frame {
	return ami.NewFrame(append([]string{"Event", name}, kvs...)...)
}

func ok(kvs ...string) ami.Frame {
	return ami.NewFrame(append([]string{"Response", "Success"}, kvs...)...)
}

func newMonitor(t *testing.T, srv *amitest.Server, opts ...monitor.Option) *monitor.Monitor {
	t.Helper()
	m := monitor.New(monitor.Config{
		Addr:          srv.Addr(),
		Username:      "admin",
		Secret:        "secret",
		ActionTimeout: time.Second,
	}, opts...)
	t.Cleanup(func() { m.Close(context.Background()) })
	return m
}

// running returns a Monitor that is logged in with events enabled.
func running(t *testing.T, srv *amitest.Server, opts ...monitor.Option) *monitor.Monitor {
	t.Helper()
	m := newMonitor(t, srv, opts...)
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Start(context.Background()))
	return m
}

func TestLifecycle(t *testing.T) {
	srv := amitest.NewServer(t)
	m := newMonitor(t, srv)
	assert.Equal(t, ami.StateDisconnected, m.State())

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, ami.StateLoggedIn, m.State())
	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, ami.StateRunning, m.State())

	require.NoError(t, m.Disconnect(context.Background()))
	assert.False(t, m.Connected())
	assert.NoError(t, m.Err())
}

func TestEventsUpdateStore(t *testing.T) {
	srv := amitest.NewServer(t)
	m := running(t, srv)
	m.SetMonitored([]string{"1001"})

	srv.Emit(event("ExtensionStatus", "Exten", "1001", "Status", "1"))
	assert.Eventually(t, func() bool {
		st, ok := m.ExtensionStatuses()["1001"]
		return ok && st.Status == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStateKeptAfterDrop(t *testing.T) {
	srv := amitest.NewServer(t)
	m := running(t, srv)

	srv.Emit(event("Newchannel", "Channel", "PJSIP/1001-00000001", "ChannelStateDesc", "Ring", "Exten", "1002"))
	require.Eventually(t, func() bool { return len(m.ActiveCalls()) == 1 }, 2*time.Second, 10*time.Millisecond)

	srv.DropConn()
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection end not noticed")
	}

	assert.False(t, m.Connected())
	assert.Len(t, m.ActiveCalls(), 1, "last known state is kept")

	_, err := m.QueuePause(context.Background(), "sales", "1001", true, "")
	assert.ErrorIs(t, err, ami.ErrNotConnected)
	_, err = m.SyncActiveCalls(context.Background())
	assert.ErrorIs(t, err, ami.ErrNotConnected)
}

func TestSyncExtensionStatuses(t *testing.T) {
	srv := amitest.NewServer(t)
	srv.Handle("ExtensionStateList", amitest.Reply(
		ok("EventList", "start"),
		event("ExtensionStatus", "Exten", "1001", "Status", "0", "StatusText", "Idle"),
		event("ExtensionStatus", "Exten", "1002", "Status", "1", "StatusText", "InUse"),
		event("ExtensionStatus", "Exten", "1003", "Status", "4", "StatusText", "Unavailable"),
		event("ExtensionStateListComplete", "EventList", "Complete", "ListItems", "3"),
	))
	reg := prometheus.NewRegistry()
	m := newMonitor(t, srv, monitor.WithMetrics(metrics.New(reg)))
	m.SetMonitored([]string{"1001", "1002"})
	require.NoError(t, m.Connect(context.Background()))

	n, err := m.SyncExtensionStatuses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	statuses := m.ExtensionStatuses()
	assert.Len(t, statuses, 2)
	assert.Equal(t, "InUse", statuses["1002"].StatusText)

	count, err := testutil.GatherAndCount(reg, "asterisk_panel_state_sync_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSyncRejected(t *testing.T) {
	srv := amitest.NewServer(t)
	srv.Handle("QueueStatus", amitest.Reply(ami.NewFrame("Response", "Error", "Message", "Permission denied")))
	m := newMonitor(t, srv)
	require.NoError(t, m.Connect(context.Background()))

	_, err := m.SyncQueueStatus(context.Background())
	assert.ErrorIs(t, err, monitor.ErrSyncRejected)
	assert.False(t, m.Store().Syncing(state.TableQueues))
}

func TestConcurrentSyncsShareOneEnumeration(t *testing.T) {
	srv := amitest.NewServer(t)
	srv.Handle("CoreShowChannels", func(ami.Frame) []ami.Frame {
		time.Sleep(200 * time.Millisecond)
		return []ami.Frame{
			ok("EventList", "start"),
			event("CoreShowChannel", "Channel", "PJSIP/1001-00000001", "Uniqueid", "L1", "Linkedid", "L1",
				"ChannelStateDesc", "Up", "Duration", "00:00:30"),
			event("CoreShowChannelsComplete", "EventList", "Complete"),
		}
	})
	m := newMonitor(t, srv)
	require.NoError(t, m.Connect(context.Background()))

	var wg sync.WaitGroup
	results := make([]int, 3)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := m.SyncActiveCalls(context.Background())
			assert.NoError(t, err)
			results[i] = n
		}()
	}
	wg.Wait()

	assert.Equal(t, []int{1, 1, 1}, results)
	assert.Equal(t, 1, srv.Count("CoreShowChannels"))
}

func TestSyncEventsBeforeResponseNotReplayed(t *testing.T) {
	srv := amitest.NewServer(t)
	release := make(chan struct{})
	srv.Handle("ExtensionStateList", func(ami.Frame) []ami.Frame {
		<-release
		return []ami.Frame{
			ok("EventList", "start"),
			event("ExtensionStatus", "Exten", "1001", "Status", "0"),
			event("ExtensionStateListComplete", "EventList", "Complete"),
		}
	})
	m := running(t, srv)
	m.SetMonitored([]string{"1001"})

	done := make(chan error, 1)
	go func() {
		_, err := m.SyncExtensionStatuses(context.Background())
		done <- err
	}()
	srv.WaitAction("ExtensionStateList", 1)

	// A change reported before the switch answers is part of its snapshot.
	srv.Emit(event("ExtensionStatus", "Exten", "1001", "Status", "8"))
	require.Eventually(t, func() bool {
		st, ok := m.ExtensionStatuses()["1001"]
		return ok && st.Status == 8
	}, time.Second, 10*time.Millisecond)
	assert.False(t, m.Store().Syncing(state.TableExtensions))
	close(release)

	require.NoError(t, <-done)
	st, found := m.ExtensionStatuses()["1001"]
	require.True(t, found)
	assert.Equal(t, 0, st.Status)
}

func TestSyncHoldsEventsAfterResponse(t *testing.T) {
	srv := amitest.NewServer(t)
	srv.Handle("ExtensionStateList", func(a ami.Frame) []ami.Frame {
		srv.Emit(
			ok("ActionID", a.ActionID(), "EventList", "start"),
			event("ExtensionStatus", "Exten", "1001", "Status", "8"),
		)
		return []ami.Frame{
			event("ExtensionStatus", "Exten", "1001", "Status", "0"),
			event("ExtensionStateListComplete", "EventList", "Complete"),
		}
	})
	m := running(t, srv)
	m.SetMonitored([]string{"1001"})

	_, err := m.SyncExtensionStatuses(context.Background())
	require.NoError(t, err)
	st, found := m.ExtensionStatuses()["1001"]
	require.True(t, found)
	assert.Equal(t, 8, st.Status, "change after the response is replayed over the enumerated value")
	assert.False(t, m.Store().Syncing(state.TableExtensions))
}

func TestSyncDoesNotCountAbandonTwice(t *testing.T) {
	srv := amitest.NewServer(t)
	var calls atomic.Int32
	release := make(chan struct{})
	srv.Handle("QueueStatus", func(ami.Frame) []ami.Frame {
		abandoned := "3"
		if calls.Add(1) > 1 {
			<-release
			abandoned = "4"
		}
		return []ami.Frame{
			ok("EventList", "start"),
			event("QueueParams", "Queue", "sales", "Strategy", "ringall", "Abandoned", abandoned),
			event("QueueStatusComplete", "EventList", "Complete"),
		}
	})
	m := running(t, srv)
	_, err := m.SyncQueueStatus(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := m.SyncQueueStatus(context.Background())
		done <- err
	}()
	srv.WaitAction("QueueStatus", 2)
	srv.Emit(event("QueueCallerAbandon", "Queue", "sales", "Uniqueid", "c1"))
	require.Eventually(t, func() bool { return m.Queues()["sales"].Abandoned == 4 }, time.Second, 10*time.Millisecond)
	close(release)

	require.NoError(t, <-done)
	assert.Equal(t, 4, m.Queues()["sales"].Abandoned)
}

func TestSyncSurvivesCallerCancel(t *testing.T) {
	srv := amitest.NewServer(t)
	release := make(chan struct{})
	srv.Handle("ExtensionStateList", func(ami.Frame) []ami.Frame {
		<-release
		return []ami.Frame{
			ok("EventList", "start"),
			event("ExtensionStatus", "Exten", "1001", "Status", "1"),
			event("ExtensionStateListComplete", "EventList", "Complete"),
		}
	})
	m := newMonitor(t, srv)
	m.SetMonitored([]string{"1001"})
	require.NoError(t, m.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := m.SyncExtensionStatuses(ctx)
		first <- err
	}()
	srv.WaitAction("ExtensionStateList", 1)

	type result struct {
		n   int
		err error
	}
	second := make(chan result, 1)
	go func() {
		n, err := m.SyncExtensionStatuses(context.Background())
		second <- result{n, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)
	close(release)

	r := <-second
	require.NoError(t, r.err)
	assert.Equal(t, 1, r.n)
	assert.Equal(t, 1, srv.Count("ExtensionStateList"))
	assert.Equal(t, 1, m.ExtensionStatuses()["1001"].Status)
}

func TestSyncAll(t *testing.T) {
	srv := amitest.NewServer(t)
	for _, list := range []struct{ action, complete string }{
		{"ExtensionStateList", "ExtensionStateListComplete"},
		{"CoreShowChannels", "CoreShowChannelsComplete"},
		{"QueueStatus", "QueueStatusComplete"},
	} {
		srv.Handle(list.action, amitest.Reply(ok("EventList", "start"), event(list.complete, "EventList", "Complete")))
	}
	m := newMonitor(t, srv)
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.SyncAll(context.Background()))

	for _, action := range []string{"ExtensionStateList", "CoreShowChannels", "QueueStatus"} {
		assert.Equal(t, 1, srv.Count(action), action)
	}
}

func TestObserversReceiveEventsInOrder(t *testing.T) {
	srv := amitest.NewServer(t)
	m := running(t, srv)

	var mu sync.Mutex
	var first, second []string
	id1 := m.RegisterEventCallback(func(f ami.Frame) {
		mu.Lock()
		first = append(first, f.Event())
		mu.Unlock()
	})
	m.RegisterEventCallback(func(f ami.Frame) {
		mu.Lock()
		second = append(second, f.Event())
		mu.Unlock()
	})

	srv.Emit(event("Newchannel"), event("UserEvent"), event("Hangup"))
	want := []string{"Newchannel", "UserEvent", "Hangup"}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(first) == 3 && len(second) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, want, first)
	assert.Equal(t, want, second)
	mu.Unlock()

	assert.True(t, m.UnregisterEventCallback(id1))
	assert.False(t, m.UnregisterEventCallback(id1))

	srv.Emit(event("FullyBooted"))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(second) == 4
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Len(t, first, 3)
	mu.Unlock()
}

func TestSlowObserverDoesNotBlockReadLoop(t *testing.T) {
	srv := amitest.NewServer(t)
	reg := prometheus.NewRegistry()
	m := monitor.New(monitor.Config{Addr: srv.Addr(), Username: "admin", Secret: "secret", EventQueue: 1},
		monitor.WithMetrics(metrics.New(reg)))
	t.Cleanup(func() { m.Close(context.Background()) })
	// Cleanups run last-in first-out: the callback is released before Close
	// waits for the consumer.
	unblock := make(chan struct{})
	t.Cleanup(func() { close(unblock) })

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Start(context.Background()))
	m.SetMonitored([]string{"1001"})
	m.RegisterEventCallback(func(ami.Frame) { <-unblock })

	for i := 0; i < 20; i++ {
		srv.Emit(event("UserEvent", "Seq", "x"))
	}
	srv.Emit(event("ExtensionStatus", "Exten", "1001", "Status", "2"))

	assert.Eventually(t, func() bool {
		st, ok := m.ExtensionStatuses()["1001"]
		return ok && st.Status == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Positive(t, counterValue(t, reg, "asterisk_panel_monitor_observer_dropped_total"))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return 0
}
