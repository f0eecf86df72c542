package state_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/asterisk-panel/internal/ami"
	"github.com/sweeney/asterisk-panel/internal/state"
)

func member(t *testing.T, s *state.Store, queue, iface string) (state.QueueMember, bool) {
	t.Helper()
	q, ok := s.Queue(queue)
	if !ok {
		return state.QueueMember{}, false
	}
	m, ok := q.Members[iface]
	return m, ok
}

func TestQueueMemberEvents(t *testing.T) {
	s, _ := newStore()
	s.Apply(event("QueueMemberAdded", "Queue", "sales", "Interface", "PJSIP/1001", "MemberName", "Alice",
		"Membership", "dynamic", "Penalty", "2", "Status", "1", "Paused", "0"))

	m, ok := member(t, s, "sales", "PJSIP/1001")
	require.True(t, ok)
	assert.Equal(t, "Alice", m.MemberName)
	assert.Equal(t, 2, m.Penalty)
	assert.Equal(t, 1, m.Status)
	assert.False(t, m.Dynamic, "membership fields never decide Dynamic")

	s.Apply(event("QueueMemberPause", "Queue", "sales", "Interface", "PJSIP/1001", "Paused", "1", "PausedReason", "lunch"))
	m, _ = member(t, s, "sales", "PJSIP/1001")
	assert.True(t, m.Paused)
	assert.Equal(t, "lunch", m.PausedReason)
	assert.Equal(t, "Alice", m.MemberName)

	s.Apply(event("QueueMemberPaused", "Queue", "sales", "Location", "PJSIP/1001", "Paused", "0"))
	m, _ = member(t, s, "sales", "PJSIP/1001")
	assert.False(t, m.Paused)
	assert.Empty(t, m.PausedReason)

	s.Apply(event("QueueMemberStatus", "Queue", "sales", "Interface", "PJSIP/1001", "Status", "2", "InCall", "1", "CallsTaken", "7"))
	m, _ = member(t, s, "sales", "PJSIP/1001")
	assert.Equal(t, 2, m.Status)
	assert.True(t, m.InCall)
	assert.Equal(t, 7, m.CallsTaken)
	assert.Equal(t, 2, m.Penalty, "fields absent from the event are kept")

	s.Apply(event("QueueMemberRemoved", "Queue", "sales", "Interface", "PJSIP/1001"))
	_, ok = member(t, s, "sales", "PJSIP/1001")
	assert.False(t, ok)
}

func TestDynamicMarkAddThenRemove(t *testing.T) {
	s, _ := newStore()

	// The switch usually announces the member before the action response.
	s.Apply(event("QueueMemberAdded", "Queue", "support", "Interface", "PJSIP/1002", "MemberName", "Bob"))
	s.MarkDynamic("support", "PJSIP/1002", "Bob", 0, false)

	m, ok := member(t, s, "support", "PJSIP/1002")
	require.True(t, ok)
	assert.True(t, m.Dynamic)

	s.Apply(event("QueueMemberStatus", "Queue", "support", "Interface", "PJSIP/1002", "Status", "1"))
	m, _ = member(t, s, "support", "PJSIP/1002")
	assert.True(t, m.Dynamic, "later events keep the mark")

	s.ForgetMember("support", "PJSIP/1002")
	_, ok = member(t, s, "support", "PJSIP/1002")
	assert.False(t, ok)

	// A re-add by someone else is static.
	s.Apply(event("QueueMemberAdded", "Queue", "support", "Interface", "PJSIP/1002"))
	m, _ = member(t, s, "support", "PJSIP/1002")
	assert.False(t, m.Dynamic)
}

func TestQueueCallers(t *testing.T) {
	s, clock := newStore()
	for i, uid := range []string{"c1", "c2", "c3"} {
		s.Apply(event("QueueCallerJoin", "Queue", "sales", "Uniqueid", uid,
			"Channel", "PJSIP/trunk-0000000"+uid[1:], "CallerIDNum", "0770090012"+uid[1:],
			"Position", []string{"1", "2", "3"}[i], "Count", []string{"1", "2", "3"}[i]))
		clock.advance(10 * time.Second)
	}

	q, _ := s.Queue("sales")
	assert.Equal(t, 3, q.CallsWaiting)
	entries := s.QueueEntries()
	require.Len(t, entries, 3)
	assert.Equal(t, epoch, entries["c1"].EntryTime)
	assert.Equal(t, "07700900121", entries["c1"].CallerID)

	s.Apply(event("QueueCallerLeave", "Queue", "sales", "Uniqueid", "c1", "Position", "1", "Count", "2"))
	entries = s.QueueEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries["c2"].Position)
	assert.Equal(t, 2, entries["c3"].Position)
	q, _ = s.Queue("sales")
	assert.Equal(t, 2, q.CallsWaiting)

	s.Apply(event("QueueCallerAbandon", "Queue", "sales", "Uniqueid", "c2", "Position", "1", "OriginalPosition", "2"))
	s.Apply(event("QueueCallerLeave", "Queue", "sales", "Uniqueid", "c2", "Position", "1", "Count", "1"))
	entries = s.QueueEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries["c3"].Position)
	q, _ = s.Queue("sales")
	assert.Equal(t, 1, q.CallsWaiting)
	assert.Equal(t, 1, q.Abandoned)
}

func TestLegacyJoinLeave(t *testing.T) {
	s, _ := newStore()
	s.Apply(event("Join", "Queue", "sales", "Uniqueid", "c1", "Position", "1"))
	s.Apply(event("Join", "Queue", "sales", "Uniqueid", "c2", "Position", "2"))
	s.Apply(event("Leave", "Queue", "sales", "Uniqueid", "c1"))

	q, _ := s.Queue("sales")
	assert.Equal(t, 1, q.CallsWaiting)
	assert.Equal(t, 1, s.QueueEntries()["c2"].Position)
}

func queueStatusItems() []ami.Frame {
	return []ami.Frame{
		event("QueueParams", "Queue", "sales", "Strategy", "ringall", "Calls", "1",
			"Holdtime", "12", "TalkTime", "95", "Completed", "40", "Abandoned", "3"),
		event("QueueMember", "Queue", "sales", "Name", "Alice", "Location", "PJSIP/1001",
			"Membership", "static", "Penalty", "0", "Status", "1", "Paused", "0"),
		event("QueueMember", "Queue", "sales", "Name", "Bob", "Location", "PJSIP/1002",
			"Membership", "dynamic", "Penalty", "1", "Status", "1", "Paused", "1", "PausedReason", "break"),
		event("QueueEntry", "Queue", "sales", "Position", "1", "Channel", "PJSIP/trunk-00000031",
			"Uniqueid", "c9", "CallerIDNum", "07700900999", "Wait", "30"),
		event("QueueParams", "Queue", "support", "Strategy", "leastrecent", "Calls", "0"),
		event("QueueStatusComplete", "EventList", "Complete", "ListItems", "5"),
	}
}

func TestReplaceQueues(t *testing.T) {
	s, clock := newStore()
	s.Apply(event("QueueMemberAdded", "Queue", "old", "Interface", "PJSIP/1009"))
	s.Apply(event("QueueCallerJoin", "Queue", "sales", "Uniqueid", "gone", "Position", "1"))
	s.MarkDynamic("sales", "PJSIP/1002", "Bob", 1, false)
	s.MarkDynamic("sales", "PJSIP/1005", "Eve", 0, false)

	require.NoError(t, s.BeginSync(state.TableQueues))
	n := s.ReplaceQueues(queueStatusItems())
	assert.Equal(t, 2, n)

	queues := s.Queues()
	require.Len(t, queues, 2)
	assert.NotContains(t, queues, "old")

	sales := queues["sales"]
	assert.Equal(t, "ringall", sales.Strategy)
	assert.Equal(t, 1, sales.CallsWaiting)
	assert.Equal(t, 40, sales.Completed)
	assert.Equal(t, 12, sales.HoldTime)
	require.Len(t, sales.Members, 2)
	assert.False(t, sales.Members["PJSIP/1001"].Dynamic)
	assert.True(t, sales.Members["PJSIP/1002"].Dynamic)
	assert.True(t, sales.Members["PJSIP/1002"].Paused)
	assert.Equal(t, "break", sales.Members["PJSIP/1002"].PausedReason)
	assert.Equal(t, "Bob", sales.Members["PJSIP/1002"].MemberName)

	entries := s.QueueEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, clock.now().Add(-30*time.Second), entries["c9"].EntryTime)

	// PJSIP/1005 was not reported, so its mark is gone.
	s.Apply(event("QueueMemberAdded", "Queue", "sales", "Interface", "PJSIP/1005"))
	m, _ := member(t, s, "sales", "PJSIP/1005")
	assert.False(t, m.Dynamic)
}

func TestQueueChangesDuringSync(t *testing.T) {
	s, _ := newStore()
	require.NoError(t, s.BeginSync(state.TableQueues))

	s.MarkDynamic("support", "PJSIP/1003", "Carol", 0, true)
	s.Apply(event("QueueMemberPause", "Queue", "sales", "Interface", "PJSIP/1001", "Paused", "1", "Reason", "meeting"))
	s.ForgetMember("sales", "PJSIP/1002")

	_, ok := s.Queue("support")
	assert.False(t, ok, "nothing applied mid-sync")

	s.ReplaceQueues(queueStatusItems())

	carol, ok := member(t, s, "support", "PJSIP/1003")
	require.True(t, ok, "member added during the sync survives the swap")
	assert.True(t, carol.Dynamic)
	assert.True(t, carol.Paused)

	alice, _ := member(t, s, "sales", "PJSIP/1001")
	assert.True(t, alice.Paused)
	assert.Equal(t, "meeting", alice.PausedReason)

	_, ok = member(t, s, "sales", "PJSIP/1002")
	assert.False(t, ok, "removal during the sync applied after the swap")
}
