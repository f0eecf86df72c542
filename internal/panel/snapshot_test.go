package panel_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/asterisk-panel/internal/panel"
	"github.com/sweeney/asterisk-panel/internal/state"
)

var now = time.Date(2026, 2, 12, 9, 30, 0, 0, time.UTC)

type fakeSource struct {
	monitored []string
	statuses  map[string]state.ExtensionStatus
	calls     map[string]state.ActiveCall
	queues    map[string]state.Queue
	entries   map[string]state.QueueEntry
}

func (f fakeSource) Monitored() []string                                 { return f.monitored }
func (f fakeSource) ExtensionStatuses() map[string]state.ExtensionStatus { return f.statuses }
func (f fakeSource) ActiveCalls() map[string]state.ActiveCall            { return f.calls }
func (f fakeSource) Queues() map[string]state.Queue                      { return f.queues }
func (f fakeSource) QueueEntries() map[string]state.QueueEntry           { return f.entries }

func TestDisplayStatus(t *testing.T) {
	tests := []struct {
		callState string
		code      int
		want      string
	}{
		{"", state.StatusIdle, panel.StatusIdle},
		{"", state.StatusInUse, panel.StatusInCall},
		{"", state.StatusBusy, panel.StatusInCall},
		{"", state.StatusRinging, panel.StatusRinging},
		{"", state.StatusRingInUse, panel.StatusRinging},
		{"", state.StatusUnavailable, panel.StatusUnavailable},
		{"", state.StatusUnknown, panel.StatusUnavailable},
		{"", state.StatusOnHold, panel.StatusOnHold},
		{"", state.StatusInUseOnHold, panel.StatusOnHold},
		{"", 32, panel.StatusIdle},
		{"", 99, panel.StatusIdle},
		{"Ringing", state.StatusIdle, panel.StatusRinging},
		{"Ring", state.StatusInUse, panel.StatusDialing},
		{"Up", state.StatusIdle, panel.StatusInCall},
		{"Busy", state.StatusIdle, panel.StatusInCall},
	}
	for _, tt := range tests {
		var call *state.ActiveCall
		if tt.callState != "" {
			call = &state.ActiveCall{State: tt.callState}
		}
		assert.Equal(t, tt.want, panel.DisplayStatus(call, tt.code), "%q/%d", tt.callState, tt.code)
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "00:00", panel.FormatDuration(-time.Second))
	assert.Equal(t, "00:42", panel.FormatDuration(42*time.Second))
	assert.Equal(t, "12:05", panel.FormatDuration(12*time.Minute+5*time.Second+900*time.Millisecond))
	assert.Equal(t, "1:02:03", panel.FormatDuration(time.Hour+2*time.Minute+3*time.Second))
}

func testSource() fakeSource {
	return fakeSource{
		monitored: []string{"1001", "1002", "1003", "1004"},
		statuses: map[string]state.ExtensionStatus{
			"1001": {Extension: "1001", Status: state.StatusInUse},
			"1002": {Extension: "1002", Status: state.StatusInUse},
			"1003": {Extension: "1003", Status: state.StatusIdle},
		},
		calls: map[string]state.ActiveCall{
			"1001": {
				Extension: "1001", Channel: "PJSIP/1001-00000001", State: "Up", Role: state.RoleOriginator,
				Caller: "1001", CallerID: "1001", Destination: "1002", OriginalDestination: "1002",
				StartTime: now.Add(-90 * time.Second), AnswerTime: now.Add(-60 * time.Second),
			},
			"1002": {
				Extension: "1002", Channel: "PJSIP/1002-00000002", State: "Up", Role: state.RoleDestination,
				Caller: "1001", CallerID: "1001", CallerIDName: "Alice", Destination: "1002",
				StartTime: now.Add(-80 * time.Second), AnswerTime: now.Add(-60 * time.Second),
			},
			"1005": {
				Extension: "1005", Channel: "PJSIP/1005-00000005", State: "Down",
				StartTime: now.Add(-5 * time.Second),
			},
		},
		queues: map[string]state.Queue{
			"sales": {
				Name: "sales", Strategy: "ringall", CallsWaiting: 2, Completed: 40,
				Members: map[string]state.QueueMember{
					"PJSIP/1003": {Queue: "sales", Interface: "PJSIP/1003", MemberName: "Carol", Dynamic: true},
					"PJSIP/1001": {Queue: "sales", Interface: "PJSIP/1001", Paused: true, PausedReason: "lunch"},
				},
			},
			"support": {Name: "support", CallsWaiting: 1},
		},
		entries: map[string]state.QueueEntry{
			"c1": {Queue: "sales", CallerID: "07700900123", Position: 1, EntryTime: now.Add(-75 * time.Second)},
		},
	}
}

func TestBuildSnapshot(t *testing.T) {
	snap := panel.BuildSnapshot(testSource(), map[string]string{"1001": "Alice", "1002": "Bob"}, now)

	require.Len(t, snap.Extensions, 4)
	alice := snap.Extensions["1001"]
	assert.Equal(t, "Alice", alice.Name)
	assert.Equal(t, panel.StatusInCall, alice.Status)
	require.NotNil(t, alice.CallInfo)
	assert.Equal(t, "1002", alice.CallInfo.TalkingTo)
	assert.Equal(t, "01:30", alice.CallInfo.Duration)
	assert.Equal(t, "01:00", alice.CallInfo.TalkTime)

	bob := snap.Extensions["1002"]
	require.NotNil(t, bob.CallInfo)
	assert.Equal(t, "1001", bob.CallInfo.TalkingTo, "the callee sees the caller")

	assert.Equal(t, panel.StatusIdle, snap.Extensions["1003"].Status)
	assert.Nil(t, snap.Extensions["1003"].CallInfo)
	assert.Equal(t, state.StatusUnknown, snap.Extensions["1004"].StatusCode)
	assert.Equal(t, panel.StatusUnavailable, snap.Extensions["1004"].Status)

	assert.Len(t, snap.ActiveCalls, 1, "callee legs and Down channels are hidden")
	assert.Contains(t, snap.ActiveCalls, "1001")

	require.Len(t, snap.Queues, 2)
	assert.Equal(t, []string{"PJSIP/1001", "PJSIP/1003"}, snap.Queues["sales"].Members)
	assert.True(t, snap.QueueMembers["sales:PJSIP/1003"].Dynamic)
	assert.Equal(t, "lunch", snap.QueueMembers["sales:PJSIP/1001"].PausedReason)

	assert.Equal(t, "01:15", snap.QueueEntries["c1"].WaitTime)

	assert.Equal(t, panel.Stats{TotalExtensions: 4, ActiveCallsCount: 1, TotalQueues: 2, TotalWaiting: 3}, snap.Stats)
}

func TestBuildSnapshotEmpty(t *testing.T) {
	snap := panel.BuildSnapshot(fakeSource{}, nil, now)
	assert.NotNil(t, snap.Extensions)
	assert.NotNil(t, snap.ActiveCalls)
	assert.NotNil(t, snap.QueueEntries)
	assert.Zero(t, snap.Stats)
}
