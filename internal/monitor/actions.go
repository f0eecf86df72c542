package monitor

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sweeney/asterisk-panel/internal/ami"
)

// Result is the outcome of a supervisor or queue action as the switch
// reported it.
type Result struct {
	OK      bool   `json:"success"`
	Message string `json:"message"`
}

// SpyMode selects how a supervisor joins a call.
type SpyMode string

const (
	SpyListen  SpyMode = "listen"
	SpyWhisper SpyMode = "whisper"
	SpyBarge   SpyMode = "barge"
)

// options returns the ChanSpy option string: quiet, plus whisper or barge.
func (m SpyMode) options() string {
	switch m {
	case SpyWhisper:
		return "qw"
	case SpyBarge:
		return "qB"
	default:
		return "q"
	}
}

// NormalizeInterface turns a bare extension into TECH/extension using the
// configured channel technology. Interfaces that already name a
// technology are returned unchanged.
func (m *Monitor) NormalizeInterface(iface string) string {
	iface = strings.TrimSpace(iface)
	if iface == "" || strings.Contains(iface, "/") {
		return iface
	}
	return m.cfg.ChannelTech + "/" + iface
}

// ListenToCall lets supervisor hear target's call without being heard.
func (m *Monitor) ListenToCall(ctx context.Context, supervisor, target string) (Result, error) {
	return m.Spy(ctx, supervisor, target, SpyListen)
}

// WhisperToCall lets supervisor speak to target only.
func (m *Monitor) WhisperToCall(ctx context.Context, supervisor, target string) (Result, error) {
	return m.Spy(ctx, supervisor, target, SpyWhisper)
}

// BargeIntoCall joins supervisor to both parties of target's call.
func (m *Monitor) BargeIntoCall(ctx context.Context, supervisor, target string) (Result, error) {
	return m.Spy(ctx, supervisor, target, SpyBarge)
}

// Spy originates a ChanSpy call from the supervisor's device onto the
// channel of target's active call. Without an active call nothing is sent.
func (m *Monitor) Spy(ctx context.Context, supervisor, target string, mode SpyMode) (Result, error) {
	if !m.client.Connected() {
		return Result{}, ami.ErrNotConnected
	}
	call, ok := m.store.ActiveCall(target)
	if !ok || call.Channel == "" {
		return Result{Message: fmt.Sprintf("Extension %s has no active call", target)}, nil
	}

	action := ami.NewAction("Originate",
		"Channel", m.NormalizeInterface(supervisor),
		"Application", "ChanSpy",
		"Data", call.Channel+","+mode.options(),
		"CallerID", fmt.Sprintf("%s <%s>", mode, target),
		"Async", "true",
	)
	res, err := m.do(ctx, action)
	if err == nil && res.OK {
		m.log.Info("supervisor attached", "mode", mode, "supervisor", supervisor, "target", target, "channel", call.Channel)
	}
	return res, err
}

// QueueAdd adds iface to queue. On success the member is recorded as
// dynamic.
func (m *Monitor) QueueAdd(ctx context.Context, queue, iface string, penalty int, memberName string, paused bool) (Result, error) {
	iface = m.NormalizeInterface(iface)
	kvs := []string{
		"Queue", queue,
		"Interface", iface,
		"Penalty", strconv.Itoa(penalty),
		"Paused", strconv.FormatBool(paused),
	}
	if memberName != "" {
		kvs = append(kvs, "MemberName", memberName)
	}
	res, err := m.do(ctx, ami.NewAction("QueueAdd", kvs...))
	if err == nil && res.OK {
		m.store.MarkDynamic(queue, iface, memberName, penalty, paused)
	}
	return res, err
}

// QueueRemove removes iface from queue.
func (m *Monitor) QueueRemove(ctx context.Context, queue, iface string) (Result, error) {
	iface = m.NormalizeInterface(iface)
	res, err := m.do(ctx, ami.NewAction("QueueRemove", "Queue", queue, "Interface", iface))
	if err == nil && res.OK {
		m.store.ForgetMember(queue, iface)
	}
	return res, err
}

// QueuePause pauses or unpauses iface in queue. An empty queue applies to
// every queue the interface is in.
func (m *Monitor) QueuePause(ctx context.Context, queue, iface string, paused bool, reason string) (Result, error) {
	kvs := []string{
		"Interface", m.NormalizeInterface(iface),
		"Paused", strconv.FormatBool(paused),
	}
	if queue != "" {
		kvs = append(kvs, "Queue", queue)
	}
	if reason != "" {
		kvs = append(kvs, "Reason", reason)
	}
	return m.do(ctx, ami.NewAction("QueuePause", kvs...))
}

// QueueUnpause is QueuePause with paused false.
func (m *Monitor) QueueUnpause(ctx context.Context, queue, iface string) (Result, error) {
	return m.QueuePause(ctx, queue, iface, false, "")
}

// do sends an action and folds the response into a Result. Transport
// failures are errors; a refusal by the switch is a Result with OK false.
func (m *Monitor) do(ctx context.Context, action ami.Frame) (Result, error) {
	name := action.Action()
	resp, err := m.client.Do(ctx, action)
	if err != nil {
		m.log.Warn("action failed", "action", name, "err", err)
		return Result{Message: err.Error()}, fmt.Errorf("%s: %w", name, err)
	}
	res := Result{OK: resp.IsSuccess(), Message: resp.Message()}
	if !res.OK {
		m.log.Warn("action rejected", "action", name, "message", res.Message)
	}
	return res, nil
}
