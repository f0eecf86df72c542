package state

import (
	"strconv"
	"time"

	"github.com/sweeney/asterisk-panel/internal/ami"
)

type memberKey struct {
	queue, iface string
}

// memberInterface reads the member's interface. Events use Interface,
// QueueStatus items use Location.
func memberInterface(f ami.Frame) string {
	if v := f.Get("Interface"); v != "" {
		return v
	}
	return f.Get("Location")
}

func (s *Store) queue(name string) *Queue {
	q := s.queues[name]
	if q == nil {
		q = &Queue{Name: name, Members: make(map[string]QueueMember)}
		s.queues[name] = q
	}
	return q
}

func (s *Store) isDynamic(queue, iface string) bool {
	_, ok := s.dynamic[memberKey{queue, iface}]
	return ok
}

// onMemberUpdate upserts a member from the fields the event carries.
func (s *Store) onMemberUpdate(f ami.Frame, _ time.Time) {
	name, iface := f.Get("Queue"), memberInterface(f)
	if name == "" || iface == "" {
		return
	}
	q := s.queue(name)
	m := q.Members[iface]
	m.Queue, m.Interface = name, iface
	if v := f.Get("MemberName"); v != "" {
		m.MemberName = v
	} else if v := f.Get("Name"); v != "" {
		m.MemberName = v
	}
	if f.Has("Status") {
		m.Status = f.GetInt("Status")
	}
	if f.Has("Paused") {
		m.Paused = f.GetBool("Paused")
		m.PausedReason = f.Get("PausedReason")
	}
	if f.Has("Penalty") {
		m.Penalty = f.GetInt("Penalty")
	}
	if f.Has("CallsTaken") {
		m.CallsTaken = f.GetInt("CallsTaken")
	}
	if f.Has("InCall") {
		m.InCall = f.GetBool("InCall")
	}
	m.Dynamic = s.isDynamic(name, iface)
	q.Members[iface] = m
}

func (s *Store) onMemberPause(f ami.Frame, _ time.Time) {
	name, iface := f.Get("Queue"), memberInterface(f)
	if name == "" || iface == "" {
		return
	}
	q := s.queue(name)
	m := q.Members[iface]
	m.Queue, m.Interface = name, iface
	if v := f.Get("MemberName"); v != "" {
		m.MemberName = v
	}
	m.Paused = f.GetBool("Paused")
	m.PausedReason = ""
	if m.Paused {
		m.PausedReason = f.Get("PausedReason")
		if m.PausedReason == "" {
			m.PausedReason = f.Get("Reason")
		}
	}
	m.Dynamic = s.isDynamic(name, iface)
	q.Members[iface] = m
}

func (s *Store) onMemberRemoved(f ami.Frame, _ time.Time) {
	name, iface := f.Get("Queue"), memberInterface(f)
	if q := s.queues[name]; q != nil {
		delete(q.Members, iface)
	}
	delete(s.dynamic, memberKey{name, iface})
}

func (s *Store) onCallerJoin(f ami.Frame, now time.Time) {
	name, uid := f.Get("Queue"), f.Get("Uniqueid")
	if name == "" || uid == "" {
		return
	}
	q := s.queue(name)
	s.entries[uid] = QueueEntry{
		Queue:        name,
		Uniqueid:     uid,
		Channel:      f.Get("Channel"),
		CallerID:     f.Get("CallerIDNum"),
		CallerIDName: f.Get("CallerIDName"),
		Position:     f.GetInt("Position"),
		EntryTime:    now,
	}
	if f.Has("Count") {
		q.CallsWaiting = f.GetInt("Count")
	} else {
		q.CallsWaiting++
	}
}

func (s *Store) onCallerLeave(f ami.Frame, _ time.Time) {
	name := f.Get("Queue")
	found := s.removeEntry(f.Get("Uniqueid"))
	q := s.queues[name]
	if q == nil {
		return
	}
	switch {
	case f.Has("Count"):
		q.CallsWaiting = f.GetInt("Count")
	case found && q.CallsWaiting > 0:
		q.CallsWaiting--
	}
}

// onCallerAbandon drops the caller early; the Leave that follows finds
// nothing left to remove.
func (s *Store) onCallerAbandon(f ami.Frame, _ time.Time) {
	found := s.removeEntry(f.Get("Uniqueid"))
	q := s.queues[f.Get("Queue")]
	if q == nil {
		return
	}
	q.Abandoned++
	if found && q.CallsWaiting > 0 {
		q.CallsWaiting--
	}
}

// removeEntry deletes a waiting caller and moves everyone behind it in the
// same queue up one position.
func (s *Store) removeEntry(uid string) bool {
	e, ok := s.entries[uid]
	if !ok {
		return false
	}
	delete(s.entries, uid)
	for id, other := range s.entries {
		if other.Queue == e.Queue && other.Position > e.Position {
			other.Position--
			s.entries[id] = other
		}
	}
	return true
}

// MarkDynamic records that this process added iface to queue and upserts
// the member with Dynamic set.
func (s *Store) MarkDynamic(queue, iface, memberName string, penalty int, paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dynamic[memberKey{queue, iface}] = s.queueEpoch

	f := ami.NewFrame(
		"Event", "QueueMemberAdded",
		"Queue", queue,
		"Interface", iface,
		"MemberName", memberName,
		"Penalty", strconv.Itoa(penalty),
		"Paused", strconv.FormatBool(paused),
	)
	if s.syncing[TableQueues] {
		s.held[TableQueues] = append(s.held[TableQueues], f)
		return
	}
	s.onMemberUpdate(f, s.clock())
}

// ForgetMember removes a member this process took out of queue, along
// with its dynamic mark.
func (s *Store) ForgetMember(queue, iface string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := ami.NewFrame("Event", "QueueMemberRemoved", "Queue", queue, "Interface", iface)
	if s.syncing[TableQueues] {
		delete(s.dynamic, memberKey{queue, iface})
		s.held[TableQueues] = append(s.held[TableQueues], f)
		return
	}
	s.onMemberRemoved(f, s.clock())
}

// ReplaceQueues rebuilds queues, members and waiting callers from the
// QueueParams, QueueMember and QueueEntry items of a QueueStatus
// enumeration, then applies events held during the sync. Dynamic marks for
// members the switch no longer reports are dropped unless they were made
// while the sync was running. It returns the number of members stored.
func (s *Store) ReplaceQueues(items []ami.Frame) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	s.queues = make(map[string]*Queue)
	s.entries = make(map[string]QueueEntry)
	present := make(map[memberKey]bool)
	members := 0

	for _, f := range items {
		name := f.Get("Queue")
		if name == "" {
			continue
		}
		switch f.Event() {
		case "QueueParams":
			q := s.queue(name)
			q.Strategy = f.Get("Strategy")
			q.CallsWaiting = f.GetInt("Calls")
			q.Completed = f.GetInt("Completed")
			q.Abandoned = f.GetInt("Abandoned")
			q.HoldTime = f.GetInt("Holdtime")
			q.TalkTime = f.GetInt("TalkTime")

		case "QueueMember":
			iface := memberInterface(f)
			if iface == "" {
				continue
			}
			s.onMemberUpdate(f, now)
			present[memberKey{name, iface}] = true
			members++

		case "QueueEntry":
			uid := f.Get("Uniqueid")
			if uid == "" {
				continue
			}
			s.queue(name)
			wait := time.Duration(f.GetInt("Wait")) * time.Second
			s.entries[uid] = QueueEntry{
				Queue:        name,
				Uniqueid:     uid,
				Channel:      f.Get("Channel"),
				CallerID:     f.Get("CallerIDNum"),
				CallerIDName: f.Get("CallerIDName"),
				Position:     f.GetInt("Position"),
				EntryTime:    now.Add(-wait),
			}
		}
	}

	for key, epoch := range s.dynamic {
		if !present[key] && epoch < s.queueEpoch {
			delete(s.dynamic, key)
		}
	}

	s.finishSync(TableQueues)
	return members
}
