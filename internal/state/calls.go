package state

import (
	"time"

	"github.com/sweeney/asterisk-panel/internal/ami"
)

// callRecord is an ActiveCall plus the links used to correlate legs.
type callRecord struct {
	ActiveCall

	// peer is the extension on the other leg.
	peer string
	// dialing holds the destinations an originator is still ringing.
	dialing map[string]struct{}
}

// record returns the call tracked for channel's extension, provided it is
// still on that channel.
func (s *Store) record(channel string) *callRecord {
	ext := callExtension(channel)
	if ext == "" {
		return nil
	}
	rec := s.calls[ext]
	if rec == nil || rec.Channel != channel {
		return nil
	}
	return rec
}

// peerOf returns the other leg of rec if that leg links back.
func (s *Store) peerOf(rec *callRecord) *callRecord {
	p := s.calls[rec.peer]
	if p == nil || p == rec {
		return nil
	}
	if p.peer == rec.Extension {
		return p
	}
	if _, ok := p.dialing[rec.Extension]; ok {
		return p
	}
	return nil
}

// markAnswered stamps every leg not yet answered with one shared time: an
// existing answer time among the legs if there is one, now otherwise.
func markAnswered(now time.Time, legs ...*callRecord) {
	ts := now
	for _, r := range legs {
		if r != nil && !r.AnswerTime.IsZero() {
			ts = r.AnswerTime
			break
		}
	}
	for _, r := range legs {
		if r != nil && r.AnswerTime.IsZero() {
			r.AnswerTime = ts
		}
	}
}

func newCall(ext, channel string, f ami.Frame, now time.Time) *callRecord {
	return &callRecord{ActiveCall: ActiveCall{
		Extension:    ext,
		Channel:      channel,
		State:        f.Get("ChannelStateDesc"),
		CallerID:     f.Get("CallerIDNum"),
		CallerIDName: f.Get("CallerIDName"),
		Uniqueid:     f.Get("Uniqueid"),
		Linkedid:     f.Get("Linkedid"),
		StartTime:    now,
	}}
}

// onNewchannel starts a call when a channel appears already active, which
// is how an originating leg shows up. Destination legs are created down
// and are picked up by DialBegin.
func (s *Store) onNewchannel(f ami.Frame, now time.Time) {
	channel := f.Get("Channel")
	ext := callExtension(channel)
	if ext == "" || idle(f.Get("ChannelStateDesc")) {
		return
	}
	rec := newCall(ext, channel, f, now)
	rec.Role = RoleOriginator
	rec.Caller = ext
	rec.Destination = dialedExten(f.Get("Exten"))
	rec.OriginalDestination = rec.Destination
	s.calls[ext] = rec
}

func (s *Store) onNewstate(f ami.Frame, now time.Time) {
	channel := f.Get("Channel")
	ext := callExtension(channel)
	if ext == "" {
		return
	}
	state := f.Get("ChannelStateDesc")

	rec := s.calls[ext]
	switch {
	case rec == nil:
		if idle(state) {
			return
		}
		rec = newCall(ext, channel, f, now)
		rec.Destination = knownNumber(f.Get("ConnectedLineNum"))
		s.calls[ext] = rec
	case rec.Channel != channel:
		if off := s.offered[channel]; off != nil {
			off.State = state
		}
		return
	}

	rec.State = state
	if state == "Up" {
		markAnswered(now, rec, s.peerOf(rec))
	}
}

func (s *Store) onNewCallerid(f ami.Frame, _ time.Time) {
	rec := s.record(f.Get("Channel"))
	if rec == nil || rec.Role == RoleDestination {
		return
	}
	num, name := f.Get("CallerIDNum"), f.Get("CallerIDName")
	rec.CallerID, rec.CallerIDName = num, name
	if p := s.peerOf(rec); p != nil && p.Role == RoleDestination {
		p.CallerID, p.CallerIDName = num, name
	}
}

// onDialBegin establishes roles: Channel is the originator, DestChannel the
// destination. Both records are created or refreshed, except that a second
// call ringing an extension already talking is kept aside as an offered leg
// until it is answered.
func (s *Store) onDialBegin(f ami.Frame, now time.Time) {
	origChan, destChan := f.Get("Channel"), f.Get("DestChannel")
	origExt, destExt := callExtension(origChan), callExtension(destChan)
	if destExt == "" || destExt == origExt {
		return
	}

	var orig *callRecord
	if origExt != "" {
		orig = s.calls[origExt]
		if orig == nil || orig.Channel != origChan {
			orig = newCall(origExt, origChan, f, now)
			s.calls[origExt] = orig
		}
		orig.Role = RoleOriginator
		orig.Caller = origExt
		orig.Destination = destExt
		if orig.OriginalDestination == "" {
			orig.OriginalDestination = destExt
		}
		orig.peer = destExt
		if orig.dialing == nil {
			orig.dialing = make(map[string]struct{})
		}
		orig.dialing[destExt] = struct{}{}
	}

	dest := &callRecord{
		ActiveCall: ActiveCall{
			Extension:           destExt,
			Channel:             destChan,
			State:               f.Get("DestChannelStateDesc"),
			Role:                RoleDestination,
			Caller:              origExt,
			CallerID:            f.Get("CallerIDNum"),
			CallerIDName:        f.Get("CallerIDName"),
			Destination:         destExt,
			OriginalDestination: destExt,
			Uniqueid:            f.Get("DestUniqueid"),
			Linkedid:            f.Get("DestLinkedid"),
			StartTime:           now,
		},
		peer: origExt,
	}
	if orig != nil {
		if orig.CallerID != "" {
			dest.CallerID, dest.CallerIDName = orig.CallerID, orig.CallerIDName
		}
		dest.OriginalDestination = orig.OriginalDestination
	}
	if dest.Caller == "" {
		dest.Caller = dest.CallerID
	}
	if cur := s.calls[destExt]; cur != nil && cur.Answered() && cur.Channel != destChan {
		s.offered[destChan] = dest
		return
	}
	s.calls[destExt] = dest
}

// onDialState follows call forwarding: the originator's destination moves,
// the original destination stays.
func (s *Store) onDialState(f ami.Frame, _ time.Time) {
	forward := f.Get("Forward")
	if forward == "" {
		return
	}
	orig := s.record(f.Get("Channel"))
	if orig == nil {
		return
	}
	target := ExtensionFromChannel(forward)
	if target == "" {
		target = forward
	}
	orig.Destination = target
}

func (s *Store) onDialEnd(f ami.Frame, now time.Time) {
	destChan := f.Get("DestChannel")
	destExt := callExtension(destChan)
	if destExt == "" {
		return
	}
	origExt := callExtension(f.Get("Channel"))
	orig := s.record(f.Get("Channel"))
	dest := s.record(destChan)

	switch f.Get("DialStatus") {
	case "ANSWER":
		if off := s.offered[destChan]; dest == nil && off != nil {
			delete(s.offered, destChan)
			s.calls[destExt] = off
			dest = off
		}
		if orig != nil {
			orig.Destination = destExt
			orig.peer = destExt
			orig.dialing = nil
			orig.State = "Up"
		}
		if dest != nil {
			dest.State = "Up"
		}
		markAnswered(now, orig, dest)

	case "BUSY", "NOANSWER", "CANCEL", "CONGESTION", "CHANUNAVAIL":
		delete(s.offered, destChan)
		if dest != nil && dest.peer == origExt {
			delete(s.calls, destExt)
		}
		if orig != nil {
			delete(orig.dialing, destExt)
			if len(orig.dialing) == 0 && !orig.Answered() {
				delete(s.calls, origExt)
			}
		}
	}
}

// onHangup ends the channel's call and the other leg of it.
func (s *Store) onHangup(f ami.Frame, _ time.Time) {
	channel := f.Get("Channel")
	s.leaveBridges(channel)
	delete(s.offered, channel)

	rec := s.record(channel)
	if rec == nil {
		return
	}
	s.dropCall(rec.Extension)
	for ch, off := range s.offered {
		if off.peer == rec.Extension {
			delete(s.offered, ch)
		}
	}

	linked := map[string]struct{}{rec.peer: {}}
	for ext := range rec.dialing {
		linked[ext] = struct{}{}
	}
	for ext := range linked {
		p := s.calls[ext]
		if p == nil {
			continue
		}
		if p.peer == rec.Extension {
			s.dropCall(ext)
			continue
		}
		delete(p.dialing, rec.Extension)
	}
}

// dropCall removes ext's call. A leg still being offered to ext takes its
// place.
func (s *Store) dropCall(ext string) {
	delete(s.calls, ext)
	for ch, off := range s.offered {
		if off.Extension == ext {
			delete(s.offered, ch)
			s.calls[ext] = off
			return
		}
	}
}

func (s *Store) onBridgeEnter(f ami.Frame, _ time.Time) {
	id, channel := f.Get("BridgeUniqueid"), f.Get("Channel")
	if id == "" || channel == "" {
		return
	}
	members := s.bridges[id]
	for _, c := range members {
		if c == channel {
			return
		}
	}
	for _, other := range members {
		s.link(other, channel)
	}
	s.bridges[id] = append(members, channel)
}

func (s *Store) onBridgeLeave(f ami.Frame, _ time.Time) {
	id, channel := f.Get("BridgeUniqueid"), f.Get("Channel")
	members := s.bridges[id]
	for i, c := range members {
		if c == channel {
			members = append(members[:i], members[i+1:]...)
			break
		}
	}
	if len(members) == 0 {
		delete(s.bridges, id)
		return
	}
	s.bridges[id] = members
}

func (s *Store) leaveBridges(channel string) {
	for id, members := range s.bridges {
		for i, c := range members {
			if c == channel {
				members = append(members[:i], members[i+1:]...)
				break
			}
		}
		if len(members) == 0 {
			delete(s.bridges, id)
		} else {
			s.bridges[id] = members
		}
	}
}

func roleRank(r Role) int {
	switch r {
	case RoleOriginator:
		return 0
	case RoleDestination:
		return 2
	default:
		return 1
	}
}

// link connects two bridged channels. After a transfer this is how the
// remaining parties find each other.
func (s *Store) link(chA, chB string) {
	a, b := s.record(chA), s.record(chB)
	if a == nil || b == nil || a == b {
		return
	}
	if roleRank(a.Role) > roleRank(b.Role) {
		a, b = b, a
	}
	if a.Role == RoleUnknown {
		a.Role = RoleOriginator
	}
	if a.Caller == "" {
		a.Caller = a.Extension
	}
	a.Destination = b.Extension
	if a.OriginalDestination == "" {
		a.OriginalDestination = b.Extension
	}
	a.peer = b.Extension

	b.Role = RoleDestination
	b.Caller = a.Caller
	if a.CallerID != "" {
		b.CallerID, b.CallerIDName = a.CallerID, a.CallerIDName
	}
	b.Destination = b.Extension
	b.peer = a.Extension
}

func (s *Store) onBlindTransfer(f ami.Frame, _ time.Time) {
	if r := f.Get("Result"); r != "" && r != "Success" {
		return
	}
	target := f.Get("Extension")
	if target == "" {
		return
	}
	if rec := s.record(f.Get("TransfereeChannel")); rec != nil {
		rec.Destination = target
	}
}

// ReplaceActiveCalls rebuilds the call table from the CoreShowChannel
// items of a CoreShowChannels enumeration, then applies events held during
// the sync. Channels are grouped by Linkedid; the channel whose Uniqueid
// equals the Linkedid originated the call. It returns the number of
// records stored.
func (s *Store) ReplaceActiveCalls(items []ami.Frame) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	calls := make(map[string]*callRecord)
	bridges := make(map[string][]string)

	var order []string
	groups := make(map[string][]ami.Frame)
	for _, f := range items {
		if f.Event() != "CoreShowChannel" {
			continue
		}
		lid := f.Get("Linkedid")
		if lid == "" {
			lid = f.Get("Uniqueid")
		}
		if _, seen := groups[lid]; !seen {
			order = append(order, lid)
		}
		groups[lid] = append(groups[lid], f)
		if id := f.Get("BridgeId"); id != "" {
			bridges[id] = append(bridges[id], f.Get("Channel"))
		}
	}

	for _, lid := range order {
		buildGroup(calls, lid, groups[lid], now)
	}

	s.calls = calls
	s.offered = make(map[string]*callRecord)
	s.bridges = bridges
	n := len(calls)
	s.finishSync(TableCalls)
	return n
}

func syncedCall(f ami.Frame, now time.Time) *callRecord {
	channel := f.Get("Channel")
	ext := callExtension(channel)
	if ext == "" || idle(f.Get("ChannelStateDesc")) {
		return nil
	}
	rec := newCall(ext, channel, f, now.Add(-parseDuration(f.Get("Duration"))))
	if rec.State == "Up" {
		rec.AnswerTime = rec.StartTime
	}
	return rec
}

func buildGroup(calls map[string]*callRecord, lid string, group []ami.Frame, now time.Time) {
	var orig *callRecord
	for _, f := range group {
		if f.Get("Uniqueid") != lid {
			continue
		}
		if orig = syncedCall(f, now); orig != nil {
			orig.Role = RoleOriginator
			orig.Caller = orig.Extension
			orig.Destination = dialedExten(f.Get("Exten"))
			orig.OriginalDestination = orig.Destination
			calls[orig.Extension] = orig
		}
		break
	}

	for _, f := range group {
		if f.Get("Uniqueid") == lid {
			continue
		}
		rec := syncedCall(f, now)
		if rec == nil || (orig != nil && rec.Extension == orig.Extension) {
			continue
		}
		if orig == nil {
			rec.Destination = knownNumber(f.Get("ConnectedLineNum"))
			calls[rec.Extension] = rec
			continue
		}

		rec.Role = RoleDestination
		rec.Caller = orig.Extension
		if orig.CallerID != "" {
			rec.CallerID, rec.CallerIDName = orig.CallerID, orig.CallerIDName
		}
		rec.Destination = rec.Extension
		rec.OriginalDestination = orig.OriginalDestination
		if rec.OriginalDestination == "" {
			rec.OriginalDestination = rec.Extension
			orig.OriginalDestination = rec.Extension
		}
		rec.peer = orig.Extension
		orig.Destination = rec.Extension
		orig.peer = rec.Extension

		if rec.State == "Up" && orig.State == "Up" {
			// The call cannot have been answered before its last leg existed.
			rec.AnswerTime = rec.StartTime
			orig.AnswerTime = rec.StartTime
		} else {
			rec.AnswerTime = time.Time{}
			if orig.State != "Up" {
				orig.AnswerTime = time.Time{}
			}
			if orig.dialing == nil {
				orig.dialing = make(map[string]struct{})
			}
			orig.dialing[rec.Extension] = struct{}{}
		}
		calls[rec.Extension] = rec
	}
}
