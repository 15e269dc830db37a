// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Package reassembler reconstructs multipart JSON telemetry out of
// {_part,_total,data} wrapper fragments, keyed by sender address. It holds
// at most one in-progress message per sender at a time.
package reassembler

import (
	"encoding/json"
	"fmt"
	"time"
)

// MaxParts bounds _total. Wrappers declaring a larger total are rejected
// outright to keep worst-case memory bounded on constrained targets.
const MaxParts = 16

// Wrapper is the on-the-wire multipart envelope.
type Wrapper struct {
	Part  int    `json:"_part"`
	Total int    `json:"_total"`
	Data  string `json:"data"`
}

// Valid reports whether the wrapper's indices are coherent: 1 <= _part <=
// _total, with _total within MaxParts.
func (w Wrapper) Valid() bool {
	return w.Part >= 1 && w.Part <= w.Total && w.Total <= MaxParts
}

// entry tracks one in-progress multipart message for one sender.
type entry struct {
	total     int
	parts     map[int]string
	firstSeen time.Time
}

// Reassembler holds one entry per sender address.
type Reassembler struct {
	bySender map[byte]*entry
	now      func() time.Time
}

// New returns an empty Reassembler.
func New() *Reassembler {
	return &Reassembler{bySender: make(map[byte]*entry), now: time.Now}
}

// Feed submits one wrapper fragment from sender. It returns the parsed
// object and true once all parts for that message have arrived and parse
// as JSON; otherwise it returns (nil, false, nil) while more parts are
// awaited, or a non-nil error if the completed message failed to parse (in
// which case the entry is evicted).
func (r *Reassembler) Feed(sender byte, w Wrapper) (map[string]interface{}, bool, error) {
	if w.Part < 1 || w.Part > w.Total {
		return nil, false, fmt.Errorf("reassembler: part %d out of range for total %d", w.Part, w.Total)
	}
	if w.Total > MaxParts {
		return nil, false, fmt.Errorf("reassembler: total %d exceeds max parts %d", w.Total, MaxParts)
	}

	e, ok := r.bySender[sender]
	if !ok || e.total != w.Total {
		// Fresh message: no entry yet, or a new _total for this sender
		// resets the entry. Duplicate parts (including a repeated part=1
		// for the same total) just overwrite below without touching the
		// other stored parts.
		e = &entry{total: w.Total, parts: make(map[int]string, w.Total), firstSeen: r.now()}
		r.bySender[sender] = e
	}
	e.parts[w.Part] = w.Data

	if len(e.parts) < e.total {
		return nil, false, nil
	}

	var joined string
	for p := 1; p <= e.total; p++ {
		joined += e.parts[p]
	}
	delete(r.bySender, sender)

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(joined), &obj); err != nil {
		return nil, false, fmt.Errorf("reassembler: completed message failed to parse: %w", err)
	}
	return obj, true, nil
}

// Evict drops any in-progress entry for sender.
func (r *Reassembler) Evict(sender byte) {
	delete(r.bySender, sender)
}

// SweepOlderThan evicts every in-progress entry whose first part arrived
// more than maxAge ago, reclaiming buffers from senders that went quiet
// mid-message.
func (r *Reassembler) SweepOlderThan(maxAge time.Duration) {
	cutoff := r.now().Add(-maxAge)
	for s, e := range r.bySender {
		if e.firstSeen.Before(cutoff) {
			delete(r.bySender, s)
		}
	}
}

// Pending reports whether sender currently has an in-progress entry.
func (r *Reassembler) Pending(sender byte) bool {
	_, ok := r.bySender[sender]
	return ok
}
