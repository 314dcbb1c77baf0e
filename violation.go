package main

import (
	"log"
	"sync"
)

const (
	ReasonTooManyConnections = "TOO_MANY_CONNECTIONS"
	ReasonTrafficFlood       = "TRAFFIC_FLOOD"
)

// ViolationDetector fans violation reports out to observers registered for a
// (scope, key) pair. Sessions register an "ip"-scoped observer on start and
// remove it on stop; anything in the process may report.
type ViolationDetector struct {
	mu        sync.Mutex
	nextID    int64
	observers map[int64]*violationObserver
}

type violationObserver struct {
	scope string
	key   string
	fn    func(reason string)
}

func NewViolationDetector() *ViolationDetector {
	return &ViolationDetector{observers: map[int64]*violationObserver{}}
}

func (d *ViolationDetector) AddObserver(scope, key string, fn func(reason string)) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.observers[d.nextID] = &violationObserver{scope: scope, key: key, fn: fn}
	return d.nextID
}

func (d *ViolationDetector) RemoveObserver(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.observers, id)
}

// Report invokes every observer registered for (scope, key). Callbacks run
// outside the detector lock, so an observer may remove itself (or stop a
// session) from inside its own callback.
func (d *ViolationDetector) Report(scope, key, reason string) {
	d.mu.Lock()
	var matched []func(string)
	for _, o := range d.observers {
		if o.scope == scope && o.key == key {
			matched = append(matched, o.fn)
		}
	}
	d.mu.Unlock()

	if len(matched) == 0 {
		return
	}
	log.Printf("violation reported, scope:%s key:%s reason:%s observers:%d",
		scope, key, reason, len(matched))
	for _, fn := range matched {
		fn(reason)
	}
}
