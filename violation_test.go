package main

import "testing"

func (d *ViolationDetector) observerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.observers)
}

func TestReportReachesMatchingObserversOnly(t *testing.T) {
	d := NewViolationDetector()

	var hits []string
	d.AddObserver("ip", "1.1.1.1", func(reason string) { hits = append(hits, "a:"+reason) })
	d.AddObserver("ip", "1.1.1.1", func(reason string) { hits = append(hits, "b:"+reason) })
	d.AddObserver("ip", "2.2.2.2", func(reason string) { hits = append(hits, "other:"+reason) })

	d.Report("ip", "1.1.1.1", "SPAM")
	if len(hits) != 2 {
		t.Fatalf("expected both observers for the key, got %v", hits)
	}
	d.Report("user", "1.1.1.1", "SPAM")
	if len(hits) != 2 {
		t.Fatalf("scope mismatch must not fire, got %v", hits)
	}
}

func TestObserverMayRemoveItselfInCallback(t *testing.T) {
	d := NewViolationDetector()

	var fired int
	var id int64
	id = d.AddObserver("ip", "1.1.1.1", func(string) {
		fired++
		d.RemoveObserver(id)
	})

	d.Report("ip", "1.1.1.1", "FLOOD")
	d.Report("ip", "1.1.1.1", "FLOOD")
	if fired != 1 {
		t.Fatalf("observer fired %d times after self-removal", fired)
	}
}

func TestRemoveObserver(t *testing.T) {
	d := NewViolationDetector()

	var fired int
	id := d.AddObserver("ip", "1.1.1.1", func(string) { fired++ })
	d.RemoveObserver(id)
	d.RemoveObserver(id) // double remove is a no-op

	d.Report("ip", "1.1.1.1", "SPAM")
	if fired != 0 {
		t.Fatal("removed observer must not fire")
	}
}
