package proxy

import "testing"

func TestStatusPatchMerges(t *testing.T) {
	var m statusModel
	var seen []Status
	m.setObserver(func(s Status) { seen = append(seen, s) })

	m.update(StatusPatch{HasCookie: boolPtr(true)})
	m.update(StatusPatch{LoginComplete: boolPtr(true)})
	got := m.update(StatusPatch{HasProject: boolPtr(true)})

	want := Status{LoginComplete: true, HasCookie: true, HasProject: true}
	if got != want || m.get() != want {
		t.Fatalf("got %+v want %+v", got, want)
	}
	if len(seen) != 3 {
		t.Fatalf("observer called %d times, want 3", len(seen))
	}
	if seen[0] != (Status{HasCookie: true}) {
		t.Fatalf("first snapshot %+v", seen[0])
	}
}

func TestStatusReset(t *testing.T) {
	var m statusModel
	m.update(StatusPatch{LoginComplete: boolPtr(true), HasCookie: boolPtr(true), HasProject: boolPtr(true), HasPort: boolPtr(true)})
	var last Status
	calls := 0
	m.setObserver(func(s Status) { last = s; calls++ })
	if s := m.reset(); s != (Status{}) {
		t.Fatalf("reset returned %+v", s)
	}
	if calls != 1 || last != (Status{}) {
		t.Fatalf("observer not notified of reset: calls=%d last=%+v", calls, last)
	}
}

func TestObserverMayReadStatus(t *testing.T) {
	var m statusModel
	var inside Status
	m.setObserver(func(Status) { inside = m.get() })
	m.update(StatusPatch{HasPort: boolPtr(true)})
	if !inside.HasPort {
		t.Fatalf("observer read stale snapshot %+v", inside)
	}
}

func TestStatusReady(t *testing.T) {
	if (Status{HasCookie: true, HasProject: true}).Ready() {
		t.Fatalf("ready without port")
	}
	if !(Status{HasCookie: true, HasProject: true, HasPort: true}).Ready() {
		t.Fatalf("expected ready")
	}
}
