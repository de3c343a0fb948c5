package proxy

import "sync"

// Status is a snapshot of the connection to the remote frame. The flags are
// set by independent frame events that may arrive in any order.
type Status struct {
	LoginComplete bool `json:"loginComplete"`
	HasCookie     bool `json:"hasCookie"`
	HasProject    bool `json:"hasProject"`
	HasPort       bool `json:"hasPort"`
}

// Ready reports whether remote calls can be issued and are expected to be
// authorized.
func (s Status) Ready() bool {
	return s.HasCookie && s.HasProject && s.HasPort
}

// StatusPatch is a partial status change. Nil fields keep their previous value.
type StatusPatch struct {
	LoginComplete *bool
	HasCookie     *bool
	HasProject    *bool
	HasPort       *bool
}

func boolPtr(v bool) *bool { return &v }

func (p StatusPatch) apply(s Status) Status {
	if p.LoginComplete != nil {
		s.LoginComplete = *p.LoginComplete
	}
	if p.HasCookie != nil {
		s.HasCookie = *p.HasCookie
	}
	if p.HasProject != nil {
		s.HasProject = *p.HasProject
	}
	if p.HasPort != nil {
		s.HasPort = *p.HasPort
	}
	return s
}

// statusModel holds the current snapshot and the single observer notified on
// every change.
type statusModel struct {
	publish sync.Mutex // serializes update+notify

	mu       sync.Mutex
	cur      Status
	observer func(Status)
}

func (m *statusModel) get() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

func (m *statusModel) setObserver(fn func(Status)) {
	m.mu.Lock()
	m.observer = fn
	m.mu.Unlock()
}

// update merges p into the current snapshot and publishes the result.
// Observers see snapshots in the order they were produced and may read the
// model, but must not update it.
func (m *statusModel) update(p StatusPatch) Status {
	m.publish.Lock()
	defer m.publish.Unlock()
	m.mu.Lock()
	m.cur = p.apply(m.cur)
	snap, obs := m.cur, m.observer
	m.mu.Unlock()
	if obs != nil {
		obs(snap)
	}
	return snap
}

func (m *statusModel) reset() Status {
	f := false
	return m.update(StatusPatch{LoginComplete: &f, HasCookie: &f, HasProject: &f, HasPort: &f})
}
