package device

import (
	"sync"
	"time"
)

const DefaultSessionTimeout = 30 * time.Minute

// Tracker reports sessions becoming active on their first command and
// inactive after a quiet period.
type Tracker struct {
	timeout time.Duration
	emit    func(string)
	now     func() time.Time

	mu     sync.Mutex
	active map[string]*activity
}

type activity struct {
	last  time.Time
	timer *time.Timer
}

func NewTracker(timeout time.Duration, emit func(string)) *Tracker {
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	return &Tracker{
		timeout: timeout,
		emit:    emit,
		now:     time.Now,
		active:  make(map[string]*activity),
	}
}

// Touch records activity for id. Anonymous commands are not tracked.
func (t *Tracker) Touch(id string) {
	if id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.active[id]; ok {
		a.last = t.now()
		return
	}
	a := &activity{last: t.now()}
	a.timer = time.AfterFunc(t.timeout, func() { t.expire(id, a) })
	t.active[id] = a
	t.emit("ACTIVE " + id)
}

func (t *Tracker) expire(id string, a *activity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active[id] != a {
		return
	}
	if idle := t.now().Sub(a.last); idle < t.timeout {
		a.timer.Reset(t.timeout - idle)
		return
	}
	delete(t.active, id)
	t.emit("INACTIVE " + id)
}

// Active returns the ids currently considered active.
func (t *Tracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.active))
	for id := range t.active {
		ids = append(ids, id)
	}
	return ids
}

// Stop cancels pending expirations without emitting events.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, a := range t.active {
		a.timer.Stop()
		delete(t.active, id)
	}
}
