package identity

import "sync"

// Listeners is a subscriber list for Provider implementations.
// Deliveries are serialized, so listeners must not call Notify themselves.
type Listeners struct {
	lock   sync.Mutex
	emit   sync.Mutex
	fns    map[int]SessionListener
	nextID int
}

// Add registers fn and calls it once with the state current returns. current is read and
// delivered under the delivery lock, so a concurrent Notify reaches fn after it, never before.
func (l *Listeners) Add(fn SessionListener, current func() *User) func() {
	l.emit.Lock()
	l.lock.Lock()
	if l.fns == nil {
		l.fns = make(map[int]SessionListener)
	}
	id := l.nextID
	l.nextID++
	l.fns[id] = fn
	l.lock.Unlock()

	fn(current().Clone())
	l.emit.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.lock.Lock()
			defer l.lock.Unlock()
			delete(l.fns, id)
		})
	}
}

// Notify calls every listener with u.
func (l *Listeners) Notify(u *User) {
	l.emit.Lock()
	defer l.emit.Unlock()

	l.lock.Lock()
	fns := make([]SessionListener, 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.lock.Unlock()

	for _, fn := range fns {
		fn(u.Clone())
	}
}

// Len is the number of active subscriptions.
func (l *Listeners) Len() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.fns)
}

// Clone copies u so listeners cannot alias provider state. Nil stays nil.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	if u.Email != nil {
		email := *u.Email
		c.Email = &email
	}
	return &c
}
