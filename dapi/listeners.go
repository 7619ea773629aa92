package dapi

import (
	"fmt"
	"sync"
)

// SessionStateListener receives gateway session state changes.
type SessionStateListener interface {
	SessionStateChanged(SessionState)
}

// SessionStateListenerFunc adapts a function to SessionStateListener.
type SessionStateListenerFunc func(SessionState)

func (f SessionStateListenerFunc) SessionStateChanged(state SessionState) { f(state) }

// ExceptionListener receives unhandled background errors, including fatal
// gateway closes and handler panics.
type ExceptionListener interface {
	ExceptionThrown(error)
}

// ExceptionListenerFunc adapts a function to ExceptionListener.
type ExceptionListenerFunc func(error)

func (f ExceptionListenerFunc) ExceptionThrown(err error) { f(err) }

type listenerSet struct {
	lock       sync.Mutex
	nextID     uint64
	states     map[uint64]SessionStateListener
	order      []uint64
	exceptions []ExceptionListener
}

func newListenerSet() *listenerSet {
	return &listenerSet{states: make(map[uint64]SessionStateListener)}
}

// addState registers listener and returns a function removing it.
func (set *listenerSet) addState(listener SessionStateListener) func() {
	if listener == nil {
		return func() {}
	}
	set.lock.Lock()
	set.nextID++
	id := set.nextID
	set.states[id] = listener
	set.order = append(set.order, id)
	set.lock.Unlock()

	return func() {
		set.lock.Lock()
		defer set.lock.Unlock()
		if _, ok := set.states[id]; !ok {
			return
		}
		delete(set.states, id)
		for index, candidate := range set.order {
			if candidate == id {
				set.order = append(set.order[:index], set.order[index+1:]...)
				break
			}
		}
	}
}

func (set *listenerSet) addException(listener ExceptionListener) {
	if listener == nil {
		return
	}
	set.lock.Lock()
	set.exceptions = append(set.exceptions, listener)
	set.lock.Unlock()
}

func (set *listenerSet) broadcastState(state SessionState) {
	set.lock.Lock()
	listeners := make([]SessionStateListener, 0, len(set.order))
	for _, id := range set.order {
		listeners = append(listeners, set.states[id])
	}
	set.lock.Unlock()

	for _, listener := range listeners {
		func(listener SessionStateListener) {
			defer func() {
				if recovered := recover(); recovered != nil {
					set.broadcastException(fmt.Errorf("session state listener panic: %v", recovered))
				}
			}()
			listener.SessionStateChanged(state)
		}(listener)
	}
}

func (set *listenerSet) broadcastException(err error) {
	if err == nil {
		return
	}
	set.lock.Lock()
	listeners := append([]ExceptionListener(nil), set.exceptions...)
	set.lock.Unlock()

	for _, listener := range listeners {
		func(listener ExceptionListener) {
			defer func() {
				_ = recover()
			}()
			listener.ExceptionThrown(err)
		}(listener)
	}
}
