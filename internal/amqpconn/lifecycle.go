package amqpconn

// EventKind identifies the kind of lifecycle transition a Manager
// broadcasts to its subscribers (spec.md §4.1's connection lifecycle
// events).
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventReconnecting
	EventReconnectFailed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventReconnectFailed:
		return "reconnect_failed"
	default:
		return "unknown"
	}
}

// LifecycleEvent is broadcast to every subscriber on every connection
// state transition.
type LifecycleEvent struct {
	Kind    EventKind
	Attempt int
	Err     error
}

// Subscription is the handle returned by Manager.OnEvent. Its
// Unsubscribe method removes the exact registration it was returned
// from — this is the fix for spec.md §9's Base Consumer Open Question:
// callers hold onto the subscription value itself rather than trying to
// recreate an equivalent closure to deregister later.
type Subscription struct {
	events chan LifecycleEvent
	mgr    *Manager
}

// Events returns the channel this subscription receives lifecycle
// events on. It is closed once Unsubscribe completes.
func (s *Subscription) Events() <-chan LifecycleEvent { return s.events }

// Unsubscribe removes this subscription from the Manager's broadcast
// hub and closes its channel. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	select {
	case s.mgr.unregister <- s:
	case <-s.mgr.closed:
	}
}

// hubLoop is the Manager's broadcast loop, modeled directly on the
// register/unregister/broadcast channel triad of a Register/Unregister
// hub: any component can enqueue an event on broadcast and every live
// subscriber receives it, with slow subscribers dropped rather than
// blocking the whole hub. Only the first call runs the loop; later calls
// return at once, so both OnEvent and Run can start it.
func (m *Manager) hubLoop() {
	started := false
	m.hubOnce.Do(func() { started = true })
	if !started {
		return
	}
	subscribers := make(map[*Subscription]bool)
	for {
		select {
		case sub := <-m.register:
			subscribers[sub] = true

		case sub := <-m.unregister:
			if subscribers[sub] {
				delete(subscribers, sub)
				close(sub.events)
			}

		case evt := <-m.broadcast:
			for sub := range subscribers {
				select {
				case sub.events <- evt:
				default:
					m.log.Warn("amqpconn: dropping lifecycle event for slow subscriber", "kind", evt.Kind.String())
				}
			}

		case <-m.closed:
			for sub := range subscribers {
				close(sub.events)
			}
			return
		}
	}
}

// OnEvent registers a new lifecycle event subscriber. bufSize controls
// how many events the caller may lag behind before events start being
// dropped for that subscriber. It starts the hub if Run has not yet, so a
// subscriber registered before Run receives Run's first events.
func (m *Manager) OnEvent(bufSize int) *Subscription {
	if bufSize <= 0 {
		bufSize = 8
	}
	sub := &Subscription{events: make(chan LifecycleEvent, bufSize), mgr: m}
	go m.hubLoop()
	select {
	case m.register <- sub:
	case <-m.closed:
		close(sub.events)
	}
	return sub
}

func (m *Manager) emit(evt LifecycleEvent) {
	select {
	case m.broadcast <- evt:
	case <-m.closed:
	}
}
