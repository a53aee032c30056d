package pool

import (
	"sync"

	"github.com/joao-brasil/sqlpool/pkg/dbapi"
)

// Listener signatures. conn is the raw connection, rec its record.
type (
	ConnectListener       func(conn dbapi.Connection, rec *ConnectionRecord) error
	CheckoutListener      func(conn dbapi.Connection, rec *ConnectionRecord, fairy *ConnectionFairy) error
	CheckinListener       func(conn dbapi.Connection, rec *ConnectionRecord)
	ResetListener         func(conn dbapi.Connection, rec *ConnectionRecord)
	InvalidateListener    func(conn dbapi.Connection, rec *ConnectionRecord, err error)
	CloseListener         func(conn dbapi.Connection, rec *ConnectionRecord)
	CloseDetachedListener func(conn dbapi.Connection)
	DetachListener        func(conn dbapi.Connection, rec *ConnectionRecord)
)

// Events holds the lifecycle listeners of a pool. Listeners run
// synchronously on the goroutine that triggered the event.
type Events struct {
	mu             sync.RWMutex
	connect        []ConnectListener
	firstConnect   []ConnectListener
	checkout       []CheckoutListener
	checkin        []CheckinListener
	reset          []ResetListener
	invalidate     []InvalidateListener
	softInvalidate []InvalidateListener
	close          []CloseListener
	closeDetached  []CloseDetachedListener
	detach         []DetachListener

	// firstConnectMu serializes first-connect delivery; firstConnectDone is
	// only set once every listener succeeded.
	firstConnectMu   sync.Mutex
	firstConnectDone bool
}

func newEvents() *Events { return &Events{} }

// OnConnect runs after every new physical connection.
func (e *Events) OnConnect(fn ConnectListener) {
	e.mu.Lock()
	e.connect = append(e.connect, fn)
	e.mu.Unlock()
}

// OnFirstConnect runs once for the first connection the pool makes. If a
// listener fails it runs again on the next connection.
func (e *Events) OnFirstConnect(fn ConnectListener) {
	e.mu.Lock()
	e.firstConnect = append(e.firstConnect, fn)
	e.mu.Unlock()
}

// OnCheckout runs when a fairy is first handed out. Returning a
// *DisconnectionError makes the pool replace the connection.
func (e *Events) OnCheckout(fn CheckoutListener) {
	e.mu.Lock()
	e.checkout = append(e.checkout, fn)
	e.mu.Unlock()
}

func (e *Events) OnCheckin(fn CheckinListener) {
	e.mu.Lock()
	e.checkin = append(e.checkin, fn)
	e.mu.Unlock()
}

func (e *Events) OnReset(fn ResetListener) {
	e.mu.Lock()
	e.reset = append(e.reset, fn)
	e.mu.Unlock()
}

func (e *Events) OnInvalidate(fn InvalidateListener) {
	e.mu.Lock()
	e.invalidate = append(e.invalidate, fn)
	e.mu.Unlock()
}

func (e *Events) OnSoftInvalidate(fn InvalidateListener) {
	e.mu.Lock()
	e.softInvalidate = append(e.softInvalidate, fn)
	e.mu.Unlock()
}

func (e *Events) OnClose(fn CloseListener) {
	e.mu.Lock()
	e.close = append(e.close, fn)
	e.mu.Unlock()
}

func (e *Events) OnCloseDetached(fn CloseDetachedListener) {
	e.mu.Lock()
	e.closeDetached = append(e.closeDetached, fn)
	e.mu.Unlock()
}

func (e *Events) OnDetach(fn DetachListener) {
	e.mu.Lock()
	e.detach = append(e.detach, fn)
	e.mu.Unlock()
}

// clone copies the listeners into a new Events whose first-connect latch is
// reset, for a recreated pool.
func (e *Events) clone() *Events {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return &Events{
		connect:        append([]ConnectListener(nil), e.connect...),
		firstConnect:   append([]ConnectListener(nil), e.firstConnect...),
		checkout:       append([]CheckoutListener(nil), e.checkout...),
		checkin:        append([]CheckinListener(nil), e.checkin...),
		reset:          append([]ResetListener(nil), e.reset...),
		invalidate:     append([]InvalidateListener(nil), e.invalidate...),
		softInvalidate: append([]InvalidateListener(nil), e.softInvalidate...),
		close:          append([]CloseListener(nil), e.close...),
		closeDetached:  append([]CloseDetachedListener(nil), e.closeDetached...),
		detach:         append([]DetachListener(nil), e.detach...),
	}
}

func (e *Events) hasCheckout() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.checkout) > 0
}

func (e *Events) fireFirstConnect(conn dbapi.Connection, rec *ConnectionRecord) error {
	e.firstConnectMu.Lock()
	defer e.firstConnectMu.Unlock()
	if e.firstConnectDone {
		return nil
	}
	e.mu.RLock()
	listeners := e.firstConnect
	e.mu.RUnlock()
	for _, fn := range listeners {
		if err := fn(conn, rec); err != nil {
			return err
		}
	}
	e.firstConnectDone = true
	return nil
}

func (e *Events) fireConnect(conn dbapi.Connection, rec *ConnectionRecord) error {
	e.mu.RLock()
	listeners := e.connect
	e.mu.RUnlock()
	for _, fn := range listeners {
		if err := fn(conn, rec); err != nil {
			return err
		}
	}
	return nil
}

func (e *Events) fireCheckout(conn dbapi.Connection, rec *ConnectionRecord, fairy *ConnectionFairy) error {
	e.mu.RLock()
	listeners := e.checkout
	e.mu.RUnlock()
	for _, fn := range listeners {
		if err := fn(conn, rec, fairy); err != nil {
			return err
		}
	}
	return nil
}

func (e *Events) fireCheckin(conn dbapi.Connection, rec *ConnectionRecord) {
	e.mu.RLock()
	listeners := e.checkin
	e.mu.RUnlock()
	for _, fn := range listeners {
		fn(conn, rec)
	}
}

func (e *Events) fireReset(conn dbapi.Connection, rec *ConnectionRecord) {
	e.mu.RLock()
	listeners := e.reset
	e.mu.RUnlock()
	for _, fn := range listeners {
		fn(conn, rec)
	}
}

func (e *Events) fireInvalidate(conn dbapi.Connection, rec *ConnectionRecord, err error, soft bool) {
	e.mu.RLock()
	listeners := e.invalidate
	if soft {
		listeners = e.softInvalidate
	}
	e.mu.RUnlock()
	for _, fn := range listeners {
		fn(conn, rec, err)
	}
}

func (e *Events) fireClose(conn dbapi.Connection, rec *ConnectionRecord) {
	e.mu.RLock()
	listeners := e.close
	e.mu.RUnlock()
	for _, fn := range listeners {
		fn(conn, rec)
	}
}

func (e *Events) fireCloseDetached(conn dbapi.Connection) {
	e.mu.RLock()
	listeners := e.closeDetached
	e.mu.RUnlock()
	for _, fn := range listeners {
		fn(conn)
	}
}

func (e *Events) fireDetach(conn dbapi.Connection, rec *ConnectionRecord) {
	e.mu.RLock()
	listeners := e.detach
	e.mu.RUnlock()
	for _, fn := range listeners {
		fn(conn, rec)
	}
}
