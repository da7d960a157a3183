/*
Package connectiontracker tracks connections for statistical purposes. The goal is to determine
occupancy and concurrency on a per-listen-address basis and within a given connection for those
connections which support sessions (e.g. a TCP DNS connection carrying several length-prefixed
queries in series).

connectiontracker presents a reporter interface so its output can be periodically logged.

Typical usage is to create a connectiontracker for a given listen address then call it as
connections are accepted and retired:

	ct := connectiontracker.New("Name")
	ct.ConnState(conn.RemoteAddr().String(), time.Now(), connectiontracker.StateNew)
	... time passes and queries are served on the connection ...
	ct.ConnState(conn.RemoteAddr().String(), time.Now(), connectiontracker.StateClosed)
	fmt.Println(ct.Report(true))

If a connection can carry multiple logical requests - such as a TCP connection serving multiple
pipelined DNS queries - SessionAdd/SessionDone should bracket each request:

	ct.SessionAdd(conn.RemoteAddr().String())
	defer ct.SessionDone(conn.RemoteAddr().String())

The connection and session key can be any string so long as it is consistent and accurately
reflects a unique connection endpoint. Normally it's a remote address/port and, by virtue of the
fact that a connectiontracker is associated with a server having a unique listen address, the
remote address/port/listen-address tuple makes the key appropriately unique.
*/
package connectiontracker

import (
	"sync"
	"time"
)

// ConnState describes the lifecycle state of a tracked connection. This mirrors the shape of
// net/http.ConnState without depending on net/http, since this package is used to track raw TCP
// DNS connections that never go near an http.Server.
type ConnState int

const (
	StateNew    ConnState = iota // Connection accepted, no request in flight yet
	StateActive                  // A request is being read/handled on this connection
	StateIdle                   // Connection is open but idle between requests
	StateClosed                  // Connection has been closed or otherwise retired
)

type connectionStats struct {
	connStart       time.Time     // When connection was first established
	activeStart     time.Time     // Last transition to active
	activeFor       time.Duration // Sum of active periods
	currentSessions int
	peakSessions    int
}

type connection struct {
	connectionStats
}

func (t *connection) resetCounters() {
}

type errIx int

const (
	errNoConnInMap         errIx = iota // Connection not present for state change
	errNoConnForSession                 // No Connection found for session
	errDanglingConn                     // New when already active
	errNegativeConcurrency              // More Idle than Active transitions
	errConnsLost                        // Close and concurrency greater than zero
	errUnknownState                     // Caller passed an unrecognized ConnState
	errArSize
)

type trackerStats struct {
	peakConns    int
	peakSessions int
	connFor      time.Duration // Total connections existence time (can easily be GT elapse)
	activeFor    time.Duration // Total connections active time
	errors       [errArSize]int
}

type Tracker struct {
	name string
	mu   sync.Mutex

	connMap map[string]*connection // Indexed by address of connection
	trackerStats
}

// New constructs a tracker object - in particular the map used to track each connection key
func New(name string) *Tracker {
	t := &Tracker{name: name}
	t.connMap = make(map[string]*connection)

	return t
}

// ConnState is called when a connection transitions to a new state. The key can be anything so
// long as it is unique per-connection, normally net.Conn.RemoteAddr().String().
//
// ConnState checks that the new state makes sense for the connection and if it does, the
// connection is updated and true is returned. If the new state doesn't make sense, the transition
// and internal state are reconciled and false is returned. Reconciliation favours the current
// state over the previous to avoid dangling connections.
//
// ConnState does not fastidiously check that all state transitions make sense, it merely checks
// those which need to be correct for it to perform its function. This is a statistics gathering
// function, not a protocol validator.
func (t *Tracker) ConnState(key string, now time.Time, state ConnState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cs, ok := t.connMap[key]
	if state == StateNew { // All other states must have a pre-existing connection
		cs := &connection{} // Always create a new and possibly over-write any dangling
		cs.connStart = now  // connection.
		t.connMap[key] = cs
		if ok { // Dangling connection? Report it
			t.errors[errDanglingConn]++
		}
		cc := len(t.connMap)
		if cc > t.peakConns {
			t.peakConns = cc
		}
		return !ok
	}

	if !ok { // If it's not a pre-existing connection then record the error and exit
		t.errors[errNoConnInMap]++
		return false
	}

	switch state {
	case StateActive:
		cs.activeStart = now
		return true

	case StateIdle:
		if !cs.activeStart.IsZero() {
			cs.activeFor += now.Sub(cs.activeStart)
			cs.activeStart = time.Time{}
		}
		return true

	case StateClosed:
		t.connFor += now.Sub(cs.connStart)
		if !cs.activeStart.IsZero() { // Capture last active period
			cs.activeFor += now.Sub(cs.activeStart)
		}
		t.activeFor += cs.activeFor

		delete(t.connMap, key)
		if cs.currentSessions > 0 { // Assuming this is an error for now, but it may not be
			t.errors[errConnsLost]++
			return false
		}
		if cs.peakSessions > t.peakSessions {
			t.peakSessions = cs.peakSessions
		}
		return true
	}

	t.errors[errUnknownState]++
	return false
}

// SessionAdd increments a session counter within a connection. Not all connections support
// multiple sessions but a TCP DNS connection serving several pipelined queries does. Return false
// if the connection key is not known.
func (t *Tracker) SessionAdd(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cs, ok := t.connMap[key]
	if !ok {
		t.errors[errNoConnForSession]++
		return false
	}

	cs.currentSessions++
	if cs.currentSessions > cs.peakSessions {
		cs.peakSessions = cs.currentSessions
	}

	return true
}

// SessionDone undoes SessionAdd.
func (t *Tracker) SessionDone(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cs, ok := t.connMap[key]
	if !ok {
		t.errors[errNoConnForSession]++
		return false
	}

	if cs.currentSessions <= 0 {
		t.errors[errNegativeConcurrency]++
		return false

	}
	cs.currentSessions--

	return true
}
