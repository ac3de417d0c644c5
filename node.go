// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package hail

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
	"github.com/jmhodges/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// A Channel is a reliable ordered stream of messages shared by two nodes.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver, and Close must be safe to call concurrently with
// either. A Send to a channel whose remote end has been torn down must report
// an error that wraps [ErrEndpointGone].
//
// A node compares channels with == to identify endpoints, so the concrete
// type of a Channel must be comparable (typically a pointer).
type Channel interface {
	// Send the message to the receiver.
	Send(*Message) error

	// Receive the next available message from the channel.
	Recv() (*Message, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// Liveness is an optional interface a [Channel] may implement to report that
// its remote end has been torn down. Defunct channels are pruned from the
// endpoints of a hub after a failed send.
type Liveness interface {
	Defunct() bool
}

// A Handler processes a request from a remote node. The handler replies by
// calling methods of rsp: any number of Notify calls followed by one Send or
// Error. A handler may reply after it returns, from another goroutine.
//
// If the handler reports an error or panics, the error is logged and sent to
// the caller as an error reply, unless a terminal reply was already sent. By
// default the reply has kind HandlerFailure and the text of the error as its
// message; a handler may return a value of concrete type ErrorData or
// *ErrorData to control the reply. A handler that returns nil without
// replying leaves the caller waiting.
//
// The context passed to a handler ends when the node stops. A handler can
// obtain the node from its context using ContextNode.
type Handler func(ctx context.Context, req *Request, rsp ResponseWriter) error

// A Request is an inbound request delivered to a [Handler].
type Request struct {
	ID         string // the caller-assigned request ID
	Action     string // the name of the action requested
	Payload    []byte // the opaque request payload
	NoResponse bool   // the caller does not want a reply
	Endpoint   string // the endpoint the request arrived from ("" on a leaf)
}

// A MessageLogger logs a message exchanged with a remote node.
type MessageLogger func(MessageInfo)

// A MessageInfo combines a message with the endpoint it was exchanged with and
// a flag indicating whether the message was sent or received.
type MessageInfo struct {
	*Message        // the message being logged
	Endpoint string // the endpoint name ("" on a leaf)
	Sent     bool   // whether the message was sent (true) or received (false)
}

func (m MessageInfo) String() string {
	dir := "recv"
	if m.Sent {
		dir = "send"
	}
	if m.Endpoint != "" {
		return fmt.Sprintf("%s [%s] %v", dir, m.Endpoint, m.Message)
	}
	return fmt.Sprintf("%s %v", dir, m.Message)
}

// CallOptions are optional settings for an outbound call.
// A nil *CallOptions is ready for use and provides default values.
type CallOptions struct {
	// If true, the receiver is asked not to reply and no future is created.
	NoResponse bool

	// If set, Notifier is called with the payload of each notify message for
	// the call. Notifiers run on the receive goroutine of the channel and must
	// not block. If nil, each notify logs a warning.
	Notifier func(payload []byte)

	// On a hub, if Target is set the request is sent only to the endpoint with
	// that name. Otherwise it is sent to every registered endpoint. On a leaf,
	// Target is ignored.
	Target string

	// If positive, the call is rejected with ErrTimeout if no terminal reply
	// arrives within this duration. By default calls wait indefinitely.
	Timeout time.Duration
}

// link is a channel with the lock that serializes sends on it. A node has at
// most one link per channel. On a hub, name is the first name the channel was
// registered under.
type link struct {
	name string
	ch   Channel
	out  sync.Mutex
}

type role int

const (
	roleNone role = iota
	roleLeaf      // one channel, set by Start
	roleHub       // named endpoints, added by Register
)

// A Node invokes actions on remote nodes and serves actions invoked by them.
// Construct a node with NewNode.
//
// A node takes one of two roles, fixed by the first of these calls:
//
//   - Start attaches a single channel to the node (a "leaf"). Every call is
//     sent on that channel.
//   - Register adds a named endpoint to the node (a "hub"). Calls are sent to
//     one named endpoint or broadcast to all of them.
//
// The node runs until Stop is called or, for a leaf, until its channel
// closes. Use Wait to wait for the node to exit and report its status.
//
// Handle, Send, Call and the endpoint methods are safe for concurrent use by
// multiple goroutines.
type Node struct {
	tasks *taskgroup.Group
	done  chan struct{} // closed when the node stops
	halt  context.Context
	stop  context.CancelFunc // ends halt, and with it all handler contexts

	μ sync.Mutex

	role    role
	leaf    *link
	eps     endpointTable
	live    map[Channel]*link // links with a running receive loop
	actions actionTable
	calls   callTable
	stopped bool
	err     error // the error that stopped the node

	mlog    MessageLogger
	log     zerolog.Logger
	clk     clock.Clock
	base    func() context.Context
	newID   func() string
	onExit  func(error)
	metrics *nodeMetrics
}

// NewNode constructs a new unstarted node.
func NewNode() *Node {
	halt, stop := context.WithCancel(context.Background())
	return &Node{
		halt:    halt,
		stop:    stop,
		tasks:   taskgroup.New(nil),
		done:    make(chan struct{}),
		live:    make(map[Channel]*link),
		actions: make(actionTable),
		calls:   make(callTable),
		log:     log.Logger,
		clk:     clock.New(),
		base:    context.Background,
		newID:   newRequestID,
		metrics: rootMetrics,
	}
}

// newRequestID returns a request ID derived from the current time plus
// randomness, so that IDs are unique over the lifetime of the process.
func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Start starts n running as a leaf on the given channel. The node runs until
// the channel closes or Stop is called. Start does not block; call Wait to
// wait for the node to exit and report its status.
//
// Start panics if n is already started or has endpoints registered.
func (n *Node) Start(ch Channel) *Node {
	n.μ.Lock()
	defer n.μ.Unlock()
	if n.role != roleNone {
		panic("node is already started")
	} else if n.stopped {
		panic("node is stopped")
	}
	n.role = roleLeaf
	n.leaf = &link{ch: ch}
	n.serveLocked(n.leaf)
	return n
}

// Register adds ch as an endpoint of n under the given name, and starts
// serving requests that arrive on it. It reports whether ch was added; it is
// a no-op if name is empty, ch is nil, name is already registered, or n has
// stopped.
//
// A channel may be registered under several names. Requests arriving on it
// are served once, and report the first of its names as their endpoint. A
// broadcast is sent once per name.
//
// Register panics if n was started as a leaf.
func (n *Node) Register(name string, ch Channel) bool {
	if name == "" || ch == nil {
		return false
	}
	n.μ.Lock()
	defer n.μ.Unlock()
	if n.role == roleLeaf {
		panic("cannot register endpoints on a leaf node")
	} else if n.stopped {
		return false
	}
	if n.eps.lookup(name) != nil {
		return false
	}
	l, ok := n.live[ch]
	if !ok {
		l = &link{name: name, ch: ch}
	}
	n.eps.register(name, l)
	n.role = roleHub
	if !ok {
		n.serveLocked(l)
	}
	return true
}

// Unregister removes the endpoint with the given name, and reports whether
// it was present. The channel is not closed, and requests that arrive on it
// are still served; it is no longer a target for calls.
func (n *Node) Unregister(name string) bool {
	n.μ.Lock()
	defer n.μ.Unlock()
	return n.eps.unregister(name) != nil
}

// UnregisterHandle removes every endpoint whose channel is ch, and returns
// the number removed. As with Unregister, the channel is not closed.
func (n *Node) UnregisterHandle(ch Channel) int {
	n.μ.Lock()
	defer n.μ.Unlock()
	return len(n.eps.unregisterHandle(ch))
}

// Endpoint returns the channel registered under name, if any.
func (n *Node) Endpoint(name string) (Channel, bool) {
	n.μ.Lock()
	defer n.μ.Unlock()
	if l := n.eps.lookup(name); l != nil {
		return l.ch, true
	}
	return nil, false
}

// Endpoints returns the names of the registered endpoints in the order they
// were registered.
func (n *Node) Endpoints() []string {
	n.μ.Lock()
	defer n.μ.Unlock()
	return n.eps.names()
}

// PruneDefunct removes every endpoint whose channel isDefunct reports as
// gone, and returns the number removed. If isDefunct == nil, channels that
// implement [Liveness] are asked directly.
func (n *Node) PruneDefunct(isDefunct func(Channel) bool) int {
	if isDefunct == nil {
		isDefunct = channelDefunct
	}
	n.μ.Lock()
	gone := n.eps.pruneDefunct(isDefunct)
	lg := n.log
	n.μ.Unlock()
	n.logPruned(&lg, gone)
	return len(gone)
}

func channelDefunct(ch Channel) bool {
	lv, ok := ch.(Liveness)
	return ok && lv.Defunct()
}

// prune removes l, and any other endpoint that reports itself defunct.
func (n *Node) prune(l *link) {
	n.μ.Lock()
	gone := n.eps.pruneDefunct(func(ch Channel) bool {
		return ch == l.ch || channelDefunct(ch)
	})
	lg := n.log
	n.μ.Unlock()
	n.logPruned(&lg, gone)
}

func (n *Node) logPruned(lg *zerolog.Logger, gone []endpoint) {
	n.metrics.epPruned.Add(int64(len(gone)))
	for _, e := range gone {
		lg.Warn().Str("endpoint", e.name).Msg("pruned defunct endpoint")
	}
}

// Handle registers a handler for the named action, replacing any previous
// handler for that name. It is safe to call this while the node is running.
// Handle is a no-op if name is empty or handler is nil.  Handle returns n to
// permit chaining.
func (n *Node) Handle(name string, handler Handler) *Node {
	n.μ.Lock()
	defer n.μ.Unlock()
	n.actions.register(name, handler)
	return n
}

// Actions returns the names of the actions registered on n, in sorted order.
func (n *Node) Actions() []string {
	n.μ.Lock()
	defer n.μ.Unlock()
	return n.actions.names()
}

// LogTo sets the logger used by n for warnings and errors, and returns n to
// permit chaining. By default n logs to the global zerolog logger.
func (n *Node) LogTo(lg zerolog.Logger) *Node {
	n.μ.Lock()
	defer n.μ.Unlock()
	n.log = lg
	return n
}

// LogMessages registers a callback that will be invoked for each message
// exchanged with a remote node, regardless of kind, including messages to be
// discarded. Passing a nil callback disables message logging.
func (n *Node) LogMessages(mlog MessageLogger) *Node {
	n.μ.Lock()
	defer n.μ.Unlock()
	n.mlog = mlog
	return n
}

// OnExit registers a callback to be invoked when the node stops. The callback
// is executed synchronously during shutdown, with the same error value that
// would be reported by Wait. If f == nil the callback is removed.
func (n *Node) OnExit(f func(error)) *Node {
	n.μ.Lock()
	defer n.μ.Unlock()
	n.onExit = f
	return n
}

// NewContext registers a function that will be called to create a new base
// context for handlers. This allows request-specific host resources to be
// plumbed into a handler. If it is not set a background context is used.
func (n *Node) NewContext(base func() context.Context) *Node {
	n.μ.Lock()
	defer n.μ.Unlock()
	if base == nil {
		n.base = context.Background
	} else {
		n.base = base
	}
	return n
}

// SetClock sets the clock used to measure call timeouts, and returns n to
// permit chaining. If clk == nil, the system clock is used.
func (n *Node) SetClock(clk clock.Clock) *Node {
	n.μ.Lock()
	defer n.μ.Unlock()
	if clk == nil {
		clk = clock.New()
	}
	n.clk = clk
	return n
}

// Metrics returns the metrics map for the node. It is safe for the caller to
// add additional metrics to the map while the node is active.
func (n *Node) Metrics() *expvar.Map { return n.metrics.emap }

// Detach gives n its own metrics, separate from the metrics shared by default
// among all nodes, and returns n to permit chaining. Call Detach before
// starting the node.
func (n *Node) Detach() *Node {
	n.μ.Lock()
	defer n.μ.Unlock()
	n.metrics = newNodeMetrics()
	return n
}

// Stop closes every channel served by n and terminates the node. Calls that
// are still pending are rejected with ErrStopped. Stop blocks until the node
// has exited and returns its status. A stopped node cannot be restarted.
func (n *Node) Stop() error { n.shutdown(nil); return n.Wait() }

// Wait blocks until n stops, and reports the error that caused it to stop.
//
// If n was never started, Wait returns nil immediately. If n stopped because
// of Stop or a cleanly closed channel, Wait returns nil; otherwise it returns
// the error that terminated the leaf channel.
func (n *Node) Wait() error {
	n.μ.Lock()
	idle := n.role == roleNone && !n.stopped
	n.μ.Unlock()
	if idle {
		return nil
	}
	<-n.done
	n.tasks.Wait()

	n.μ.Lock()
	defer n.μ.Unlock()
	if treatErrorAsSuccess(n.err) {
		return nil
	}
	return n.err
}

func treatErrorAsSuccess(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, ErrEndpointGone)
}

// shutdown stops the node, if it is not already stopped.
func (n *Node) shutdown(err error) {
	n.μ.Lock()
	if n.stopped {
		n.μ.Unlock()
		return
	}
	n.stopped = true
	n.err = err
	links := make([]*link, 0, len(n.live))
	for _, l := range n.live {
		links = append(links, l)
	}
	pend := n.calls.drain()
	onExit := n.onExit
	n.μ.Unlock()

	n.stop()
	for _, l := range links {
		l.ch.Close()
	}
	for _, pc := range pend {
		n.metrics.callPending.Add(-1)
		n.metrics.callOutErr.Add(1)
		pc.fut.complete(nil, callError(ErrStopped))
	}
	close(n.done)

	if onExit != nil {
		if treatErrorAsSuccess(err) {
			err = nil
		}
		onExit(err)
	}
}

// logger returns a copy of the current logger.
func (n *Node) logger() *zerolog.Logger {
	n.μ.Lock()
	defer n.μ.Unlock()
	lg := n.log
	return &lg
}

func (n *Node) logMessage(l *link, msg *Message, sent bool) {
	n.μ.Lock()
	mlog := n.mlog
	n.μ.Unlock()
	if mlog != nil {
		mlog(MessageInfo{Message: msg, Endpoint: l.name, Sent: sent})
	}
}

func (n *Node) sendOut(l *link, msg *Message) error {
	l.out.Lock()
	defer l.out.Unlock()
	n.metrics.msgSent.Add(1)
	n.logMessage(l, msg, true)
	return l.ch.Send(msg)
}

type nodeContextKey struct{}

// ContextNode returns the Node associated with the given context, or nil if
// none is defined.  The context passed to a Handler has this value.
func ContextNode(ctx context.Context) *Node {
	if v := ctx.Value(nodeContextKey{}); v != nil {
		return v.(*Node)
	}
	return nil
}
