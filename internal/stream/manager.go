package stream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tickflow/internal/market"
	"tickflow/internal/metrics"
	"tickflow/logger"
)

// State of the managed connection. Transitions:
//
//	Disconnected -> Connecting  (first subscribe, or retry)
//	Connecting   -> Connected   (dial + resubscribe succeeded)
//	Connecting   -> Disconnected (attempts exhausted, re-armed by Subscribe)
//	Connected    -> Disconnected (read error or explicit disconnect)
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	default:
		return "DISCONNECTED"
	}
}

// Codec is the per-exchange framing: how subscribe/unsubscribe commands are
// shaped and how incoming frames map to snapshots.
type Codec interface {
	// SubscribeCommand returns the JSON-marshalable subscribe message for
	// a wire symbol.
	SubscribeCommand(wire string) interface{}

	// UnsubscribeCommand returns the matching unsubscribe message.
	UnsubscribeCommand(wire string) interface{}

	// ParseFrame decodes an incoming frame. ok is false for frames that
	// are not ticker updates (acks, pongs, unknown topics); those are
	// dropped silently. A returned snapshot carries the canonical symbol.
	ParseFrame(frame []byte) (snap market.Snapshot, ok bool)
}

// AppPinger is implemented by codecs for exchanges whose servers expect
// JSON-level ping messages rather than websocket control pings. The ping is
// queued through the command channel so only the writer goroutine touches
// the connection.
type AppPinger interface {
	PingCommand() interface{}
}

// Dialer abstracts websocket dialing so tests can point the manager at an
// httptest server. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type command struct {
	payload interface{}
}

type subscription struct {
	wire     string
	callback func(market.Snapshot)
}

const (
	defaultReconnectDelay  = 5 * time.Second
	defaultKeepAlive       = 20 * time.Second
	defaultConnectAttempts = 3
	commandBuffer          = 64
)

// Options tunes the manager; zero values take the defaults above.
type Options struct {
	Dialer          Dialer
	ReconnectDelay  time.Duration
	KeepAlive       time.Duration
	ConnectAttempts int
}

// Manager owns one persistent websocket connection per adapter instance and
// multiplexes subscriptions over it. The subscriber map and the connection
// are owned exclusively by this manager; commands issued while the
// connection is still being established are queued, not lost.
type Manager struct {
	exchange string
	url      string
	codec    Codec
	dialer   Dialer
	log      *logger.Log

	reconnectDelay  time.Duration
	keepAlive       time.Duration
	connectAttempts int

	mu       sync.Mutex
	state    State
	subs     map[string]subscription
	commands chan command
	cancel   context.CancelFunc
	running  bool
	gen      int
}

func NewManager(exchange, url string, codec Codec, opts Options) *Manager {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	reconnect := opts.ReconnectDelay
	if reconnect <= 0 {
		reconnect = defaultReconnectDelay
	}
	keepAlive := opts.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	attempts := opts.ConnectAttempts
	if attempts <= 0 {
		attempts = defaultConnectAttempts
	}
	return &Manager{
		exchange:        exchange,
		url:             url,
		codec:           codec,
		dialer:          dialer,
		log:             logger.GetLogger(),
		reconnectDelay:  reconnect,
		keepAlive:       keepAlive,
		connectAttempts: attempts,
		subs:            make(map[string]subscription),
		commands:        make(chan command, commandBuffer),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers the callback first, then ensures the connection
// exists. At most one callback is active per symbol; re-subscribing replaces
// the previous one.
func (m *Manager) Subscribe(ctx context.Context, canonical, wire string, callback func(market.Snapshot)) error {
	m.mu.Lock()
	m.subs[canonical] = subscription{wire: wire, callback: callback}
	if !m.running {
		m.running = true
		m.gen++
		runCtx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		go m.run(runCtx, m.gen)
	}
	m.mu.Unlock()

	m.enqueue(command{payload: m.codec.SubscribeCommand(wire)})
	return nil
}

// Unsubscribe removes the callback immediately; the protocol-level
// unsubscribe is sent best effort.
func (m *Manager) Unsubscribe(canonical, wire string) {
	m.mu.Lock()
	_, had := m.subs[canonical]
	delete(m.subs, canonical)
	connected := m.state == Connected
	m.mu.Unlock()

	if had && connected {
		m.enqueue(command{payload: m.codec.UnsubscribeCommand(wire)})
	}
}

// Disconnect tears down the connection and clears all subscriptions.
// Queued protocol commands belong to the torn-down session and are drained
// so a later connection does not replay them.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.subs = make(map[string]subscription)
	cancel := m.cancel
	m.cancel = nil
	m.running = false
	m.state = Disconnected
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	for {
		select {
		case <-m.commands:
		default:
			return
		}
	}
}

func (m *Manager) enqueue(cmd command) {
	select {
	case m.commands <- cmd:
	default:
		m.log.WithComponent(m.component()).Warn("command queue full, dropping protocol message")
	}
}

func (m *Manager) component() string {
	return m.exchange + "_stream"
}

// setState applies a transition only while gen is still the current run
// generation, so a goroutine outliving its Disconnect cannot clobber the
// state of a successor started by a later Subscribe.
func (m *Manager) setState(gen int, s State) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev != s {
		m.log.WithComponent(m.component()).WithFields(logger.Fields{
			"from": prev.String(),
			"to":   s.String(),
		}).Debug("connection state changed")
	}
}

// run drives the state machine until the context is cancelled or the
// bounded connect attempts are exhausted. Exhaustion leaves the manager
// disconnected; the next Subscribe call re-triggers connecting. The cleanup
// is generation-guarded: if a newer run was started while this one was
// still winding down, its ownership of running/state must not be revoked.
func (m *Manager) run(ctx context.Context, gen int) {
	defer func() {
		m.mu.Lock()
		if m.gen == gen {
			m.state = Disconnected
			m.running = false
			m.cancel = nil
		}
		m.mu.Unlock()
	}()

	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if attempts >= m.connectAttempts {
			m.log.WithComponent(m.component()).WithFields(logger.Fields{
				"attempts": attempts,
			}).Error("connect attempts exhausted, giving up until next subscribe")
			return
		}

		m.setState(gen, Connecting)
		attempts++
		metrics.IncrementWSReconnect(m.exchange)

		conn, _, err := m.dialer.DialContext(ctx, m.url, nil)
		if err != nil {
			m.log.WithComponent(m.component()).WithError(err).WithFields(logger.Fields{
				"url":     m.url,
				"attempt": attempts,
			}).Warn("websocket dial failed")
			if waitOrDone(ctx, m.reconnectDelay) {
				return
			}
			continue
		}

		m.setState(gen, Connected)
		attempts = 0

		err = m.serve(ctx, conn)
		conn.Close()
		m.setState(gen, Disconnected)

		if ctx.Err() != nil {
			return
		}
		m.log.WithComponent(m.component()).WithError(err).Warn("websocket session ended, reconnecting")
		if waitOrDone(ctx, m.reconnectDelay) {
			return
		}
	}
}

// serve owns one live connection: it replays subscriptions, forwards queued
// commands, keeps the peer alive with pings and dispatches incoming frames.
func (m *Manager) serve(ctx context.Context, conn *websocket.Conn) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := m.resubscribeAll(conn); err != nil {
		return err
	}

	writeErr := make(chan error, 1)
	go func() {
		for {
			select {
			case <-sessionCtx.Done():
				return
			case cmd := <-m.commands:
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteJSON(cmd.payload); err != nil {
					select {
					case writeErr <- err:
					default:
					}
					cancel()
					return
				}
			}
		}
	}()

	go m.pingLoop(sessionCtx, conn, cancel)

	readDone := make(chan error, 1)
	go func() {
		readDone <- m.readLoop(conn)
	}()

	select {
	case <-sessionCtx.Done():
		// unblock the reader
		conn.Close()
		<-readDone
		select {
		case err := <-writeErr:
			return err
		default:
			return sessionCtx.Err()
		}
	case err := <-readDone:
		return err
	}
}

// resubscribeAll re-issues subscribe commands for every registered symbol on
// a fresh connection, using the wire form captured at Subscribe time.
func (m *Manager) resubscribeAll(conn *websocket.Conn) error {
	m.mu.Lock()
	symbols := make([]string, 0, len(m.subs))
	for _, sub := range m.subs {
		symbols = append(symbols, sub.wire)
	}
	m.mu.Unlock()

	for _, sym := range symbols {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(m.codec.SubscribeCommand(sym)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) pingLoop(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	pinger, appLevel := m.codec.(AppPinger)

	ticker := time.NewTicker(m.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if appLevel {
				m.enqueue(command{payload: pinger.PingCommand()})
				continue
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				m.log.WithComponent(m.component()).WithError(err).Warn("failed to send websocket ping")
				cancel()
				return
			}
		}
	}
}

// readLoop parses and dispatches incoming frames until the connection
// fails. Malformed or unmatched frames are logged and dropped; a panicking
// callback is contained so one subscriber cannot take down the stream.
func (m *Manager) readLoop(conn *websocket.Conn) error {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		snap, ok := m.codec.ParseFrame(frame)
		if !ok {
			continue
		}

		m.mu.Lock()
		sub, found := m.subs[snap.Symbol]
		m.mu.Unlock()
		if !found {
			m.log.WithComponent(m.component()).WithFields(logger.Fields{
				"symbol": snap.Symbol,
			}).Debug("dropping update for unsubscribed symbol")
			continue
		}
		m.dispatch(sub.callback, snap)
		logger.RecordStreamRead(m.exchange)
	}
}

func (m *Manager) dispatch(callback func(market.Snapshot), snap market.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithComponent(m.component()).WithFields(logger.Fields{
				"symbol": snap.Symbol,
				"panic":  r,
			}).Error("subscriber callback panicked")
		}
	}()
	callback(snap)
}

func waitOrDone(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
