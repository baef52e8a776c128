package network

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sealtalk/metrics"
)

const (
	// DefaultConnectWait bounds one connection attempt.
	DefaultConnectWait = 10 * time.Second
	// DefaultStaleGrace bounds the teardown of a stale connection before reconnecting.
	DefaultStaleGrace = 2 * time.Second
	// DefaultErrorRecheck delays reconnection when an error arrives while a connect is in flight.
	DefaultErrorRecheck = 1 * time.Second

	defaultEventBuffer = 256
)

// State is the lifecycle state of the transport session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

var allStates = []State{StateDisconnected, StateConnecting, StateConnected, StateError}

// EventType tags session events.
type EventType int

const (
	EventStateChanged EventType = iota + 1
	EventConnected
	EventDisconnected
	EventError
	EventMessage
	EventPresence
	EventReceipt
)

// Event is one notification on a session subscription.
type Event struct {
	Type     EventType
	State    State
	Err      error
	Envelope Envelope
	Presence Presence
	Receipt  Receipt
}

// ConnectConfig describes the server and the identity to authenticate as.
type ConnectConfig struct {
	Address   string
	TLSConfig *tls.Config
	Identity  LocalIdentity
}

// DialFunc opens an authenticated stream.
type DialFunc func(ctx context.Context, address string, options DialOptions) (*Conn, AuthResult, error)

// SessionOptions configures a Session.
type SessionOptions struct {
	ConnectWait       time.Duration
	StaleGrace        time.Duration
	ErrorRecheck      time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration

	// NewBackOff builds the reconnect schedule. Defaults to exponential backoff
	// capped at one minute that never gives up.
	NewBackOff  func() backoff.BackOff
	Dial        DialFunc
	EventBuffer int
	Logger      logrus.FieldLogger
}

func (o SessionOptions) withDefaults() SessionOptions {
	out := o
	if out.ConnectWait <= 0 {
		out.ConnectWait = DefaultConnectWait
	}
	if out.StaleGrace <= 0 {
		out.StaleGrace = DefaultStaleGrace
	}
	if out.ErrorRecheck <= 0 {
		out.ErrorRecheck = DefaultErrorRecheck
	}
	if out.NewBackOff == nil {
		out.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = time.Minute
			b.MaxElapsedTime = 0
			return b
		}
	}
	if out.Dial == nil {
		out.Dial = Dial
	}
	if out.EventBuffer <= 0 {
		out.EventBuffer = defaultEventBuffer
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

type reconnectWorker struct {
	cancel context.CancelFunc
}

type slotResult struct {
	slot UploadSlot
	err  error
}

// Session owns the single live connection to the messaging server.
type Session struct {
	opts SessionOptions
	log  logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// connectGuard serializes connection attempts.
	connectGuard chan struct{}

	mu               sync.RWMutex
	state            State
	conn             *Conn
	config           *ConnectConfig
	features         AuthResult
	featureSignal    chan struct{}
	needReconnection bool
	generation       uint64
	connectCancel    context.CancelFunc
	reconnecting     *reconnectWorker
	closed           bool

	subMu       sync.RWMutex
	subscribers map[int]*subscriber
	nextSub     int

	slotMu       sync.Mutex
	pendingSlots map[string]chan slotResult
}

// NewSession returns a disconnected session.
func NewSession(options SessionOptions) *Session {
	opts := options.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts:          opts,
		log:           opts.Logger.WithField("component", "transport"),
		ctx:           ctx,
		cancel:        cancel,
		connectGuard:  make(chan struct{}, 1),
		state:         StateDisconnected,
		featureSignal: make(chan struct{}),
		subscribers:   make(map[int]*subscriber),
		pendingSlots:  make(map[string]chan slotResult),
	}
	recordState(StateDisconnected)
	return s
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// NeedReconnection reports whether connection loss triggers automatic reconnection.
func (s *Session) NeedReconnection() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.needReconnection
}

// SetNeedReconnection toggles automatic reconnection.
func (s *Session) SetNeedReconnection(need bool) {
	s.mu.Lock()
	s.needReconnection = need
	s.mu.Unlock()
}

// JID returns the authenticated address, empty when not connected.
func (s *Session) JID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return ""
	}
	return s.conn.JID()
}

// HasFeature reports whether the connected server advertised name.
func (s *Session) HasFeature(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.features.HasFeature(name)
}

// WaitForFeature blocks until the server advertises name or ctx ends.
func (s *Session) WaitForFeature(ctx context.Context, name string) error {
	for {
		s.mu.RLock()
		has := s.features.HasFeature(name)
		signal := s.featureSignal
		s.mu.RUnlock()
		if has {
			return nil
		}

		select {
		case <-signal:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return newError(KindNotConnected, "wait for feature", errSessionClosed)
		}
	}
}

var errSessionClosed = errors.New("session closed")

// Subscribe registers a new event stream. The returned function unsubscribes;
// the channel itself is never closed.
func (s *Session) Subscribe() (<-chan Event, func()) {
	sub := &subscriber{
		ch:   make(chan Event, s.opts.EventBuffer),
		done: make(chan struct{}),
	}

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = sub
	s.subMu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subscribers, id)
			s.subMu.Unlock()
			close(sub.done)
		})
	}
}

// Connect establishes the session and blocks until it is Connected, failed or
// timed out. A forced connect waits for an in-flight attempt to finish first;
// a non-forced one is rejected with ErrConnectInProgress.
func (s *Session) Connect(ctx context.Context, cfg ConnectConfig, forced bool) error {
	if forced {
		select {
		case s.connectGuard <- struct{}{}:
		case <-ctx.Done():
			return newError(KindTimeout, "connect", ctx.Err())
		case <-s.ctx.Done():
			return newError(KindNotConnected, "connect", errSessionClosed)
		}
	} else {
		select {
		case s.connectGuard <- struct{}{}:
		default:
			return ErrConnectInProgress
		}
	}
	defer func() { <-s.connectGuard }()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return newError(KindNotConnected, "connect", errSessionClosed)
	}
	s.config = &cfg
	s.needReconnection = true
	generation := s.generation
	s.mu.Unlock()

	return s.connectLocked(ctx, cfg, generation)
}

// connectLocked runs one attempt on behalf of generation. A Disconnect after
// generation was read supersedes the attempt. The caller holds connectGuard.
func (s *Session) connectLocked(ctx context.Context, cfg ConnectConfig, generation uint64) error {
	logger := s.log.WithFields(logrus.Fields{
		"function": "connect",
		"address":  cfg.Address,
		"jid":      cfg.Identity.JID,
	})

	s.teardownStale()

	attemptCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectWait)
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return newError(KindNotConnected, "connect", errSessionClosed)
	}
	if s.generation != generation {
		s.mu.Unlock()
		logger.Debug("connect cancelled by disconnect")
		return newError(KindNotConnected, "connect", context.Canceled)
	}
	s.connectCancel = cancel
	s.mu.Unlock()

	s.setState(StateConnecting, nil)
	logger.Debug("connecting")

	conn, result, err := s.opts.Dial(attemptCtx, cfg.Address, DialOptions{
		Identity:          cfg.Identity,
		TLSConfig:         cfg.TLSConfig,
		ConnectionTimeout: s.opts.ConnectWait,
		KeepAliveInterval: s.opts.KeepAliveInterval,
		KeepAliveTimeout:  s.opts.KeepAliveTimeout,
		FrameReadTimeout:  s.opts.FrameReadTimeout,
	})

	s.mu.Lock()
	s.connectCancel = nil
	superseded := s.generation != generation || s.closed
	if err == nil && !superseded {
		s.conn = conn
		s.features = result
		close(s.featureSignal)
		s.featureSignal = make(chan struct{})
	}
	s.mu.Unlock()

	if superseded {
		if conn != nil {
			_ = conn.Close()
		}
		s.setState(StateDisconnected, nil)
		logger.Debug("connect cancelled by disconnect")
		return newError(KindNotConnected, "connect", context.Canceled)
	}
	if err != nil {
		transportErr := classify("connect", err)
		logger.WithError(transportErr).Warn("connect failed")
		s.setState(StateError, transportErr)
		return transportErr
	}

	logger.WithField("features", result.Features).Info("connected")
	s.setState(StateConnected, nil)

	s.wg.Add(1)
	go s.readLoop(conn)
	return nil
}

// teardownStale closes a leftover connection and waits a bounded grace for it.
func (s *Session) teardownStale() {
	s.mu.Lock()
	stale := s.conn
	s.conn = nil
	s.features = AuthResult{}
	s.mu.Unlock()
	if stale == nil {
		return
	}

	_ = stale.Disconnect()
	timer := time.NewTimer(s.opts.StaleGrace)
	defer timer.Stop()
	select {
	case <-stale.Done():
	case <-timer.C:
		s.log.WithField("function", "teardownStale").Warn("stale connection did not close within grace period")
	}
	s.failPendingSlots(newError(KindNotConnected, "request upload slot", errors.New("connection replaced")))
}

// Disconnect tears the session down. It cancels an in-flight connect and any
// reconnection, and is idempotent.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.needReconnection = false
	s.generation++
	if s.connectCancel != nil {
		s.connectCancel()
	}
	if s.reconnecting != nil {
		s.reconnecting.cancel()
		s.reconnecting = nil
	}
	conn := s.conn
	s.conn = nil
	s.features = AuthResult{}
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Disconnect()
	}
	s.failPendingSlots(newError(KindNotConnected, "request upload slot", errors.New("disconnected")))
	s.setState(StateDisconnected, nil)
}

// Close disconnects and stops every background goroutine.
func (s *Session) Close() error {
	s.Disconnect()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	return nil
}

// Send transmits one envelope.
func (s *Session) Send(envelope Envelope) error {
	conn := s.activeConn()
	if conn == nil {
		return newError(KindNotConnected, "send", nil)
	}
	envelope.Type = TypeMessage
	if envelope.From == "" {
		envelope.From = conn.JID()
	}
	if envelope.Timestamp == 0 {
		envelope.Timestamp = time.Now().UnixMilli()
	}
	if err := conn.SendMessage(envelope); err != nil {
		return classify("send", err)
	}
	return nil
}

// SendReceipt acknowledges envelope id to its sender.
func (s *Session) SendReceipt(to, id string) error {
	return s.sendStanza("send receipt", func(from string) any {
		return Receipt{Type: TypeReceipt, ID: id, From: from, To: to, Timestamp: time.Now().UnixMilli()}
	})
}

// SetPresence announces the user as online or unavailable.
func (s *Session) SetPresence(online bool) error {
	return s.sendStanza("set presence", func(from string) any {
		return Presence{Type: TypePresence, From: from, Available: online, Timestamp: time.Now().UnixMilli()}
	})
}

// SetCarbons toggles copies of own outbound messages to the other devices.
func (s *Session) SetCarbons(enabled bool) error {
	return s.sendStanza("set carbons", func(string) any {
		return CarbonsToggle{Type: TypeCarbons, Enabled: enabled}
	})
}

// SetPush subscribes or unsubscribes deviceID from push notifications.
func (s *Session) SetPush(deviceID string, enabled bool) error {
	return s.sendStanza("set push", func(string) any {
		return PushToggle{Type: TypePush, DeviceID: deviceID, Enabled: enabled}
	})
}

// RequestUploadSlot negotiates an upload slot for a file of size bytes.
func (s *Session) RequestUploadSlot(ctx context.Context, filename string, size int64) (UploadSlot, error) {
	conn := s.activeConn()
	if conn == nil {
		return UploadSlot{}, newError(KindNotConnected, "request upload slot", nil)
	}
	if !s.HasFeature(FeatureUpload) {
		return UploadSlot{}, newError(KindProtocol, "request upload slot", errors.New("server has no upload service"))
	}

	requestID := uuid.NewString()
	waiter := make(chan slotResult, 1)
	s.slotMu.Lock()
	s.pendingSlots[requestID] = waiter
	s.slotMu.Unlock()
	defer func() {
		s.slotMu.Lock()
		delete(s.pendingSlots, requestID)
		s.slotMu.Unlock()
	}()

	if err := conn.SendMessage(UploadRequest{
		Type:      TypeUploadRequest,
		RequestID: requestID,
		Filename:  filename,
		Size:      size,
	}); err != nil {
		return UploadSlot{}, classify("request upload slot", err)
	}

	select {
	case result := <-waiter:
		return result.slot, result.err
	case <-ctx.Done():
		return UploadSlot{}, newError(KindTimeout, "request upload slot", ctx.Err())
	}
}

func (s *Session) sendStanza(op string, build func(from string) any) error {
	conn := s.activeConn()
	if conn == nil {
		return newError(KindNotConnected, op, nil)
	}
	if err := conn.SendMessage(build(conn.JID())); err != nil {
		return classify(op, err)
	}
	return nil
}

func (s *Session) activeConn() *Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateConnected {
		return nil
	}
	return s.conn
}

func (s *Session) readLoop(conn *Conn) {
	defer s.wg.Done()

	for {
		payload, err := conn.ReceiveMessage(s.ctx)
		if err != nil {
			break
		}
		s.dispatch(conn, payload)
	}
	s.onConnectionLost(conn)
}

func (s *Session) dispatch(conn *Conn, payload []byte) {
	logger := s.log.WithField("function", "dispatch")

	msgType, err := DecodeMessageType(payload)
	if err != nil {
		logger.WithError(err).Debug("dropping undecodable stanza")
		return
	}

	switch msgType {
	case TypeMessage:
		envelope, err := decodeStanza[Envelope](payload)
		if err != nil {
			logger.WithError(err).Warn("dropping malformed envelope")
			return
		}
		if envelope.ReceiptRequested && !envelope.Carbon && envelope.From != "" {
			if err := conn.SendMessage(Receipt{
				Type:      TypeReceipt,
				ID:        envelope.ID,
				From:      conn.JID(),
				To:        envelope.From,
				Timestamp: time.Now().UnixMilli(),
			}); err != nil {
				logger.WithError(err).Debug("receipt not sent")
			}
		}
		s.emit(Event{Type: EventMessage, Envelope: envelope})
	case TypeReceipt:
		receipt, err := decodeStanza[Receipt](payload)
		if err != nil {
			logger.WithError(err).Warn("dropping malformed receipt")
			return
		}
		s.emit(Event{Type: EventReceipt, Receipt: receipt})
	case TypePresence:
		presence, err := decodeStanza[Presence](payload)
		if err != nil {
			logger.WithError(err).Warn("dropping malformed presence")
			return
		}
		s.emit(Event{Type: EventPresence, Presence: presence})
	case TypeUploadSlot:
		slot, err := decodeStanza[UploadSlot](payload)
		if err != nil {
			logger.WithError(err).Warn("dropping malformed upload slot")
			return
		}
		s.resolveSlot(slot.RequestID, slotResult{slot: slot})
	case TypeError:
		remote, err := decodeStanza[ErrorMessage](payload)
		if err != nil {
			logger.WithError(err).Warn("dropping malformed error")
			return
		}
		if remote.RequestID != "" {
			s.resolveSlot(remote.RequestID, slotResult{
				err: newError(KindProtocol, "request upload slot", errors.New(remote.Code+": "+remote.Message)),
			})
			return
		}
		logger.WithFields(logrus.Fields{
			"code":    remote.Code,
			"message": remote.Message,
		}).Warn("server reported an error")
	default:
		logger.WithField("type", msgType).Debug("ignoring stanza")
	}
}

func (s *Session) resolveSlot(requestID string, result slotResult) {
	s.slotMu.Lock()
	waiter := s.pendingSlots[requestID]
	delete(s.pendingSlots, requestID)
	s.slotMu.Unlock()
	if waiter != nil {
		waiter <- result
	}
}

func (s *Session) failPendingSlots(err error) {
	s.slotMu.Lock()
	defer s.slotMu.Unlock()
	for requestID, waiter := range s.pendingSlots {
		waiter <- slotResult{err: err}
		delete(s.pendingSlots, requestID)
	}
}

func (s *Session) onConnectionLost(conn *Conn) {
	s.mu.Lock()
	if s.conn != conn {
		// Replaced or explicitly disconnected.
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.features = AuthResult{}
	need := s.needReconnection
	s.mu.Unlock()

	cause := conn.LastError()
	var transportErr *Error
	if cause != nil {
		transportErr = classify("receive", cause)
	} else {
		transportErr = newError(KindNotConnected, "receive", errors.New("server closed the stream"))
	}
	s.failPendingSlots(transportErr)

	s.log.WithFields(logrus.Fields{
		"function":  "onConnectionLost",
		"reconnect": need,
	}).WithError(transportErr).Warn("connection lost")
	s.setState(StateError, transportErr)

	if transportErr.Kind == KindSSL {
		return
	}
	if need {
		s.scheduleReconnect()
	}
}

// scheduleReconnect starts the reconnect worker, or re-checks after a short
// delay when a connect is already in flight.
func (s *Session) scheduleReconnect() {
	if len(s.connectGuard) > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			timer := time.NewTimer(s.opts.ErrorRecheck)
			defer timer.Stop()
			select {
			case <-timer.C:
				if s.State() != StateConnected {
					s.scheduleReconnect()
				}
			case <-s.ctx.Done():
			}
		}()
		return
	}
	s.startReconnect()
}

func (s *Session) startReconnect() {
	s.mu.Lock()
	if s.closed || s.reconnecting != nil || !s.needReconnection || s.config == nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	worker := &reconnectWorker{cancel: cancel}
	s.reconnecting = worker
	s.mu.Unlock()

	logger := s.log.WithField("function", "reconnect")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			if s.reconnecting == worker {
				s.reconnecting = nil
			}
			s.mu.Unlock()
			cancel()
		}()

		attempt := func() error {
			select {
			case s.connectGuard <- struct{}{}:
			default:
				return ErrConnectInProgress
			}
			defer func() { <-s.connectGuard }()

			s.mu.RLock()
			need := s.needReconnection
			cfg := s.config
			generation := s.generation
			connected := s.state == StateConnected
			s.mu.RUnlock()
			if !need || cfg == nil {
				return backoff.Permanent(errors.New("reconnection no longer wanted"))
			}
			if connected {
				return nil
			}

			metrics.Reconnects.Inc()
			err := s.connectLocked(ctx, *cfg, generation)
			if KindOf(err) == KindSSL {
				return backoff.Permanent(err)
			}
			return err
		}
		notify := func(err error, wait time.Duration) {
			logger.WithError(err).WithField("retry_in", wait).Debug("reconnect attempt failed")
		}
		if err := backoff.RetryNotify(attempt, backoff.WithContext(s.opts.NewBackOff(), ctx), notify); err != nil && ctx.Err() == nil {
			logger.WithError(err).Warn("reconnection abandoned")
		}
	}()
}

func (s *Session) setState(state State, cause error) {
	s.mu.Lock()
	previous := s.state
	s.state = state
	s.mu.Unlock()

	if previous == state && cause == nil {
		return
	}
	recordState(state)

	if previous != state {
		s.emit(Event{Type: EventStateChanged, State: state})
	}
	switch state {
	case StateConnected:
		s.emit(Event{Type: EventConnected, State: state})
	case StateDisconnected:
		s.emit(Event{Type: EventDisconnected, State: state})
	case StateError:
		s.emit(Event{Type: EventError, State: state, Err: cause})
	}
}

func (s *Session) emit(event Event) {
	s.subMu.RLock()
	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.subMu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- event:
		case <-sub.done:
		case <-s.ctx.Done():
		}
	}
}

func recordState(current State) {
	for _, state := range allStates {
		value := 0.0
		if state == current {
			value = 1
		}
		metrics.ConnectionState.WithLabelValues(string(state)).Set(value)
	}
}
