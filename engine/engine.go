// Package engine orchestrates sign-in, the message lifecycle, attachments and
// failed-message replay on top of the crypto, transport, transfer and storage
// components.
package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"sealtalk/config"
	"sealtalk/models"
	"sealtalk/network"
	"sealtalk/storage"
	"sealtalk/transfer"
)

const (
	// DefaultHeartbeatInterval is the period of the connection check.
	DefaultHeartbeatInterval = 10 * time.Second
	// DefaultWorkers bounds concurrently running background operations.
	DefaultWorkers = 4

	defaultEventBuffer = 256
)

// EventType tags engine events.
type EventType int

const (
	EventSignedIn EventType = iota + 1
	EventSignedOut
	EventConnectionStateChanged
	EventMessageStatusChanged
	EventMessageReceived
	EventContactAdded
	EventChatUpdated
	EventAttachmentProgress
	EventAttachmentUpdated
)

// Event is one engine notification.
type Event struct {
	Type      EventType
	Username  string
	State     network.State
	MessageID string
	Status    models.Status
	Message   *models.Message
	Contact   string
	Bytes     int64
	Total     int64
	Err       error
}

// Options wires an Engine to its components.
type Options struct {
	Crypto      CryptoProvider
	Transport   Transport
	Transfers   Transfers
	Store       Gateway
	Credentials CredentialStore

	AttachmentsDir string
	DownloadsDir   string
	ThumbnailsDir  string

	MaxAttachmentSize int64
	HeartbeatInterval time.Duration
	Workers           int
	EventBuffer       int

	TLSConfig TLSConfigFunc
	Endpoints EndpointsFunc
	Logger    logrus.FieldLogger
}

func (o Options) withDefaults() Options {
	out := o
	if out.MaxAttachmentSize <= 0 {
		out.MaxAttachmentSize = config.DefaultMaxAttachmentSize
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if out.Workers <= 0 {
		out.Workers = DefaultWorkers
	}
	if out.EventBuffer <= 0 {
		out.EventBuffer = defaultEventBuffer
	}
	if out.TLSConfig == nil {
		out.TLSConfig = config.ClientTLSConfig
	}
	if out.Endpoints == nil {
		out.Endpoints = config.EndpointsFor
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

func (o Options) validate() error {
	switch {
	case o.Crypto == nil:
		return errors.New("engine: crypto provider is required")
	case o.Transport == nil:
		return errors.New("engine: transport is required")
	case o.Transfers == nil:
		return errors.New("engine: transfer manager is required")
	case o.Store == nil:
		return errors.New("engine: store is required")
	case o.Credentials == nil:
		return errors.New("engine: credential store is required")
	case o.AttachmentsDir == "" || o.DownloadsDir == "" || o.ThumbnailsDir == "":
		return errors.New("engine: attachment directories are required")
	}
	return nil
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// Engine is the messaging core of one client process.
type Engine struct {
	opts Options
	log  logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup
	pool   *errgroup.Group
	// overflow tracks background work started while the pool was full.
	overflow sync.WaitGroup

	// messageGuard serializes the encrypt-and-send critical section.
	messageGuard *semaphore.Weighted
	// authMu serializes sign-in and sign-out.
	authMu sync.Mutex

	// receiptMu orders receipt handling against the Sent transition.
	receiptMu sync.Mutex
	// earlyReceipts holds ids acknowledged before they were recorded as Sent.
	earlyReceipts map[string]struct{}

	mu        sync.RWMutex
	session   *Session
	recipient string

	subMu       sync.RWMutex
	subscribers map[int]*subscriber
	nextSub     int

	closeOnce sync.Once
}

// New builds an engine and starts its dispatch and heartbeat loops.
func New(options Options) (*Engine, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := &errgroup.Group{}
	pool.SetLimit(opts.Workers)

	e := &Engine{
		opts:         opts,
		log:          opts.Logger.WithField("component", "engine"),
		ctx:          ctx,
		cancel:       cancel,
		pool:         pool,
		messageGuard:  semaphore.NewWeighted(1),
		earlyReceipts: make(map[string]struct{}),
		subscribers:   make(map[int]*subscriber),
	}

	transportEvents, unsubscribeTransport := opts.Transport.Subscribe()
	transferEvents, unsubscribeTransfers := opts.Transfers.Subscribe()

	e.loops.Add(2)
	go func() {
		defer e.loops.Done()
		defer unsubscribeTransport()
		defer unsubscribeTransfers()
		e.dispatchLoop(transportEvents, transferEvents)
	}()
	go func() {
		defer e.loops.Done()
		e.heartbeatLoop()
	}()

	return e, nil
}

// Close stops the loops and waits for background work. Components passed in
// Options are not closed.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.cancel()
		e.loops.Wait()
		_ = e.pool.Wait()
		e.overflow.Wait()
	})
	return nil
}

// Session returns the signed-in session, or nil.
func (e *Engine) Session() *Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.session
}

// ConnectionState reports the transport state.
func (e *Engine) ConnectionState() network.State {
	return e.opts.Transport.State()
}

// Subscribe registers an event stream. The returned function unsubscribes.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	sub := &subscriber{
		ch:   make(chan Event, e.opts.EventBuffer),
		done: make(chan struct{}),
	}

	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subscribers[id] = sub
	e.subMu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			e.subMu.Lock()
			delete(e.subscribers, id)
			e.subMu.Unlock()
			close(sub.done)
		})
	}
}

// Async runs fn on the worker pool and returns its result as a future. It
// never blocks the caller: when the pool is saturated fn gets its own goroutine.
func (e *Engine) Async(ctx context.Context, fn func(ctx context.Context) error) <-chan error {
	result := make(chan error, 1)
	task := func() error {
		if err := e.ctx.Err(); err != nil {
			result <- err
			return nil
		}
		result <- fn(ctx)
		return nil
	}
	if e.pool.TryGo(task) {
		return result
	}
	e.overflow.Add(1)
	go func() {
		defer e.overflow.Done()
		_ = task()
	}()
	return result
}

// background runs fn with the engine's lifetime context. It never blocks the
// caller: when the pool is saturated the work gets its own goroutine.
func (e *Engine) background(name string, fn func(ctx context.Context) error) {
	task := func() error {
		if e.ctx.Err() != nil {
			return nil
		}
		if err := fn(e.ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.log.WithFields(logrus.Fields{
				"function": name,
			}).WithError(err).Warn("background operation failed")
		}
		return nil
	}
	if e.pool.TryGo(task) {
		return
	}
	e.overflow.Add(1)
	go func() {
		defer e.overflow.Done()
		_ = task()
	}()
}

func (e *Engine) requireSession(op string) (*Session, error) {
	session := e.Session()
	if session == nil {
		return nil, newError(KindNotSignedIn, op, nil)
	}
	return session, nil
}

func (e *Engine) currentRecipient() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.recipient
}

func (e *Engine) dispatchLoop(transportEvents <-chan network.Event, transferEvents <-chan transfer.Event) {
	for {
		select {
		case <-e.ctx.Done():
			return
		case event := <-transportEvents:
			e.handleTransportEvent(event)
		case event := <-transferEvents:
			e.handleTransferEvent(event)
		}
	}
}

func (e *Engine) handleTransportEvent(event network.Event) {
	logger := e.log.WithFields(logrus.Fields{
		"function": "handleTransportEvent",
	})

	switch event.Type {
	case network.EventStateChanged:
		e.emit(Event{Type: EventConnectionStateChanged, State: event.State, Err: event.Err})
	case network.EventConnected:
		session := e.Session()
		if session == nil {
			return
		}
		if err := e.opts.Transport.SetCarbons(true); err != nil {
			logger.WithError(err).Debug("enable carbons failed")
		}
		e.opts.Transfers.Resume()
		e.background("replayFailedMessages", func(ctx context.Context) error {
			_, err := e.ReplayFailedMessages(ctx)
			return err
		})
	case network.EventError:
		if errors.Is(event.Err, network.ErrSSL) {
			logger.WithError(event.Err).Warn("certificate rejected, disconnecting")
			if session := e.Session(); session != nil {
				e.recordSecurityEvent(session, storage.SecurityEventCertificateRejected, "", storage.SecuritySeverityCritical,
					map[string]string{"address": session.Endpoints.XMPPAddress()})
			}
			e.opts.Transport.Disconnect()
		}
	case network.EventMessage:
		envelope := event.Envelope
		e.background("onMessageReceived", func(ctx context.Context) error {
			e.onMessageReceived(ctx, envelope)
			return nil
		})
	case network.EventReceipt:
		e.onReceipt(event.Receipt)
	}
}

func (e *Engine) handleTransferEvent(event transfer.Event) {
	switch event.Type {
	case transfer.EventProgress:
		e.emit(Event{
			Type:      EventAttachmentProgress,
			MessageID: event.ID.MessageID,
			Bytes:     event.Bytes,
			Total:     event.Total,
		})
	case transfer.EventFinished:
		switch {
		case event.Direction == transfer.Upload:
			// Uploads that finish after their sender gave up still publish the URL,
			// so a later replay sends the message without uploading again.
			e.recordUploadURL(event.ID, event.URL)
		case event.ID.Kind == transfer.KindThumbnail:
			e.background("openThumbnail", func(ctx context.Context) error {
				return e.openThumbnail(ctx, event.ID.MessageID, event.Path)
			})
		}
	case transfer.EventFailed:
		if event.Direction == transfer.Download && event.ID.Kind == transfer.KindThumbnail {
			e.log.WithFields(logrus.Fields{
				"function": "handleTransferEvent",
				"message":  event.ID.MessageID,
			}).WithError(event.Err).Warn("thumbnail download failed")
		}
	}
}

func (e *Engine) heartbeatLoop() {
	ticker := time.NewTicker(e.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.CheckConnectionState()
		}
	}
}

// CheckConnectionState reconnects in the background when a signed-in session
// has lost its transport.
func (e *Engine) CheckConnectionState() {
	session := e.Session()
	if session == nil {
		return
	}
	if e.opts.Transport.State() != network.StateDisconnected {
		return
	}

	e.log.WithFields(logrus.Fields{
		"function": "CheckConnectionState",
		"user":     session.Username,
	}).Info("transport disconnected, reconnecting")
	e.background("reconnect", func(ctx context.Context) error {
		err := e.connect(ctx, session, false)
		if errors.Is(err, network.ErrConnectInProgress) {
			return nil
		}
		return err
	})
}

func (e *Engine) emit(event Event) {
	if event.Username == "" {
		if session := e.Session(); session != nil {
			event.Username = session.Username
		}
	}

	e.subMu.RLock()
	subs := make([]*subscriber, 0, len(e.subscribers))
	for _, sub := range e.subscribers {
		subs = append(subs, sub)
	}
	e.subMu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- event:
		case <-sub.done:
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) attachmentPath(dir, messageID, suffix string) string {
	return filepath.Join(dir, messageID+suffix)
}
