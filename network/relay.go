package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"sealtalk/metrics"
)

// DefaultMaxUploadSize caps one slot on the relay (64 MB).
const DefaultMaxUploadSize = 64 * 1024 * 1024

// KeyResolver returns the published identity key of a user.
type KeyResolver interface {
	FindCard(ctx context.Context, identity string) (ed25519.PublicKey, error)
}

// RelayOptions configures a development messaging relay.
type RelayOptions struct {
	Address     string
	HTTPAddress string
	// PublicURL is the base of slot URLs. Defaults to the HTTP listener address.
	PublicURL string
	TLSConfig *tls.Config
	// Domain restricts accepted JIDs to one domain when set.
	Domain string
	// Keys verifies presented identity keys. Without it the first key seen for
	// a JID is pinned.
	Keys          KeyResolver
	MaxUploadSize int64

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	Logger            logrus.FieldLogger
}

func (o RelayOptions) withDefaults() RelayOptions {
	out := o
	if out.Address == "" {
		out.Address = "127.0.0.1:0"
	}
	if out.HTTPAddress == "" {
		out.HTTPAddress = "127.0.0.1:0"
	}
	if out.MaxUploadSize <= 0 {
		out.MaxUploadSize = DefaultMaxUploadSize
	}
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

type relaySession struct {
	conn      *Conn
	jid       string
	deviceID  string
	carbons   bool
	push      bool
	available bool
}

type uploadSlot struct {
	id       string
	owner    string
	filename string
	size     int64
	data     []byte
	uploaded bool
}

// Relay is a single-domain messaging server: it authenticates clients, routes
// envelopes and receipts between them, fans out carbons and presence, queues
// envelopes for offline users and hosts the upload service.
type Relay struct {
	opts RelayOptions
	log  logrus.FieldLogger

	listener     net.Listener
	httpListener net.Listener
	httpServer   *http.Server
	publicURL    string

	mu        sync.RWMutex
	sessions  map[string]map[*relaySession]struct{}
	offline   map[string][]Envelope
	knownKeys map[string]string
	uploads   map[string]*uploadSlot

	errs chan error

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListenRelay starts the TLS stanza listener and the HTTP upload endpoint.
func ListenRelay(options RelayOptions) (*Relay, error) {
	opts := options.withDefaults()
	if opts.TLSConfig == nil || len(opts.TLSConfig.Certificates) == 0 && opts.TLSConfig.GetCertificate == nil {
		return nil, errors.New("relay TLS certificate is required")
	}

	listener, err := tls.Listen("tcp", opts.Address, opts.TLSConfig)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", opts.Address, err)
	}
	httpListener, err := net.Listen("tcp", opts.HTTPAddress)
	if err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("listen on %q: %w", opts.HTTPAddress, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		opts:         opts,
		log:          opts.Logger.WithField("component", "relay"),
		listener:     listener,
		httpListener: httpListener,
		publicURL:    strings.TrimRight(opts.PublicURL, "/"),
		sessions:     make(map[string]map[*relaySession]struct{}),
		offline:      make(map[string][]Envelope),
		knownKeys:    make(map[string]string),
		uploads:      make(map[string]*uploadSlot),
		errs:         make(chan error, 16),
		ctx:          ctx,
		cancel:       cancel,
	}
	if r.publicURL == "" {
		r.publicURL = "http://" + httpListener.Addr().String()
	}
	r.httpServer = &http.Server{
		Handler:           r.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	r.wg.Add(2)
	go r.acceptLoop()
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.reportError(fmt.Errorf("serve uploads: %w", err))
		}
	}()

	r.log.WithFields(logrus.Fields{
		"function": "ListenRelay",
		"address":  listener.Addr().String(),
		"uploads":  r.publicURL,
	}).Info("relay listening")
	return r, nil
}

// Addr returns the stanza listener address.
func (r *Relay) Addr() net.Addr {
	return r.listener.Addr()
}

// PublicURL returns the base URL of the upload service.
func (r *Relay) PublicURL() string {
	return r.publicURL
}

// Errors returns asynchronous relay errors.
func (r *Relay) Errors() <-chan error {
	return r.errs
}

// Online reports whether jid has at least one authenticated session.
func (r *Relay) Online(jid string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[BareJID(jid)]) > 0
}

// Routes returns the HTTP handler serving uploads and metrics.
func (r *Relay) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(chiMiddleware.Recoverer)
	router.Put("/upload/{slot}/{name}", r.handleUpload)
	router.Get("/upload/{slot}/{name}", r.handleDownload)
	router.Handle("/metrics", metrics.Handler())
	return router
}

// Close stops accepting, disconnects every session and stops the upload endpoint.
func (r *Relay) Close() error {
	var closeErr error
	r.closeOnce.Do(func() {
		r.cancel()
		closeErr = r.listener.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = r.httpServer.Shutdown(shutdownCtx)
		cancel()

		r.mu.Lock()
		for _, group := range r.sessions {
			for sess := range group {
				_ = sess.conn.Disconnect()
			}
		}
		r.mu.Unlock()

		r.wg.Wait()
		close(r.errs)
	})
	return closeErr
}

func (r *Relay) acceptLoop() {
	defer r.wg.Done()

	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-r.ctx.Done():
				return
			default:
			}
			r.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		r.wg.Add(1)
		go r.handleInboundConn(conn)
	}
}

func (r *Relay) handleInboundConn(conn net.Conn) {
	defer r.wg.Done()

	sess, err := r.authenticate(conn)
	if err != nil {
		_ = conn.Close()
		r.reportError(err)
		return
	}

	r.register(sess)
	defer r.unregister(sess)

	for {
		payload, err := sess.conn.ReceiveMessage(r.ctx)
		if err != nil {
			return
		}
		r.handleStanza(sess, payload)
	}
}

func (r *Relay) authenticate(conn net.Conn) (*relaySession, error) {
	if err := conn.SetDeadline(time.Now().Add(r.opts.ConnectionTimeout)); err != nil {
		return nil, fmt.Errorf("set auth deadline: %w", err)
	}

	nonce, err := generateChallengeNonce()
	if err != nil {
		return nil, fmt.Errorf("generate auth challenge nonce: %w", err)
	}
	if err := writeStanza(conn, AuthChallenge{
		Type:            TypeAuthChallenge,
		Nonce:           nonce,
		ProtocolVersion: ProtocolVersion,
	}); err != nil {
		return nil, fmt.Errorf("write auth challenge: %w", err)
	}

	payload, err := ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("read auth response: %w", err)
	}
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return nil, err
	}
	if msgType != TypeAuthResponse {
		_ = writeStanza(conn, ErrorMessage{
			Type:      TypeError,
			Code:      "unknown_type",
			Message:   fmt.Sprintf("Expected %q, got %q", TypeAuthResponse, msgType),
			Timestamp: time.Now().UnixMilli(),
		})
		return nil, ErrInvalidMessageType
	}

	response, err := decodeStanza[AuthResponse](payload)
	if err != nil {
		return nil, err
	}
	if response.ProtocolVersion != ProtocolVersion {
		_ = writeStanza(conn, makeVersionMismatchError())
		return nil, ErrUnsupportedVersion
	}

	jid := BareJID(response.JID)
	if reason := r.checkIdentity(response, nonce); reason != "" {
		_ = writeStanza(conn, AuthResult{Type: TypeAuthResult, OK: false, Error: reason})
		return nil, fmt.Errorf("reject %q: %s", jid, reason)
	}

	if err := writeStanza(conn, AuthResult{
		Type:     TypeAuthResult,
		OK:       true,
		JID:      jid,
		Features: []string{FeatureUpload, FeatureCarbons, FeaturePush},
	}); err != nil {
		return nil, fmt.Errorf("write auth result: %w", err)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear auth deadline: %w", err)
	}

	return &relaySession{
		conn: newConn(conn, ConnOptions{
			JID:               jid,
			KeepAliveInterval: r.opts.KeepAliveInterval,
			KeepAliveTimeout:  r.opts.KeepAliveTimeout,
			FrameReadTimeout:  r.opts.FrameReadTimeout,
			AutoRespondPing:   true,
		}),
		jid:      jid,
		deviceID: response.DeviceID,
	}, nil
}

// checkIdentity returns a rejection reason, or "" when response proves jid.
func (r *Relay) checkIdentity(response AuthResponse, nonce string) string {
	presented, err := VerifyAuthResponse(response, nonce)
	if err != nil {
		return "invalid signature"
	}

	local, domain := SplitJID(response.JID)
	if local == "" || domain == "" {
		return "malformed jid"
	}
	if r.opts.Domain != "" && !strings.EqualFold(domain, r.opts.Domain) {
		return "unknown domain"
	}

	if r.opts.Keys != nil {
		ctx, cancel := context.WithTimeout(r.ctx, r.opts.ConnectionTimeout)
		defer cancel()
		card, err := r.opts.Keys.FindCard(ctx, local)
		if err != nil {
			return "unknown identity"
		}
		if !card.Equal(presented) {
			return "key mismatch"
		}
		return ""
	}

	encoded := base64.StdEncoding.EncodeToString(presented)
	bare := BareJID(response.JID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if pinned, ok := r.knownKeys[bare]; ok && pinned != encoded {
		return "key mismatch"
	}
	r.knownKeys[bare] = encoded
	return ""
}

func (r *Relay) register(sess *relaySession) {
	r.mu.Lock()
	group := r.sessions[sess.jid]
	if group == nil {
		group = make(map[*relaySession]struct{})
		r.sessions[sess.jid] = group
	}
	group[sess] = struct{}{}
	queued := r.offline[sess.jid]
	delete(r.offline, sess.jid)
	r.mu.Unlock()

	metrics.RelaySessions.Inc()
	r.log.WithFields(logrus.Fields{
		"function": "register",
		"jid":      sess.jid,
		"device":   sess.deviceID,
		"queued":   len(queued),
	}).Info("session authenticated")

	for _, envelope := range queued {
		if err := sess.conn.SendMessage(envelope); err != nil {
			r.reportError(fmt.Errorf("deliver queued envelope %s: %w", envelope.ID, err))
		}
	}
}

func (r *Relay) unregister(sess *relaySession) {
	_ = sess.conn.Close()

	r.mu.Lock()
	group := r.sessions[sess.jid]
	delete(group, sess)
	last := len(group) == 0
	if last {
		delete(r.sessions, sess.jid)
	}
	wasAvailable := sess.available
	r.mu.Unlock()

	metrics.RelaySessions.Dec()
	if last && wasAvailable {
		r.broadcastPresence(sess.jid, false)
	}
}

func (r *Relay) handleStanza(sess *relaySession, payload []byte) {
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return
	}
	metrics.RelayStanzas.WithLabelValues(msgType).Inc()

	switch msgType {
	case TypeMessage:
		envelope, err := decodeStanza[Envelope](payload)
		if err != nil {
			r.reportError(err)
			return
		}
		r.routeEnvelope(sess, envelope)
	case TypeReceipt:
		receipt, err := decodeStanza[Receipt](payload)
		if err != nil {
			r.reportError(err)
			return
		}
		receipt.From = sess.jid
		r.deliver(BareJID(receipt.To), nil, receipt)
	case TypePresence:
		presence, err := decodeStanza[Presence](payload)
		if err != nil {
			r.reportError(err)
			return
		}
		r.mu.Lock()
		sess.available = presence.Available
		r.mu.Unlock()
		r.broadcastPresence(sess.jid, presence.Available)
	case TypeUploadRequest:
		request, err := decodeStanza[UploadRequest](payload)
		if err != nil {
			r.reportError(err)
			return
		}
		r.grantSlot(sess, request)
	case TypeCarbons:
		toggle, err := decodeStanza[CarbonsToggle](payload)
		if err != nil {
			r.reportError(err)
			return
		}
		r.mu.Lock()
		sess.carbons = toggle.Enabled
		r.mu.Unlock()
	case TypePush:
		toggle, err := decodeStanza[PushToggle](payload)
		if err != nil {
			r.reportError(err)
			return
		}
		r.mu.Lock()
		sess.push = toggle.Enabled
		r.mu.Unlock()
		r.log.WithFields(logrus.Fields{
			"function": "handleStanza",
			"jid":      sess.jid,
			"device":   toggle.DeviceID,
			"enabled":  toggle.Enabled,
		}).Debug("push subscription changed")
	default:
		_ = sess.conn.SendMessage(ErrorMessage{
			Type:      TypeError,
			Code:      "unknown_type",
			Message:   fmt.Sprintf("Unsupported stanza %q", msgType),
			Timestamp: time.Now().UnixMilli(),
		})
	}
}

func (r *Relay) routeEnvelope(sender *relaySession, envelope Envelope) {
	envelope.Type = TypeMessage
	envelope.From = sender.jid
	envelope.Carbon = false
	if envelope.Timestamp == 0 {
		envelope.Timestamp = time.Now().UnixMilli()
	}
	recipient := BareJID(envelope.To)

	carbon := envelope
	carbon.Carbon = true
	carbon.ReceiptRequested = false

	// Queueing is decided under the same lock register uses, so an envelope
	// is either seen by a live session or flushed on its next login.
	r.mu.Lock()
	targets := make([]*relaySession, 0, len(r.sessions[recipient]))
	for sess := range r.sessions[recipient] {
		if sess != sender {
			targets = append(targets, sess)
		}
	}
	if len(targets) == 0 && recipient != sender.jid {
		r.offline[recipient] = append(r.offline[recipient], envelope)
	}
	copies := make([]*relaySession, 0)
	for sess := range r.sessions[sender.jid] {
		if sess != sender && sess.carbons {
			copies = append(copies, sess)
		}
	}
	r.mu.Unlock()

	for _, sess := range targets {
		if err := sess.conn.SendMessage(envelope); err != nil {
			r.reportError(fmt.Errorf("deliver envelope %s: %w", envelope.ID, err))
		}
	}
	for _, sess := range copies {
		if err := sess.conn.SendMessage(carbon); err != nil {
			r.reportError(fmt.Errorf("send carbon %s: %w", envelope.ID, err))
		}
	}
}

// deliver sends stanza to every session of jid except skip and returns the
// number of sessions reached.
func (r *Relay) deliver(jid string, skip *relaySession, stanza any) int {
	r.mu.RLock()
	targets := make([]*relaySession, 0, len(r.sessions[jid]))
	for sess := range r.sessions[jid] {
		if sess != skip {
			targets = append(targets, sess)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, sess := range targets {
		if err := sess.conn.SendMessage(stanza); err != nil {
			r.reportError(fmt.Errorf("deliver to %s: %w", jid, err))
			continue
		}
		delivered++
	}
	return delivered
}

func (r *Relay) broadcastPresence(jid string, available bool) {
	presence := Presence{
		Type:      TypePresence,
		From:      jid,
		Available: available,
		Timestamp: time.Now().UnixMilli(),
	}

	r.mu.RLock()
	targets := make([]*relaySession, 0)
	for other, group := range r.sessions {
		if other == jid {
			continue
		}
		for sess := range group {
			targets = append(targets, sess)
		}
	}
	r.mu.RUnlock()

	for _, sess := range targets {
		_ = sess.conn.SendMessage(presence)
	}
}

func (r *Relay) grantSlot(sess *relaySession, request UploadRequest) {
	filename := path.Base(strings.ReplaceAll(request.Filename, "\\", "/"))
	if filename == "." || filename == "/" || filename == "" {
		filename = "file"
	}
	if request.Size <= 0 || request.Size > r.opts.MaxUploadSize {
		_ = sess.conn.SendMessage(ErrorMessage{
			Type:      TypeError,
			Code:      "not_acceptable",
			Message:   fmt.Sprintf("File size %d outside 1..%d", request.Size, r.opts.MaxUploadSize),
			RequestID: request.RequestID,
			Timestamp: time.Now().UnixMilli(),
		})
		return
	}

	slot := &uploadSlot{
		id:       ulid.Make().String(),
		owner:    sess.jid,
		filename: filename,
		size:     request.Size,
	}
	r.mu.Lock()
	r.uploads[slot.id] = slot
	r.mu.Unlock()

	slotURL := r.publicURL + "/upload/" + slot.id + "/" + url.PathEscape(filename)
	if err := sess.conn.SendMessage(UploadSlot{
		Type:      TypeUploadSlot,
		RequestID: request.RequestID,
		SlotID:    slot.id,
		PutURL:    slotURL,
		GetURL:    slotURL,
	}); err != nil {
		r.reportError(fmt.Errorf("send upload slot: %w", err))
	}
}

func (r *Relay) handleUpload(w http.ResponseWriter, req *http.Request) {
	r.mu.RLock()
	slot := r.uploads[chi.URLParam(req, "slot")]
	r.mu.RUnlock()
	if slot == nil {
		http.Error(w, "unknown slot", http.StatusNotFound)
		return
	}

	data, err := io.ReadAll(io.LimitReader(req.Body, slot.size+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if int64(len(data)) > slot.size {
		http.Error(w, "body exceeds slot size", http.StatusRequestEntityTooLarge)
		return
	}

	r.mu.Lock()
	if slot.uploaded {
		r.mu.Unlock()
		http.Error(w, "slot already used", http.StatusConflict)
		return
	}
	slot.data = data
	slot.uploaded = true
	r.mu.Unlock()

	w.WriteHeader(http.StatusCreated)
}

func (r *Relay) handleDownload(w http.ResponseWriter, req *http.Request) {
	r.mu.RLock()
	slot := r.uploads[chi.URLParam(req, "slot")]
	var data []byte
	if slot != nil && slot.uploaded {
		data = slot.data
	}
	r.mu.RUnlock()
	if data == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (r *Relay) reportError(err error) {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return
	}
	select {
	case <-r.ctx.Done():
		return
	default:
	}
	select {
	case r.errs <- err:
	default:
	}
}

func writeStanza(conn net.Conn, message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return WriteFrame(conn, payload)
}
