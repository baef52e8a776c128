package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sealtalk/config"
	"sealtalk/credentials"
	"sealtalk/crypto"
	"sealtalk/network"
)

// SignIn loads the stored credentials of username, signs in to the crypto
// backend and connects the transport. Failed messages are replayed once the
// transport reports Connected.
func (e *Engine) SignIn(ctx context.Context, username string) error {
	const op = "sign in"

	e.authMu.Lock()
	defer e.authMu.Unlock()

	username = strings.TrimSpace(username)
	record, err := e.opts.Credentials.Load(username)
	if err != nil {
		return wrap(op, err)
	}
	blob, err := record.Blob()
	if err != nil {
		return wrap(op, err)
	}
	creds, err := crypto.ParseCredentials(blob)
	if err != nil {
		return newError(KindNoCredentials, op, err)
	}

	session, err := e.newSession(username, record.DeviceID, creds)
	if err != nil {
		return err
	}
	previous := e.Session()
	if err := e.opts.Crypto.Initialize(session.Endpoints.IdentityURL, session.Endpoints.CABundle); err != nil {
		e.restoreBackend(previous)
		return wrap(op, err)
	}
	if err := e.opts.Crypto.SignIn(ctx, creds); err != nil {
		e.restoreBackend(previous)
		return wrap(op, err)
	}
	e.endSessionLocked()
	return e.startSession(ctx, op, session)
}

// SignUp registers username with the identity service, stores its credentials
// and signs in.
func (e *Engine) SignUp(ctx context.Context, username string) error {
	const op = "sign up"

	e.authMu.Lock()
	defer e.authMu.Unlock()

	username = strings.TrimSpace(username)
	if _, err := e.opts.Credentials.Load(username); err == nil {
		return newError(KindUserAlreadyExists, op, nil)
	} else if !errors.Is(err, credentials.ErrNotFound) {
		return wrap(op, err)
	}

	identity, env := config.SplitUsername(username)
	endpoints, err := e.opts.Endpoints(env)
	if err != nil {
		return newError(KindTransport, op, err)
	}
	previous := e.Session()
	if err := e.opts.Crypto.Initialize(endpoints.IdentityURL, endpoints.CABundle); err != nil {
		e.restoreBackend(previous)
		return wrap(op, err)
	}
	creds, err := e.opts.Crypto.SignUp(ctx, identity)
	if err != nil {
		e.restoreBackend(previous)
		return wrap(op, err)
	}
	e.endSessionLocked()

	session, err := e.newSession(username, uuid.NewString(), creds)
	if err != nil {
		return err
	}
	if err := e.saveCredentials(session); err != nil {
		e.opts.Crypto.SignOut()
		return wrap(op, err)
	}
	return e.startSession(ctx, op, session)
}

// SignInWithPassword recovers the key of username from its password-protected
// backup, stores it on this device and signs in.
func (e *Engine) SignInWithPassword(ctx context.Context, username, password string) error {
	const op = "sign in with password"

	e.authMu.Lock()
	defer e.authMu.Unlock()

	username = strings.TrimSpace(username)
	identity, env := config.SplitUsername(username)
	endpoints, err := e.opts.Endpoints(env)
	if err != nil {
		return newError(KindTransport, op, err)
	}
	previous := e.Session()
	if err := e.opts.Crypto.Initialize(endpoints.IdentityURL, endpoints.CABundle); err != nil {
		e.restoreBackend(previous)
		return wrap(op, err)
	}
	creds, err := e.opts.Crypto.SignInWithPassword(ctx, identity, password)
	if err != nil {
		e.restoreBackend(previous)
		return wrap(op, err)
	}
	e.endSessionLocked()

	deviceID := uuid.NewString()
	if record, err := e.opts.Credentials.Load(username); err == nil && record.DeviceID != "" {
		deviceID = record.DeviceID
	}
	session, err := e.newSession(username, deviceID, creds)
	if err != nil {
		return err
	}
	if err := e.saveCredentials(session); err != nil {
		e.opts.Crypto.SignOut()
		return wrap(op, err)
	}
	return e.startSession(ctx, op, session)
}

// BackupKey uploads the signed-in user's key protected by password.
func (e *Engine) BackupKey(ctx context.Context, password string) error {
	const op = "backup key"
	if _, err := e.requireSession(op); err != nil {
		return err
	}
	if err := e.opts.Crypto.BackupKey(ctx, password); err != nil {
		return wrap(op, err)
	}
	return nil
}

// SignOut unsubscribes push, disconnects and forgets the in-memory key
// material. Stored credentials are kept. Signing out twice is a no-op.
func (e *Engine) SignOut(ctx context.Context) error {
	e.authMu.Lock()
	defer e.authMu.Unlock()
	return e.signOutLocked()
}

func (e *Engine) signOutLocked() error {
	if e.endSessionLocked() {
		e.opts.Crypto.SignOut()
	}
	return nil
}

// endSessionLocked unsubscribes push, disconnects and drops the session. The
// crypto backend is left alone. It reports whether a session was ended.
func (e *Engine) endSessionLocked() bool {
	session := e.Session()
	if session == nil {
		return false
	}
	logger := e.log.WithFields(logrus.Fields{
		"function": "endSessionLocked",
		"user":     session.Username,
	})

	if e.opts.Transport.State() == network.StateConnected {
		if err := e.opts.Transport.SetPush(session.DeviceID, false); err != nil {
			logger.WithError(err).Debug("unsubscribe push failed")
		}
		if err := e.opts.Transport.SetPresence(false); err != nil {
			logger.WithError(err).Debug("set presence failed")
		}
	}
	e.opts.Transport.Disconnect()

	e.mu.Lock()
	e.session = nil
	e.recipient = ""
	e.mu.Unlock()

	e.receiptMu.Lock()
	clear(e.earlyReceipts)
	e.receiptMu.Unlock()

	logger.Info("signed out")
	e.emit(Event{Type: EventSignedOut, Username: session.Username})
	return true
}

// restoreBackend points the crypto backend back at the environment of a
// session that survived a rejected sign-in.
func (e *Engine) restoreBackend(previous *Session) {
	if previous == nil {
		return
	}
	if err := e.opts.Crypto.Initialize(previous.Endpoints.IdentityURL, previous.Endpoints.CABundle); err != nil {
		e.log.WithFields(logrus.Fields{
			"function": "restoreBackend",
			"user":     previous.Username,
		}).WithError(err).Warn("restore identity service failed")
	}
}

// DeleteUser signs username out if needed and removes its stored credentials.
func (e *Engine) DeleteUser(ctx context.Context, username string) error {
	const op = "delete user"

	e.authMu.Lock()
	defer e.authMu.Unlock()

	username = strings.TrimSpace(username)
	if session := e.Session(); session != nil && session.Username == username {
		if err := e.signOutLocked(); err != nil {
			return err
		}
	}
	if err := e.opts.Credentials.Delete(username); err != nil {
		return wrap(op, err)
	}
	return nil
}

// Users lists the usernames with stored credentials.
func (e *Engine) Users() ([]string, error) {
	users, err := e.opts.Credentials.Usernames()
	if err != nil {
		return nil, wrap("users", err)
	}
	return users, nil
}

func (e *Engine) newSession(username, deviceID string, creds crypto.Credentials) (*Session, error) {
	identity, env := config.SplitUsername(username)
	if identity == "" {
		return nil, newError(KindNoCredentials, "session", errors.New("username is required"))
	}
	endpoints, err := e.opts.Endpoints(env)
	if err != nil {
		return nil, newError(KindTransport, "session", err)
	}
	return &Session{
		Username:    username,
		Identity:    identity,
		DeviceID:    deviceID,
		Environment: env,
		Endpoints:   endpoints,
		Credentials: creds,
	}, nil
}

func (e *Engine) saveCredentials(session *Session) error {
	blob, err := session.Credentials.Marshal()
	if err != nil {
		return err
	}
	record := credentials.NewRecord(session.DeviceID, session.Endpoints.XMPPAddress(), blob)
	return e.opts.Credentials.Save(session.Username, record)
}

// startSession installs session and connects. A failed connect leaves no
// session behind.
func (e *Engine) startSession(ctx context.Context, op string, session *Session) error {
	logger := e.log.WithFields(logrus.Fields{
		"function": "startSession",
		"user":     session.Username,
		"device":   session.DeviceID,
	})

	e.mu.Lock()
	e.session = session
	e.recipient = ""
	e.mu.Unlock()

	if err := e.connect(ctx, session, true); err != nil {
		logger.WithError(err).Warn("connect failed")
		e.opts.Transport.Disconnect()
		e.opts.Crypto.SignOut()
		e.mu.Lock()
		e.session = nil
		e.mu.Unlock()
		return wrap(op, err)
	}

	if err := e.opts.Transport.SetPush(session.DeviceID, true); err != nil {
		logger.WithError(err).Debug("subscribe push failed")
	}
	if err := e.opts.Transport.SetPresence(true); err != nil {
		logger.WithError(err).Debug("set presence failed")
	}

	logger.Info("signed in")
	e.emit(Event{Type: EventSignedIn, Username: session.Username})
	return nil
}

// connect dials the transport of session. forced tears down an existing
// connection first.
func (e *Engine) connect(ctx context.Context, session *Session, forced bool) error {
	tlsConfig, err := e.opts.TLSConfig(session.Endpoints.XMPPHost, session.Endpoints.CABundle)
	if err != nil {
		return newError(KindTransport, "connect", err)
	}
	return e.opts.Transport.Connect(ctx, network.ConnectConfig{
		Address:   session.Endpoints.XMPPAddress(),
		TLSConfig: tlsConfig,
		Identity:  session.localIdentity(),
	}, forced)
}
