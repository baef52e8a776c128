package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sealtalk/metrics"
	"sealtalk/models"
	"sealtalk/network"
	"sealtalk/storage"
)

// OutgoingAttachment is a local file to send with a message.
type OutgoingAttachment struct {
	Path string
	Type models.AttachmentType
	// DisplayName defaults to the file's base name.
	DisplayName string
}

// SendMessage persists a message to contact, uploads its attachment if any,
// then encrypts and transmits it. The returned message carries the final
// status; a non-nil error means the message ended Failed or was never created.
func (e *Engine) SendMessage(ctx context.Context, contact, body string, attachment *OutgoingAttachment) (models.Message, error) {
	const op = "send message"

	session, err := e.requireSession(op)
	if err != nil {
		return models.Message{}, err
	}
	contact = strings.TrimSpace(contact)
	if contact == "" {
		return models.Message{}, newError(KindInvalidContact, op, errors.New("recipient is required"))
	}

	message := models.Message{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Body:      body,
		Contact:   contact,
		Author:    models.AuthorUser,
		Status:    models.StatusCreated,
	}
	if attachment != nil {
		prepared, err := e.prepareAttachment(message.ID, attachment)
		if err != nil {
			return models.Message{}, err
		}
		message.Attachment = prepared
		message.Body = ""
	}

	if _, err := e.opts.Store.InsertMessage(session.Username, message); err != nil {
		return models.Message{}, wrap(op, err)
	}
	e.emit(Event{Type: EventMessageStatusChanged, MessageID: message.ID, Status: message.Status, Contact: contact})

	if message.Attachment != nil {
		if err := e.uploadAttachment(ctx, session, &message); err != nil {
			e.failMessage(&message, err)
			return message, wrap(op, err)
		}
	}

	if err := e.messageGuard.Acquire(ctx, 1); err != nil {
		e.failMessage(&message, err)
		return message, newError(KindTransport, op, err)
	}
	defer e.messageGuard.Release(1)

	if err := e.transmitLocked(ctx, session, &message); err != nil {
		return message, wrap(op, err)
	}
	return message, nil
}

// transmitLocked encrypts and sends message. The caller holds messageGuard.
func (e *Engine) transmitLocked(ctx context.Context, session *Session, message *models.Message) error {
	logger := e.log.WithFields(logrus.Fields{
		"function": "transmitLocked",
		"message":  message.ID,
		"contact":  message.Contact,
	})

	plaintext, err := models.EncodePayload(*message)
	if err != nil {
		e.failMessage(message, err)
		return err
	}
	ciphertext, err := e.opts.Crypto.Encrypt(ctx, message.Contact, plaintext)
	if err != nil {
		logger.WithError(err).Warn("encrypt failed")
		err = wrap("encrypt", err)
		e.failMessage(message, err)
		return err
	}

	envelope := network.Envelope{
		ID:               message.ID,
		To:               session.ContactJID(message.Contact),
		Body:             base64.StdEncoding.EncodeToString(ciphertext),
		ReceiptRequested: true,
		Timestamp:        message.Timestamp.UnixMilli(),
	}
	if err := e.opts.Transport.Send(envelope); err != nil {
		logger.WithError(err).Info("send failed")
		err = wrap("transmit", err)
		e.failMessage(message, err)
		return err
	}

	metrics.MessagesSent.Inc()
	e.markSent(message)
	return nil
}

// markSent records message as Sent and applies a receipt that overtook it.
func (e *Engine) markSent(message *models.Message) {
	e.receiptMu.Lock()
	defer e.receiptMu.Unlock()

	e.setStatus(message, models.StatusSent)
	if _, ok := e.earlyReceipts[message.ID]; ok {
		delete(e.earlyReceipts, message.ID)
		e.setStatus(message, models.StatusDelivered)
	}
}

// ReplayFailedMessages resends the signed-in user's failed messages in their
// original order. The batch stops at the first message that cannot enter the
// send critical section, and after a transport failure. It returns the number
// of messages that were sent.
func (e *Engine) ReplayFailedMessages(ctx context.Context) (int, error) {
	const op = "replay failed messages"

	session, err := e.requireSession(op)
	if err != nil {
		return 0, err
	}
	logger := e.log.WithFields(logrus.Fields{
		"function": "ReplayFailedMessages",
		"user":     session.Username,
	})

	failed, err := e.opts.Store.FailedMessages(session.Username)
	if err != nil {
		return 0, wrap(op, err)
	}
	if len(failed) == 0 {
		return 0, nil
	}
	logger.WithField("count", len(failed)).Info("replaying failed messages")

	sent := 0
	for i := range failed {
		message := failed[i]
		if !e.messageGuard.TryAcquire(1) {
			logger.WithField("message", message.ID).Debug("send in progress, stopping replay")
			return sent, nil
		}

		if !message.Attachment.Uploaded() {
			e.messageGuard.Release(1)
			if err := e.uploadAttachment(ctx, session, &message); err != nil {
				logger.WithError(err).WithField("message", message.ID).Warn("attachment upload failed during replay")
				continue
			}
			if err := e.messageGuard.Acquire(ctx, 1); err != nil {
				return sent, err
			}
		}

		err := e.transmitLocked(ctx, session, &message)
		e.messageGuard.Release(1)
		if err != nil {
			if errors.Is(err, ErrTransport) {
				return sent, nil
			}
			continue
		}
		metrics.MessagesReplayed.Inc()
		sent++
	}
	return sent, nil
}

// onMessageReceived decrypts and records one inbound envelope. Undecryptable
// or malformed envelopes are logged and dropped.
func (e *Engine) onMessageReceived(ctx context.Context, envelope network.Envelope) {
	session := e.Session()
	if session == nil {
		return
	}

	sender, _ := network.SplitJID(envelope.From)
	logger := e.log.WithFields(logrus.Fields{
		"function": "onMessageReceived",
		"message":  envelope.ID,
		"sender":   sender,
	})
	if envelope.ID == "" || sender == "" {
		logger.Warn("dropping envelope without id or sender")
		return
	}

	ciphertext, err := base64.StdEncoding.DecodeString(envelope.Body)
	if err == nil {
		var plaintext []byte
		plaintext, err = e.opts.Crypto.Decrypt(ctx, sender, ciphertext)
		if err == nil {
			e.recordIncoming(ctx, session, envelope, sender, plaintext)
			return
		}
	}

	metrics.DecryptFailures.Inc()
	logger.WithError(err).Warn("dropping undecryptable message")
	e.recordSecurityEvent(session, storage.SecurityEventDecryptFailed, sender, storage.SecuritySeverityWarning,
		map[string]string{"message_id": envelope.ID})
}

func (e *Engine) recordIncoming(ctx context.Context, session *Session, envelope network.Envelope, sender string, plaintext []byte) {
	logger := e.log.WithFields(logrus.Fields{
		"function": "recordIncoming",
		"message":  envelope.ID,
	})

	body, attachment, err := models.DecodePayload(plaintext)
	if err != nil {
		logger.WithError(err).Warn("dropping malformed payload")
		return
	}

	message := models.Message{
		ID:         envelope.ID,
		Timestamp:  time.UnixMilli(envelope.Timestamp),
		Body:       body,
		Contact:    sender,
		Author:     models.AuthorContact,
		Status:     models.StatusReceived,
		Attachment: attachment,
	}
	if envelope.Timestamp == 0 {
		message.Timestamp = time.Now()
	}
	self := sender == session.Identity
	if self {
		// Another device of ours sent this; it is our own sent message.
		recipient, _ := network.SplitJID(envelope.To)
		message.Contact = recipient
		message.Author = models.AuthorUser
		message.Status = models.StatusSent
	}
	if attachment != nil {
		attachment.ID = uuid.NewString()
	}

	inserted, err := e.opts.Store.InsertMessage(session.Username, message)
	if err != nil {
		logger.WithError(err).Error("store incoming message failed")
		return
	}
	if !inserted {
		logger.Debug("duplicate message ignored")
		return
	}

	if !self {
		metrics.MessagesReceived.Inc()
		e.rememberSender(session, message.Contact)
		if e.currentRecipient() == message.Contact {
			if err := e.opts.Store.UpdateMessageStatus(message.ID, models.StatusRead); err != nil {
				logger.WithError(err).Warn("auto mark read failed")
			} else {
				message.Status = models.StatusRead
			}
		} else if err := e.opts.Store.IncrementUnread(session.Username, message.Contact); err != nil {
			logger.WithError(err).Warn("increment unread failed")
		}
	}

	e.emit(Event{Type: EventMessageReceived, MessageID: message.ID, Status: message.Status, Contact: message.Contact, Message: &message})
	e.emit(Event{Type: EventChatUpdated, Contact: message.Contact})

	if attachment != nil && attachment.Type == models.AttachmentPicture && attachment.RemoteThumbnailURL != "" {
		e.startThumbnailDownload(message.ID, attachment.RemoteThumbnailURL)
	}
}

// onReceipt moves a sent message to Delivered. A receipt for a message that
// is still being sent is kept until the send records it as Sent.
func (e *Engine) onReceipt(receipt network.Receipt) {
	if e.Session() == nil || receipt.ID == "" {
		return
	}
	e.receiptMu.Lock()
	defer e.receiptMu.Unlock()

	message, err := e.opts.Store.GetMessage(receipt.ID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			e.log.WithFields(logrus.Fields{
				"function": "onReceipt",
				"message":  receipt.ID,
			}).WithError(err).Warn("load message for receipt failed")
		}
		return
	}
	switch message.Status {
	case models.StatusCreated, models.StatusFailed:
		if message.Author == models.AuthorUser {
			e.earlyReceipts[message.ID] = struct{}{}
		}
		return
	}
	e.setStatus(message, models.StatusDelivered)
}

// setStatus persists a legal status transition and reports it.
func (e *Engine) setStatus(message *models.Message, status models.Status) {
	if message.Status == status {
		return
	}
	logger := e.log.WithFields(logrus.Fields{
		"function": "setStatus",
		"message":  message.ID,
		"from":     message.Status,
		"to":       status,
	})
	if !models.CanTransition(message.Status, status) {
		logger.Debug("ignoring illegal status transition")
		return
	}
	if err := e.opts.Store.UpdateMessageStatus(message.ID, status); err != nil {
		logger.WithError(err).Error("update message status failed")
		return
	}
	message.Status = status
	e.emit(Event{Type: EventMessageStatusChanged, MessageID: message.ID, Status: status, Contact: message.Contact})
}

func (e *Engine) failMessage(message *models.Message, cause error) {
	if message.Status != models.StatusFailed {
		metrics.MessagesFailed.WithLabelValues(failureReason(cause)).Inc()
	}
	e.setStatus(message, models.StatusFailed)
}

// Messages returns the signed-in user's history.
func (e *Engine) Messages() ([]models.Message, error) {
	session, err := e.requireSession("messages")
	if err != nil {
		return nil, err
	}
	messages, err := e.opts.Store.FetchMessages(session.Username)
	if err != nil {
		return nil, wrap("messages", err)
	}
	return messages, nil
}

// Conversation returns one page of the history with contact, oldest first.
func (e *Engine) Conversation(contact string, limit, offset int) ([]models.Message, error) {
	session, err := e.requireSession("conversation")
	if err != nil {
		return nil, err
	}
	messages, err := e.opts.Store.FetchConversation(session.Username, strings.TrimSpace(contact), limit, offset)
	if err != nil {
		return nil, wrap("conversation", err)
	}
	return messages, nil
}

// Chats returns the signed-in user's chat list.
func (e *Engine) Chats() ([]models.ChatSummary, error) {
	session, err := e.requireSession("chats")
	if err != nil {
		return nil, err
	}
	chats, err := e.opts.Store.FetchChats(session.Username)
	if err != nil {
		return nil, wrap("chats", err)
	}
	return chats, nil
}

// SecurityEvents returns the security log of the signed-in user, newest first.
func (e *Engine) SecurityEvents(filter storage.SecurityEventFilter) ([]storage.SecurityEvent, error) {
	session, err := e.requireSession("security events")
	if err != nil {
		return nil, err
	}
	events, err := e.opts.Store.SecurityEvents(session.Username, filter)
	if err != nil {
		return nil, wrap("security events", err)
	}
	return events, nil
}

// SecurityEventCounts tallies the signed-in user's security log by severity.
func (e *Engine) SecurityEventCounts() (map[storage.SecuritySeverity]int, error) {
	session, err := e.requireSession("security event counts")
	if err != nil {
		return nil, err
	}
	counts, err := e.opts.Store.SecurityEventCounts(session.Username)
	if err != nil {
		return nil, wrap("security event counts", err)
	}
	return counts, nil
}

func (e *Engine) recordSecurityEvent(session *Session, eventType storage.SecurityEventType, contact string, severity storage.SecuritySeverity, details map[string]string) {
	_, err := e.opts.Store.RecordSecurityEvent(session.Username, storage.SecurityEvent{
		Type:     eventType,
		Contact:  contact,
		Details:  details,
		Severity: severity,
	})
	if err != nil {
		e.log.WithFields(logrus.Fields{
			"function": "recordSecurityEvent",
			"event":    eventType,
		}).WithError(err).Warn("record security event failed")
	}
}

func removeQuietly(path string) {
	if path != "" {
		_ = os.Remove(path)
	}
}

func sealedPath(dir, messageID, kind string) string {
	return filepath.Join(dir, messageID+"-"+kind+".sealed")
}
