package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"sealtalk/storage"
)

// AddContact checks that contact is registered with the identity service and
// creates the contact and its chat.
func (e *Engine) AddContact(ctx context.Context, contact string) error {
	const op = "add contact"

	session, err := e.requireSession(op)
	if err != nil {
		return err
	}
	contact = strings.TrimSpace(contact)
	switch {
	case contact == "":
		return newError(KindInvalidContact, op, errors.New("contact is required"))
	case contact == session.Identity:
		return newError(KindInvalidContact, op, errors.New("cannot add current user as contact"))
	}

	found, err := e.opts.Crypto.Search(ctx, contact)
	if err != nil {
		return newError(KindUserNotFound, op, err)
	}
	if !found {
		return newError(KindUserNotFound, op, nil)
	}

	if err := e.opts.Store.AddContact(session.Username, contact); err != nil {
		return wrap(op, err)
	}
	e.log.WithFields(logrus.Fields{
		"function": "AddContact",
		"contact":  contact,
	}).Info("contact added")
	e.emit(Event{Type: EventContactAdded, Contact: contact})
	e.emit(Event{Type: EventChatUpdated, Contact: contact})
	return nil
}

// Contacts lists the signed-in user's address book.
func (e *Engine) Contacts() ([]storage.Contact, error) {
	session, err := e.requireSession("contacts")
	if err != nil {
		return nil, err
	}
	contacts, err := e.opts.Store.ListContacts(session.Username)
	if err != nil {
		return nil, wrap("contacts", err)
	}
	return contacts, nil
}

// rememberSender adds a contact that wrote first to the address book.
func (e *Engine) rememberSender(session *Session, contact string) {
	known, err := e.opts.Store.HasContact(session.Username, contact)
	if err != nil || known {
		return
	}
	if err := e.opts.Store.AddContact(session.Username, contact); err != nil {
		e.log.WithFields(logrus.Fields{
			"function": "rememberSender",
			"contact":  contact,
		}).WithError(err).Warn("add sender to contacts failed")
		return
	}
	e.emit(Event{Type: EventContactAdded, Contact: contact})
}

// SetRecipient records the chat the user has open. Messages from that contact
// arrive already read. An empty contact closes the chat.
func (e *Engine) SetRecipient(contact string) error {
	contact = strings.TrimSpace(contact)
	if _, err := e.requireSession("set recipient"); err != nil {
		return err
	}

	e.mu.Lock()
	e.recipient = contact
	e.mu.Unlock()

	if contact == "" {
		return nil
	}
	return e.MarkRead(contact)
}

// MarkRead marks every received message from contact as read and clears the
// chat's unread counter.
func (e *Engine) MarkRead(contact string) error {
	const op = "mark read"

	session, err := e.requireSession(op)
	if err != nil {
		return err
	}
	marked, err := e.opts.Store.MarkMessagesRead(session.Username, contact)
	if err != nil {
		return wrap(op, err)
	}
	if marked > 0 {
		e.emit(Event{Type: EventChatUpdated, Contact: contact})
	}
	return nil
}

// SetStatus publishes the user's availability.
func (e *Engine) SetStatus(online bool) error {
	const op = "set status"
	if _, err := e.requireSession(op); err != nil {
		return err
	}
	if err := e.opts.Transport.SetPresence(online); err != nil {
		return wrap(op, err)
	}
	return nil
}
