package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"sealtalk/models"
)

// AddContact records contact in owner's address book and opens a chat with it.
// Adding a known contact is a no-op.
func (s *Store) AddContact(owner, contact string) error {
	owner = strings.TrimSpace(owner)
	contact = strings.TrimSpace(contact)
	if owner == "" || contact == "" {
		return errors.New("owner and contact are required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin add contact %q: %w", contact, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO contacts (owner, contact, added_at)
		VALUES (?, ?, ?)`,
		owner,
		contact,
		nowUnixMilli(),
	); err != nil {
		return fmt.Errorf("insert contact %q: %w", contact, err)
	}
	if err := ensureChat(tx, owner, contact); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit add contact %q: %w", contact, err)
	}
	return nil
}

// HasContact reports whether contact is in owner's address book.
func (s *Store) HasContact(owner, contact string) (bool, error) {
	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM contacts WHERE owner = ? AND contact = ?)`,
		owner,
		contact,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check contact %q: %w", contact, err)
	}
	return exists == 1, nil
}

// ListContacts returns owner's contacts sorted by name.
func (s *Store) ListContacts(owner string) ([]Contact, error) {
	rows, err := s.db.Query(
		`SELECT owner, contact, added_at
		FROM contacts
		WHERE owner = ?
		ORDER BY contact`,
		owner,
	)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	contacts := make([]Contact, 0)
	for rows.Next() {
		var (
			contact Contact
			addedAt int64
		)
		if err := rows.Scan(&contact.Owner, &contact.Contact, &addedAt); err != nil {
			return nil, fmt.Errorf("scan contact row: %w", err)
		}
		contact.AddedAt = time.UnixMilli(addedAt)
		contacts = append(contacts, contact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contact rows: %w", err)
	}
	return contacts, nil
}

// FetchChats returns owner's chats, most recent activity first.
func (s *Store) FetchChats(owner string) ([]models.ChatSummary, error) {
	if owner == "" {
		return nil, errors.New("owner is required")
	}

	rows, err := s.db.Query(
		`SELECT
			c.contact,
			c.unread_count,
			c.created_at,
			(SELECT m.body FROM messages m
				WHERE m.owner = c.owner AND m.contact = c.contact
				ORDER BY m.timestamp DESC, m.rowid DESC LIMIT 1),
			(SELECT MAX(m.timestamp) FROM messages m
				WHERE m.owner = c.owner AND m.contact = c.contact)
		FROM chats c
		WHERE c.owner = ?
		ORDER BY COALESCE(
			(SELECT MAX(m.timestamp) FROM messages m WHERE m.owner = c.owner AND m.contact = c.contact),
			c.created_at
		) DESC, c.contact`,
		owner,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch chats for %q: %w", owner, err)
	}
	defer rows.Close()

	chats := make([]models.ChatSummary, 0)
	for rows.Next() {
		var (
			chat          models.ChatSummary
			createdAt     int64
			lastMessage   sql.NullString
			lastTimestamp sql.NullInt64
		)
		if err := rows.Scan(&chat.Contact, &chat.UnreadCount, &createdAt, &lastMessage, &lastTimestamp); err != nil {
			return nil, fmt.Errorf("scan chat row: %w", err)
		}
		chat.LastMessage = lastMessage.String
		chat.LastTimestamp = time.UnixMilli(createdAt)
		if lastTimestamp.Valid {
			chat.LastTimestamp = time.UnixMilli(lastTimestamp.Int64)
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat rows: %w", err)
	}
	return chats, nil
}

// IncrementUnread bumps the unread counter of owner's chat with contact.
func (s *Store) IncrementUnread(owner, contact string) error {
	res, err := s.db.Exec(
		`UPDATE chats
		SET unread_count = unread_count + 1
		WHERE owner = ? AND contact = ?`,
		owner,
		contact,
	)
	if err != nil {
		return fmt.Errorf("increment unread for %q: %w", contact, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for unread %q: %w", contact, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func ensureChat(tx *sql.Tx, owner, contact string) error {
	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO chats (owner, contact, unread_count, created_at)
		VALUES (?, ?, 0, ?)`,
		owner,
		contact,
		nowUnixMilli(),
	); err != nil {
		return fmt.Errorf("ensure chat with %q: %w", contact, err)
	}
	return nil
}
