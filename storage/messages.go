package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sealtalk/models"
)

const messageColumns = `
			m.message_id,
			m.contact,
			m.author,
			m.body,
			m.status,
			m.timestamp,
			a.attachment_id,
			a.type,
			a.display_name,
			a.local_path,
			a.remote_url,
			a.thumbnail_path,
			a.remote_thumbnail_url,
			a.thumbnail_width,
			a.thumbnail_height,
			a.bytes_total,
			a.status
		FROM messages m
		LEFT JOIN attachments a ON a.message_id = m.message_id`

// InsertMessage stores a message and its attachment for owner and makes sure
// the chat with the message's contact exists. Inserting an id that is already
// stored is ignored and reports false.
func (s *Store) InsertMessage(owner string, message models.Message) (bool, error) {
	if owner == "" {
		return false, errors.New("owner is required")
	}
	if message.ID == "" {
		return false, errors.New("message_id is required")
	}
	if message.Contact == "" {
		return false, errors.New("contact is required")
	}
	if err := validateAuthor(message.Author); err != nil {
		return false, err
	}
	if message.Status == "" {
		message.Status = models.StatusCreated
	}
	if err := validateStatus(message.Status); err != nil {
		return false, err
	}
	if message.Attachment != nil {
		if err := validateAttachment(message.Attachment); err != nil {
			return false, err
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin insert message %q: %w", message.ID, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.Exec(
		`INSERT OR IGNORE INTO messages (
			message_id,
			owner,
			contact,
			author,
			body,
			status,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		message.ID,
		owner,
		message.Contact,
		string(message.Author),
		message.Body,
		string(message.Status),
		toUnixMilli(message.Timestamp),
	)
	if err != nil {
		return false, fmt.Errorf("insert message %q: %w", message.ID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for insert message %q: %w", message.ID, err)
	}
	if rowsAffected == 0 {
		return false, nil
	}

	if message.Attachment != nil {
		if err := insertAttachment(tx, message.ID, message.Attachment); err != nil {
			return false, err
		}
	}
	if err := ensureChat(tx, owner, message.Contact); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit insert message %q: %w", message.ID, err)
	}
	return true, nil
}

// FetchMessages returns every message of owner ordered by timestamp.
func (s *Store) FetchMessages(owner string) ([]models.Message, error) {
	if owner == "" {
		return nil, errors.New("owner is required")
	}

	rows, err := s.db.Query(
		`SELECT`+messageColumns+`
		WHERE m.owner = ?
		ORDER BY m.timestamp ASC, m.rowid ASC`,
		owner,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch messages for %q: %w", owner, err)
	}
	return collectMessages(rows)
}

// FetchConversation returns one page of the messages exchanged with contact.
func (s *Store) FetchConversation(owner, contact string, limit, offset int) ([]models.Message, error) {
	if owner == "" || contact == "" {
		return nil, errors.New("owner and contact are required")
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(
		`SELECT`+messageColumns+`
		WHERE m.owner = ? AND m.contact = ?
		ORDER BY m.timestamp ASC, m.rowid ASC
		LIMIT ? OFFSET ?`,
		owner,
		contact,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch conversation with %q: %w", contact, err)
	}
	return collectMessages(rows)
}

// GetMessage fetches one message by id.
func (s *Store) GetMessage(messageID string) (*models.Message, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}

	row := s.db.QueryRow(
		`SELECT`+messageColumns+`
		WHERE m.message_id = ?`,
		messageID,
	)
	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

// FailedMessages returns owner's outbound messages whose last send failed, oldest first.
func (s *Store) FailedMessages(owner string) ([]models.Message, error) {
	if owner == "" {
		return nil, errors.New("owner is required")
	}

	rows, err := s.db.Query(
		`SELECT`+messageColumns+`
		WHERE m.owner = ? AND m.author = ? AND m.status = ?
		ORDER BY m.timestamp ASC, m.rowid ASC`,
		owner,
		string(models.AuthorUser),
		string(models.StatusFailed),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch failed messages for %q: %w", owner, err)
	}
	return collectMessages(rows)
}

// UpdateMessageStatus sets the status of a message.
func (s *Store) UpdateMessageStatus(messageID string, status models.Status) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}
	if err := validateStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE messages
		SET status = ?
		WHERE message_id = ?`,
		string(status),
		messageID,
	)
	if err != nil {
		return fmt.Errorf("update status for message %q: %w", messageID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for update status %q: %w", messageID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkMessagesRead moves owner's received messages from contact to read and
// clears the chat's unread counter.
func (s *Store) MarkMessagesRead(owner, contact string) (int64, error) {
	if owner == "" || contact == "" {
		return 0, errors.New("owner and contact are required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin mark read for %q: %w", contact, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.Exec(
		`UPDATE messages
		SET status = ?
		WHERE owner = ? AND contact = ? AND status = ?`,
		string(models.StatusRead),
		owner,
		contact,
		string(models.StatusReceived),
	)
	if err != nil {
		return 0, fmt.Errorf("mark messages read for %q: %w", contact, err)
	}
	marked, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for mark read %q: %w", contact, err)
	}

	if _, err := tx.Exec(
		`UPDATE chats
		SET unread_count = 0
		WHERE owner = ? AND contact = ?`,
		owner,
		contact,
	); err != nil {
		return 0, fmt.Errorf("reset unread count for %q: %w", contact, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit mark read for %q: %w", contact, err)
	}
	return marked, nil
}

func collectMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return messages, nil
}

func scanMessage(row scanner) (*models.Message, error) {
	var (
		message   models.Message
		author    string
		status    string
		timestamp int64

		attachmentID       sql.NullString
		attachmentType     sql.NullString
		displayName        sql.NullString
		localPath          sql.NullString
		remoteURL          sql.NullString
		thumbnailPath      sql.NullString
		remoteThumbnailURL sql.NullString
		thumbnailWidth     sql.NullInt64
		thumbnailHeight    sql.NullInt64
		bytesTotal         sql.NullInt64
		attachmentStatus   sql.NullString
	)

	if err := row.Scan(
		&message.ID,
		&message.Contact,
		&author,
		&message.Body,
		&status,
		&timestamp,
		&attachmentID,
		&attachmentType,
		&displayName,
		&localPath,
		&remoteURL,
		&thumbnailPath,
		&remoteThumbnailURL,
		&thumbnailWidth,
		&thumbnailHeight,
		&bytesTotal,
		&attachmentStatus,
	); err != nil {
		return nil, err
	}

	message.Author = models.Author(author)
	message.Status = models.Status(status)
	message.Timestamp = time.UnixMilli(timestamp)

	if attachmentID.Valid {
		message.Attachment = &models.Attachment{
			ID:                 attachmentID.String,
			Type:               models.AttachmentType(attachmentType.String),
			DisplayName:        displayName.String,
			LocalPath:          localPath.String,
			RemoteURL:          remoteURL.String,
			ThumbnailPath:      thumbnailPath.String,
			RemoteThumbnailURL: remoteThumbnailURL.String,
			ThumbnailWidth:     int(thumbnailWidth.Int64),
			ThumbnailHeight:    int(thumbnailHeight.Int64),
			BytesTotal:         bytesTotal.Int64,
			Status:             models.AttachmentStatus(attachmentStatus.String),
		}
	}
	return &message, nil
}
