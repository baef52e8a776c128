package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"sealtalk/models"
)

// attachmentColumns maps mutable attachment fields to their columns.
var attachmentColumns = map[models.AttachmentField]string{
	models.FieldLocalPath:          "local_path",
	models.FieldRemoteURL:          "remote_url",
	models.FieldThumbnailPath:      "thumbnail_path",
	models.FieldRemoteThumbnailURL: "remote_thumbnail_url",
	models.FieldStatus:             "status",
	models.FieldBytesTotal:         "bytes_total",
}

func validateAttachment(attachment *models.Attachment) error {
	if attachment.ID == "" {
		return errors.New("attachment_id is required")
	}
	if err := validateAttachmentType(attachment.Type); err != nil {
		return err
	}
	if attachment.Status == "" {
		attachment.Status = models.AttachmentCreated
	}
	return validateAttachmentStatus(attachment.Status)
}

func insertAttachment(tx *sql.Tx, messageID string, attachment *models.Attachment) error {
	_, err := tx.Exec(
		`INSERT INTO attachments (
			message_id,
			attachment_id,
			type,
			display_name,
			local_path,
			remote_url,
			thumbnail_path,
			remote_thumbnail_url,
			thumbnail_width,
			thumbnail_height,
			bytes_total,
			status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		messageID,
		attachment.ID,
		string(attachment.Type),
		attachment.DisplayName,
		attachment.LocalPath,
		attachment.RemoteURL,
		attachment.ThumbnailPath,
		attachment.RemoteThumbnailURL,
		attachment.ThumbnailWidth,
		attachment.ThumbnailHeight,
		attachment.BytesTotal,
		string(attachment.Status),
	)
	if err != nil {
		return fmt.Errorf("insert attachment for message %q: %w", messageID, err)
	}
	return nil
}

// UpdateAttachmentField sets one attachment field of a message. Status takes
// a models.AttachmentStatus, BytesTotal an int64 and every other field a string.
func (s *Store) UpdateAttachmentField(messageID string, field models.AttachmentField, value any) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}
	column, ok := attachmentColumns[field]
	if !ok {
		return fmt.Errorf("unknown attachment field %q", field)
	}

	arg, err := attachmentValue(field, value)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(
		fmt.Sprintf(`UPDATE attachments
		SET %s = ?
		WHERE message_id = ?`, column),
		arg,
		messageID,
	)
	if err != nil {
		return fmt.Errorf("update attachment %s for message %q: %w", field, messageID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for attachment update %q: %w", messageID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func attachmentValue(field models.AttachmentField, value any) (any, error) {
	switch field {
	case models.FieldStatus:
		status, ok := value.(models.AttachmentStatus)
		if !ok {
			return nil, fmt.Errorf("attachment %s wants models.AttachmentStatus, got %T", field, value)
		}
		if err := validateAttachmentStatus(status); err != nil {
			return nil, err
		}
		return string(status), nil
	case models.FieldBytesTotal:
		switch v := value.(type) {
		case int64:
			return v, nil
		case int:
			return int64(v), nil
		default:
			return nil, fmt.Errorf("attachment %s wants int64, got %T", field, value)
		}
	default:
		text, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("attachment %s wants string, got %T", field, value)
		}
		return text, nil
	}
}
