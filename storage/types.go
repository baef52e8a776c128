package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sealtalk/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// SecuritySeverity ranks a security event.
type SecuritySeverity string

const (
	SecuritySeverityInfo     SecuritySeverity = "info"
	SecuritySeverityWarning  SecuritySeverity = "warning"
	SecuritySeverityCritical SecuritySeverity = "critical"
)

var securitySeverityOrder = []SecuritySeverity{SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical}

func (s SecuritySeverity) rank() int {
	for i, severity := range securitySeverityOrder {
		if severity == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known severity.
func (s SecuritySeverity) Valid() bool {
	return s.rank() >= 0
}

// atLeast lists the severities ranked s or higher.
func (s SecuritySeverity) atLeast() []SecuritySeverity {
	if !s.Valid() {
		return securitySeverityOrder
	}
	return securitySeverityOrder[s.rank():]
}

// SecurityEventType names what the security log recorded.
type SecurityEventType string

const (
	// SecurityEventDecryptFailed records an inbound envelope that could not be opened.
	SecurityEventDecryptFailed SecurityEventType = "decrypt_failed"
	// SecurityEventCertificateRejected records a TLS verification failure against the server.
	SecurityEventCertificateRejected SecurityEventType = "certificate_rejected"
)

// SecurityEvent is one entry of a user's security log. Contact is empty when
// the event is not tied to a peer.
type SecurityEvent struct {
	ID       int64
	Type     SecurityEventType
	Contact  string
	Details  map[string]string
	Severity SecuritySeverity
	At       time.Time
}

// SecurityEventFilter narrows SecurityEvents. Zero fields match everything.
type SecurityEventFilter struct {
	Type        SecurityEventType
	Contact     string
	MinSeverity SecuritySeverity
	Since       time.Time
	Limit       int
}

// Contact is one address-book entry of a local user.
type Contact struct {
	Owner   string
	Contact string
	AddedAt time.Time
}

func validateStatus(status models.Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid message status %q", status)
	}
	return nil
}

func validateAuthor(author models.Author) error {
	switch author {
	case models.AuthorUser, models.AuthorContact:
		return nil
	default:
		return fmt.Errorf("invalid message author %q", author)
	}
}

func validateAttachmentType(kind models.AttachmentType) error {
	switch kind {
	case models.AttachmentFile, models.AttachmentPicture:
		return nil
	default:
		return fmt.Errorf("invalid attachment type %q", kind)
	}
}

func validateAttachmentStatus(status models.AttachmentStatus) error {
	switch status {
	case models.AttachmentCreated, models.AttachmentLoading, models.AttachmentLoaded, models.AttachmentFailed:
		return nil
	default:
		return fmt.Errorf("invalid attachment status %q", status)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func toUnixMilli(t time.Time) int64 {
	if t.IsZero() {
		return nowUnixMilli()
	}
	return t.UnixMilli()
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
