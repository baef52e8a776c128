package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxSecurityEventPage = 1000

// SetSecurityEventRetention sets how long security events are kept.
func (s *Store) SetSecurityEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultSecurityEventRetention
	}
	s.securityEventRetention = retention
}

// RecordSecurityEvent appends event to owner's security log and drops the
// owner's entries that fell out of retention. The stored event is returned.
func (s *Store) RecordSecurityEvent(owner string, event SecurityEvent) (SecurityEvent, error) {
	if owner == "" {
		return SecurityEvent{}, errors.New("security event owner is required")
	}
	if strings.TrimSpace(string(event.Type)) == "" {
		return SecurityEvent{}, errors.New("security event type is required")
	}
	if event.Severity == "" {
		event.Severity = SecuritySeverityInfo
	}
	if !event.Severity.Valid() {
		return SecurityEvent{}, fmt.Errorf("invalid security event severity %q", event.Severity)
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}
	event.Contact = strings.TrimSpace(event.Contact)

	details, err := json.Marshal(event.Details)
	if err != nil {
		return SecurityEvent{}, fmt.Errorf("encode %s details: %w", event.Type, err)
	}
	if event.Details == nil {
		details = []byte("{}")
	}

	var contact *string
	if event.Contact != "" {
		contact = &event.Contact
	}
	res, err := s.db.Exec(
		`INSERT INTO security_events (owner, event_type, contact, details, severity, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		owner, string(event.Type), nullString(contact), string(details), string(event.Severity), event.At.UnixMilli(),
	)
	if err != nil {
		return SecurityEvent{}, fmt.Errorf("record %s for %q: %w", event.Type, owner, err)
	}
	if event.ID, err = res.LastInsertId(); err != nil {
		return SecurityEvent{}, fmt.Errorf("read security event id: %w", err)
	}

	if s.securityEventRetention > 0 {
		if _, err := s.pruneSecurityEvents(owner, time.Now().Add(-s.securityEventRetention)); err != nil {
			return event, err
		}
	}
	return event, nil
}

// SecurityEvents returns owner's security log, newest first.
func (s *Store) SecurityEvents(owner string, filter SecurityEventFilter) ([]SecurityEvent, error) {
	if filter.MinSeverity != "" && !filter.MinSeverity.Valid() {
		return nil, fmt.Errorf("invalid security event severity %q", filter.MinSeverity)
	}
	limit := filter.Limit
	if limit <= 0 || limit > maxSecurityEventPage {
		limit = maxSecurityEventPage
	}

	// Pad the severity set to a fixed three placeholders.
	severities := filter.MinSeverity.atLeast()
	in := make([]any, 3)
	for i := range in {
		in[i] = string(severities[min(i, len(severities)-1)])
	}
	var since int64
	if !filter.Since.IsZero() {
		since = filter.Since.UnixMilli()
	}

	rows, err := s.db.Query(
		`SELECT id, event_type, contact, details, severity, timestamp
		FROM security_events
		WHERE owner = ?
		  AND (? = '' OR event_type = ?)
		  AND (? = '' OR contact = ?)
		  AND severity IN (?, ?, ?)
		  AND timestamp >= ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`,
		owner,
		string(filter.Type), string(filter.Type),
		filter.Contact, filter.Contact,
		in[0], in[1], in[2],
		since,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query security events of %q: %w", owner, err)
	}
	defer rows.Close()

	var events []SecurityEvent
	for rows.Next() {
		event, err := scanSecurityEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security events: %w", err)
	}
	return events, nil
}

// SecurityEventCounts tallies owner's security log by severity.
func (s *Store) SecurityEventCounts(owner string) (map[SecuritySeverity]int, error) {
	rows, err := s.db.Query(
		`SELECT severity, COUNT(*) FROM security_events WHERE owner = ? GROUP BY severity`,
		owner,
	)
	if err != nil {
		return nil, fmt.Errorf("count security events of %q: %w", owner, err)
	}
	defer rows.Close()

	counts := make(map[SecuritySeverity]int, len(securitySeverityOrder))
	for rows.Next() {
		var (
			severity string
			count    int
		)
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, fmt.Errorf("scan security event count: %w", err)
		}
		counts[SecuritySeverity(severity)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security event counts: %w", err)
	}
	return counts, nil
}

func (s *Store) pruneSecurityEvents(owner string, before time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM security_events WHERE owner = ? AND timestamp < ?`,
		owner, before.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune security events of %q: %w", owner, err)
	}
	return res.RowsAffected()
}

func scanSecurityEvent(row scanner) (SecurityEvent, error) {
	var (
		event     SecurityEvent
		eventType string
		severity  string
		contact   sql.NullString
		details   string
		at        int64
	)
	if err := row.Scan(&event.ID, &eventType, &contact, &details, &severity, &at); err != nil {
		return SecurityEvent{}, fmt.Errorf("scan security event: %w", err)
	}
	if err := json.Unmarshal([]byte(details), &event.Details); err != nil {
		return SecurityEvent{}, fmt.Errorf("decode details of security event %d: %w", event.ID, err)
	}
	event.Type = SecurityEventType(eventType)
	event.Severity = SecuritySeverity(severity)
	event.Contact = contact.String
	event.At = time.UnixMilli(at)
	return event, nil
}
