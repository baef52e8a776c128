package cmd

import (
	"fmt"
	"sort"
	"strings"

	"sealtalk/engine"
	"sealtalk/models"
	"sealtalk/storage"
)

const timeLayout = "2006-01-02 15:04:05"

func formatMessage(message models.Message) string {
	direction := "->"
	if message.Author == models.AuthorContact {
		direction = "<-"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s %s [%s %s]",
		message.Timestamp.Local().Format(timeLayout), direction, message.Contact, message.ID,
		deliveryStatusMark(message.Status), message.Status)
	if message.Body != "" {
		fmt.Fprintf(&b, " %s", message.Body)
	}
	if a := message.Attachment; a != nil {
		fmt.Fprintf(&b, " (%s %q, %s", a.Type, a.DisplayName, formatBytes(a.BytesTotal))
		if a.LocalPath != "" {
			fmt.Fprintf(&b, ", %s", a.LocalPath)
		}
		fmt.Fprintf(&b, ", %s)", a.Status)
	}
	return b.String()
}

func formatChat(chat models.ChatSummary) string {
	unread := ""
	if chat.UnreadCount > 0 {
		unread = fmt.Sprintf(" (%d unread)", chat.UnreadCount)
	}
	last := chat.LastMessage
	if last == "" {
		last = "-"
	}
	when := "never"
	if !chat.LastTimestamp.IsZero() {
		when = chat.LastTimestamp.Local().Format(timeLayout)
	}
	return fmt.Sprintf("%s%s: %s [%s]", chat.Contact, unread, last, when)
}

func formatSecurityEvent(event storage.SecurityEvent) string {
	line := fmt.Sprintf("%s %-8s %s", event.At.Local().Format(timeLayout), event.Severity, event.Type)
	if event.Contact != "" {
		line += " " + event.Contact
	}
	keys := make([]string, 0, len(event.Details))
	for key := range event.Details {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		line += " " + key + "=" + event.Details[key]
	}
	return line
}

// formatSecurityCounts summarizes a security log, most severe first.
func formatSecurityCounts(counts map[storage.SecuritySeverity]int) string {
	total := 0
	parts := make([]string, 0, 3)
	for _, severity := range []storage.SecuritySeverity{storage.SecuritySeverityCritical, storage.SecuritySeverityWarning, storage.SecuritySeverityInfo} {
		if n := counts[severity]; n > 0 {
			total += n
			parts = append(parts, fmt.Sprintf("%d %s", n, severity))
		}
	}
	if total == 0 {
		return "no security events"
	}
	return fmt.Sprintf("%d security events: %s", total, strings.Join(parts, ", "))
}

// formatEvent renders an engine event for listen. Partial transfer progress
// is not printed.
func formatEvent(event engine.Event) string {
	switch event.Type {
	case engine.EventSignedIn:
		return "signed in as " + event.Username
	case engine.EventSignedOut:
		return "signed out"
	case engine.EventConnectionStateChanged:
		if event.Err != nil {
			return fmt.Sprintf("connection %s: %v", event.State, event.Err)
		}
		return fmt.Sprintf("connection %s", event.State)
	case engine.EventMessageReceived:
		if event.Message == nil {
			return ""
		}
		return formatMessage(*event.Message)
	case engine.EventMessageStatusChanged:
		return fmt.Sprintf("message %s is %s", event.MessageID, event.Status)
	case engine.EventContactAdded:
		return "contact added: " + event.Contact
	case engine.EventAttachmentProgress:
		if event.Total <= 0 || event.Bytes != event.Total {
			return ""
		}
		return fmt.Sprintf("attachment %s transferred (%s)", event.MessageID, formatBytes(event.Total))
	case engine.EventAttachmentUpdated:
		if event.Message == nil || event.Message.Attachment == nil {
			return ""
		}
		return fmt.Sprintf("attachment %s is %s", event.MessageID, event.Message.Attachment.Status)
	default:
		return ""
	}
}

func formatBytes(size int64) string {
	if size < 0 {
		return "0 B"
	}
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	prefixes := []string{"KB", "MB", "GB", "TB"}
	if exp >= len(prefixes) {
		exp = len(prefixes) - 1
	}
	return fmt.Sprintf("%.1f %s", float64(size)/float64(div), prefixes[exp])
}

func deliveryStatusMark(status models.Status) string {
	switch status {
	case models.StatusDelivered, models.StatusRead:
		return "✓✓"
	case models.StatusFailed:
		return "✗"
	case models.StatusCreated:
		return "…"
	default:
		return "✓"
	}
}
