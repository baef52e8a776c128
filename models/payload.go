package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// PayloadType is the "type" discriminator of the plaintext wire payload.
type PayloadType string

const (
	PayloadText    PayloadType = "text"
	PayloadPicture PayloadType = "picture"
	PayloadFile    PayloadType = "file"
)

// ErrInvalidPayload indicates the decrypted plaintext is not a recognized payload.
var ErrInvalidPayload = errors.New("models: invalid message payload")

// Payload is the JSON document that gets encrypted into an envelope body.
type Payload struct {
	Type    PayloadType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// TextPayload carries a plain text body.
type TextPayload struct {
	Body string `json:"body"`
}

// PicturePayload describes an uploaded picture and its thumbnail.
type PicturePayload struct {
	URL             string `json:"url"`
	DisplayName     string `json:"displayName"`
	ThumbnailURL    string `json:"thumbnailUrl"`
	ThumbnailWidth  int    `json:"thumbnailWidth"`
	ThumbnailHeight int    `json:"thumbnailHeight"`
	BytesTotal      int64  `json:"bytesTotal"`
}

// FilePayload describes an uploaded file.
type FilePayload struct {
	URL         string `json:"url"`
	DisplayName string `json:"displayName"`
	BytesTotal  int64  `json:"bytesTotal"`
}

// EncodePayload builds the plaintext payload for a message. Messages with an
// attachment are encoded by attachment type and the text body is not carried.
func EncodePayload(message Message) ([]byte, error) {
	var (
		kind  PayloadType
		inner any
	)

	switch {
	case message.Attachment == nil:
		kind = PayloadText
		inner = TextPayload{Body: message.Body}
	case message.Attachment.Type == AttachmentPicture:
		att := message.Attachment
		kind = PayloadPicture
		inner = PicturePayload{
			URL:             att.RemoteURL,
			DisplayName:     att.DisplayName,
			ThumbnailURL:    att.RemoteThumbnailURL,
			ThumbnailWidth:  att.ThumbnailWidth,
			ThumbnailHeight: att.ThumbnailHeight,
			BytesTotal:      att.BytesTotal,
		}
	case message.Attachment.Type == AttachmentFile:
		att := message.Attachment
		kind = PayloadFile
		inner = FilePayload{
			URL:         att.RemoteURL,
			DisplayName: att.DisplayName,
			BytesTotal:  att.BytesTotal,
		}
	default:
		return nil, fmt.Errorf("encode payload: unknown attachment type %q", message.Attachment.Type)
	}

	raw, err := json.Marshal(inner)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	out, err := json.Marshal(Payload{Type: kind, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return out, nil
}

// DecodePayload parses a decrypted payload into a text body or a remote attachment.
// Returned attachments have remote URLs set and no local paths.
func DecodePayload(raw []byte) (string, *Attachment, error) {
	var envelope Payload
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	switch envelope.Type {
	case PayloadText:
		var text TextPayload
		if err := json.Unmarshal(envelope.Payload, &text); err != nil {
			return "", nil, fmt.Errorf("%w: text: %v", ErrInvalidPayload, err)
		}
		return text.Body, nil, nil
	case PayloadPicture:
		var picture PicturePayload
		if err := json.Unmarshal(envelope.Payload, &picture); err != nil {
			return "", nil, fmt.Errorf("%w: picture: %v", ErrInvalidPayload, err)
		}
		if picture.URL == "" {
			return "", nil, fmt.Errorf("%w: picture without url", ErrInvalidPayload)
		}
		return "", &Attachment{
			Type:               AttachmentPicture,
			DisplayName:        picture.DisplayName,
			RemoteURL:          picture.URL,
			RemoteThumbnailURL: picture.ThumbnailURL,
			ThumbnailWidth:     picture.ThumbnailWidth,
			ThumbnailHeight:    picture.ThumbnailHeight,
			BytesTotal:         picture.BytesTotal,
			Status:             AttachmentCreated,
		}, nil
	case PayloadFile:
		var file FilePayload
		if err := json.Unmarshal(envelope.Payload, &file); err != nil {
			return "", nil, fmt.Errorf("%w: file: %v", ErrInvalidPayload, err)
		}
		if file.URL == "" {
			return "", nil, fmt.Errorf("%w: file without url", ErrInvalidPayload)
		}
		return "", &Attachment{
			Type:        AttachmentFile,
			DisplayName: file.DisplayName,
			RemoteURL:   file.URL,
			BytesTotal:  file.BytesTotal,
			Status:      AttachmentCreated,
		}, nil
	default:
		return "", nil, fmt.Errorf("%w: unknown type %q", ErrInvalidPayload, envelope.Type)
	}
}
