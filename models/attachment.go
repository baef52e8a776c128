package models

// AttachmentType distinguishes plain files from pictures, which carry a thumbnail.
type AttachmentType string

const (
	AttachmentFile    AttachmentType = "file"
	AttachmentPicture AttachmentType = "picture"
)

// AttachmentStatus tracks upload or download progress independently of the message status.
type AttachmentStatus string

const (
	AttachmentCreated AttachmentStatus = "created"
	AttachmentLoading AttachmentStatus = "loading"
	AttachmentLoaded  AttachmentStatus = "loaded"
	AttachmentFailed  AttachmentStatus = "failed"
)

// AttachmentField names one mutable attachment column.
type AttachmentField string

const (
	FieldLocalPath          AttachmentField = "local_path"
	FieldRemoteURL          AttachmentField = "remote_url"
	FieldThumbnailPath      AttachmentField = "thumbnail_path"
	FieldRemoteThumbnailURL AttachmentField = "remote_thumbnail_url"
	FieldStatus             AttachmentField = "status"
	FieldBytesTotal         AttachmentField = "bytes_total"
)

// Attachment is file metadata bound to a message.
type Attachment struct {
	ID                 string           `json:"id"`
	Type               AttachmentType   `json:"type"`
	DisplayName        string           `json:"display_name"`
	LocalPath          string           `json:"local_path"`
	RemoteURL          string           `json:"remote_url,omitempty"`
	ThumbnailPath      string           `json:"thumbnail_path,omitempty"`
	RemoteThumbnailURL string           `json:"remote_thumbnail_url,omitempty"`
	ThumbnailWidth     int              `json:"thumbnail_width,omitempty"`
	ThumbnailHeight    int              `json:"thumbnail_height,omitempty"`
	BytesTotal         int64            `json:"bytes_total"`
	Status             AttachmentStatus `json:"status"`
}

// Uploaded reports whether every remote field required to send the message is set.
func (a *Attachment) Uploaded() bool {
	if a == nil {
		return true
	}
	if a.RemoteURL == "" {
		return false
	}
	if a.Type == AttachmentPicture && a.ThumbnailPath != "" && a.RemoteThumbnailURL == "" {
		return false
	}
	return true
}
