package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/nfnt/resize"
	"github.com/sirupsen/logrus"

	"sealtalk/models"
	"sealtalk/storage"
	"sealtalk/transfer"
)

const (
	thumbnailMaxSide = 256
	thumbnailQuality = 85
)

// prepareAttachment validates an outgoing file and builds its attachment.
// Pictures get a local thumbnail; a picture that cannot be decoded is sent
// as a plain file.
func (e *Engine) prepareAttachment(messageID string, outgoing *OutgoingAttachment) (*models.Attachment, error) {
	const op = "prepare attachment"

	info, err := os.Stat(outgoing.Path)
	if err != nil || info.IsDir() {
		if err == nil {
			err = errors.New("path is a directory")
		}
		return nil, newError(KindTransfer, op, &transfer.Error{Kind: transfer.KindFileNotFound, Op: "stat", Err: err})
	}
	if info.Size() > e.opts.MaxAttachmentSize {
		return nil, newError(KindAttachmentTooLarge, op,
			fmt.Errorf("%d bytes exceeds the %d byte limit", info.Size(), e.opts.MaxAttachmentSize))
	}

	attachment := &models.Attachment{
		ID:          uuid.NewString(),
		Type:        outgoing.Type,
		DisplayName: outgoing.DisplayName,
		LocalPath:   outgoing.Path,
		BytesTotal:  info.Size(),
		Status:      models.AttachmentCreated,
	}
	if attachment.Type == "" {
		attachment.Type = models.AttachmentFile
	}
	if attachment.DisplayName == "" {
		attachment.DisplayName = filepath.Base(outgoing.Path)
	}

	if attachment.Type == models.AttachmentPicture {
		thumbPath := e.attachmentPath(e.opts.ThumbnailsDir, messageID, "-thumb.jpg")
		width, height, err := writeThumbnail(outgoing.Path, thumbPath)
		if err != nil {
			e.log.WithFields(logrus.Fields{
				"function": "prepareAttachment",
				"path":     outgoing.Path,
			}).WithError(err).Info("thumbnail failed, sending picture as file")
			attachment.Type = models.AttachmentFile
		} else {
			attachment.ThumbnailPath = thumbPath
			attachment.ThumbnailWidth = width
			attachment.ThumbnailHeight = height
		}
	}
	return attachment, nil
}

// writeThumbnail scales the image at src to fit a 256px square and writes it
// as JPEG to dst.
func writeThumbnail(src, dst string) (int, int, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, 0, err
	}
	defer in.Close()

	img, _, err := image.Decode(in)
	if err != nil {
		return 0, 0, fmt.Errorf("decode image: %w", err)
	}
	thumb := resize.Thumbnail(thumbnailMaxSide, thumbnailMaxSide, img, resize.Lanczos3)

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, 0, err
	}
	out, err := os.Create(dst)
	if err != nil {
		return 0, 0, err
	}
	if err := jpeg.Encode(out, thumb, &jpeg.Options{Quality: thumbnailQuality}); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return 0, 0, fmt.Errorf("encode thumbnail: %w", err)
	}
	if err := out.Close(); err != nil {
		return 0, 0, err
	}
	bounds := thumb.Bounds()
	return bounds.Dx(), bounds.Dy(), nil
}

// uploadAttachment seals and uploads every part of message's attachment that
// has no remote URL yet, recording each URL as it arrives.
func (e *Engine) uploadAttachment(ctx context.Context, session *Session, message *models.Message) error {
	attachment := message.Attachment
	if attachment == nil || attachment.Uploaded() {
		return nil
	}
	logger := e.log.WithFields(logrus.Fields{
		"function": "uploadAttachment",
		"message":  message.ID,
	})

	e.setAttachmentStatus(message, models.AttachmentLoading)

	if attachment.RemoteURL == "" {
		url, err := e.uploadPart(ctx, message, transfer.KindFile, attachment.LocalPath)
		if err != nil {
			logger.WithError(err).Warn("file upload failed")
			e.setAttachmentStatus(message, models.AttachmentFailed)
			return err
		}
		attachment.RemoteURL = url
	}
	if attachment.Type == models.AttachmentPicture && attachment.ThumbnailPath != "" && attachment.RemoteThumbnailURL == "" {
		url, err := e.uploadPart(ctx, message, transfer.KindThumbnail, attachment.ThumbnailPath)
		if err != nil {
			logger.WithError(err).Warn("thumbnail upload failed")
			e.setAttachmentStatus(message, models.AttachmentFailed)
			return err
		}
		attachment.RemoteThumbnailURL = url
	}

	e.setAttachmentStatus(message, models.AttachmentLoaded)
	return nil
}

func (e *Engine) uploadPart(ctx context.Context, message *models.Message, kind transfer.Kind, localPath string) (string, error) {
	sealed := sealedPath(e.opts.AttachmentsDir, message.ID, string(kind))
	// A sealed copy left by an earlier attempt may still be queued for upload.
	if _, err := os.Stat(sealed); err != nil {
		if err := os.MkdirAll(e.opts.AttachmentsDir, 0o755); err != nil {
			return "", wrap("seal attachment", err)
		}
		if err := e.opts.Crypto.EncryptFile(ctx, message.Contact, localPath, sealed); err != nil {
			return "", wrap("seal attachment", err)
		}
	}

	id := transfer.ID{MessageID: message.ID, Kind: kind}
	result, err := e.opts.Transfers.EnqueueUpload(id, sealed).Wait(ctx)
	if err != nil {
		return "", wrap("upload attachment", err)
	}
	removeQuietly(sealed)
	e.recordUploadURL(id, result.URL)
	return result.URL, nil
}

// recordUploadURL stores the download URL of a finished upload.
func (e *Engine) recordUploadURL(id transfer.ID, url string) {
	field := models.FieldRemoteURL
	if id.Kind == transfer.KindThumbnail {
		field = models.FieldRemoteThumbnailURL
	}
	if err := e.opts.Store.UpdateAttachmentField(id.MessageID, field, url); err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.log.WithFields(logrus.Fields{
			"function": "recordUploadURL",
			"transfer": id.String(),
		}).WithError(err).Warn("record upload url failed")
	}
}

func (e *Engine) setAttachmentStatus(message *models.Message, status models.AttachmentStatus) {
	if message.Attachment == nil || message.Attachment.Status == status {
		return
	}
	if err := e.opts.Store.UpdateAttachmentField(message.ID, models.FieldStatus, status); err != nil {
		e.log.WithFields(logrus.Fields{
			"function": "setAttachmentStatus",
			"message":  message.ID,
		}).WithError(err).Warn("update attachment status failed")
		return
	}
	message.Attachment.Status = status
	e.emit(Event{Type: EventAttachmentUpdated, MessageID: message.ID, Contact: message.Contact, Message: message})
}

// DownloadAttachment fetches and decrypts the attachment of a stored message
// into the downloads directory and returns the local path.
func (e *Engine) DownloadAttachment(ctx context.Context, messageID string) (string, error) {
	const op = "download attachment"

	session, err := e.requireSession(op)
	if err != nil {
		return "", err
	}
	message, err := e.opts.Store.GetMessage(messageID)
	if err != nil {
		return "", wrap(op, err)
	}
	attachment := message.Attachment
	if attachment == nil || attachment.RemoteURL == "" {
		return "", newError(KindTransfer, op, &transfer.Error{Kind: transfer.KindFileNotFound, Op: "lookup", Err: errors.New("message has no remote attachment")})
	}
	if attachment.Status == models.AttachmentLoaded && attachment.LocalPath != "" {
		if _, err := os.Stat(attachment.LocalPath); err == nil {
			return attachment.LocalPath, nil
		}
	}

	e.setAttachmentStatus(message, models.AttachmentLoading)

	sealed := sealedPath(e.opts.AttachmentsDir, message.ID, "download")
	id := transfer.ID{MessageID: message.ID, Kind: transfer.KindFile}
	if _, err := e.opts.Transfers.StartDownload(id, attachment.RemoteURL, sealed).Wait(ctx); err != nil {
		e.setAttachmentStatus(message, models.AttachmentFailed)
		return "", wrap(op, err)
	}
	defer removeQuietly(sealed)

	if err := os.MkdirAll(e.opts.DownloadsDir, 0o755); err != nil {
		e.setAttachmentStatus(message, models.AttachmentFailed)
		return "", wrap(op, err)
	}
	target := filepath.Join(e.opts.DownloadsDir, message.ID+"-"+filepath.Base(attachment.DisplayName))
	if err := e.opts.Crypto.DecryptFile(ctx, e.senderOf(session, message), sealed, target); err != nil {
		e.setAttachmentStatus(message, models.AttachmentFailed)
		return "", wrap(op, err)
	}

	if err := e.opts.Store.UpdateAttachmentField(message.ID, models.FieldLocalPath, target); err != nil {
		return "", wrap(op, err)
	}
	attachment.LocalPath = target
	e.setAttachmentStatus(message, models.AttachmentLoaded)
	return target, nil
}

func (e *Engine) startThumbnailDownload(messageID, remoteURL string) {
	id := transfer.ID{MessageID: messageID, Kind: transfer.KindThumbnail}
	e.opts.Transfers.StartDownload(id, remoteURL, sealedPath(e.opts.ThumbnailsDir, messageID, string(transfer.KindThumbnail)))
}

// openThumbnail decrypts a downloaded thumbnail and records its local path.
func (e *Engine) openThumbnail(ctx context.Context, messageID, sealed string) error {
	defer removeQuietly(sealed)

	session := e.Session()
	if session == nil {
		return nil
	}
	message, err := e.opts.Store.GetMessage(messageID)
	if err != nil {
		return err
	}
	if message.Attachment == nil {
		return nil
	}

	target := e.attachmentPath(e.opts.ThumbnailsDir, messageID, "-thumb.jpg")
	if err := e.opts.Crypto.DecryptFile(ctx, e.senderOf(session, message), sealed, target); err != nil {
		return err
	}
	if err := e.opts.Store.UpdateAttachmentField(messageID, models.FieldThumbnailPath, target); err != nil {
		return err
	}
	message.Attachment.ThumbnailPath = target
	e.emit(Event{Type: EventAttachmentUpdated, MessageID: messageID, Contact: message.Contact, Message: message})
	return nil
}

// senderOf is the identity that sealed message's content.
func (e *Engine) senderOf(session *Session, message *models.Message) string {
	if message.Author == models.AuthorContact {
		return message.Contact
	}
	return session.Identity
}
