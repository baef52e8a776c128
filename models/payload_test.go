package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodePayloadPictureUsesWireFieldNames(t *testing.T) {
	raw, err := EncodePayload(Message{
		ID: "m1",
		Attachment: &Attachment{
			Type:               AttachmentPicture,
			DisplayName:        "cat.png",
			RemoteURL:          "https://files/cat",
			RemoteThumbnailURL: "https://files/cat-thumb",
			ThumbnailWidth:     128,
			ThumbnailHeight:    96,
			BytesTotal:         2048,
		},
	})
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "picture", doc["type"])

	inner, ok := doc["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "https://files/cat", inner["url"])
	assert.Equal(t, "cat.png", inner["displayName"])
	assert.Equal(t, "https://files/cat-thumb", inner["thumbnailUrl"])
	assert.EqualValues(t, 128, inner["thumbnailWidth"])
	assert.EqualValues(t, 96, inner["thumbnailHeight"])
	assert.EqualValues(t, 2048, inner["bytesTotal"])
}

func TestDecodePayloadText(t *testing.T) {
	body, att, err := DecodePayload([]byte(`{"type":"text","payload":{"body":"hi"}}`))
	require.NoError(t, err)
	assert.Equal(t, "hi", body)
	assert.Nil(t, att)
}

func TestDecodePayloadFile(t *testing.T) {
	_, att, err := DecodePayload([]byte(`{"type":"file","payload":{"url":"https://f/1","displayName":"a.pdf","bytesTotal":10}}`))
	require.NoError(t, err)
	require.NotNil(t, att)
	assert.Equal(t, AttachmentFile, att.Type)
	assert.Equal(t, "https://f/1", att.RemoteURL)
	assert.EqualValues(t, 10, att.BytesTotal)
}

func TestDecodePayloadRejectsGarbage(t *testing.T) {
	cases := [][]byte{
		[]byte(`not json`),
		[]byte(`{"type":"video","payload":{}}`),
		[]byte(`{"type":"file","payload":{"displayName":"x"}}`),
	}
	for _, raw := range cases {
		_, _, err := DecodePayload(raw)
		assert.ErrorIs(t, err, ErrInvalidPayload, string(raw))
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusCreated, StatusSent))
	assert.True(t, CanTransition(StatusFailed, StatusSent))
	assert.True(t, CanTransition(StatusReceived, StatusRead))
	assert.False(t, CanTransition(StatusDelivered, StatusSent))
	assert.False(t, CanTransition(StatusRead, StatusReceived))
	assert.False(t, CanTransition(StatusFailed, StatusDelivered))
}

func TestAttachmentUploaded(t *testing.T) {
	var none *Attachment
	assert.True(t, none.Uploaded())

	att := &Attachment{Type: AttachmentPicture, ThumbnailPath: "/tmp/t.jpg"}
	assert.False(t, att.Uploaded())
	att.RemoteURL = "https://f/1"
	assert.False(t, att.Uploaded())
	att.RemoteThumbnailURL = "https://f/1t"
	assert.True(t, att.Uploaded())
}
