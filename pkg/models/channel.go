package models

import "time"

// MediaType classifies normalized inbound media.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVoice MediaType = "voice"
	MediaFile  MediaType = "file"
	MediaVideo MediaType = "video"
)

// MediaMetadata describes a media payload.
type MediaMetadata struct {
	MimeType    string  `json:"mimeType"`
	Caption     string  `json:"caption,omitempty"`
	DurationSec float64 `json:"durationSec,omitempty"`
	FileName    string  `json:"fileName,omitempty"`
}

// MediaInput is the normalized form a channel adapter produces for any
// inbound attachment: the raw bytes plus enough metadata to route it.
type MediaInput struct {
	Type     MediaType     `json:"type"`
	Content  []byte        `json:"content,omitempty"`
	Path     string        `json:"path,omitempty"`
	Metadata MediaMetadata `json:"metadata"`
}

// ChannelMessage is an inbound message after adapter-specific decoding but
// before the shared ingress pipeline (dedup, debounce).
type ChannelMessage struct {
	Channel    string      `json:"channel"`
	MessageID  string      `json:"messageId"`
	SenderID   string      `json:"senderId"`
	SenderName string      `json:"senderName,omitempty"`
	Text       string      `json:"text,omitempty"`
	Media      *MediaInput `json:"media,omitempty"`
	ReceivedAt time.Time   `json:"receivedAt"`
}

// HasContent reports whether the message carries anything worth processing.
func (m *ChannelMessage) HasContent() bool {
	return m != nil && (m.Text != "" || m.Media != nil)
}
