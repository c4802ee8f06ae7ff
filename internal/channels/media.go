package channels

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chozzz/vargos/internal/sessionkey"
	"github.com/chozzz/vargos/pkg/models"
)

// MediaStore saves inbound media under a per-session directory with stable
// names derived from mime type and receipt time.
type MediaStore struct {
	root string
}

// NewMediaStore roots the store at dir (typically <data>/media).
func NewMediaStore(dir string) (*MediaStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("media root %s: %w", dir, err)
	}
	return &MediaStore{root: dir}, nil
}

// Save writes the media bytes and fills in the input's Path.
func (s *MediaStore) Save(sessionKey string, m *models.MediaInput) (string, error) {
	if m == nil || len(m.Content) == 0 {
		return "", fmt.Errorf("no media content to save")
	}
	dir := filepath.Join(s.root, sessionkey.SafeKey(sessionKey))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%d.%s", time.Now().UnixMilli(), extensionFor(m.Metadata.MimeType))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, m.Content, 0o644); err != nil {
		return "", err
	}
	m.Path = path
	return path, nil
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	case "audio/ogg", "audio/ogg; codecs=opus":
		return "ogg"
	case "audio/mpeg":
		return "mp3"
	case "video/mp4":
		return "mp4"
	case "application/pdf":
		return "pdf"
	default:
		return "bin"
	}
}

// FallbackDescriptor renders a text stand-in for media the model cannot
// consume directly, e.g. "[Voice message, 7s]".
func FallbackDescriptor(m *models.MediaInput) string {
	if m == nil {
		return ""
	}
	switch m.Type {
	case models.MediaVoice:
		if m.Metadata.DurationSec > 0 {
			return fmt.Sprintf("[Voice message, %.0fs]", m.Metadata.DurationSec)
		}
		return "[Voice message]"
	case models.MediaImage:
		return "[Image]"
	case models.MediaVideo:
		return "[Video]"
	default:
		if m.Metadata.FileName != "" {
			return fmt.Sprintf("[File: %s]", m.Metadata.FileName)
		}
		return "[File]"
	}
}
