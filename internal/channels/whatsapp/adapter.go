// Package whatsapp implements the WhatsApp channel adapter on whatsmeow.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // driver for the whatsmeow device store

	"github.com/chozzz/vargos/internal/channels"
	"github.com/chozzz/vargos/pkg/models"
)

// Config configures the WhatsApp adapter.
type Config struct {
	// SessionPath is the whatsmeow device store (SQLite file), typically
	// under <data>/channels/whatsapp/.
	SessionPath string

	Logger *slog.Logger
}

// Adapter connects one WhatsApp device as a channel. Pairing state lives
// in the whatsmeow store; a fresh store logs the QR code for scanning.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	container *sqlstore.Container
	client    *whatsmeow.Client
	handler   channels.InboundHandler

	mu     sync.Mutex
	status channels.Status
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.SessionPath == "" {
		return nil, channels.ErrConfig("whatsapp session path is required", nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{cfg: cfg, logger: cfg.Logger.With("channel", "whatsapp")}, nil
}

func (a *Adapter) Name() string { return "whatsapp" }

func (a *Adapter) SetInboundHandler(fn channels.InboundHandler) { a.handler = fn }

func (a *Adapter) Status() channels.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Adapter) setStatus(connected bool, state, errText string) {
	a.mu.Lock()
	a.status = channels.Status{Connected: connected, State: state, Error: errText}
	a.mu.Unlock()
}

// Initialize opens the device store.
func (a *Adapter) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(a.cfg.SessionPath), 0o755); err != nil {
		return channels.ErrConfig("create whatsapp session directory", err)
	}
	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", a.cfg.SessionPath), waLog.Noop)
	if err != nil {
		return channels.ErrConnection("create whatsmeow store", err)
	}
	a.container = container
	return nil
}

// Start connects (or begins pairing) the device. whatsmeow reconnects
// transient drops itself; logged-out is terminal and surfaces as an error
// status.
func (a *Adapter) Start(ctx context.Context) error {
	device, err := a.container.GetFirstDevice(ctx)
	if err != nil {
		return channels.ErrConnection("load whatsapp device", err)
	}
	a.client = whatsmeow.NewClient(device, waLog.Noop)
	a.client.AddEventHandler(a.handleEvent)

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if a.client.Store.ID == nil {
		qrChan, err := a.client.GetQRChannel(runCtx)
		if err != nil {
			return channels.ErrConnection("whatsapp qr channel", err)
		}
		if err := a.client.Connect(); err != nil {
			return channels.ErrConnection("whatsapp connect", err)
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			for {
				select {
				case <-runCtx.Done():
					return
				case evt, ok := <-qrChan:
					if !ok {
						return
					}
					if evt.Event == "code" {
						a.logger.Info("scan QR code to pair whatsapp", "code", evt.Code)
					}
				}
			}
		}()
		return nil
	}

	if err := a.client.Connect(); err != nil {
		return channels.ErrConnection("whatsapp connect", err)
	}
	return nil
}

// Stop disconnects the client and closes the store.
func (a *Adapter) Stop(context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.client != nil {
		a.client.Disconnect()
	}
	a.wg.Wait()
	if a.container != nil {
		if err := a.container.Close(); err != nil {
			a.logger.Warn("store close failed", "error", err)
		}
	}
	a.setStatus(false, "stopped", "")
	return nil
}

func (a *Adapter) handleEvent(evt any) {
	switch e := evt.(type) {
	case *events.Connected:
		a.setStatus(true, "running", "")
	case *events.Disconnected:
		a.setStatus(false, "reconnecting", "")
	case *events.LoggedOut:
		// Terminal: pairing is gone, reconnecting cannot help.
		a.setStatus(false, "error", "logged out")
		a.logger.Error("whatsapp logged out; re-pairing required")
	case *events.Message:
		a.handleMessage(e)
	}
}

// handleMessage applies the adapter-specific filters (self, groups,
// broadcasts) and forwards the rest into the shared ingress pipeline.
func (a *Adapter) handleMessage(evt *events.Message) {
	if a.handler == nil {
		return
	}
	if evt.Info.IsFromMe || evt.Info.IsGroup || evt.Info.Chat.Server == "broadcast" {
		return
	}

	cm := &models.ChannelMessage{
		Channel:    "whatsapp",
		MessageID:  string(evt.Info.ID),
		SenderID:   evt.Info.Sender.User,
		SenderName: evt.Info.PushName,
		ReceivedAt: evt.Info.Timestamp,
	}

	msg := evt.Message
	switch {
	case msg.Conversation != nil:
		cm.Text = msg.GetConversation()
	case msg.ExtendedTextMessage != nil:
		cm.Text = msg.ExtendedTextMessage.GetText()
	case msg.ImageMessage != nil:
		img := msg.ImageMessage
		cm.Text = img.GetCaption()
		if data := a.download(img); data != nil {
			cm.Media = &models.MediaInput{
				Type:    models.MediaImage,
				Content: data,
				Metadata: models.MediaMetadata{
					MimeType: img.GetMimetype(),
					Caption:  img.GetCaption(),
				},
			}
		}
	case msg.AudioMessage != nil:
		audio := msg.AudioMessage
		if data := a.download(audio); data != nil {
			cm.Media = &models.MediaInput{
				Type:    models.MediaVoice,
				Content: data,
				Metadata: models.MediaMetadata{
					MimeType:    audio.GetMimetype(),
					DurationSec: float64(audio.GetSeconds()),
				},
			}
		}
	case msg.DocumentMessage != nil:
		doc := msg.DocumentMessage
		cm.Text = doc.GetCaption()
		if data := a.download(doc); data != nil {
			cm.Media = &models.MediaInput{
				Type:    models.MediaFile,
				Content: data,
				Metadata: models.MediaMetadata{
					MimeType: doc.GetMimetype(),
					FileName: doc.GetFileName(),
					Caption:  doc.GetCaption(),
				},
			}
		}
	case msg.VideoMessage != nil:
		video := msg.VideoMessage
		cm.Text = video.GetCaption()
		if data := a.download(video); data != nil {
			cm.Media = &models.MediaInput{
				Type:    models.MediaVideo,
				Content: data,
				Metadata: models.MediaMetadata{
					MimeType: video.GetMimetype(),
					Caption:  video.GetCaption(),
				},
			}
		}
	}

	if !cm.HasContent() {
		return
	}
	a.handler(cm)
}

func (a *Adapter) download(msg whatsmeow.DownloadableMessage) []byte {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	data, err := a.client.Download(ctx, msg)
	if err != nil {
		a.logger.Warn("media download failed", "error", err)
		return nil
	}
	return data
}

// Send delivers one already-chunked reply piece.
func (a *Adapter) Send(ctx context.Context, userID, text string) error {
	if a.client == nil {
		return channels.ErrConnection("adapter not started", nil)
	}
	jid := types.NewJID(userID, types.DefaultUserServer)
	_, err := a.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return channels.ErrConnection("whatsapp send", err)
	}
	return nil
}

// StartTyping asserts composing presence; WhatsApp decays it after a few
// seconds, so the channel service re-asserts on its refresh interval.
func (a *Adapter) StartTyping(userID string) {
	a.sendPresence(userID, types.ChatPresenceComposing)
}

// StopTyping clears composing presence.
func (a *Adapter) StopTyping(userID string) {
	a.sendPresence(userID, types.ChatPresencePaused)
}

func (a *Adapter) sendPresence(userID string, state types.ChatPresence) {
	if a.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	jid := types.NewJID(userID, types.DefaultUserServer)
	if err := a.client.SendChatPresence(ctx, jid, state, types.ChatPresenceMediaText); err != nil {
		a.logger.Debug("chat presence failed", "error", err)
	}
}
