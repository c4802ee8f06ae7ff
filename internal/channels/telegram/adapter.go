// Package telegram implements the Telegram channel adapter over long
// polling.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/chozzz/vargos/internal/channels"
	"github.com/chozzz/vargos/pkg/models"
)

// BotClient is the slice of the Telegram API the adapter uses, extracted
// so tests can fake it.
type BotClient interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
	SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error)
	GetFile(ctx context.Context, params *bot.GetFileParams) (*tgmodels.File, error)
}

// Config configures the Telegram adapter.
type Config struct {
	// Token is the bot token from @BotFather.
	Token string

	// MaxReconnectAttempts bounds the long-poll restart loop.
	MaxReconnectAttempts int

	Logger *slog.Logger
}

// Adapter connects one Telegram bot as a channel.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	bot        *bot.Bot
	client     BotClient
	httpClient *http.Client
	handler    channels.InboundHandler

	mu     sync.Mutex
	status channels.Status
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, channels.ErrConfig("telegram token is required", nil)
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{
		cfg:        cfg,
		logger:     cfg.Logger.With("channel", "telegram"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (a *Adapter) Name() string { return "telegram" }

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

// Initialize creates the bot client; no network traffic yet.
func (a *Adapter) Initialize(context.Context) error {
	b, err := bot.New(a.cfg.Token, bot.WithDefaultHandler(a.onUpdate), bot.WithSkipGetMe())
	if err != nil {
		return channels.ErrConfig("create telegram bot", err)
	}
	a.bot = b
	a.client = b
	return nil
}

// Start begins long polling; the reconnector restarts the poll loop with
// backoff after transport failures.
func (a *Adapter) Start(ctx context.Context) error {
	if a.bot == nil {
		return channels.ErrConfig("adapter not initialized", nil)
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	recon := channels.NewReconnector(channels.ReconnectConfig{
		MaxAttempts: a.cfg.MaxReconnectAttempts,
		Logger:      a.logger,
	})
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		err := recon.Run(runCtx, func(pollCtx context.Context) error {
			a.setStatus(true, "running", "")
			recon.ResetAttempts()
			a.bot.Start(pollCtx)
			return pollCtx.Err()
		})
		if err != nil && runCtx.Err() == nil {
			a.setStatus(false, "error", err.Error())
		} else {
			a.setStatus(false, "stopped", "")
		}
	}()
	return nil
}

// Stop cancels polling and waits for the loop to drain.
func (a *Adapter) Stop(context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.setStatus(false, "stopped", "")
	return nil
}

// onUpdate applies the adapter-specific filters (bots, non-private chats)
// and hands everything else to the shared ingress pipeline.
func (a *Adapter) onUpdate(ctx context.Context, _ *bot.Bot, update *tgmodels.Update) {
	msg := update.Message
	if msg == nil || a.handler == nil {
		return
	}
	if msg.From == nil || msg.From.IsBot {
		return
	}
	if msg.Chat.Type != "private" {
		return
	}

	cm := &models.ChannelMessage{
		Channel:    "telegram",
		MessageID:  strconv.Itoa(msg.ID),
		SenderID:   strconv.FormatInt(msg.From.ID, 10),
		SenderName: msg.From.FirstName,
		Text:       msg.Text,
		ReceivedAt: time.Unix(int64(msg.Date), 0),
	}
	if media := a.extractMedia(ctx, msg); media != nil {
		cm.Media = media
		if cm.Text == "" {
			cm.Text = msg.Caption
		}
	}
	a.handler(cm)
}

func (a *Adapter) extractMedia(ctx context.Context, msg *tgmodels.Message) *models.MediaInput {
	switch {
	case len(msg.Photo) > 0:
		// Telegram lists photo sizes ascending; take the largest.
		photo := msg.Photo[len(msg.Photo)-1]
		data, err := a.downloadFile(ctx, photo.FileID)
		if err != nil {
			a.logger.Warn("photo download failed", "error", err)
			return nil
		}
		return &models.MediaInput{
			Type:    models.MediaImage,
			Content: data,
			Metadata: models.MediaMetadata{
				MimeType: "image/jpeg",
				Caption:  msg.Caption,
			},
		}
	case msg.Voice != nil:
		data, err := a.downloadFile(ctx, msg.Voice.FileID)
		if err != nil {
			a.logger.Warn("voice download failed", "error", err)
			return nil
		}
		return &models.MediaInput{
			Type:    models.MediaVoice,
			Content: data,
			Metadata: models.MediaMetadata{
				MimeType:    msg.Voice.MimeType,
				DurationSec: float64(msg.Voice.Duration),
			},
		}
	case msg.Document != nil:
		data, err := a.downloadFile(ctx, msg.Document.FileID)
		if err != nil {
			a.logger.Warn("document download failed", "error", err)
			return nil
		}
		return &models.MediaInput{
			Type:    models.MediaFile,
			Content: data,
			Metadata: models.MediaMetadata{
				MimeType: msg.Document.MimeType,
				FileName: msg.Document.FileName,
				Caption:  msg.Caption,
			},
		}
	}
	return nil
}

func (a *Adapter) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	file, err := a.client.GetFile(ctx, &bot.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, channels.ErrConnection("telegram getFile", err)
	}
	if file == nil || file.FilePath == "" {
		return nil, channels.ErrConnection("telegram file path missing", nil)
	}
	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", a.cfg.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, channels.ErrConnection("download telegram file", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, channels.ErrConnection(fmt.Sprintf("download failed: HTTP %d", resp.StatusCode), nil)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 50*1024*1024))
}

// Send delivers one already-chunked reply piece.
func (a *Adapter) Send(ctx context.Context, userID, text string) error {
	if a.client == nil {
		return channels.ErrConnection("adapter not started", nil)
	}
	_, err := a.client.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatIDFor(userID),
		Text:   text,
	})
	if err != nil {
		return channels.ErrConnection("telegram send", err)
	}
	return nil
}

// StartTyping asserts the typing action; Telegram decays it on its own,
// the channel service re-asserts on its refresh interval.
func (a *Adapter) StartTyping(userID string) {
	if a.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := a.client.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chatIDFor(userID),
		Action: tgmodels.ChatActionTyping,
	})
	if err != nil {
		a.logger.Debug("typing indicator failed", "error", err)
	}
}

// StopTyping is a no-op: Telegram clears the action when a message lands.
func (a *Adapter) StopTyping(string) {}

func chatIDFor(userID string) any {
	if n, err := strconv.ParseInt(userID, 10, 64); err == nil {
		return n
	}
	return userID
}
