package channels

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/chozzz/vargos/internal/bus"
	"github.com/chozzz/vargos/internal/sessionkey"
	"github.com/chozzz/vargos/pkg/models"
)

// DefaultTypingRefresh re-asserts the typing indicator while a run is in
// flight; most providers decay typing state after a few seconds.
const DefaultTypingRefresh = 4 * time.Second

// ChannelSettings tunes one adapter's ingress and egress behavior.
type ChannelSettings struct {
	Allowlist     []string      `json:"allowlist,omitempty"`
	DebounceDelay time.Duration `json:"-"`
	DedupTTL      time.Duration `json:"-"`
	MaxChunk      int           `json:"-"`
	TypingRefresh time.Duration `json:"-"`
}

// Service owns the adapter set and the shared ingress/egress pipeline: it
// deduplicates and debounces inbound messages, persists the user turn,
// publishes message.received, and on the way out strips the heartbeat
// token, chunks, and drives typing indicators from run lifecycle events.
type Service struct {
	client *bus.Client
	logger *slog.Logger
	media  *MediaStore

	mu       sync.Mutex
	adapters map[string]Adapter
	ingress  map[string]*channelIngress
	typing   map[string]chan struct{} // runID -> stop
}

type channelIngress struct {
	settings  ChannelSettings
	dedup     *DedupCache
	debouncer *Debouncer
	chunker   *Chunker
}

// NewService creates the channel service.
func NewService(url string, media *MediaStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		logger:   logger.With("component", "channels"),
		media:    media,
		adapters: make(map[string]Adapter),
		ingress:  make(map[string]*channelIngress),
		typing:   make(map[string]chan struct{}),
	}
	s.client = bus.NewClient(bus.ClientConfig{
		URL: url,
		Registration: bus.Registration{
			Service:       "channels",
			Version:       "1",
			Methods:       []string{"channel.send", "channel.status"},
			Events:        []string{models.EventMessageReceived},
			Subscriptions: []string{models.EventRunStarted, models.EventRunCompleted},
		},
		OnMethod: s.handleMethod,
		OnEvent:  s.handleEvent,
		Logger:   logger,
	})
	return s
}

// AddAdapter registers an adapter before Start and wires its inbound
// pipeline.
func (s *Service) AddAdapter(a Adapter, settings ChannelSettings) {
	if settings.DebounceDelay <= 0 {
		settings.DebounceDelay = DefaultDebounceDelay
	}
	if settings.DedupTTL <= 0 {
		settings.DedupTTL = DefaultDedupTTL
	}
	if settings.TypingRefresh <= 0 {
		settings.TypingRefresh = DefaultTypingRefresh
	}
	name := a.Name()
	ing := &channelIngress{
		settings: settings,
		dedup:    NewDedupCache(settings.DedupTTL),
		chunker:  NewChunker(settings.MaxChunk),
	}
	ing.debouncer = NewDebouncer(settings.DebounceDelay, func(senderID, text string) {
		s.deliverTurn(name, senderID, text, nil)
	})

	s.mu.Lock()
	s.adapters[name] = a
	s.ingress[name] = ing
	s.mu.Unlock()

	a.SetInboundHandler(func(msg *models.ChannelMessage) { s.handleInbound(name, msg) })
}

// Start connects to the gateway, then initializes and starts each adapter.
func (s *Service) Start(ctx context.Context) error {
	if err := s.client.Connect(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	adapters := make([]Adapter, 0, len(s.adapters))
	for _, a := range s.adapters {
		adapters = append(adapters, a)
	}
	s.mu.Unlock()
	for _, a := range adapters {
		if err := a.Initialize(ctx); err != nil {
			return err
		}
		if err := a.Start(ctx); err != nil {
			return err
		}
		s.logger.Info("channel adapter started", "channel", a.Name())
	}
	return nil
}

// Stop cancels pending debouncers and typing intervals and stops every
// adapter.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	for _, ing := range s.ingress {
		ing.debouncer.CancelAll()
	}
	for runID, stop := range s.typing {
		close(stop)
		delete(s.typing, runID)
	}
	adapters := make([]Adapter, 0, len(s.adapters))
	for _, a := range s.adapters {
		adapters = append(adapters, a)
	}
	s.mu.Unlock()
	for _, a := range adapters {
		if err := a.Stop(ctx); err != nil {
			s.logger.Warn("adapter stop failed", "channel", a.Name(), "error", err)
		}
	}
	s.client.Close()
}

// handleInbound applies the shared ingress rules after the adapter's own
// filters (self, group chats) have run.
func (s *Service) handleInbound(channel string, msg *models.ChannelMessage) {
	s.mu.Lock()
	ing := s.ingress[channel]
	s.mu.Unlock()
	if ing == nil || msg == nil {
		return
	}

	if len(ing.settings.Allowlist) > 0 && !contains(ing.settings.Allowlist, msg.SenderID) {
		metricDropped.WithLabelValues(channel, "allowlist").Inc()
		return
	}
	if !msg.HasContent() {
		metricDropped.WithLabelValues(channel, "empty").Inc()
		return
	}
	if msg.MessageID != "" && !ing.dedup.Add(msg.MessageID) {
		metricDeduplicated.WithLabelValues(channel).Inc()
		return
	}
	metricReceived.WithLabelValues(channel).Inc()

	// Media bypasses the debouncer so captions stay attached to their
	// attachment.
	if msg.Media != nil {
		sessionKey := channel + ":" + msg.SenderID
		if len(msg.Media.Content) > 0 && s.media != nil {
			if _, err := s.media.Save(sessionKey, msg.Media); err != nil {
				s.logger.Warn("media save failed", "channel", channel, "error", err)
			}
		}
		text := msg.Text
		if text == "" {
			text = msg.Media.Metadata.Caption
		}
		s.deliverTurn(channel, msg.SenderID, text, msg.Media)
		return
	}

	ing.debouncer.Push(msg.SenderID, msg.Text)
}

// deliverTurn persists the coalesced user turn and publishes
// message.received. The user message is written before the event so the
// agent's history load always sees it.
func (s *Service) deliverTurn(channel, userID, text string, media *models.MediaInput) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sessionKey := channel + ":" + userID
	err := s.client.CallInto(ctx, "session.create", &models.Session{SessionKey: sessionKey}, nil, 10*time.Second)
	if err != nil && !bus.IsCode(err, bus.CodeAlreadyExists) {
		s.logger.Error("session create failed", "sessionKey", sessionKey, "error", err)
		return
	}

	content := text
	if content == "" && media != nil {
		content = FallbackDescriptor(media)
	}
	msg := &models.SessionMessage{
		SessionKey: sessionKey,
		Role:       models.RoleUser,
		Content:    content,
	}
	if media != nil {
		msg.Metadata = map[string]any{"mediaPath": media.Path, "mediaType": string(media.Type)}
	}
	if err := s.client.CallInto(ctx, "session.addMessage", msg, nil, 10*time.Second); err != nil {
		s.logger.Error("user message persist failed", "sessionKey", sessionKey, "error", err)
		return
	}

	_ = s.client.Emit(models.EventMessageReceived, &models.MessageReceivedEvent{
		SessionKey: sessionKey,
		Channel:    channel,
		UserID:     userID,
		Content:    content,
		Media:      media,
	})
}

// SendParams are the channel.send arguments.
type SendParams struct {
	Channel string `json:"channel"`
	UserID  string `json:"userId"`
	Text    string `json:"text"`
}

func (s *Service) handleMethod(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "channel.send":
		var p SendParams
		if err := json.Unmarshal(params, &p); err != nil || p.Channel == "" || p.UserID == "" {
			return nil, bus.Errorf(bus.CodeInvalidArgument, "channel.send requires channel and userId")
		}
		delivered, err := s.send(ctx, p)
		if err != nil {
			return nil, err
		}
		return map[string]any{"delivered": delivered}, nil

	case "channel.status":
		s.mu.Lock()
		out := make(map[string]Status, len(s.adapters))
		for name, a := range s.adapters {
			out[name] = a.Status()
		}
		s.mu.Unlock()
		return map[string]any{"channels": out}, nil
	}
	return nil, bus.Errorf(bus.CodeNoRoute, "unknown method %s", method)
}

// send strips the heartbeat token, chunks along paragraph and line
// boundaries, and delivers each chunk in order. A heartbeat-only reply is
// suppressed entirely.
func (s *Service) send(ctx context.Context, p SendParams) (int, error) {
	s.mu.Lock()
	a := s.adapters[p.Channel]
	ing := s.ingress[p.Channel]
	s.mu.Unlock()
	if a == nil || ing == nil {
		return 0, bus.Errorf(bus.CodeNotFound, "unknown channel %s", p.Channel)
	}

	text := StripHeartbeat(p.Text)
	if text == "" {
		return 0, nil
	}
	chunks := ing.chunker.Chunk(text)
	for _, chunk := range chunks {
		if err := a.Send(ctx, p.UserID, chunk); err != nil {
			return 0, bus.Errorf(bus.CodeInternal, "send to %s:%s: %v", p.Channel, p.UserID, err)
		}
		metricSentChunks.WithLabelValues(p.Channel).Inc()
	}
	return len(chunks), nil
}

func (s *Service) handleEvent(name string, payload json.RawMessage) {
	switch name {
	case models.EventRunStarted:
		var e models.RunStartedEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return
		}
		s.startTyping(e)
	case models.EventRunCompleted:
		var e models.RunCompletedEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return
		}
		s.stopTyping(e.RunID)
	}
}

// startTyping begins the indicator for runs whose session decodes to a
// channel target, re-asserting on the channel's refresh interval until the
// companion run.completed arrives.
func (s *Service) startTyping(e models.RunStartedEvent) {
	channel, userID, ok := sessionkey.ChannelTarget(e.SessionKey)
	if !ok {
		return
	}
	s.mu.Lock()
	a := s.adapters[channel]
	ing := s.ingress[channel]
	if a == nil || ing == nil {
		s.mu.Unlock()
		return
	}
	if _, exists := s.typing[e.RunID]; exists {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.typing[e.RunID] = stop
	refresh := ing.settings.TypingRefresh
	s.mu.Unlock()

	a.StartTyping(userID)
	go func() {
		ticker := time.NewTicker(refresh)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				a.StopTyping(userID)
				return
			case <-ticker.C:
				a.StartTyping(userID)
			}
		}
	}()
}

func (s *Service) stopTyping(runID string) {
	s.mu.Lock()
	stop, ok := s.typing[runID]
	if ok {
		delete(s.typing, runID)
	}
	s.mu.Unlock()
	if ok {
		close(stop)
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
