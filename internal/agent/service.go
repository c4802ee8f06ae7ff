package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/chozzz/vargos/internal/bus"
	"github.com/chozzz/vargos/pkg/models"
)

// MediaTransform converts inbound media into task text (image→description,
// audio→transcript) using an external model profile. Optional.
type MediaTransform func(ctx context.Context, media *models.MediaInput) (string, error)

// Service is the thin gateway shell around the runtime: it exposes
// agent.run/abort/status and turns inbound channel and cron events into
// runs, delivering replies back through channel.send.
type Service struct {
	runtime   *Runtime
	client    *bus.Client
	logger    *slog.Logger
	transform MediaTransform

	// visionCapable advertises whether the primary model accepts raw
	// image attachments when no transform is configured.
	visionCapable bool
}

// ServiceConfig configures the agent service shell.
type ServiceConfig struct {
	URL           string
	Runtime       *Runtime
	Transform     MediaTransform
	VisionCapable bool
	Logger        *slog.Logger
}

// NewService wires the runtime to the gateway.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		runtime:       cfg.Runtime,
		logger:        logger.With("component", "agent"),
		transform:     cfg.Transform,
		visionCapable: cfg.VisionCapable,
	}
	s.client = bus.NewClient(bus.ClientConfig{
		URL: cfg.URL,
		Registration: bus.Registration{
			Service: "agent",
			Version: "1",
			Methods: []string{"agent.run", "agent.abort", "agent.status"},
			Events: []string{
				models.EventRunStarted, models.EventRunDelta, models.EventRunCompleted, "run.tool",
			},
			Subscriptions: []string{models.EventMessageReceived, models.EventCronTrigger},
		},
		OnMethod: s.handleMethod,
		OnEvent:  s.handleEvent,
		Logger:   logger,
	})
	s.runtime.SetGateway(s.client)
	return s
}

// Start connects the service to the gateway.
func (s *Service) Start(ctx context.Context) error { return s.client.Connect(ctx) }

// Stop drains the runtime and disconnects.
func (s *Service) Stop() {
	s.runtime.Close()
	s.client.Close()
}

func (s *Service) handleMethod(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "agent.run":
		var req RunRequest
		if err := json.Unmarshal(params, &req); err != nil || req.SessionKey == "" {
			return nil, bus.Errorf(bus.CodeInvalidArgument, "agent.run requires sessionKey")
		}
		return s.runtime.Run(ctx, &req)

	case "agent.abort":
		var p struct {
			RunID  string `json:"runId"`
			Reason string `json:"reason,omitempty"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.RunID == "" {
			return nil, bus.Errorf(bus.CodeInvalidArgument, "agent.abort requires runId")
		}
		if !s.runtime.Abort(p.RunID, p.Reason) {
			return nil, bus.Errorf(bus.CodeNotFound, "no active run %s", p.RunID)
		}
		return map[string]bool{"ok": true}, nil

	case "agent.status":
		return map[string]any{"runs": s.runtime.ActiveRuns()}, nil
	}
	return nil, bus.Errorf(bus.CodeNoRoute, "unknown method %s", method)
}

func (s *Service) handleEvent(name string, payload json.RawMessage) {
	switch name {
	case models.EventMessageReceived:
		var e models.MessageReceivedEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return
		}
		s.handleInboundMessage(e)
	case models.EventCronTrigger:
		var e models.CronTriggerEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return
		}
		s.handleCronTrigger(e)
	}
}

// handleInboundMessage turns one coalesced channel turn into a run. The
// user message is already persisted by the channel service, so the run
// carries no task text unless media preprocessing substitutes one. The run
// goes through the gateway's agent.run like any external caller.
func (s *Service) handleInboundMessage(e models.MessageReceivedEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	req := &RunRequest{SessionKey: e.SessionKey, Channel: e.Channel}
	if e.Media != nil {
		s.prepareMedia(ctx, e, req)
	}

	var result RunResult
	err := s.client.CallInto(ctx, "agent.run", req, &result, 15*time.Minute)
	if err != nil {
		s.logger.Error("agent run failed", "sessionKey", e.SessionKey, "error", err)
		s.sendReply(ctx, e.Channel, e.UserID, failureNotice(err.Error()))
		return
	}
	if !result.Success {
		if !result.Aborted {
			s.sendReply(ctx, e.Channel, e.UserID, failureNotice(result.Error))
		}
		return
	}
	s.sendReply(ctx, e.Channel, e.UserID, result.Response)
}

// prepareMedia applies the configured transform, or forwards raw image
// bytes when the primary model supports vision. Anything else already
// arrived as a text descriptor.
func (s *Service) prepareMedia(ctx context.Context, e models.MessageReceivedEvent, req *RunRequest) {
	if s.transform != nil {
		text, err := s.transform(ctx, e.Media)
		if err != nil {
			s.logger.Warn("media transform failed", "sessionKey", e.SessionKey, "error", err)
			return
		}
		task := text
		if e.Content != "" {
			task = e.Content + "\n" + text
		}
		req.Task = task
		return
	}
	if e.Media.Type == models.MediaImage && s.visionCapable && len(e.Media.Content) > 0 {
		req.Images = []models.ContentBlock{{
			Type:     models.BlockImage,
			MimeType: e.Media.Metadata.MimeType,
			Data:     encodeBase64(e.Media.Content),
		}}
		req.Task = e.Content
	}
}

func (s *Service) handleCronTrigger(e models.CronTriggerEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	sessionKey := e.SessionKey
	if sessionKey == "" {
		sessionKey = "cron:" + e.TaskID
	}
	var result RunResult
	err := s.client.CallInto(ctx, "agent.run", &RunRequest{
		SessionKey: sessionKey,
		Task:       e.Task,
	}, &result, 15*time.Minute)
	if err != nil {
		s.logger.Error("cron run failed", "taskId", e.TaskID, "error", err)
		return
	}
	if !result.Success || len(e.Notify) == 0 {
		return
	}
	for _, target := range e.Notify {
		channel, userID, ok := splitTarget(target)
		if !ok {
			continue
		}
		s.sendReply(ctx, channel, userID, result.Response)
	}
}

// sendReply delivers text via channel.send; the channel service strips the
// heartbeat token and suppresses empty replies.
func (s *Service) sendReply(ctx context.Context, channel, userID, text string) {
	if channel == "" || userID == "" || text == "" {
		return
	}
	err := s.client.CallInto(ctx, "channel.send", map[string]string{
		"channel": channel,
		"userId":  userID,
		"text":    text,
	}, nil, time.Minute)
	if err != nil {
		s.logger.Error("reply delivery failed", "channel", channel, "userId", userID, "error", err)
	}
}

// failureNotice is the short fixed message users see when a run fails.
func failureNotice(detail string) string {
	const max = 200
	if len(detail) > max {
		detail = detail[:max]
	}
	if detail == "" {
		detail = "unknown error"
	}
	return "Something went wrong handling that message: " + detail
}
