package sessions

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/chozzz/vargos/internal/bus"
	"github.com/chozzz/vargos/pkg/models"
)

// Service exposes session and message CRUD on the gateway and emits
// mutation events after every successful write.
type Service struct {
	store  Store
	client *bus.Client
	logger *slog.Logger
}

// NewService wires a store to the gateway at url.
func NewService(url string, store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{store: store, logger: logger.With("component", "sessions")}
	s.client = bus.NewClient(bus.ClientConfig{
		URL: url,
		Registration: bus.Registration{
			Service: "sessions",
			Version: "1",
			Methods: []string{
				"session.create", "session.get", "session.update", "session.delete",
				"session.list", "session.addMessage", "session.getMessages",
			},
			Events: []string{"session.created", "session.updated", "session.deleted", "session.message"},
		},
		OnMethod: s.handleMethod,
		Logger:   logger,
	})
	return s
}

// Start connects the service to the gateway.
func (s *Service) Start(ctx context.Context) error { return s.client.Connect(ctx) }

// Stop disconnects from the gateway and closes the store.
func (s *Service) Stop() {
	s.client.Close()
	if err := s.store.Close(); err != nil {
		s.logger.Warn("store close failed", "error", err)
	}
}

// GetMessagesParams are the session.getMessages arguments.
type GetMessagesParams struct {
	SessionKey string    `json:"sessionKey"`
	Limit      int       `json:"limit,omitempty"`
	Before     time.Time `json:"before,omitempty"`
}

type keyParams struct {
	SessionKey string `json:"sessionKey"`
}

type updateParams struct {
	SessionKey string `json:"sessionKey"`
	SessionUpdate
}

func (s *Service) handleMethod(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "session.create":
		var sess models.Session
		if err := json.Unmarshal(params, &sess); err != nil || sess.SessionKey == "" {
			return nil, bus.Errorf(bus.CodeInvalidArgument, "session.create requires sessionKey")
		}
		if err := s.store.CreateSession(ctx, &sess); err != nil {
			return nil, classify(err)
		}
		s.emit("session.created", &sess)
		return &sess, nil

	case "session.get":
		var p keyParams
		if err := json.Unmarshal(params, &p); err != nil || p.SessionKey == "" {
			return nil, bus.Errorf(bus.CodeInvalidArgument, "session.get requires sessionKey")
		}
		sess, err := s.store.GetSession(ctx, p.SessionKey)
		if err != nil {
			return nil, classify(err)
		}
		return sess, nil

	case "session.update":
		var p updateParams
		if err := json.Unmarshal(params, &p); err != nil || p.SessionKey == "" {
			return nil, bus.Errorf(bus.CodeInvalidArgument, "session.update requires sessionKey")
		}
		sess, err := s.store.UpdateSession(ctx, p.SessionKey, p.SessionUpdate)
		if err != nil {
			return nil, classify(err)
		}
		s.emit("session.updated", sess)
		return sess, nil

	case "session.delete":
		var p keyParams
		if err := json.Unmarshal(params, &p); err != nil || p.SessionKey == "" {
			return nil, bus.Errorf(bus.CodeInvalidArgument, "session.delete requires sessionKey")
		}
		if err := s.store.DeleteSession(ctx, p.SessionKey); err != nil {
			return nil, classify(err)
		}
		s.emit("session.deleted", map[string]string{"sessionKey": p.SessionKey})
		return map[string]bool{"ok": true}, nil

	case "session.list":
		var f ListFilter
		if len(params) > 0 {
			if err := json.Unmarshal(params, &f); err != nil {
				return nil, bus.Errorf(bus.CodeInvalidArgument, "bad session.list params: %v", err)
			}
		}
		list, err := s.store.ListSessions(ctx, f)
		if err != nil {
			return nil, classify(err)
		}
		return map[string]any{"sessions": list}, nil

	case "session.addMessage":
		var m models.SessionMessage
		if err := json.Unmarshal(params, &m); err != nil || m.SessionKey == "" {
			return nil, bus.Errorf(bus.CodeInvalidArgument, "session.addMessage requires sessionKey")
		}
		if m.Role == "" {
			return nil, bus.Errorf(bus.CodeInvalidArgument, "session.addMessage requires role")
		}
		if err := s.store.AddMessage(ctx, &m); err != nil {
			return nil, classify(err)
		}
		s.emit("session.message", &m)
		return &m, nil

	case "session.getMessages":
		var p GetMessagesParams
		if err := json.Unmarshal(params, &p); err != nil || p.SessionKey == "" {
			return nil, bus.Errorf(bus.CodeInvalidArgument, "session.getMessages requires sessionKey")
		}
		messages, err := s.store.GetMessages(ctx, p.SessionKey, p.Limit, p.Before)
		if err != nil {
			return nil, classify(err)
		}
		return map[string]any{"messages": messages}, nil
	}
	return nil, bus.Errorf(bus.CodeNoRoute, "unknown method %s", method)
}

func (s *Service) emit(event string, payload any) {
	if err := s.client.Emit(event, payload); err != nil {
		s.logger.Warn("event emit failed", "event", event, "error", err)
	}
}

func classify(err error) error {
	switch err {
	case ErrNotFound:
		return bus.Errorf(bus.CodeNotFound, "%v", err)
	case ErrExists:
		return bus.Errorf(bus.CodeAlreadyExists, "%v", err)
	default:
		return err
	}
}
