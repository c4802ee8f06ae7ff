package cron

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	cronv3 "github.com/robfig/cron/v3"

	"github.com/chozzz/vargos/internal/bus"
	"github.com/chozzz/vargos/pkg/models"
)

// Service schedules persisted tasks and publishes cron.trigger at each
// scheduled moment. The agent service consumes the triggers; delivery of
// any reply is the channel service's business.
type Service struct {
	store  *Store
	client *bus.Client
	logger *slog.Logger

	mu      sync.Mutex
	cron    *cronv3.Cron
	entries map[string]cronv3.EntryID
}

// NewService wires the store to the gateway at url.
func NewService(url string, store *Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:   store,
		logger:  logger.With("component", "cron"),
		cron:    cronv3.New(),
		entries: make(map[string]cronv3.EntryID),
	}
	s.client = bus.NewClient(bus.ClientConfig{
		URL: url,
		Registration: bus.Registration{
			Service: "cron",
			Version: "1",
			Methods: []string{"cron.list", "cron.add", "cron.remove", "cron.update", "cron.run"},
			Events:  []string{models.EventCronTrigger},
		},
		OnMethod: s.handleMethod,
		Logger:   logger,
	})
	return s
}

// Start connects to the gateway and schedules every enabled task.
func (s *Service) Start(ctx context.Context) error {
	if err := s.client.Connect(ctx); err != nil {
		return err
	}
	for _, t := range s.store.List() {
		if t.Enabled {
			if err := s.schedule(t); err != nil {
				s.logger.Warn("task schedule failed", "taskId", t.ID, "error", err)
			}
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler and disconnects.
func (s *Service) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.client.Close()
}

// EnsureHeartbeat installs the built-in heartbeat task when absent.
func (s *Service) EnsureHeartbeat(schedule string, notify []string) error {
	if _, ok := s.store.Get(HeartbeatTaskID); ok {
		return nil
	}
	now := time.Now().UTC()
	return s.store.Put(&Task{
		ID:         HeartbeatTaskID,
		Name:       "heartbeat",
		Schedule:   schedule,
		Task:       HeartbeatInstruction,
		Enabled:    true,
		SessionKey: "cron:" + HeartbeatTaskID,
		Notify:     notify,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}

func (s *Service) schedule(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[t.ID]; ok {
		s.cron.Remove(old)
		delete(s.entries, t.ID)
	}
	taskID := t.ID
	entryID, err := s.cron.AddFunc(t.Schedule, func() { s.fire(taskID, false) })
	if err != nil {
		return bus.Errorf(bus.CodeInvalidArgument, "schedule %q: %v", t.Schedule, err)
	}
	s.entries[t.ID] = entryID
	return nil
}

func (s *Service) unschedule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
}

// fire publishes one trigger and records the run time. A manual cron.run
// fires even when the task is disabled.
func (s *Service) fire(id string, force bool) {
	t, ok := s.store.Get(id)
	if !ok || (!t.Enabled && !force) {
		return
	}
	sessionKey := t.SessionKey
	if sessionKey == "" {
		sessionKey = "cron:" + t.ID
	}
	s.logger.Info("cron trigger", "taskId", t.ID)
	_ = s.client.Emit(models.EventCronTrigger, &models.CronTriggerEvent{
		TaskID:     t.ID,
		Task:       t.Task,
		SessionKey: sessionKey,
		Notify:     t.Notify,
	})

	t.LastRun = time.Now().UTC()
	s.refreshNextRun(t)
	if err := s.store.Put(t); err != nil {
		s.logger.Warn("task lastRun persist failed", "taskId", t.ID, "error", err)
	}
}

func (s *Service) refreshNextRun(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[t.ID]; ok {
		t.NextRun = s.cron.Entry(entryID).Next
	}
}

// AddParams are the cron.add arguments.
type AddParams struct {
	ID         string   `json:"id,omitempty"`
	Name       string   `json:"name,omitempty"`
	Schedule   string   `json:"schedule"`
	Task       string   `json:"task"`
	SessionKey string   `json:"sessionKey,omitempty"`
	Notify     []string `json:"notify,omitempty"`
	Enabled    *bool    `json:"enabled,omitempty"`
}

func (s *Service) handleMethod(_ context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "cron.list":
		tasks := s.store.List()
		s.mu.Lock()
		for _, t := range tasks {
			if entryID, ok := s.entries[t.ID]; ok {
				t.NextRun = s.cron.Entry(entryID).Next
			}
		}
		s.mu.Unlock()
		return map[string]any{"tasks": tasks}, nil

	case "cron.add":
		var p AddParams
		if err := json.Unmarshal(params, &p); err != nil || p.Schedule == "" || p.Task == "" {
			return nil, bus.Errorf(bus.CodeInvalidArgument, "cron.add requires schedule and task")
		}
		if p.ID == "" {
			p.ID = uuid.NewString()[:8]
		}
		if _, exists := s.store.Get(p.ID); exists {
			return nil, bus.Errorf(bus.CodeAlreadyExists, "task %s already exists", p.ID)
		}
		enabled := true
		if p.Enabled != nil {
			enabled = *p.Enabled
		}
		now := time.Now().UTC()
		t := &Task{
			ID: p.ID, Name: p.Name, Schedule: p.Schedule, Task: p.Task,
			SessionKey: p.SessionKey, Notify: p.Notify, Enabled: enabled,
			CreatedAt: now, UpdatedAt: now,
		}
		if enabled {
			if err := s.schedule(t); err != nil {
				return nil, err
			}
			s.refreshNextRun(t)
		}
		if err := s.store.Put(t); err != nil {
			return nil, err
		}
		return t, nil

	case "cron.update":
		var p AddParams
		if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
			return nil, bus.Errorf(bus.CodeInvalidArgument, "cron.update requires id")
		}
		t, ok := s.store.Get(p.ID)
		if !ok {
			return nil, bus.Errorf(bus.CodeNotFound, "unknown task %s", p.ID)
		}
		if p.Schedule != "" {
			t.Schedule = p.Schedule
		}
		if p.Task != "" {
			t.Task = p.Task
		}
		if p.Name != "" {
			t.Name = p.Name
		}
		if p.SessionKey != "" {
			t.SessionKey = p.SessionKey
		}
		if p.Notify != nil {
			t.Notify = p.Notify
		}
		if p.Enabled != nil {
			t.Enabled = *p.Enabled
		}
		t.UpdatedAt = time.Now().UTC()
		if t.Enabled {
			if err := s.schedule(t); err != nil {
				return nil, err
			}
			s.refreshNextRun(t)
		} else {
			s.unschedule(t.ID)
			t.NextRun = time.Time{}
		}
		if err := s.store.Put(t); err != nil {
			return nil, err
		}
		return t, nil

	case "cron.remove":
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
			return nil, bus.Errorf(bus.CodeInvalidArgument, "cron.remove requires id")
		}
		s.unschedule(p.ID)
		existed, err := s.store.Remove(p.ID)
		if err != nil {
			return nil, err
		}
		if !existed {
			return nil, bus.Errorf(bus.CodeNotFound, "unknown task %s", p.ID)
		}
		return map[string]bool{"ok": true}, nil

	case "cron.run":
		var p struct {
			TaskID string `json:"taskId"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.TaskID == "" {
			return nil, bus.Errorf(bus.CodeInvalidArgument, "cron.run requires taskId")
		}
		if _, ok := s.store.Get(p.TaskID); !ok {
			return nil, bus.Errorf(bus.CodeNotFound, "unknown task %s", p.TaskID)
		}
		s.fire(p.TaskID, true)
		return map[string]bool{"ok": true}, nil
	}
	return nil, bus.Errorf(bus.CodeNoRoute, "unknown method %s", method)
}
