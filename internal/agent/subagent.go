package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/chozzz/vargos/internal/sessionkey"
	"github.com/chozzz/vargos/pkg/models"
)

const (
	subagentResponseHead = 500
	parentResumeTask     = "a sub-agent completed; summarize and continue"
)

// announceSubagentCompletion runs after a successful, non-retriggered run
// on a sub-agent session: it appends a system message describing the child
// to the parent, and re-enqueues the parent when its root is
// channel-rooted. The re-enqueue goes through the gateway's agent.run
// method like any external caller, which is what lets the runtime depend
// on itself without a direct reference.
func (r *Runtime) announceSubagentCompletion(req *RunRequest, result *RunResult, duration time.Duration) {
	if !sessionkey.IsSubagent(req.SessionKey) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	parentKey := r.parentKeyOf(ctx, req.SessionKey)
	if parentKey == "" {
		return
	}

	head := result.Response
	if len(head) > subagentResponseHead {
		head = head[:subagentResponseHead]
	}
	status := "completed"
	if !result.Success {
		status = "failed"
	}
	announcement := &models.SessionMessage{
		SessionKey: parentKey,
		Role:       models.RoleSystem,
		Content: fmt.Sprintf("Sub-agent %s %s after %s. Response: %s",
			req.SessionKey, status, duration.Round(time.Second), head),
		Metadata: map[string]any{
			"type":         "subagentCompletion",
			"childKey":     req.SessionKey,
			"status":       status,
			"durationMs":   duration.Milliseconds(),
			"responseHead": head,
		},
	}
	if err := r.gateway.CallInto(ctx, "session.addMessage", announcement, nil, sessionCallTimeout); err != nil {
		r.logger.Warn("subagent announcement failed", "parent", parentKey, "error", err)
		return
	}

	if !sessionkey.IsChannelRooted(parentKey) {
		return
	}

	// The re-prompt bypasses the message.received path, so nothing else
	// would deliver its reply: send it to the channel target here.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		var parentResult RunResult
		err := r.gateway.CallInto(ctx, "agent.run", &RunRequest{
			SessionKey: parentKey,
			Task:       parentResumeTask,
			Retrigger:  true,
		}, &parentResult, 10*time.Minute)
		if err != nil {
			r.logger.Warn("parent re-prompt failed", "parent", parentKey, "error", err)
			return
		}
		if !parentResult.Success || parentResult.Response == "" {
			return
		}
		channel, userID, ok := sessionkey.ChannelTarget(parentKey)
		if !ok {
			return
		}
		err = r.gateway.CallInto(ctx, "channel.send", map[string]string{
			"channel": channel,
			"userId":  userID,
			"text":    parentResult.Response,
		}, nil, time.Minute)
		if err != nil {
			r.logger.Warn("parent reply delivery failed", "parent", parentKey, "error", err)
		}
	}()
}

// parentKeyOf reads the child session's parentSessionKey metadata, falling
// back to the key's root.
func (r *Runtime) parentKeyOf(ctx context.Context, childKey string) string {
	var sess models.Session
	err := r.gateway.CallInto(ctx, "session.get",
		map[string]string{"sessionKey": childKey}, &sess, sessionCallTimeout)
	if err == nil {
		if parent := sess.MetadataString("parentSessionKey"); parent != "" {
			return parent
		}
	}
	return sessionkey.Root(childKey)
}
