package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jgarzik/brainpro/internal/cron"
	"github.com/jgarzik/brainpro/internal/reply"
	"github.com/jgarzik/brainpro/internal/sessions"
	"github.com/jgarzik/brainpro/pkg/models"
)

// CronAgentRunner returns the cron.AgentRunner the daemon registers on its
// scheduler: each agent-type job runs its rendered prompt through the
// runtime in a session dedicated to that job, serialized against any other
// turn on the same session. The result is broadcast as a cron.result event
// unless the model answered with the silent-reply token, which scheduled
// prompts use to mean "nothing worth reporting this run".
func (d *Daemon) CronAgentRunner() cron.AgentRunner {
	return cron.AgentRunnerFunc(func(ctx context.Context, job *cron.Job) error {
		if d.runtime == nil || d.sessions == nil {
			return fmt.Errorf("runtime unavailable")
		}
		if job == nil || job.Message == nil {
			return fmt.Errorf("missing agent payload")
		}

		channelID := strings.TrimSpace(job.Message.ChannelID)
		if channelID == "" {
			channelID = "cron-" + job.ID
		}
		key := sessions.SessionKey(d.defaultAgentID, models.ChannelAPI, channelID)
		session, err := d.sessions.GetOrCreate(ctx, key, d.defaultAgentID, models.ChannelAPI, channelID)
		if err != nil {
			return fmt.Errorf("cron session: %w", err)
		}

		release, err := d.locks.Acquire(ctx, session.ID, "cron", 0)
		if err != nil {
			return fmt.Errorf("session busy: %w", err)
		}
		defer release()

		msg := &models.Message{
			ID:        uuid.NewString(),
			SessionID: session.ID,
			Channel:   session.Channel,
			ChannelID: session.ChannelID,
			Direction: models.DirectionInbound,
			Role:      models.RoleUser,
			Content:   job.Message.Content,
			CreatedAt: time.Now(),
		}
		chunks, err := d.runtime.Process(ctx, session, msg)
		if err != nil {
			return err
		}

		var out strings.Builder
		for chunk := range chunks {
			if chunk.Error != nil {
				return chunk.Error
			}
			out.WriteString(chunk.Text)
		}

		text := out.String()
		if reply.IsSilentReplyText(text) {
			return nil
		}
		data, err := json.Marshal(map[string]string{
			"job_id":   job.ID,
			"job_name": job.Name,
			"content":  reply.StripHeartbeatToken(text),
		})
		if err != nil {
			return err
		}
		d.broadcast(session.ID, "cron.result", data)
		return nil
	})
}
