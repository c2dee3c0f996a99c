package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	agentctx "github.com/jgarzik/brainpro/internal/agent/context"
	"github.com/jgarzik/brainpro/pkg/models"
)

// Summarize generates a summary of the given messages through the runtime's
// configured provider. It is the same path automatic context compaction uses
// internally, exported so operator-triggered compaction (the /compact
// command) can reuse it instead of duplicating the prompt and
// chunk-draining logic.
func (r *Runtime) Summarize(ctx context.Context, messages []*models.Message, maxLength int) (string, error) {
	return (&llmSummaryProvider{runtime: r}).Summarize(ctx, messages, maxLength)
}

// ForceCompact summarizes a session's history unconditionally, ignoring the
// MaxMsgsBeforeSummary trigger that gates the automatic path in run(), and
// appends the resulting summary message to the session store. It backs the
// operator's /compact command on top of
// the same agentctx summarization helpers run() uses for the automatic case,
// so the two paths never disagree about what a summary message looks like.
//
// Returns (nil, nil) when there is nothing worth summarizing (fewer messages
// than KeepRecentMessages since the last summary).
func (r *Runtime) ForceCompact(ctx context.Context, session *models.Session) (*models.Message, error) {
	if session == nil {
		return nil, fmt.Errorf("force compact: nil session")
	}

	cfg := agentctx.DefaultSummarizationConfig()
	if r.summarizeConfig != nil {
		cfg = *r.summarizeConfig
	}

	history, err := r.sessions.GetHistory(ctx, session.ID, 0)
	if err != nil {
		return nil, fmt.Errorf("force compact: load history: %w", err)
	}
	history = repairTranscript(history)

	summaryMsg := agentctx.FindLatestSummary(history)
	toSummarize := agentctx.GetMessagesToSummarize(history, summaryMsg, cfg.KeepRecentMessages)
	if len(toSummarize) == 0 {
		return nil, nil
	}

	content, err := r.Summarize(ctx, toSummarize, cfg.MaxSummaryLength)
	if err != nil {
		return nil, fmt.Errorf("force compact: summarize: %w", err)
	}

	var coversUntil string
	if last := toSummarize[len(toSummarize)-1]; last != nil {
		coversUntil = last.ID
	}

	newSummary := agentctx.CreateSummaryMessage(session.ID, content, coversUntil)
	newSummary.ID = uuid.NewString()
	newSummary.CreatedAt = time.Now()

	if err := r.sessions.AppendMessage(ctx, session.ID, newSummary); err != nil {
		return nil, fmt.Errorf("force compact: persist summary: %w", err)
	}
	return newSummary, nil
}
