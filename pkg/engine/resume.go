package engine

import (
	"context"
	"errors"
	"time"

	"github.com/bytechat/engine/pkg/domain"
)

// resumptionFreshness bounds how old a checkpoint may be and still count as
// an interrupted stream. Anything older is treated as absent.
const resumptionFreshness = 5 * time.Minute

// ErrNoCheckpoint is returned by Continue when no resumable checkpoint
// exists.
var ErrNoCheckpoint = errors.New("no resumable checkpoint")

// Resumption is an interrupted stream as seen on the next start: the partial
// answer already generated plus enough of the original request to reissue it.
type Resumption struct {
	ConversationKey string
	Prompt          string
	SystemPrompt    string
	Answer          string
}

// Restore reports whether the previous run was torn down mid-stream. Only a
// checkpoint still marked in-flight and younger than the freshness window
// qualifies; a stale one is ignored rather than cleared, since the next
// completed call removes it anyway.
func (e *Engine) Restore(ctx context.Context) (Resumption, bool, error) {
	cp, ok, err := e.checkpoints.Get(ctx)
	if err != nil {
		return Resumption{}, false, err
	}
	if !ok || !cp.InFlight || e.now().Sub(cp.CapturedAt) > resumptionFreshness {
		return Resumption{}, false, nil
	}

	return Resumption{
		ConversationKey: cp.ConversationKey,
		Prompt:          cp.Prompt,
		SystemPrompt:    cp.SystemPrompt,
		Answer:          cp.AccumulatedAnswer,
	}, true, nil
}

// Continue reissues the interrupted request as a brand-new completion and
// appends the fresh output after the stored partial answer. The result is a
// literal concatenation: the upstream regenerates from scratch, so the seam
// may repeat a few words. onDelta receives only the fresh fragments; the
// stored partial comes from Restore. A successful continuation clears the
// checkpoint.
func (e *Engine) Continue(ctx context.Context, base domain.StreamRequest, onDelta func(fragment string)) (string, error) {
	resumption, ok, err := e.Restore(ctx)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNoCheckpoint
	}

	req := normalize(base)
	req.SessionKey = resumption.ConversationKey
	req.Messages = nil
	if resumption.SystemPrompt != "" {
		req.Messages = append(req.Messages, domain.Message{
			Role:    domain.RoleSystem,
			Content: resumption.SystemPrompt,
		})
	}
	req.Messages = append(req.Messages, domain.Message{
		Role:    domain.RoleUser,
		Content: resumption.Prompt,
	})

	// The prompt was already recorded by the interrupted run.
	return e.complete(ctx, req, resumption.Answer, false, onDelta)
}
