// Package engine runs the streaming completion loop: open the call, decode
// frames, checkpoint every text fragment, settle the quota ledger, and append
// the finished transcript to the session store.
package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bytechat/engine/pkg/domain"
	"github.com/bytechat/engine/pkg/logger"
	"github.com/bytechat/engine/pkg/sse"
	"github.com/bytechat/engine/pkg/transport"
)

type Dispatcher interface {
	Open(ctx context.Context, req domain.StreamRequest) (*transport.Call, error)
}

type CheckpointRepository interface {
	Save(ctx context.Context, cp domain.Checkpoint) error
	Get(ctx context.Context) (domain.Checkpoint, bool, error)
	Clear(ctx context.Context) error
}

type SessionRepository interface {
	Append(ctx context.Context, sessionKey string, msg domain.SessionMessage) (domain.Session, error)
}

type QuotaLedger interface {
	Apply(ctx context.Context, update domain.TokenUpdate) error
}

type Engine struct {
	dispatcher  Dispatcher
	checkpoints CheckpointRepository
	sessions    SessionRepository
	quota       QuotaLedger
	now         func() time.Time
}

func NewEngine(
	dispatcher Dispatcher,
	checkpoints CheckpointRepository,
	sessions SessionRepository,
	quota QuotaLedger,
) *Engine {
	return &Engine{
		dispatcher:  dispatcher,
		checkpoints: checkpoints,
		sessions:    sessions,
		quota:       quota,
		now:         time.Now,
	}
}

// Complete runs one streaming completion. Every text fragment is passed to
// onDelta in arrival order and checkpointed; control frames never reach the
// callback. The returned string is the full answer. The checkpoint survives
// a consumer teardown mid-stream (process kill or context cancellation) and
// an upstream error that cut off a partially streamed answer; every other
// outcome clears it.
func (e *Engine) Complete(ctx context.Context, req domain.StreamRequest, onDelta func(fragment string)) (string, error) {
	return e.complete(ctx, normalize(req), "", true, onDelta)
}

func (e *Engine) complete(
	ctx context.Context,
	req domain.StreamRequest,
	initialAnswer string,
	recordPrompt bool,
	onDelta func(fragment string),
) (string, error) {
	ctx = logger.ContextWithStreamID(ctx, uuid.NewString())

	slog.Info("opening completion stream",
		"target", req.Target, "model", req.Model, "session", req.SessionKey)

	call, err := e.dispatcher.Open(ctx, req)
	if err != nil {
		return "", err
	}
	defer func() { _ = call.Body.Close() }()

	if recordPrompt {
		if err := e.recordPrompt(ctx, req); err != nil {
			return "", err
		}
	}

	answer, err := e.stream(ctx, call, req, initialAnswer, onDelta)

	// A partially streamed answer stays resumable when the stream was cut off
	// rather than failed: consumer teardown via context cancellation, or an
	// upstream-reported error frame. Every other outcome clears the slot.
	var payloadErr *domain.UpstreamPayloadError
	cutOff := ctx.Err() != nil || errors.As(err, &payloadErr)
	interrupted := err != nil && cutOff && len(answer) > len(initialAnswer)
	if !interrupted {
		if clearErr := e.checkpoints.Clear(ctx); clearErr != nil {
			slog.Warn("clearing checkpoint after stream", logger.Err(clearErr))
		}
	}
	if err != nil {
		return "", err
	}

	if err := e.recordAnswer(ctx, req, answer); err != nil {
		return answer, err
	}

	slog.Info("completion stream finished",
		"session", req.SessionKey, "answer_len", len(answer))
	return answer, nil
}

// stream drains the decoded frames. A frame that fails to parse is logged and
// skipped; a frame that explicitly encodes an error aborts the stream.
func (e *Engine) stream(
	ctx context.Context,
	call *transport.Call,
	req domain.StreamRequest,
	answer string,
	onDelta func(fragment string),
) (string, error) {
	decoder := sse.NewDecoder(call.Body)

	for {
		frame, err := decoder.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return answer, nil
			}
			return answer, &domain.TransportError{Err: err}
		}
		if frame.Terminal {
			return answer, nil
		}

		delta, err := call.Adapter.ExtractDelta(frame.Data)
		if err != nil {
			var decodeErr *domain.DecodeError
			if errors.As(err, &decodeErr) {
				slog.Warn("skipping malformed frame", logger.Err(err))
				continue
			}
			return answer, err
		}

		if delta.TokenUpdate != nil {
			if err := e.quota.Apply(ctx, *delta.TokenUpdate); err != nil {
				slog.Warn("applying token update", logger.Err(err))
			}
			continue
		}
		if delta.Text == "" {
			continue
		}

		answer += delta.Text
		e.checkpoint(ctx, req, answer)
		onDelta(delta.Text)
	}
}

// checkpoint persists the partial answer. A failed write costs resumability,
// not the stream.
func (e *Engine) checkpoint(ctx context.Context, req domain.StreamRequest, answer string) {
	cp := domain.Checkpoint{
		ConversationKey:   req.SessionKey,
		Prompt:            req.LastUserPrompt(),
		AccumulatedAnswer: answer,
		SystemPrompt:      req.SystemPrompt(),
		InFlight:          true,
	}
	if err := e.checkpoints.Save(ctx, cp); err != nil {
		slog.Warn("saving checkpoint", logger.Err(err))
	}
}

func (e *Engine) recordPrompt(ctx context.Context, req domain.StreamRequest) error {
	prompt := req.LastUserPrompt()
	if prompt == "" {
		return nil
	}

	_, err := e.sessions.Append(ctx, req.SessionKey, domain.SessionMessage{
		ID:      uuid.NewString(),
		Role:    domain.RoleUser,
		Content: prompt,
		Model:   req.Model,
	})
	return err
}

func (e *Engine) recordAnswer(ctx context.Context, req domain.StreamRequest, answer string) error {
	if answer == "" {
		return nil
	}

	_, err := e.sessions.Append(ctx, req.SessionKey, domain.SessionMessage{
		ID:      uuid.NewString(),
		Role:    domain.RoleAssistant,
		Content: answer,
		Model:   req.Model,
	})
	return err
}

func normalize(req domain.StreamRequest) domain.StreamRequest {
	if req.Model == "" {
		req.Model = domain.DefaultModel
	}
	if req.Temperature == 0 {
		req.Temperature = domain.DefaultTemperature
	}
	if req.SessionKey == "" {
		req.SessionKey = uuid.NewString()
	}
	return req
}
