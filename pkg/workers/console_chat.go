package workers

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/bytechat/engine/pkg/domain"
	"github.com/bytechat/engine/pkg/engine"
	"github.com/bytechat/engine/pkg/logger"
)

type Completer interface {
	Complete(ctx context.Context, req domain.StreamRequest, onDelta func(fragment string)) (string, error)
	Restore(ctx context.Context) (engine.Resumption, bool, error)
	Continue(ctx context.Context, base domain.StreamRequest, onDelta func(fragment string)) (string, error)
}

type consoleChat struct {
	engine  Completer
	base    domain.StreamRequest
	in      io.Reader
	out     io.Writer
	history []domain.Message
}

// NewConsoleChat creates the interactive chat loop: one line in, one streamed
// answer out. The base request supplies the provider target, model, and
// credential; the conversation history accumulates across turns under a
// single session key.
func NewConsoleChat(completer Completer, base domain.StreamRequest, in io.Reader, out io.Writer) *consoleChat {
	if base.SessionKey == "" {
		base.SessionKey = uuid.NewString()
	}
	return &consoleChat{
		engine: completer,
		base:   base,
		in:     in,
		out:    out,
	}
}

func (c *consoleChat) Name() string { return "console_chat_worker" }

func (c *consoleChat) Start(ctx context.Context) error {
	slog.Info("Starting worker", "name", c.Name())
	defer slog.Info("Worker stopped", "name", c.Name())

	if err := c.resume(ctx); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.prompt()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" {
				c.prompt()
				continue
			}
			if err := c.turn(ctx, line); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
			c.prompt()
		}
	}
}

// resume picks up an interrupted answer from the previous run: the stored
// partial is printed first, then the continuation streams after it.
func (c *consoleChat) resume(ctx context.Context) error {
	resumption, ok, err := c.engine.Restore(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	slog.Info("resuming interrupted answer", "session", resumption.ConversationKey)
	fmt.Fprintf(c.out, "> %s\n", resumption.Prompt)
	fmt.Fprint(c.out, resumption.Answer)

	answer, err := c.engine.Continue(ctx, c.base, func(fragment string) {
		fmt.Fprint(c.out, fragment)
	})
	if err != nil {
		if errors.Is(err, engine.ErrNoCheckpoint) {
			return nil
		}
		fmt.Fprintf(c.out, "\nerror: %v\n", err)
		return nil
	}
	fmt.Fprintln(c.out)

	c.base.SessionKey = resumption.ConversationKey
	c.history = append(c.history,
		domain.Message{Role: domain.RoleUser, Content: resumption.Prompt},
		domain.Message{Role: domain.RoleAssistant, Content: answer},
	)
	return nil
}

func (c *consoleChat) turn(ctx context.Context, line string) error {
	c.history = append(c.history, domain.Message{Role: domain.RoleUser, Content: line})

	req := c.base
	req.Messages = c.history

	answer, err := c.engine.Complete(ctx, req, func(fragment string) {
		fmt.Fprint(c.out, fragment)
	})
	if err != nil {
		// The failed turn stays out of the history so a retry resends it
		// cleanly.
		c.history = c.history[:len(c.history)-1]
		slog.Warn("completion turn failed", logger.Err(err))
		return err
	}
	fmt.Fprintln(c.out)

	c.history = append(c.history, domain.Message{Role: domain.RoleAssistant, Content: answer})
	return nil
}

func (c *consoleChat) prompt() {
	fmt.Fprint(c.out, "> ")
}
