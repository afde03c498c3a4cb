package engine

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytechat/engine/pkg/domain"
	"github.com/bytechat/engine/pkg/provider"
	"github.com/bytechat/engine/pkg/repository"
	"github.com/bytechat/engine/pkg/storage"
	"github.com/bytechat/engine/pkg/transport"
)

type testHarness struct {
	engine      *Engine
	checkpoints CheckpointRepository
	sessions    interface {
		SessionRepository
		Load(ctx context.Context) (domain.SessionCatalog, error)
	}
	quota interface {
		QuotaLedger
		State() domain.QuotaState
	}
}

func newHarness(t *testing.T, handler http.HandlerFunc) *testHarness {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	checkpoints := repository.NewCheckpointRepository(storage.NewMemory(0))
	sessions := repository.NewSessionRepository(storage.NewMemory(0), nil)
	quota := repository.NewQuotaRepository(storage.NewMemory(0))

	registry := provider.NewRegistry(provider.Config{MeteredBaseURL: srv.URL})
	dispatcher := transport.NewDispatcher(registry, quota)

	return &testHarness{
		engine:      NewEngine(dispatcher, checkpoints, sessions, quota),
		checkpoints: checkpoints,
		sessions:    sessions,
		quota:       quota,
	}
}

func sseHandler(frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range frames {
			_, _ = io.WriteString(w, "data: "+frame+"\n\n")
		}
	}
}

func meteredRequest(session string) domain.StreamRequest {
	return domain.StreamRequest{
		Target:     domain.ProviderOpenAI,
		Credential: domain.Credential{IdentityToken: "tok"},
		Messages:   []domain.Message{{Role: domain.RoleUser, Content: "tell me a story"}},
		SessionKey: session,
	}
}

func TestEngine_CompleteDeliversFragmentsInOrder(t *testing.T) {
	h := newHarness(t, sseHandler(
		`{"choices":[{"delta":{"content":"Once"}}]}`,
		`{"choices":[{"delta":{"content":" upon"}}]}`,
		`{"choices":[{"delta":{"content":" a time"}}]}`,
		`[DONE]`,
	))

	var fragments []string
	answer, err := h.engine.Complete(context.Background(), meteredRequest("s-1"), func(fragment string) {
		fragments = append(fragments, fragment)
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if answer != "Once upon a time" {
		t.Errorf("answer = %q", answer)
	}
	want := []string{"Once", " upon", " a time"}
	if len(fragments) != len(want) {
		t.Fatalf("fragments = %q, want %q", fragments, want)
	}
	for i := range want {
		if fragments[i] != want[i] {
			t.Errorf("fragment %d = %q, want %q", i, fragments[i], want[i])
		}
	}

	// The terminal sentinel is a protocol artifact, never content.
	for _, f := range fragments {
		if strings.Contains(f, "[DONE]") {
			t.Errorf("sentinel leaked into callback: %q", f)
		}
	}

	if _, ok, _ := h.checkpoints.Get(context.Background()); ok {
		t.Error("checkpoint survived a completed stream")
	}
}

func TestEngine_CompleteAppendsTranscript(t *testing.T) {
	h := newHarness(t, sseHandler(
		`{"choices":[{"delta":{"content":"An answer"}}]}`,
		`[DONE]`,
	))

	if _, err := h.engine.Complete(context.Background(), meteredRequest("s-1"), func(string) {}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	catalog, err := h.sessions.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	session, ok := catalog.Find("s-1")
	if !ok {
		t.Fatal("session not created")
	}
	if len(session.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want user + assistant", len(session.Messages))
	}
	if session.Messages[0].Role != domain.RoleUser || session.Messages[0].Content != "tell me a story" {
		t.Errorf("first message = %+v", session.Messages[0])
	}
	if session.Messages[1].Role != domain.RoleAssistant || session.Messages[1].Content != "An answer" {
		t.Errorf("second message = %+v", session.Messages[1])
	}
	if session.Messages[0].ID == "" || session.Messages[0].ID == session.Messages[1].ID {
		t.Error("messages need distinct non-empty IDs")
	}
	if catalog.CurrentSessionID != "s-1" {
		t.Errorf("CurrentSessionID = %q", catalog.CurrentSessionID)
	}
}

func TestEngine_CorruptFrameIsSkipped(t *testing.T) {
	h := newHarness(t, sseHandler(
		`{"choices":[{"delta":{"content":"Hello"}}]}`,
		`{not json at all`,
		`{"choices":[{"delta":{"content":" world"}}]}`,
		`[DONE]`,
	))

	var fragments []string
	answer, err := h.engine.Complete(context.Background(), meteredRequest("s-1"), func(fragment string) {
		fragments = append(fragments, fragment)
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if answer != "Hello world" {
		t.Errorf("answer = %q, want both valid deltas in order", answer)
	}
	if len(fragments) != 2 {
		t.Errorf("fragments = %q, want exactly the two valid deltas", fragments)
	}
}

func TestEngine_TokenUpdateSettlesLedgerNotCallback(t *testing.T) {
	h := newHarness(t, sseHandler(
		`{"choices":[{"delta":{"content":"done"}}]}`,
		`{"type":"token_update","tokens_left":500,"tokens_used":10}`,
		`[DONE]`,
	))

	var fragments []string
	if _, err := h.engine.Complete(context.Background(), meteredRequest("s-1"), func(fragment string) {
		fragments = append(fragments, fragment)
	}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if len(fragments) != 1 || fragments[0] != "done" {
		t.Errorf("fragments = %q, control frames must not reach the callback", fragments)
	}

	state := h.quota.State()
	if state.Remaining != 500 || state.Used != 10 {
		t.Errorf("quota state = %+v, want remaining 500 used 10", state)
	}
}

func TestEngine_UpstreamErrorAfterDeltasKeepsCheckpoint(t *testing.T) {
	h := newHarness(t, sseHandler(
		`{"choices":[{"delta":{"content":"partial"}}]}`,
		`{"error":"Insufficient tokens"}`,
	))

	_, err := h.engine.Complete(context.Background(), meteredRequest("s-1"), func(string) {})

	var payloadErr *domain.UpstreamPayloadError
	if !errors.As(err, &payloadErr) {
		t.Fatalf("Complete() error = %v, want UpstreamPayloadError", err)
	}

	// The partial answer was already streamed; it stays resumable.
	cp, ok, _ := h.checkpoints.Get(context.Background())
	if !ok || cp.AccumulatedAnswer != "partial" {
		t.Errorf("checkpoint = %+v, ok %v; want the streamed partial preserved", cp, ok)
	}
}

func TestEngine_UpstreamErrorBeforeDeltasClearsCheckpoint(t *testing.T) {
	h := newHarness(t, sseHandler(
		`{"error":"Insufficient tokens"}`,
	))

	_, err := h.engine.Complete(context.Background(), meteredRequest("s-1"), func(string) {})

	var payloadErr *domain.UpstreamPayloadError
	if !errors.As(err, &payloadErr) {
		t.Fatalf("Complete() error = %v, want UpstreamPayloadError", err)
	}

	// Nothing streamed, nothing to resume.
	if _, ok, _ := h.checkpoints.Get(context.Background()); ok {
		t.Error("checkpoint exists although no answer was streamed")
	}
}

func TestEngine_TransportFailureLeavesNoTranscript(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, "down for maintenance")
	})

	_, err := h.engine.Complete(context.Background(), meteredRequest("s-1"), func(string) {})

	var transportErr *domain.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("Complete() error = %v, want TransportError", err)
	}

	catalog, _ := h.sessions.Load(context.Background())
	if len(catalog.Sessions) != 0 {
		t.Error("failed call must not create a session")
	}
}

func TestEngine_CancellationMidStreamKeepsCheckpoint(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Once\"}}]}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	streamed := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		var once bool
		_, err := h.engine.Complete(ctx, meteredRequest("s-1"), func(string) {
			if !once {
				once = true
				close(streamed)
			}
		})
		done <- err
	}()

	select {
	case <-streamed:
	case <-time.After(5 * time.Second):
		t.Fatal("first delta never arrived")
	}
	cancel()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Complete() did not return after cancellation")
	}
	if err == nil {
		t.Fatal("Complete() returned nil on a torn-down stream")
	}

	// Teardown of the consumer is exactly what the resumption path detects:
	// the partial answer must still be there.
	cp, ok, getErr := h.checkpoints.Get(context.Background())
	if getErr != nil || !ok {
		t.Fatalf("Get() = ok %v, err %v; checkpoint must survive teardown", ok, getErr)
	}
	if cp.AccumulatedAnswer != "Once" || !cp.InFlight {
		t.Errorf("checkpoint = %+v, want the streamed partial still in flight", cp)
	}
}

func TestEngine_MidStreamReadFailureClearsCheckpoint(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Once\"}}]}\n\n")
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	})

	_, err := h.engine.Complete(context.Background(), meteredRequest("s-1"), func(string) {})

	var transportErr *domain.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("Complete() error = %v, want TransportError", err)
	}

	// A network failure is a failed call, not a teardown of the consumer.
	if _, ok, _ := h.checkpoints.Get(context.Background()); ok {
		t.Error("checkpoint survived a mid-stream read failure")
	}
}

func TestEngine_RestoreFreshCheckpoint(t *testing.T) {
	h := newHarness(t, sseHandler(`[DONE]`))
	ctx := context.Background()

	if err := h.checkpoints.Save(ctx, domain.Checkpoint{
		ConversationKey:   "conv-9",
		Prompt:            "tell me a story",
		AccumulatedAnswer: "Once upon a",
		SystemPrompt:      "be brief",
		InFlight:          true,
	}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Two minutes later the checkpoint still counts as interrupted.
	h.engine.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	resumption, ok, err := h.engine.Restore(ctx)
	if err != nil || !ok {
		t.Fatalf("Restore() = ok %v, err %v", ok, err)
	}
	if resumption.Answer != "Once upon a" {
		t.Errorf("Answer = %q, want the exact stored partial", resumption.Answer)
	}
	if resumption.Prompt != "tell me a story" || resumption.SystemPrompt != "be brief" {
		t.Errorf("resumption = %+v", resumption)
	}
}

func TestEngine_RestoreStaleCheckpointIsAbsent(t *testing.T) {
	h := newHarness(t, sseHandler(`[DONE]`))
	ctx := context.Background()

	if err := h.checkpoints.Save(ctx, domain.Checkpoint{
		AccumulatedAnswer: "old partial",
		InFlight:          true,
	}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	h.engine.now = func() time.Time { return time.Now().Add(10 * time.Minute) }

	if _, ok, err := h.engine.Restore(ctx); err != nil || ok {
		t.Errorf("Restore() = ok %v, err %v; a stale checkpoint is treated as absent", ok, err)
	}
}

func TestEngine_ContinueAppendsAfterStoredPartial(t *testing.T) {
	var gotBody string
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\" time, there was\"}}]}\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	})
	ctx := context.Background()

	if err := h.checkpoints.Save(ctx, domain.Checkpoint{
		ConversationKey:   "conv-9",
		Prompt:            "tell me a story",
		AccumulatedAnswer: "Once upon a",
		SystemPrompt:      "be brief",
		InFlight:          true,
	}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	base := domain.StreamRequest{
		Target:     domain.ProviderOpenAI,
		Credential: domain.Credential{IdentityToken: "tok"},
	}

	var fragments []string
	answer, err := h.engine.Continue(ctx, base, func(fragment string) {
		fragments = append(fragments, fragment)
	})
	if err != nil {
		t.Fatalf("Continue() error = %v", err)
	}

	if answer != "Once upon a time, there was" {
		t.Errorf("answer = %q, want stored partial plus fresh output", answer)
	}
	if len(fragments) != 1 || fragments[0] != " time, there was" {
		t.Errorf("fragments = %q, callback must see only the fresh output", fragments)
	}

	// The reissued request carries the original prompt and system prompt.
	if !strings.Contains(gotBody, "tell me a story") || !strings.Contains(gotBody, "be brief") {
		t.Errorf("reissued body = %s", gotBody)
	}

	if _, ok, _ := h.checkpoints.Get(ctx); ok {
		t.Error("checkpoint survived a successful continuation")
	}

	// Continuation records only the assistant transcript; the prompt was
	// recorded by the interrupted run.
	catalog, _ := h.sessions.Load(ctx)
	session, ok := catalog.Find("conv-9")
	if !ok {
		t.Fatal("continuation transcript missing")
	}
	if len(session.Messages) != 1 || session.Messages[0].Role != domain.RoleAssistant {
		t.Fatalf("messages = %+v, want the assistant transcript only", session.Messages)
	}
	if session.Messages[0].Content != "Once upon a time, there was" {
		t.Errorf("transcript = %q", session.Messages[0].Content)
	}
}

func TestEngine_ContinueWithoutCheckpoint(t *testing.T) {
	h := newHarness(t, sseHandler(`[DONE]`))

	_, err := h.engine.Continue(context.Background(), domain.StreamRequest{}, func(string) {})
	if !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("Continue() error = %v, want ErrNoCheckpoint", err)
	}
}
