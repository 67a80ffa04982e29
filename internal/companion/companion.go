// Package companion orchestrates grounded replies: explicit answers to the
// writer's questions and realtime reflections while they type.
//
// Both paths retrieve a context bundle, stream a completion and relay it into
// the thread. An empty bundle means there is nothing to ground on and no
// completion is requested.
package companion

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflectd/internal/assembler"
	"github.com/fyrsmithlabs/reflectd/internal/autosave"
	"github.com/fyrsmithlabs/reflectd/internal/llm"
	"github.com/fyrsmithlabs/reflectd/internal/logging"
	"github.com/fyrsmithlabs/reflectd/internal/memory"
	"github.com/fyrsmithlabs/reflectd/internal/reflection"
	"github.com/fyrsmithlabs/reflectd/internal/stream"
	"github.com/fyrsmithlabs/reflectd/internal/thread"
)

const instrumentationName = "github.com/fyrsmithlabs/reflectd/internal/companion"

var tracer = otel.Tracer("reflectd.companion")

// ErrEmptyQuestion is returned by Ask for a blank question.
var ErrEmptyQuestion = errors.New("question cannot be empty")

// ContextSource assembles context bundles; *assembler.Assembler implements it.
type ContextSource interface {
	GetContext(ctx context.Context, query string, opts assembler.Options) *assembler.Bundle
}

// Relayer moves a token stream into a thread; *stream.Relay implements it.
type Relayer interface {
	Run(ctx context.Context, tokens <-chan string, errs <-chan error, opts stream.Options) stream.Result
}

// Config controls generation.
type Config struct {
	// AnswerWithoutContext lets Ask generate when the bundle is empty.
	AnswerWithoutContext bool
}

// Dependencies groups the collaborators of a Service.
type Dependencies struct {
	Context  ContextSource
	Provider llm.Provider
	Threads  stream.Sink
	Relay    Relayer
	// Saver receives the writer's questions; nil disables saving them.
	Saver autosave.Enqueuer
}

// Service answers questions and emits reflections.
type Service struct {
	deps     Dependencies
	cfg      Config
	logger   *zap.Logger
	requests metric.Int64Counter
}

var _ reflection.Emitter = (*Service)(nil)

// New creates a Service. A nil Provider is replaced by llm.Unconfigured.
func New(deps Dependencies, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Provider == nil {
		deps.Provider = llm.Unconfigured{}
	}
	s := &Service{deps: deps, cfg: cfg, logger: logger}

	var err error
	s.requests, err = otel.Meter(instrumentationName).Int64Counter(
		"reflectd.companion.requests_total",
		metric.WithDescription("Companion generations by kind and outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn("failed to create companion requests counter", zap.Error(err))
	}
	return s
}

// AskRequest is an explicit question in a thread.
type AskRequest struct {
	ThreadID string
	UserID   string
	Question string
	// OnToken, if set, receives each answer token as it is applied.
	OnToken func(token string)
}

// Answer reports an Ask call.
type Answer struct {
	QuestionID     string         `json:"questionId"`
	Result         stream.Result  `json:"result"`
	RelatedEntries []EntryRef     `json:"relatedEntries"`
	Tier           assembler.Tier `json:"tier"`
}

// EntryRef identifies a journal entry that grounded an answer.
type EntryRef struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// Ask records the question, grounds it and streams the answer into the
// thread. It returns once the stream has ended.
func (s *Service) Ask(ctx context.Context, req AskRequest) (Answer, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return Answer{}, ErrEmptyQuestion
	}
	if req.ThreadID == "" {
		req.ThreadID = thread.GlobalID
	}

	ctx = logging.WithThreadID(logging.WithUserID(ctx, req.UserID), req.ThreadID)
	ctx, span := tracer.Start(ctx, "companion.Ask")
	defer span.End()
	log := logging.For(ctx, s.logger)

	msg := s.deps.Threads.Create(req.ThreadID, thread.NewMessage{Role: thread.RoleUser, Content: question})
	if s.deps.Saver != nil {
		s.deps.Saver.Enqueue(question, autosave.Options{
			UserID:   req.UserID,
			Source:   memory.SourceConversation,
			SourceID: req.ThreadID,
			Metadata: map[string]string{"role": string(thread.RoleUser), "messageId": msg.ID},
		})
	}

	bundle := s.deps.Context.GetContext(ctx, question, assembler.Options{UserID: req.UserID})
	answer := Answer{QuestionID: msg.ID, Tier: bundle.Tier, RelatedEntries: refs(bundle)}
	span.SetAttributes(attribute.String("tier", string(bundle.Tier)))

	if bundle.Empty() && !s.cfg.AnswerWithoutContext {
		log.Debug("no context to ground answer, skipping generation")
		answer.Result = stream.Result{Outcome: stream.OutcomeEmpty}
		s.record(ctx, "ask", stream.OutcomeEmpty)
		return answer, nil
	}

	tokens, errs := s.deps.Provider.Stream(ctx, llm.Request{
		System: askSystem,
		Prompt: askPrompt(bundle, question),
		Kind:   llm.KindReasoning,
	})
	answer.Result = s.deps.Relay.Run(ctx, tokens, errs, stream.Options{
		ThreadID: req.ThreadID,
		UserID:   req.UserID,
		Role:     thread.RoleAssistant,
		OnToken:  req.OnToken,
	})
	s.record(ctx, "ask", answer.Result.Outcome)
	return answer, nil
}

// Reflect streams a realtime reflection on req.Target. Reflections on an
// entry thread are saved against that entry.
func (s *Service) Reflect(ctx context.Context, req reflection.Request) {
	ctx = logging.WithThreadID(logging.WithUserID(ctx, req.UserID), req.ThreadID)
	ctx, span := tracer.Start(ctx, "companion.Reflect")
	defer span.End()
	log := logging.For(ctx, s.logger)

	bundle := s.deps.Context.GetContext(ctx, req.Target, assembler.Options{UserID: req.UserID})
	span.SetAttributes(attribute.String("tier", string(bundle.Tier)))
	if bundle.Empty() {
		log.Debug("no context to ground reflection, skipping generation")
		s.record(ctx, "reflect", stream.OutcomeEmpty)
		return
	}

	tokens, errs := s.deps.Provider.Stream(ctx, llm.Request{
		System: reflectSystem,
		Prompt: reflectPrompt(bundle, req.Target),
		Kind:   llm.KindRealtime,
	})
	res := s.deps.Relay.Run(ctx, tokens, errs, stream.Options{
		ThreadID: req.ThreadID,
		UserID:   req.UserID,
		Role:     thread.RoleAssistant,
		Realtime: true,
		Basis:    req.Target,
		SourceID: thread.EntryID(req.ThreadID),
	})
	s.record(ctx, "reflect", res.Outcome)
}

func (s *Service) record(ctx context.Context, kind string, outcome stream.Outcome) {
	if s.requests == nil {
		return
	}
	s.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", string(outcome)),
	))
}

func refs(b *assembler.Bundle) []EntryRef {
	out := make([]EntryRef, 0, len(b.RelatedEntries))
	for _, e := range b.RelatedEntries {
		out = append(out, EntryRef{ID: e.ID, Title: e.Title})
	}
	return out
}
