package service

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"policyrag/internal/domain"
	"policyrag/internal/metrics"
	"policyrag/internal/prompt"
)

// GreetingReply answers salutations without consulting the corpus.
const GreetingReply = "Hello 👋 I can help you understand company HR policies like leave, benefits and approvals."

// Apology is shown when a question could not be answered because of a system
// fault. It never coincides with prompt.RefusalSentence.
const Apology = "Sorry, the policy assistant is temporarily unavailable. Please try again shortly."

// InterruptedNotice is appended by user interfaces to an answer that stopped
// early.
const InterruptedNotice = "The answer was interrupted before it finished. Please try again."

var errFirstFragmentTimeout = errors.New("no answer fragment before deadline")

// Decider gates a raw question.
type Decider interface {
	Decide(ctx context.Context, raw string) (domain.Decision, error)
}

// Answer is the outcome of one question.
type Answer struct {
	RequestID uuid.UUID
	Kind      domain.DecisionKind
	Text      string
	// Incomplete marks text cut short by an interrupted stream.
	Incomplete bool
	Passages   []domain.ScoredEntry
}

// Options tune the generation step.
type Options struct {
	Stream bool
	// FirstFragmentTimeout bounds the wait for the first fragment, or for the
	// whole response when not streaming. Zero disables it.
	FirstFragmentTimeout time.Duration
	Metrics              *metrics.Metrics
	Logger               *zap.Logger
}

// Assistant runs the retrieval and generation pipeline for single questions.
// It holds no per-question state and is safe for concurrent use.
type Assistant struct {
	gate      Decider
	builder   *prompt.Builder
	generator domain.Generator
	opts      Options
	logger    *zap.Logger
}

func NewAssistant(gate Decider, builder *prompt.Builder, generator domain.Generator, opts Options) *Assistant {
	if builder == nil {
		builder = prompt.NewBuilder()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assistant{gate: gate, builder: builder, generator: generator, opts: opts, logger: logger}
}

// Ask answers question. onFragment, when set, receives the visible answer text
// in arrival order; greeting and refusal replies arrive as one fragment.
//
// Errors keep their domain kind. A stream that breaks after producing text
// returns the partial answer flagged Incomplete together with the error.
func (a *Assistant) Ask(ctx context.Context, question string, onFragment func(string)) (Answer, error) {
	answer := Answer{RequestID: uuid.New()}
	log := a.logger.With(zap.String("request_id", answer.RequestID.String()))
	emit := func(s string) {
		if onFragment != nil {
			onFragment(s)
		}
	}

	start := time.Now()
	decision, err := a.gate.Decide(ctx, question)
	if err != nil {
		a.fail(log, "retrieval failed", err)
		return answer, err
	}
	answer.Kind = decision.Kind
	a.opts.Metrics.ObserveDecision(decision.Kind.String(), decision.TopScore, time.Since(start))
	log.Info("question gated",
		zap.Stringer("decision", decision.Kind),
		zap.Float64("top_score", decision.TopScore),
		zap.String("reason", decision.Reason))

	switch decision.Kind {
	case domain.DecisionGreeting:
		answer.Text = GreetingReply
		emit(answer.Text)
		return answer, nil
	case domain.DecisionRefused:
		answer.Text = prompt.RefusalSentence
		emit(answer.Text)
		return answer, nil
	}

	if len(decision.Context) == 0 {
		// the gate never returns an answerable decision without context
		answer.Kind = domain.DecisionRefused
		answer.Text = prompt.RefusalSentence
		emit(answer.Text)
		return answer, nil
	}
	answer.Passages = decision.Passages

	req := a.builder.Build(decision.Context, question)
	if a.opts.Stream {
		err = a.stream(ctx, log, req, &answer, emit)
	} else {
		err = a.complete(ctx, log, req, &answer, emit)
	}
	if err != nil {
		a.fail(log, "generation failed", err)
		return answer, err
	}
	if strings.TrimSpace(answer.Text) == "" {
		log.Warn("generator returned an empty answer")
	}
	return answer, nil
}

func (a *Assistant) complete(ctx context.Context, log *zap.Logger, req domain.CompletionRequest, answer *Answer, emit func(string)) error {
	ctx, w := a.watch(ctx)
	defer w.stop()

	start := time.Now()
	text, err := a.generator.Complete(ctx, req)
	if err != nil {
		a.opts.Metrics.ObserveGeneration("complete", "error", time.Since(start))
		return w.classify(ctx, err)
	}
	if !w.received() {
		a.opts.Metrics.ObserveGeneration("complete", "error", time.Since(start))
		return w.classify(ctx, errFirstFragmentTimeout)
	}
	a.opts.Metrics.ObserveGeneration("complete", "ok", time.Since(start))
	a.opts.Metrics.ObserveFirstFragment(time.Since(start))
	log.Debug("answer generated", zap.Int("chars", len(text)))
	answer.Text = text
	if text != "" {
		emit(text)
	}
	return nil
}

func (a *Assistant) stream(ctx context.Context, log *zap.Logger, req domain.CompletionRequest, answer *Answer, emit func(string)) error {
	ctx, w := a.watch(ctx)
	defer w.stop()

	start := time.Now()
	var b strings.Builder
	fragments := 0
	for frag, err := range a.generator.Stream(ctx, req) {
		if err != nil {
			answer.Text = b.String()
			a.opts.Metrics.ObserveGeneration("stream", "error", time.Since(start))
			answer.Incomplete = fragments > 0
			return w.classify(ctx, err)
		}
		if frag == "" {
			continue
		}
		if !w.received() {
			break
		}
		if fragments == 0 {
			a.opts.Metrics.ObserveFirstFragment(time.Since(start))
		}
		fragments++
		b.WriteString(frag)
		emit(frag)
	}
	answer.Text = b.String()
	if fragments == 0 && w.timedOut() {
		a.opts.Metrics.ObserveGeneration("stream", "error", time.Since(start))
		return w.classify(ctx, context.Cause(ctx))
	}
	a.opts.Metrics.ObserveGeneration("stream", "ok", time.Since(start))
	log.Debug("answer streamed", zap.Int("fragments", fragments), zap.Int("chars", b.Len()))
	return nil
}

func (a *Assistant) fail(log *zap.Logger, msg string, err error) {
	kind := "unknown"
	var de *domain.Error
	switch {
	case errors.As(err, &de):
		kind = string(de.Kind)
	case errors.Is(err, context.Canceled), errors.Is(err, ErrSuperseded):
		kind = "canceled"
	}
	a.opts.Metrics.ObserveFailure(kind)
	if kind == "canceled" {
		log.Debug(msg, zap.Error(err))
		return
	}
	log.Error(msg, zap.String("kind", kind), zap.Error(err))
}

const (
	watchWaiting int32 = iota
	watchReceived
	watchExpired
)

// watchdog cancels a generation that produced nothing before its deadline.
type watchdog struct {
	state  atomic.Int32
	timer  *time.Timer
	cancel context.CancelCauseFunc
}

func (a *Assistant) watch(parent context.Context) (context.Context, *watchdog) {
	ctx, cancel := context.WithCancelCause(parent)
	w := &watchdog{cancel: cancel}
	if d := a.opts.FirstFragmentTimeout; d > 0 {
		w.timer = time.AfterFunc(d, func() {
			if w.state.CompareAndSwap(watchWaiting, watchExpired) {
				cancel(errFirstFragmentTimeout)
			}
		})
	}
	return ctx, w
}

// received records the first fragment. It reports false when the deadline
// already expired.
func (w *watchdog) received() bool {
	if w.state.CompareAndSwap(watchWaiting, watchReceived) {
		if w.timer != nil {
			w.timer.Stop()
		}
		return true
	}
	return w.state.Load() == watchReceived
}

func (w *watchdog) timedOut() bool { return w.state.Load() == watchExpired }

func (w *watchdog) stop() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.cancel(nil)
}

// classify turns a first-fragment timeout into a retryable
// DependencyUnavailable and lets caller cancellation win over the generator's
// report of it.
func (w *watchdog) classify(ctx context.Context, err error) error {
	if w.timedOut() {
		e := domain.Unavailable("generate", errFirstFragmentTimeout)
		e.Retryable = true
		return e
	}
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return err
}

// UserMessage returns the text to show for a failed question.
func UserMessage(err error) string {
	if errors.Is(err, domain.ErrStreamingInterrupted) {
		return InterruptedNotice
	}
	return Apology
}
