package service

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrSuperseded cancels a turn when a newer question is submitted.
var ErrSuperseded = errors.New("superseded by a newer question")

// Asker answers one question.
type Asker interface {
	Ask(ctx context.Context, question string, onFragment func(string)) (Answer, error)
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one accepted transcript entry.
type Message struct {
	Role       Role
	Text       string
	RequestID  uuid.UUID
	Incomplete bool
	Failed     bool
}

// Session keeps the transcript of one user and runs at most one question at
// a time. Submitting a new question cancels the one in flight; whatever the
// cancelled turn produces afterwards is discarded.
type Session struct {
	asker Asker

	mu         sync.Mutex
	seq        uint64
	latest     *Turn
	transcript []Message
}

func NewSession(asker Asker) *Session {
	return &Session{asker: asker}
}

// Turn is one submitted question.
type Turn struct {
	ID       uint64
	Question string

	session   *Session
	cancel    context.CancelCauseFunc
	done      chan struct{}
	abandoned bool
	answer    Answer
	err       error
}

// Submit starts answering question in the background. onFragment receives
// fragments only while the turn is current.
func (s *Session) Submit(ctx context.Context, question string, onFragment func(string)) *Turn {
	turnCtx, cancel := context.WithCancelCause(ctx)

	s.mu.Lock()
	prev := s.latest
	if prev != nil {
		prev.cancel(ErrSuperseded)
	}
	s.seq++
	t := &Turn{
		ID:       s.seq,
		Question: question,
		session:  s,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.latest = t
	s.transcript = append(s.transcript, Message{Role: RoleUser, Text: question})
	s.mu.Unlock()

	go t.run(turnCtx, prev, onFragment)
	return t
}

func (t *Turn) run(ctx context.Context, prev *Turn, onFragment func(string)) {
	defer close(t.done)
	defer t.cancel(nil)

	if prev != nil {
		// one pipeline per session
		<-prev.done
	}
	if err := context.Cause(ctx); err != nil {
		t.finish(Answer{}, err)
		return
	}

	answer, err := t.session.asker.Ask(ctx, t.Question, func(frag string) {
		if onFragment != nil && t.Current() {
			onFragment(frag)
		}
	})
	t.finish(answer, err)
}

func (t *Turn) finish(answer Answer, err error) {
	s := t.session
	s.mu.Lock()
	defer s.mu.Unlock()

	t.answer, t.err = answer, err
	if !t.currentLocked() {
		return
	}

	msg := Message{
		Role:       RoleAssistant,
		Text:       answer.Text,
		RequestID:  answer.RequestID,
		Incomplete: answer.Incomplete,
	}
	if err != nil && answer.Text == "" {
		msg.Text = UserMessage(err)
		msg.Failed = true
	}
	s.transcript = append(s.transcript, msg)
}

// Current reports whether t is still the newest turn of its session.
func (t *Turn) Current() bool {
	t.session.mu.Lock()
	defer t.session.mu.Unlock()
	return t.currentLocked()
}

func (t *Turn) currentLocked() bool {
	return t.session.latest == t && !t.abandoned
}

// Cancel abandons the turn. Its result is not added to the transcript.
func (t *Turn) Cancel() {
	t.session.mu.Lock()
	t.abandoned = true
	t.session.mu.Unlock()
	t.cancel(context.Canceled)
}

// Done is closed when the turn has finished.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Wait blocks until the turn finishes or ctx is done.
func (t *Turn) Wait(ctx context.Context) (Answer, error) {
	select {
	case <-t.done:
		return t.answer, t.err
	case <-ctx.Done():
		return Answer{}, ctx.Err()
	}
}

// Transcript returns a copy of the accepted messages, oldest first.
func (s *Session) Transcript() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Close cancels the turn in flight, if any.
func (s *Session) Close() {
	s.mu.Lock()
	cur := s.latest
	s.mu.Unlock()
	if cur != nil {
		cur.Cancel()
	}
}
