package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policyrag/internal/domain"
)

// scriptedAsker answers each question with the matching script entry.
type scriptedAsker struct {
	mu      sync.Mutex
	scripts map[string]func(ctx context.Context, onFragment func(string)) (Answer, error)
	active  int
	maxSeen int
}

func (s *scriptedAsker) Ask(ctx context.Context, question string, onFragment func(string)) (Answer, error) {
	s.mu.Lock()
	s.active++
	s.maxSeen = max(s.maxSeen, s.active)
	script := s.scripts[question]
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()
	return script(ctx, onFragment)
}

func immediate(text string) func(context.Context, func(string)) (Answer, error) {
	return func(_ context.Context, onFragment func(string)) (Answer, error) {
		onFragment(text)
		return Answer{Kind: domain.DecisionAnswerable, Text: text}, nil
	}
}

// stalled emits one fragment, waits to be cancelled, then emits a late one.
func stalled(started chan<- struct{}) func(context.Context, func(string)) (Answer, error) {
	return func(ctx context.Context, onFragment func(string)) (Answer, error) {
		onFragment("stale ")
		close(started)
		<-ctx.Done()
		onFragment("late")
		return Answer{Text: "stale late", Incomplete: true}, context.Cause(ctx)
	}
}

func waitTurn(t *testing.T, turn *Turn) (Answer, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ans, err := turn.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return ans, err
}

type fragmentLog struct {
	mu   sync.Mutex
	frag []string
}

func (l *fragmentLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frag = append(l.frag, s)
}

func (l *fragmentLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.frag...)
}

func TestSession_SingleTurn(t *testing.T) {
	s := NewSession(&scriptedAsker{scripts: map[string]func(context.Context, func(string)) (Answer, error){
		"q1": immediate("a1"),
	}})

	var frags fragmentLog
	turn := s.Submit(context.Background(), "q1", frags.add)
	ans, err := waitTurn(t, turn)
	require.NoError(t, err)
	assert.Equal(t, "a1", ans.Text)
	assert.Equal(t, []string{"a1"}, frags.all())
	assert.Equal(t, []Message{
		{Role: RoleUser, Text: "q1"},
		{Role: RoleAssistant, Text: "a1"},
	}, s.Transcript())
	assert.True(t, turn.Current())
}

func TestSession_NewQuestionSupersedesInFlight(t *testing.T) {
	started := make(chan struct{})
	asker := &scriptedAsker{scripts: map[string]func(context.Context, func(string)) (Answer, error){
		"q1": stalled(started),
		"q2": immediate("a2"),
	}}
	s := NewSession(asker)

	var first, second fragmentLog
	t1 := s.Submit(context.Background(), "q1", first.add)
	<-started
	t2 := s.Submit(context.Background(), "q2", second.add)

	_, err := waitTurn(t, t1)
	assert.ErrorIs(t, err, ErrSuperseded)
	ans, err := waitTurn(t, t2)
	require.NoError(t, err)
	assert.Equal(t, "a2", ans.Text)

	assert.Equal(t, []string{"stale "}, first.all())
	assert.Equal(t, []string{"a2"}, second.all())
	assert.False(t, t1.Current())
	assert.Equal(t, []Message{
		{Role: RoleUser, Text: "q1"},
		{Role: RoleUser, Text: "q2"},
		{Role: RoleAssistant, Text: "a2"},
	}, s.Transcript())
	assert.Equal(t, 1, asker.maxSeen)
}

func TestSession_FailedTurnRecordsApology(t *testing.T) {
	s := NewSession(&scriptedAsker{scripts: map[string]func(context.Context, func(string)) (Answer, error){
		"q1": func(context.Context, func(string)) (Answer, error) {
			return Answer{}, domain.Unavailable("chat", errors.New("down"))
		},
	}})

	_, err := waitTurn(t, s.Submit(context.Background(), "q1", nil))
	require.ErrorIs(t, err, domain.ErrDependencyUnavailable)

	tr := s.Transcript()
	require.Len(t, tr, 2)
	assert.Equal(t, Apology, tr[1].Text)
	assert.True(t, tr[1].Failed)
}

func TestSession_InterruptedTurnKeepsPartialText(t *testing.T) {
	s := NewSession(&scriptedAsker{scripts: map[string]func(context.Context, func(string)) (Answer, error){
		"q1": func(_ context.Context, onFragment func(string)) (Answer, error) {
			onFragment("Employees may")
			return Answer{Text: "Employees may", Incomplete: true}, domain.Interrupted("chat stream", errors.New("eof"))
		},
	}})

	_, err := waitTurn(t, s.Submit(context.Background(), "q1", nil))
	require.ErrorIs(t, err, domain.ErrStreamingInterrupted)

	tr := s.Transcript()
	require.Len(t, tr, 2)
	assert.Equal(t, "Employees may", tr[1].Text)
	assert.True(t, tr[1].Incomplete)
	assert.False(t, tr[1].Failed)
}

func TestSession_CancelDropsResult(t *testing.T) {
	started := make(chan struct{})
	s := NewSession(&scriptedAsker{scripts: map[string]func(context.Context, func(string)) (Answer, error){
		"q1": stalled(started),
	}})

	turn := s.Submit(context.Background(), "q1", nil)
	<-started
	turn.Cancel()

	_, err := waitTurn(t, turn)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, turn.Current())
	assert.Equal(t, []Message{{Role: RoleUser, Text: "q1"}}, s.Transcript())
}

func TestSession_CloseCancelsInFlight(t *testing.T) {
	started := make(chan struct{})
	s := NewSession(&scriptedAsker{scripts: map[string]func(context.Context, func(string)) (Answer, error){
		"q1": stalled(started),
	}})

	turn := s.Submit(context.Background(), "q1", nil)
	<-started
	s.Close()

	select {
	case <-turn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not finish after Close")
	}
	assert.Len(t, s.Transcript(), 1)
}
