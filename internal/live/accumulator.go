package live

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/repository"
)

// Accumulator converts buffered transcription fragments into persisted
// turns. Persistence failures are logged and swallowed; durability is
// best-effort relative to the live experience and never reaches the client.
type Accumulator struct {
	store   repository.ConversationStore
	log     *logrus.Entry
	timeout time.Duration

	// wg tracks detached persistence goroutines so tests can drain them.
	wg sync.WaitGroup
}

// NewAccumulator creates a turn accumulator over the given store.
func NewAccumulator(store repository.ConversationStore, log *logrus.Entry) *Accumulator {
	return &Accumulator{
		store:   store,
		log:     log,
		timeout: 10 * time.Second,
	}
}

// FlushAsync drains the session's buffers immediately and persists the
// snapshot on a detached goroutine. Draining happens on the caller's
// goroutine (the session event loop), so fragment ordering is preserved and
// a duplicate boundary signal finds the buffers already empty. The caller
// never waits on storage.
func (a *Accumulator) FlushAsync(s *Session) {
	input, output := s.takeBuffers()
	if input == "" && output == "" {
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.persist(s, input, output)
	}()
}

// Flush drains and persists synchronously. Used on teardown, where there is
// no hot path to protect.
func (a *Accumulator) Flush(s *Session) {
	input, output := s.takeBuffers()
	if input == "" && output == "" {
		return
	}
	a.persist(s, input, output)
}

// AppendUserTurn persists user-authored text as a turn right away,
// independent of the transcription buffers. The caller forwards upstream
// only after this returns, so a user turn survives an upstream failure.
func (a *Accumulator) AppendUserTurn(s *Session, text string) {
	if text == "" {
		return
	}
	a.appendTurn(s, repository.RoleUser, text)
}

// Wait blocks until all detached persistence work has finished.
func (a *Accumulator) Wait() {
	a.wg.Wait()
}

func (a *Accumulator) persist(s *Session, input, output string) {
	if input != "" {
		a.appendTurn(s, repository.RoleUser, input)
	}
	if output != "" {
		a.appendTurn(s, repository.RoleModel, output)
	}
}

func (a *Accumulator) appendTurn(s *Session, role, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	seq, err := a.store.NextSequence(ctx, s.ConversationID)
	if err != nil {
		a.log.WithError(err).WithFields(logrus.Fields{
			"session_id":      s.ID,
			"conversation_id": s.ConversationID,
			"role":            role,
		}).Error("failed to allocate turn sequence")
		return
	}

	err = a.store.AppendTurn(ctx, repository.Turn{
		ConversationID: s.ConversationID,
		SessionID:      s.ID,
		Role:           role,
		Content:        text,
		Seq:            seq,
	})
	if err != nil {
		a.log.WithError(err).WithFields(logrus.Fields{
			"session_id":      s.ID,
			"conversation_id": s.ConversationID,
			"role":            role,
			"seq":             seq,
		}).Error("failed to persist turn")
	}
}
