// Package flow runs simulated patient encounters.
//
// A TurnExecutor opens the session for a thread on its first message and
// answers every doctor utterance with exactly one actor reply. The persona
// instructions are sent whenever the thread's saved context does not already
// start with them. Model failures never fail a turn.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/BTreeMap/PatientSim/internal/casegen"
	"github.com/BTreeMap/PatientSim/internal/genai"
	"github.com/BTreeMap/PatientSim/internal/models"
	"github.com/BTreeMap/PatientSim/internal/persona"
	"github.com/BTreeMap/PatientSim/internal/store"
)

const (
	// DefaultActorTemperature keeps the patient's phrasing consistent.
	DefaultActorTemperature = 0.5
	// FallbackReply is returned when the actor model fails.
	FallbackReply = "..."
)

// CaseGenerator produces the patient case for a new session.
type CaseGenerator interface {
	Generate(ctx context.Context) casegen.Result
}

// TurnRequest is one doctor utterance on a thread.
type TurnRequest struct {
	ThreadID string
	OwnerID  string
	Message  string
}

// ModelTurnInput is the role-tagged input of one actor invocation: the persona
// instructions on the session-creating turn, then the doctor utterance.
type ModelTurnInput []genai.Message

// TurnResult is the patient's answer to one utterance.
type TurnResult struct {
	Reply       string
	PatientInfo models.PatientInfo
	// Created is true when this turn opened the session.
	Created bool
	// Degraded is true when the reply or the case is a fallback.
	Degraded bool
	// Proposed is true when the message names one of the case's treatments.
	Proposed bool
	// Input is the model input built for this turn, excluding prior history.
	Input ModelTurnInput `json:"-"`
}

// TurnExecutor handles chat turns against a session store and an actor model.
type TurnExecutor struct {
	sessions     store.SessionStore
	cases        CaseGenerator
	actor        genai.ClientInterface
	checkpoints  Checkpointer
	temperature  float64
	requireOwner bool
	now          func() time.Time
	creating     singleflight.Group
}

// ExecutorOption configures a TurnExecutor.
type ExecutorOption func(*TurnExecutor)

// WithCheckpointer sets the continuity mechanism. Defaults to a MemoryCheckpointer.
func WithCheckpointer(cp Checkpointer) ExecutorOption {
	return func(e *TurnExecutor) { e.checkpoints = cp }
}

// WithRequireOwner makes a blank owner ID a bad request.
func WithRequireOwner(require bool) ExecutorOption {
	return func(e *TurnExecutor) { e.requireOwner = require }
}

// WithActorTemperature overrides the actor sampling temperature.
func WithActorTemperature(t float64) ExecutorOption {
	return func(e *TurnExecutor) { e.temperature = t }
}

// WithClock overrides the session creation clock.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *TurnExecutor) { e.now = now }
}

// NewTurnExecutor creates a TurnExecutor.
func NewTurnExecutor(sessions store.SessionStore, cases CaseGenerator, actor genai.ClientInterface, opts ...ExecutorOption) *TurnExecutor {
	e := &TurnExecutor{
		sessions:    sessions,
		cases:       cases,
		actor:       actor,
		temperature: DefaultActorTemperature,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.checkpoints == nil {
		e.checkpoints = NewMemoryCheckpointer()
	}
	return e
}

// HandleTurn answers one doctor utterance. Validation and store failures are
// returned; model failures are absorbed into a "..." reply.
func (e *TurnExecutor) HandleTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	req.ThreadID = strings.TrimSpace(req.ThreadID)
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	if req.ThreadID == "" {
		return TurnResult{}, fmt.Errorf("%w: thread_id is required", models.ErrBadRequest)
	}
	if strings.TrimSpace(req.Message) == "" {
		return TurnResult{}, fmt.Errorf("%w: message is required", models.ErrBadRequest)
	}
	if e.requireOwner && req.OwnerID == "" {
		return TurnResult{}, fmt.Errorf("%w: user_id is required", models.ErrBadRequest)
	}

	sess, created, caseDegraded, err := e.openSession(ctx, req)
	if err != nil {
		return TurnResult{}, err
	}

	instructions := genai.SystemMessage(persona.Render(sess.Patient))
	history := e.loadHistory(ctx, req.ThreadID)
	if created || !startsWith(history, instructions) {
		if len(history) > 0 {
			slog.Warn("TurnExecutor.HandleTurn: discarding history that does not belong to this session", "threadID", req.ThreadID, "created", created, "historyLength", len(history))
		}
		history = nil
	}

	input := make(ModelTurnInput, 0, 2)
	if history == nil {
		input = append(input, instructions)
	}
	input = append(input, genai.UserMessage(req.Message))

	proposed := persona.MatchesTreatment(sess.Patient, req.Message)
	if proposed {
		slog.Debug("TurnExecutor.HandleTurn: treatment proposed", "threadID", req.ThreadID)
	}

	reply, replyDegraded := e.invoke(ctx, req.ThreadID, history, input)

	if err := e.sessions.AppendTurns(ctx, req.ThreadID,
		models.TurnRecord{Role: models.RoleDoctor, Content: req.Message},
		models.TurnRecord{Role: models.RolePatient, Content: reply},
	); err != nil {
		slog.Error("TurnExecutor.HandleTurn: failed to append turns", "threadID", req.ThreadID, "error", err)
		return TurnResult{}, fmt.Errorf("append turns: %w", err)
	}

	slog.Debug("TurnExecutor.HandleTurn: turn completed", "threadID", req.ThreadID, "created", created, "degraded", replyDegraded || caseDegraded, "replyLength", len(reply))
	return TurnResult{
		Reply:       reply,
		PatientInfo: sess.Patient.Info(),
		Created:     created,
		Degraded:    replyDegraded || caseDegraded,
		Proposed:    proposed,
		Input:       input,
	}, nil
}

type openedSession struct {
	session  *models.Session
	created  bool
	degraded bool
}

// openSession returns the thread's session, creating it if needed. Concurrent
// first turns in this process share one generation; the store's atomic create
// settles races across processes. Only the caller that actually created the
// session gets created=true.
func (e *TurnExecutor) openSession(ctx context.Context, req TurnRequest) (*models.Session, bool, bool, error) {
	sess, err := e.sessions.GetSession(ctx, req.ThreadID)
	if err != nil {
		return nil, false, false, fmt.Errorf("get session: %w", err)
	}
	if sess != nil {
		return sess, false, false, nil
	}

	ran := false
	v, err, _ := e.creating.Do(req.ThreadID, func() (any, error) {
		ran = true
		return e.createSession(ctx, req)
	})
	if err != nil {
		return nil, false, false, err
	}
	o := v.(openedSession)
	return o.session, o.created && ran, o.degraded && ran, nil
}

func (e *TurnExecutor) createSession(ctx context.Context, req TurnRequest) (openedSession, error) {
	if existing, err := e.sessions.GetSession(ctx, req.ThreadID); err != nil {
		return openedSession{}, fmt.Errorf("get session: %w", err)
	} else if existing != nil {
		return openedSession{session: existing}, nil
	}

	res := e.cases.Generate(ctx)
	if res.Degraded {
		slog.Warn("TurnExecutor.createSession: using default case", "threadID", req.ThreadID, "error", res.Err)
	}

	sess := models.Session{
		ThreadID:  req.ThreadID,
		OwnerID:   req.OwnerID,
		Patient:   res.Case,
		CreatedAt: e.now().UTC(),
	}
	err := e.sessions.CreateSession(ctx, sess)
	if errors.Is(err, store.ErrSessionExists) {
		winner, gerr := e.sessions.GetSession(ctx, req.ThreadID)
		if gerr != nil {
			return openedSession{}, fmt.Errorf("get session: %w", gerr)
		}
		if winner == nil {
			return openedSession{}, fmt.Errorf("session %s vanished after create conflict", req.ThreadID)
		}
		slog.Info("TurnExecutor.createSession: lost creation race, joining existing session", "threadID", req.ThreadID)
		return openedSession{session: winner}, nil
	}
	if err != nil {
		return openedSession{}, fmt.Errorf("create session: %w", err)
	}

	slog.Info("TurnExecutor.createSession: new session", "threadID", req.ThreadID, "ownerID", req.OwnerID, "patient", sess.Patient.Name)
	return openedSession{session: &sess, created: true, degraded: res.Degraded}, nil
}

// loadHistory returns the thread's continuity context. A failed load is
// treated as an empty history.
func (e *TurnExecutor) loadHistory(ctx context.Context, threadID string) []genai.Message {
	history, err := e.checkpoints.Load(ctx, threadID)
	if err != nil {
		slog.Warn("TurnExecutor.loadHistory: failed to load history, continuing without it", "threadID", threadID, "mode", e.checkpoints.Mode(), "error", err)
		return nil
	}
	if len(history) == 0 {
		return nil
	}
	return history
}

// startsWith reports whether history opens with the given instructions.
func startsWith(history []genai.Message, instructions genai.Message) bool {
	return len(history) > 0 && history[0] == instructions
}

// invoke calls the actor once with history plus input and records the
// exchange in the checkpointer. The history is saved even when the model
// fails so that the instructions are not lost.
func (e *TurnExecutor) invoke(ctx context.Context, threadID string, history []genai.Message, input ModelTurnInput) (string, bool) {
	messages := make([]genai.Message, 0, len(history)+len(input))
	messages = append(messages, history...)
	messages = append(messages, input...)

	degraded := false
	reply, err := e.actor.Chat(ctx, messages, e.temperature)
	switch {
	case err != nil:
		slog.Warn("TurnExecutor.invoke: actor call failed, replying with placeholder", "threadID", threadID, "error", err)
		reply, degraded = FallbackReply, true
	case strings.TrimSpace(reply) == "":
		slog.Warn("TurnExecutor.invoke: actor returned empty reply, replying with placeholder", "threadID", threadID)
		reply, degraded = FallbackReply, true
	default:
		reply = strings.TrimSpace(reply)
	}

	messages = append(messages, genai.AssistantMessage(reply))
	if err := e.checkpoints.Save(ctx, threadID, messages); err != nil {
		slog.Warn("TurnExecutor.invoke: failed to save history", "threadID", threadID, "mode", e.checkpoints.Mode(), "error", err)
	}
	return reply, degraded
}

// ListSessions returns the owner's sessions, newest first.
func (e *TurnExecutor) ListSessions(ctx context.Context, ownerID string) ([]models.SessionSummary, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, fmt.Errorf("%w: user_id is required", models.ErrBadRequest)
	}
	list, err := e.sessions.ListSessions(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return list, nil
}

// Mode reports the continuity mode in use.
func (e *TurnExecutor) Mode() string { return e.checkpoints.Mode() }
