package flow

import (
	"context"
	"fmt"
	"sync"

	"github.com/BTreeMap/PatientSim/internal/genai"
	"github.com/BTreeMap/PatientSim/internal/models"
	"github.com/BTreeMap/PatientSim/internal/persona"
	"github.com/BTreeMap/PatientSim/internal/store"
)

// Checkpointer keeps the actor's conversational memory per thread. The
// history it returns is prepended to each turn's model input.
type Checkpointer interface {
	Load(ctx context.Context, threadID string) ([]genai.Message, error)
	Save(ctx context.Context, threadID string, history []genai.Message) error
	Mode() string
}

// Continuity modes.
const (
	ModeMemory = "memory"
	ModeRedis  = "redis"
	ModeReplay = "replay"
)

// MemoryCheckpointer keeps histories in process memory. A restart loses them,
// after which the actor continues with no prior context.
type MemoryCheckpointer struct {
	mu      sync.RWMutex
	threads map[string][]genai.Message
}

func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{threads: make(map[string][]genai.Message)}
}

func (m *MemoryCheckpointer) Load(ctx context.Context, threadID string) ([]genai.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]genai.Message(nil), m.threads[threadID]...), nil
}

func (m *MemoryCheckpointer) Save(ctx context.Context, threadID string, history []genai.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[threadID] = append([]genai.Message(nil), history...)
	return nil
}

func (m *MemoryCheckpointer) Mode() string { return ModeMemory }

// ReplayCheckpointer rebuilds the history from the stored session on every
// turn: the persona instructions followed by the transcript. It keeps no state
// of its own, so it survives restarts as long as the session store does.
type ReplayCheckpointer struct {
	sessions store.SessionStore
}

func NewReplayCheckpointer(sessions store.SessionStore) *ReplayCheckpointer {
	return &ReplayCheckpointer{sessions: sessions}
}

// Load returns nil for a thread with no transcript yet, so the first turn
// carries the instructions in its own input.
func (r *ReplayCheckpointer) Load(ctx context.Context, threadID string) ([]genai.Message, error) {
	sess, err := r.sessions.GetSession(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", threadID, err)
	}
	if sess == nil || len(sess.Transcript) == 0 {
		return nil, nil
	}

	history := make([]genai.Message, 0, len(sess.Transcript)+1)
	history = append(history, genai.SystemMessage(persona.Render(sess.Patient)))
	for _, t := range sess.Transcript {
		if t.Role == models.RolePatient {
			history = append(history, genai.AssistantMessage(t.Content))
		} else {
			history = append(history, genai.UserMessage(t.Content))
		}
	}
	return history, nil
}

// Save is a no-op; the transcript is written by the executor.
func (r *ReplayCheckpointer) Save(ctx context.Context, threadID string, history []genai.Message) error {
	return nil
}

func (r *ReplayCheckpointer) Mode() string { return ModeReplay }
