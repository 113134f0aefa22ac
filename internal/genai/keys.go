package genai

import (
	"strings"
	"sync/atomic"

	"github.com/BTreeMap/PatientSim/internal/util"
)

// KeyRotator chooses the API key for each request. Rotation spreads load
// across provider accounts; it is not an isolation mechanism.
type KeyRotator interface {
	Next() string
	Len() int
}

// RandomRotator picks a uniformly random key per request.
type RandomRotator struct {
	keys []string
}

// NewRandomRotator creates a rotator over keys.
func NewRandomRotator(keys []string) *RandomRotator {
	return &RandomRotator{keys: append([]string(nil), keys...)}
}

func (r *RandomRotator) Next() string {
	k, _ := util.PickRandom(r.keys)
	return k
}

func (r *RandomRotator) Len() int { return len(r.keys) }

// RoundRobinRotator cycles through keys in order. Safe for concurrent use.
type RoundRobinRotator struct {
	keys []string
	next atomic.Uint64
}

// NewRoundRobinRotator creates a rotator over keys.
func NewRoundRobinRotator(keys []string) *RoundRobinRotator {
	return &RoundRobinRotator{keys: append([]string(nil), keys...)}
}

func (r *RoundRobinRotator) Next() string {
	if len(r.keys) == 0 {
		return ""
	}
	i := r.next.Add(1) - 1
	return r.keys[i%uint64(len(r.keys))]
}

func (r *RoundRobinRotator) Len() int { return len(r.keys) }

// NewRotator returns the rotator for a strategy name ("random" or "round-robin").
// Unknown names fall back to random.
func NewRotator(strategy string, keys []string) KeyRotator {
	switch strings.ToLower(strings.TrimSpace(strategy)) {
	case "round-robin", "roundrobin", "rr":
		return NewRoundRobinRotator(keys)
	default:
		return NewRandomRotator(keys)
	}
}
