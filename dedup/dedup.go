// Package dedup derives deterministic dedup keys for job submissions.
//
// A key is a pure function of the job name and a strategy-selected view of
// the payload: the same logical request always yields the same key. Each
// job name is bound to one [Strategy] at registration time; unregistered
// names fall back to [Whole].
//
//	reg := dedup.NewRegistry()
//	reg.Set("sendEmail", dedup.ByField("recipient"))
//	reg.Set("syncCalendar", dedup.ByCompositeID("bookingId", "eventId"))
//	reg.Set("refreshSeries", dedup.ByHash("seriesId", "from", "to"))
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Kind tags the closed set of strategies.
type Kind string

const (
	KindWhole       Kind = "whole"
	KindField       Kind = "field"
	KindHash        Kind = "hash"
	KindCompositeID Kind = "composite_id"
)

// Strategy computes a dedup key from a job name and payload.
type Strategy interface {
	Kind() Kind
	Key(jobName string, payload map[string]any) (string, error)
}

// ──────────────────────────────────────────────────
// Whole
// ──────────────────────────────────────────────────

type whole struct{}

// Whole hashes the entire payload. Map keys are order-normalized by the
// canonical JSON encoding, so {"a":1,"b":2} and {"b":2,"a":1} collide.
func Whole() Strategy { return whole{} }

func (whole) Kind() Kind { return KindWhole }

func (whole) Key(jobName string, payload map[string]any) (string, error) {
	return digest(jobName, payload)
}

// ──────────────────────────────────────────────────
// ByField
// ──────────────────────────────────────────────────

type byField struct{ field string }

// ByField keys on a single payload field, e.g. the recipient address of a
// notification. A payload missing the field falls back to Whole.
func ByField(field string) Strategy { return byField{field: field} }

func (s byField) Kind() Kind { return KindField }

func (s byField) Key(jobName string, payload map[string]any) (string, error) {
	v, ok := payload[s.field]
	if !ok || v == nil {
		return Whole().Key(jobName, payload)
	}
	return digest(jobName, map[string]any{s.field: v})
}

// ──────────────────────────────────────────────────
// ByHash
// ──────────────────────────────────────────────────

type byHash struct{ fields []string }

// ByHash hashes a subset of payload fields. Missing fields hash as null,
// so their absence is itself part of the identity.
func ByHash(fields ...string) Strategy { return byHash{fields: fields} }

func (s byHash) Kind() Kind { return KindHash }

func (s byHash) Key(jobName string, payload map[string]any) (string, error) {
	view := make(map[string]any, len(s.fields))
	for _, f := range s.fields {
		view[f] = payload[f]
	}
	return digest(jobName, view)
}

// ──────────────────────────────────────────────────
// ByCompositeID
// ──────────────────────────────────────────────────

type byCompositeID struct{ fields []string }

// ByCompositeID joins identifier fields into a readable key such as
// "syncCalendar:bk_1:ev_9". Each part has ':' and '%' percent-escaped, so
// distinct tuples never share a key. Every field must be present and
// scalar; otherwise the strategy falls back to Whole.
func ByCompositeID(fields ...string) Strategy { return byCompositeID{fields: fields} }

func (s byCompositeID) Kind() Kind { return KindCompositeID }

func (s byCompositeID) Key(jobName string, payload map[string]any) (string, error) {
	parts := make([]string, 0, len(s.fields)+1)
	parts = append(parts, partEscaper.Replace(jobName))
	for _, f := range s.fields {
		v, ok := payload[f]
		if !ok {
			return Whole().Key(jobName, payload)
		}
		switch v.(type) {
		case string, bool, int, int32, int64, uint, uint32, uint64, float32, float64, json.Number:
			parts = append(parts, partEscaper.Replace(fmt.Sprint(v)))
		default:
			return Whole().Key(jobName, payload)
		}
	}
	return strings.Join(parts, ":"), nil
}

var partEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// ──────────────────────────────────────────────────
// Registry
// ──────────────────────────────────────────────────

// Registry binds job names to strategies. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	fallback   Strategy
}

// NewRegistry returns a registry whose fallback strategy is Whole.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
		fallback:   Whole(),
	}
}

// Set binds jobName to s, replacing any earlier binding.
func (r *Registry) Set(jobName string, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[jobName] = s
}

// Strategy returns the strategy bound to jobName or the fallback.
func (r *Registry) Strategy(jobName string) Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.strategies[jobName]; ok {
		return s
	}
	return r.fallback
}

// Key computes the dedup key for a submission.
func (r *Registry) Key(jobName string, payload map[string]any) (string, error) {
	key, err := r.Strategy(jobName).Key(jobName, payload)
	if err != nil {
		return "", fmt.Errorf("dedup key for job %q: %w", jobName, err)
	}
	return key, nil
}

// digest returns "jobName:<sha256 of canonical JSON>". encoding/json sorts
// map keys at every nesting level, which is what makes the key canonical.
func digest(jobName string, v map[string]any) (string, error) {
	if v == nil {
		v = map[string]any{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return jobName + ":" + hex.EncodeToString(sum[:]), nil
}
