// Package memory is the durable soul + observation log. Every observation
// cites the event it was extracted from; recording the same source event
// and kind twice is a no-op, which keeps replay idempotent.
package memory

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/broomva/aiOS/internal/model"
	"github.com/broomva/aiOS/internal/workspace"
)

// Store persists per-session memory under the workspace layout:
// memory/soul.json and memory/observations.jsonl.
type Store struct {
	layout workspace.Layout

	mu   sync.Mutex
	seen map[model.SessionID]map[string]struct{}
}

// NewStore returns a memory store over the given layout.
func NewStore(layout workspace.Layout) *Store {
	return &Store{
		layout: layout,
		seen:   make(map[model.SessionID]map[string]struct{}),
	}
}

func dedupeKey(sourceEventID, kind string) string {
	return sourceEventID + "|" + kind
}

func (s *Store) observationsPath(session model.SessionID) string {
	return filepath.Join(s.layout.MemoryDir(session), "observations.jsonl")
}

func (s *Store) soulPath(session model.SessionID) string {
	return filepath.Join(s.layout.MemoryDir(session), "soul.json")
}

// loadSeenLocked populates the dedupe index from the observation log.
func (s *Store) loadSeenLocked(session model.SessionID) (map[string]struct{}, error) {
	if seen, ok := s.seen[session]; ok {
		return seen, nil
	}
	seen := make(map[string]struct{})

	file, err := os.Open(s.observationsPath(session))
	if err == nil {
		reader := bufio.NewReader(file)
		for {
			line, readErr := reader.ReadBytes('\n')
			if len(line) > 1 {
				var observation model.Observation
				if err := json.Unmarshal(line, &observation); err == nil {
					seen[dedupeKey(observation.SourceEventID, observation.Kind)] = struct{}{}
				}
			}
			if readErr != nil {
				break
			}
		}
		_ = file.Close()
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: open observation log: %v", model.ErrIOFailure, err)
	}

	s.seen[session] = seen
	return seen, nil
}

// Record appends an observation unless the same source event and kind has
// already been recorded. Returns true when a new record was written.
func (s *Store) Record(observation model.Observation) (bool, error) {
	if observation.SourceEventID == "" {
		return false, fmt.Errorf("%w: observation without source event", model.ErrInvalidIntent)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen, err := s.loadSeenLocked(observation.SessionID)
	if err != nil {
		return false, err
	}
	key := dedupeKey(observation.SourceEventID, observation.Kind)
	if _, dup := seen[key]; dup {
		return false, nil
	}

	path := s.observationsPath(observation.SessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("%w: create memory dir: %v", model.ErrIOFailure, err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return false, fmt.Errorf("%w: open observation log: %v", model.ErrIOFailure, err)
	}
	defer func() { _ = file.Close() }()

	line, err := json.Marshal(observation)
	if err != nil {
		return false, fmt.Errorf("failed to marshal observation: %w", err)
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		return false, fmt.Errorf("%w: append observation: %v", model.ErrIOFailure, err)
	}

	seen[key] = struct{}{}
	return true, nil
}

// List returns up to limit most recent observations, oldest first.
func (s *Store) List(session model.SessionID, limit int) ([]model.Observation, error) {
	file, err := os.Open(s.observationsPath(session))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open observation log: %v", model.ErrIOFailure, err)
	}
	defer func() { _ = file.Close() }()

	var observations []model.Observation
	reader := bufio.NewReader(file)
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 1 {
			var observation model.Observation
			if err := json.Unmarshal(line, &observation); err != nil {
				return nil, fmt.Errorf("%w: bad observation line: %v", model.ErrCorruptRecord, err)
			}
			observations = append(observations, observation)
		}
		if readErr != nil {
			break
		}
	}

	if limit > 0 && len(observations) > limit {
		observations = observations[len(observations)-limit:]
	}
	return observations, nil
}

// LoadSoul returns the session's durable soul, or a default when none was
// saved yet.
func (s *Store) LoadSoul(session model.SessionID) (model.SoulProfile, error) {
	var soul model.SoulProfile
	err := workspace.LoadJSON(s.soulPath(session), &soul)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.SoulProfile{Name: "aios", UpdatedAt: time.Time{}}, nil
		}
		return soul, err
	}
	return soul, nil
}

// SaveSoul persists the soul atomically.
func (s *Store) SaveSoul(session model.SessionID, soul model.SoulProfile) error {
	soul.UpdatedAt = time.Now().UTC()
	return workspace.SaveJSON(s.soulPath(session), soul)
}

// Digest hashes the current soul plus observation log; checkpoints carry
// it so recovery can tell whether memory diverged.
func (s *Store) Digest(session model.SessionID) (string, error) {
	hasher := sha256.New()

	if data, err := os.ReadFile(s.soulPath(session)); err == nil {
		hasher.Write(data)
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: read soul: %v", model.ErrIOFailure, err)
	}

	observations, err := s.List(session, 0)
	if err != nil {
		return "", err
	}
	keys := make([]string, 0, len(observations))
	for _, observation := range observations {
		keys = append(keys, dedupeKey(observation.SourceEventID, observation.Kind))
	}
	sort.Strings(keys)
	for _, key := range keys {
		hasher.Write([]byte(key))
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Extract derives an observation from a journal event, or nil for kinds
// that carry nothing worth remembering.
func Extract(event model.EventRecord) *model.Observation {
	var content string
	switch event.Kind {
	case model.KindToolCompleted:
		var payload model.ToolCompletedPayload
		if err := event.DecodePayload(&payload); err != nil {
			return nil
		}
		content = fmt.Sprintf("tool %s completed with exit %d", payload.Tool, payload.Report.ExitStatus)
	case model.KindToolFailed:
		var payload model.ToolFailedPayload
		if err := event.DecodePayload(&payload); err != nil {
			return nil
		}
		content = fmt.Sprintf("tool %s failed: %s", payload.Tool, payload.Reason)
	case model.KindCircuitTripped:
		var payload model.CircuitTrippedPayload
		if err := event.DecodePayload(&payload); err != nil {
			return nil
		}
		content = fmt.Sprintf("circuit tripped after %d consecutive errors", payload.ErrorStreak)
	default:
		return nil
	}

	return &model.Observation{
		ObservationID: model.NewObservationID(),
		SessionID:     event.SessionID,
		SourceEventID: event.Ref().String(),
		ExtractedAt:   time.Now().UTC(),
		Kind:          string(event.Kind),
		Content:       content,
	}
}
