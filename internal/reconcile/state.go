// Package reconcile keeps the local view state that survives re-analysis:
// senders the user never wants cleaned and senders moved between categories.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/llmack/gmail-declutterer/internal/log"
	"github.com/llmack/gmail-declutterer/internal/model"

	"github.com/sirupsen/logrus"
)

// SchemaVersion is the version written by Persist.
const SchemaVersion = 1

// BlobKey is the key the state is stored under.
const BlobKey = "reconcile.state"

var (
	ErrUnsupportedSchema = errors.New("unsupported reconciliation state version")
	ErrInvalidMove       = errors.New("invalid move")
)

// BlobStore persists opaque blobs. LoadBlob returns nil data when the key was
// never written.
type BlobStore interface {
	LoadBlob(ctx context.Context, key string) ([]byte, error)
	SaveBlob(ctx context.Context, key string, data []byte) error
}

type moveEntry struct {
	Source     model.Category `json:"sourceCategory"`
	Target     model.Category `json:"targetCategory"`
	MessageIDs []string       `json:"messageIds"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// snapshot is the persisted form.
type snapshot struct {
	Version         int                  `json:"version"`
	ExcludedSenders []string             `json:"excludedSenders"`
	Moves           map[string]moveEntry `json:"moves"`
}

// State holds the exclusion set and the move records. Every mutation is
// persisted before it becomes visible.
type State struct {
	store BlobStore
	now   func() time.Time
	l     *logrus.Logger

	mu       sync.RWMutex
	excluded map[string]struct{}
	moves    map[string]moveEntry
}

// New returns an empty State. store may be nil for an in-memory state.
func New(store BlobStore) *State {
	return &State{
		store:    store,
		now:      time.Now,
		l:        log.Logger(log.LOG_RECONCILE),
		excluded: make(map[string]struct{}),
		moves:    make(map[string]moveEntry),
	}
}

// Load replaces the in-memory state with the persisted one.
func (s *State) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	data, err := s.store.LoadBlob(ctx, BlobKey)
	if err != nil {
		return fmt.Errorf("load reconciliation state: %w", err)
	}
	excluded, moves, err := decode(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.excluded, s.moves = excluded, moves
	s.mu.Unlock()
	s.l.WithFields(logrus.Fields{"excluded": len(excluded), "moves": len(moves)}).Debug("Loaded state")
	return nil
}

// Persist writes the current state.
func (s *State) Persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(ctx, s.excluded, s.moves)
}

func (s *State) persistLocked(ctx context.Context, excluded map[string]struct{}, moves map[string]moveEntry) error {
	if s.store == nil {
		return nil
	}
	data, err := encode(excluded, moves)
	if err != nil {
		return err
	}
	if err := s.store.SaveBlob(ctx, BlobKey, data); err != nil {
		return fmt.Errorf("persist reconciliation state: %w", err)
	}
	return nil
}

// update applies fn to copies of the state, persists them and only then
// swaps them in.
func (s *State) update(ctx context.Context, fn func(excluded map[string]struct{}, moves map[string]moveEntry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	excluded := maps.Clone(s.excluded)
	moves := maps.Clone(s.moves)
	fn(excluded, moves)
	if err := s.persistLocked(ctx, excluded, moves); err != nil {
		return err
	}
	s.excluded, s.moves = excluded, moves
	return nil
}

// Exclude adds or removes a sender from the exclusion set.
func (s *State) Exclude(ctx context.Context, sender string, on bool) error {
	key := model.SenderKey(sender)
	if key == "" {
		return fmt.Errorf("exclude: empty sender")
	}
	return s.update(ctx, func(excluded map[string]struct{}, _ map[string]moveEntry) {
		if on {
			excluded[key] = struct{}{}
		} else {
			delete(excluded, key)
		}
	})
}

// RecordMove creates or replaces the move record of a sender.
func (s *State) RecordMove(ctx context.Context, sender string, source, target model.Category, ids []string) error {
	key := model.SenderKey(sender)
	if key == "" || source == target {
		return fmt.Errorf("move %q from %s to %s: %w", sender, source, target, ErrInvalidMove)
	}
	entry := moveEntry{
		Source:     source,
		Target:     target,
		MessageIDs: slices.Clone(ids),
		CreatedAt:  s.now().UTC(),
	}
	return s.update(ctx, func(_ map[string]struct{}, moves map[string]moveEntry) {
		moves[key] = entry
	})
}

// ResetOnFullReanalysis clears the move records. Exclusions are kept.
func (s *State) ResetOnFullReanalysis(ctx context.Context) error {
	return s.update(ctx, func(_ map[string]struct{}, moves map[string]moveEntry) {
		clear(moves)
	})
}

// Filter returns the results of category that should be shown: excluded
// senders and senders moved out of category are dropped. The input slice is
// not modified.
func (s *State) Filter(results []model.CategoryResult, category model.Category) []model.CategoryResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.CategoryResult, 0, len(results))
	for _, r := range results {
		key := r.Sender.Identity()
		if _, ok := s.excluded[key]; ok {
			continue
		}
		if mv, ok := s.moves[key]; ok && mv.Source == category {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (s *State) IsExcluded(sender string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.excluded[model.SenderKey(sender)]
	return ok
}

// Excluded returns the excluded senders sorted.
func (s *State) Excluded() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.excluded)
}

// Moves returns the move records sorted by sender.
func (s *State) Moves() []model.MoveRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.MoveRecord, 0, len(s.moves))
	for _, key := range slices.Sorted(maps.Keys(s.moves)) {
		out = append(out, toRecord(key, s.moves[key]))
	}
	return out
}

// MovedInto returns the move records targeting category.
func (s *State) MovedInto(category model.Category) []model.MoveRecord {
	var out []model.MoveRecord
	for _, mv := range s.Moves() {
		if mv.Target == category {
			out = append(out, mv)
		}
	}
	return out
}

func toRecord(key string, e moveEntry) model.MoveRecord {
	return model.MoveRecord{
		Sender:     key,
		Source:     e.Source,
		Target:     e.Target,
		MessageIDs: slices.Clone(e.MessageIDs),
		CreatedAt:  e.CreatedAt,
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func encode(excluded map[string]struct{}, moves map[string]moveEntry) ([]byte, error) {
	snap := snapshot{
		Version:         SchemaVersion,
		ExcludedSenders: sortedKeys(excluded),
		Moves:           moves,
	}
	if snap.Moves == nil {
		snap.Moves = map[string]moveEntry{}
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode reconciliation state: %w", err)
	}
	return data, nil
}

// decode accepts the current version and unversioned blobs written before
// versioning was introduced.
func decode(data []byte) (map[string]struct{}, map[string]moveEntry, error) {
	excluded := make(map[string]struct{})
	moves := make(map[string]moveEntry)
	if len(data) == 0 {
		return excluded, moves, nil
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, nil, fmt.Errorf("decode reconciliation state: %w", err)
	}
	if snap.Version > SchemaVersion || snap.Version < 0 {
		return nil, nil, fmt.Errorf("version %d: %w", snap.Version, ErrUnsupportedSchema)
	}
	for _, sender := range snap.ExcludedSenders {
		if key := model.SenderKey(sender); key != "" {
			excluded[key] = struct{}{}
		}
	}
	for sender, e := range snap.Moves {
		if key := model.SenderKey(sender); key != "" {
			moves[key] = e
		}
	}
	return excluded, moves, nil
}
