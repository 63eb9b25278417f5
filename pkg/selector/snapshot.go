package selector

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/theerud/oh-my-pi-sub003/pkg/credential"
)

// Snapshot captures a selector's durable state so a sub-process can reopen
// the same store and rebuild an equivalent selector without a network or
// login round-trip.
type Snapshot struct {
	ID          string            `json:"id"`
	StorePath   string            `json:"storePath"`
	Overrides   map[string]string `json:"overrides,omitempty"`
	Credentials []SnapshotRow     `json:"credentials"`
}

// SnapshotRow is one stored credential with its row id, serialized the same
// way the store serializes it.
type SnapshotRow struct {
	ID       int64           `json:"id"`
	Provider string          `json:"provider"`
	Type     credential.Type `json:"type"`
	Data     json.RawMessage `json:"data"`
}

// Snapshot serializes the current credential sets, runtime overrides, and
// store path.
func (s *Selector) Snapshot() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &Snapshot{
		ID:        uuid.NewString(),
		StorePath: s.store.Path(),
	}
	if len(s.overrides) > 0 {
		snap.Overrides = make(map[string]string, len(s.overrides))
		for k, v := range s.overrides {
			snap.Overrides[k] = v
		}
	}

	providers := make([]string, 0, len(s.sets))
	for provider := range s.sets {
		providers = append(providers, provider)
	}
	sort.Strings(providers)

	for _, provider := range providers {
		for _, row := range s.sets[provider] {
			data, err := credential.MarshalData(row.Credential)
			if err != nil {
				return nil, fmt.Errorf("failed to serialize credential %d: %w", row.ID, err)
			}
			snap.Credentials = append(snap.Credentials, SnapshotRow{
				ID:       row.ID,
				Provider: provider,
				Type:     row.Credential.Type(),
				Data:     data,
			})
		}
	}
	return snap, nil
}

// Restore builds a selector over the given store (opened from the
// snapshot's StorePath by the caller) and seeds it with the snapshot's
// credential sets and overrides. The seeded sets are already deduplicated;
// a later Reload resynchronizes with the store.
func Restore(store Store, snap *Snapshot, opts Options) (*Selector, error) {
	s := New(store, opts)

	sets := make(map[string][]credential.Stored)
	for _, row := range snap.Credentials {
		c, err := credential.UnmarshalData(row.Type, row.Data)
		if err != nil {
			return nil, fmt.Errorf("malformed snapshot credential %d: %w", row.ID, err)
		}
		sets[row.Provider] = append(sets[row.Provider], credential.Stored{
			ID:         row.ID,
			Provider:   row.Provider,
			Credential: c,
		})
	}

	s.mu.Lock()
	s.sets = sets
	for provider, key := range snap.Overrides {
		s.overrides[provider] = key
	}
	s.mu.Unlock()
	return s, nil
}
