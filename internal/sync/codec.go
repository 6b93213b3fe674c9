package sync

import (
	"encoding/json"

	"github.com/untoldecay/ledgerstore/internal/changelog"
	"github.com/untoldecay/ledgerstore/internal/idgen"
	"github.com/untoldecay/ledgerstore/internal/ledgererr"
)

// wireChange is the Object Store payload shape fixed by spec §6: a
// serialization of {id, author_id, entity_type, entity_id, new_values,
// merged}. JSON is this deployment's fixed serialization format.
type wireChange struct {
	ID         string         `json:"id"`
	AuthorID   string         `json:"author_id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	NewValues  map[string]any `json:"new_values"`
	Merged     bool           `json:"merged"`
}

func encodeChange(c changelog.Change) ([]byte, error) {
	w := wireChange{
		ID:         string(c.ID),
		AuthorID:   c.AuthorID,
		EntityType: c.EntityType,
		EntityID:   c.EntityID,
		NewValues:  c.NewValues,
		Merged:     c.Merged,
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, ledgererr.Serialization("sync.encodeChange", err)
	}
	return data, nil
}

func decodeChange(data []byte) (*changelog.Change, error) {
	var w wireChange
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, ledgererr.Serialization("sync.decodeChange", err)
	}
	return &changelog.Change{
		ID:         idgen.ID(w.ID),
		AuthorID:   w.AuthorID,
		EntityType: w.EntityType,
		EntityID:   w.EntityID,
		NewValues:  w.NewValues,
		Merged:     w.Merged,
	}, nil
}
