package panel

import (
	"context"

	"github.com/ent0n29/mockpanel/internal/kvstore"
)

const (
	historyKey          = "panel:recent_questions"
	DefaultHistoryLimit = 24
)

// questionHistory remembers recently asked question ids across sessions.
type questionHistory struct {
	store kvstore.Store
	limit int
}

func (h questionHistory) recent(ctx context.Context) (map[string]bool, error) {
	if h.store == nil {
		return nil, nil
	}
	var ids []string
	if _, err := h.store.Get(ctx, historyKey, &ids); err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

// record appends ids, keeping the newest limit entries.
func (h questionHistory) record(ctx context.Context, asked []Question) error {
	if h.store == nil || len(asked) == 0 {
		return nil
	}
	var ids []string
	if _, err := h.store.Get(ctx, historyKey, &ids); err != nil {
		return err
	}
	for _, q := range asked {
		ids = append(ids, q.ID)
	}
	if h.limit > 0 && len(ids) > h.limit {
		ids = ids[len(ids)-h.limit:]
	}
	return h.store.Set(ctx, historyKey, ids)
}
