package ledger

import (
	"context"
	"sort"

	"github.com/yusufizzetmurat/timebank/internal/hours"
)

// Adjustment is one line of a batch adjustment job.
type Adjustment struct {
	UserID      string       `json:"userId"`
	Amount      hours.Amount `json:"amount"`
	Description string       `json:"description"`
}

// BatchAdjust applies a set of adjustments in a single atomic unit.
// Either every line lands or none do. Account rows are locked in
// ascending user order before any balance changes.
func (l *Ledger) BatchAdjust(ctx context.Context, adjustments []Adjustment) ([]*Entry, error) {
	if len(adjustments) == 0 {
		return nil, nil
	}
	for _, adj := range adjustments {
		if adj.Amount.IsZero() {
			return nil, ErrInvalidAmount
		}
	}

	userIDs := make([]string, 0, len(adjustments))
	seen := make(map[string]bool, len(adjustments))
	for _, adj := range adjustments {
		if !seen[adj.UserID] {
			seen[adj.UserID] = true
			userIDs = append(userIDs, adj.UserID)
		}
	}
	sort.Strings(userIDs)

	entries := make([]*Entry, 0, len(adjustments))
	err := l.store.ExecTx(ctx, func(tx Tx) error {
		for _, id := range userIDs {
			if _, err := tx.AccountForUpdate(ctx, id); err != nil {
				return err
			}
		}
		for _, adj := range adjustments {
			e := &Entry{
				UserID:      adj.UserID,
				Type:        EntryAdjustment,
				Amount:      adj.Amount,
				Description: adj.Description,
			}
			if _, err := tx.Apply(ctx, e); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
