package ledger

import (
	"context"
	"time"

	"github.com/yusufizzetmurat/timebank/internal/hours"
)

// AuditResult is the outcome of replaying one account's entries against
// its stored balance.
type AuditResult struct {
	UserID    string       `json:"userId"`
	Balance   hours.Amount `json:"balance"`
	EntrySum  hours.Amount `json:"entrySum"`
	Match     bool         `json:"match"`
	CheckedAt time.Time    `json:"checkedAt"`
}

// VerifyAccount recomputes a member's balance from the entry log and
// compares it to the stored balance. Opening grants are entries, so the
// sum of all entries must equal the balance exactly.
func (l *Ledger) VerifyAccount(ctx context.Context, userID string) (*AuditResult, error) {
	acc, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	sum, err := l.store.SumEntries(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &AuditResult{
		UserID:    userID,
		Balance:   acc.Balance,
		EntrySum:  sum,
		Match:     acc.Balance == sum,
		CheckedAt: time.Now().UTC(),
	}, nil
}

// VerifyAll audits every account. A mismatch anywhere means a balance was
// written outside the Apply primitive and needs investigation.
func (l *Ledger) VerifyAll(ctx context.Context) ([]*AuditResult, error) {
	accounts, err := l.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]*AuditResult, 0, len(accounts))
	for _, acc := range accounts {
		res, err := l.VerifyAccount(ctx, acc.UserID)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}
