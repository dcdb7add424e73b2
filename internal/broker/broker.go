// Package broker is the boundary to external trading platforms. Only balance
// snapshots are modelled; order routing is out of reach of this service.
package broker

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/tradepro/internal/xerrors"
)

// Modes accepted by New.
const (
	ModeDisabled  = "disabled"
	ModeSimulated = "simulated"
)

// Account identifies a broker account to query.
type Account struct {
	Number string
	Server string
	// Password is the decrypted credential. It is never logged.
	Password string
}

// Snapshot is the balance reported for an account.
type Snapshot struct {
	Balance   decimal.Decimal `json:"balance"`
	Equity    decimal.Decimal `json:"equity"`
	Simulated bool            `json:"simulated"`
}

// Syncer fetches a balance snapshot.
type Syncer interface {
	Sync(ctx context.Context, acct Account) (Snapshot, error)
}

// New returns the Syncer for mode.
func New(mode string) (Syncer, error) {
	switch mode {
	case "", ModeDisabled:
		return Disabled{}, nil
	case ModeSimulated:
		return Simulated{}, nil
	default:
		return nil, fmt.Errorf("unknown broker mode %q", mode)
	}
}

// Disabled always reports the upstream as unavailable.
type Disabled struct{}

func (Disabled) Sync(context.Context, Account) (Snapshot, error) {
	return Snapshot{}, xerrors.Wrap(xerrors.ErrUpstreamUnavailable, "broker integration is not configured")
}

// Simulated derives a stable snapshot from the account number and server so
// repeated syncs return the same figures. Results are always flagged Simulated.
// Balance falls in [5000, 15000) and equity within 5% of it.
type Simulated struct{}

func (Simulated) Sync(ctx context.Context, acct Account) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	h := fnv.New64a()
	h.Write([]byte(acct.Server))
	h.Write([]byte{0})
	h.Write([]byte(acct.Number))
	sum := h.Sum64()

	cents := int64(sum % 1_000_000)
	balance := decimal.New(5000, 0).Add(decimal.New(cents, -2))

	// basis points in [-500, 500]
	bp := int64((sum>>32)%1001) - 500
	equity := balance.Add(balance.Mul(decimal.New(bp, -4))).Round(2)

	return Snapshot{Balance: balance, Equity: equity, Simulated: true}, nil
}
