package mode

import (
	"fmt"

	"trading-router/pkg/exchanges/common"
)

type permissions map[common.Operation]map[Mode]bool

// defaultTable is total over the operation vocabulary. PAPER never
// authenticates or moves funds; MAINTENANCE only reads.
var defaultTable = permissions{
	common.OpPlaceOrder:    {Paper: true, Live: true},
	common.OpCancelOrder:   {Paper: true, Live: true},
	common.OpModifyOrder:   {Paper: true, Live: true},
	common.OpGetPositions:  {Paper: true, Live: true, Maintenance: true},
	common.OpGetPortfolio:  {Paper: true, Live: true, Maintenance: true},
	common.OpGetMarketData: {Paper: true, Live: true, Maintenance: true},
	common.OpAuthenticate:  {Live: true},
	common.OpTransferFunds: {Live: true},
}

// IsAllowed consults the default table. Unknown operations and modes are denied.
func IsAllowed(op common.Operation, m Mode) bool {
	return defaultTable[op][m]
}

// Validator answers permission questions against the default table narrowed
// by configuration. It is immutable after construction.
type Validator struct {
	table permissions
}

// NewValidator applies overrides, each listing the only modes in which an
// operation stays allowed. Overrides can remove permissions but never add
// one the default table denies.
func NewValidator(overrides map[common.Operation][]Mode) (*Validator, error) {
	table := make(permissions, len(defaultTable))
	for op, modes := range defaultTable {
		row := make(map[Mode]bool, len(modes))
		for m, ok := range modes {
			row[m] = ok
		}
		table[op] = row
	}

	for op, allowed := range overrides {
		if !op.Known() {
			return nil, fmt.Errorf("permission override for unknown operation %q", op)
		}
		row := make(map[Mode]bool, len(allowed))
		for _, m := range allowed {
			if !m.Valid() {
				return nil, fmt.Errorf("permission override for %s: %w %q", op, ErrInvalidMode, m)
			}
			if !defaultTable[op][m] {
				return nil, fmt.Errorf("permission override for %s cannot grant %s", op, m)
			}
			row[m] = true
		}
		table[op] = row
	}
	return &Validator{table: table}, nil
}

// IsAllowed reports whether op may run under m.
func (v *Validator) IsAllowed(op common.Operation, m Mode) bool {
	if v == nil {
		return false
	}
	return v.table[op][m]
}

// Table returns a copy of the effective permissions for display.
func (v *Validator) Table() map[common.Operation][]Mode {
	out := make(map[common.Operation][]Mode, len(v.table))
	for _, op := range common.Operations() {
		var modes []Mode
		for _, m := range []Mode{Paper, Live, Maintenance} {
			if v.table[op][m] {
				modes = append(modes, m)
			}
		}
		out[op] = modes
	}
	return out
}
