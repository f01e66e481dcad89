package lending

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ActionKind tags a discretionary transaction.
type ActionKind int

const (
	ActionDeposit ActionKind = iota
	ActionWithdraw
	ActionBorrow
	ActionRepay
)

// ActionKinds lists every kind in dispatch order.
var ActionKinds = []ActionKind{ActionDeposit, ActionWithdraw, ActionBorrow, ActionRepay}

func (k ActionKind) String() string {
	switch k {
	case ActionDeposit:
		return "deposit"
	case ActionWithdraw:
		return "withdraw"
	case ActionBorrow:
		return "borrow"
	case ActionRepay:
		return "repay"
	default:
		return fmt.Sprintf("action(%d)", int(k))
	}
}

// ParseActionKind is the inverse of String.
func ParseActionKind(s string) (ActionKind, error) {
	for _, k := range ActionKinds {
		if strings.EqualFold(s, k.String()) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("lending: unknown action kind %q", s)
}

// Action is one proposed transaction for one user.
type Action struct {
	UserID int
	Kind   ActionKind
	Amount decimal.Decimal
}
