package cart

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

// Identity identifies the shopper owning a cart: a customer account when
// signed in, otherwise an anonymous browser session.
type Identity struct {
	CustomerID string
	SessionID  string
}

// IsZero reports whether neither a customer nor a session is known.
func (i Identity) IsZero() bool {
	return i.CustomerID == "" && i.SessionID == ""
}

// IsCustomer reports whether the identity is a signed-in customer.
func (i Identity) IsCustomer() bool {
	return i.CustomerID != ""
}

// Key returns a stable string form of the identity, preferring the customer
// account over the session.
func (i Identity) Key() string {
	switch {
	case i.CustomerID != "":
		return "customer:" + i.CustomerID
	case i.SessionID != "":
		return "session:" + i.SessionID
	default:
		return ""
	}
}

// NewIdentity trims both identifiers and drops the session when a customer
// account is present.
func NewIdentity(customerID, sessionID string) Identity {
	customerID = strings.TrimSpace(customerID)
	sessionID = strings.TrimSpace(sessionID)
	if customerID != "" {
		return Identity{CustomerID: customerID}
	}
	return Identity{SessionID: sessionID}
}

// Line is a single cart entry joined with its product.
type Line struct {
	ProductID string
	Name      string
	Category  string
	UnitPrice decimal.Decimal
	Quantity  int
	// Orphaned is set when the product no longer exists. Such lines do not
	// contribute to the subtotal and never match coupon scopes.
	Orphaned bool
}

// Total returns UnitPrice * Quantity, or zero for orphaned lines.
func (l Line) Total() decimal.Decimal {
	if l.Orphaned || l.Quantity <= 0 {
		return decimal.Zero
	}
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Subtotal sums line totals, skipping orphaned lines.
func Subtotal(lines []Line) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range lines {
		sum = sum.Add(l.Total())
	}
	return sum
}

// ItemCount returns the number of units across resolvable lines.
func ItemCount(lines []Line) int {
	n := 0
	for _, l := range lines {
		if l.Orphaned || l.Quantity <= 0 {
			continue
		}
		n += l.Quantity
	}
	return n
}

// Repository reads and clears shopper carts.
type Repository interface {
	Lines(ctx context.Context, id Identity) ([]Line, error)
	Clear(ctx context.Context, id Identity) error
}
