package coupon

import (
	"time"

	"github.com/xenking/storefront/internal/domain/cart"
)

// Reason is a stable machine-readable code explaining a verdict.
type Reason string

const (
	ReasonApplied         Reason = "applied"
	ReasonInvalidCode     Reason = "invalid code"
	ReasonInactive        Reason = "coupon inactive"
	ReasonNotYetActive    Reason = "not yet active"
	ReasonExpired         Reason = "expired"
	ReasonMinimumNotMet   Reason = "minimum order not met"
	ReasonUsageExceeded   Reason = "usage limit exceeded"
	ReasonAlreadyUsed     Reason = "already used"
	ReasonNotApplicable   Reason = "not applicable to cart contents"
	ReasonEmptyCart       Reason = "empty cart"
	ReasonMissingCode     Reason = "missing code"
	ReasonCustomerLimit   Reason = "customer limit reached"
	ReasonLimitOvershoot  Reason = "usage limit overshoot"
	ReasonAlreadyRecorded Reason = "already recorded"
)

// Message returns the customer-facing text for reasons that do not carry
// extra data.
func (r Reason) Message() string {
	switch r {
	case ReasonApplied:
		return "Coupon applied successfully"
	case ReasonInvalidCode:
		return "Invalid coupon code"
	case ReasonInactive:
		return "This coupon is currently inactive"
	case ReasonNotYetActive:
		return "This coupon is not yet active"
	case ReasonExpired:
		return "This coupon has expired"
	case ReasonMinimumNotMet:
		return "Minimum order amount not met"
	case ReasonUsageExceeded:
		return "Coupon usage limit exceeded"
	case ReasonAlreadyUsed:
		return "You have already used this coupon"
	case ReasonNotApplicable:
		return "This coupon is not applicable to your cart items"
	case ReasonEmptyCart:
		return "Your cart is empty"
	case ReasonMissingCode:
		return "Please enter a coupon code"
	default:
		return string(r)
	}
}

// Eligibility is the outcome of Evaluate.
type Eligibility struct {
	Eligible bool
	Reason   Reason
	Message  string
}

func ineligible(r Reason) Eligibility {
	return Eligibility{Reason: r, Message: r.Message()}
}

// PriorUse describes earlier redemptions of a coupon by the current shopper.
// Identified is false for requests without a customer or session identity, in
// which case the per-customer rule is skipped.
type PriorUse struct {
	Identified bool
	Count      int
}

// Evaluate decides whether c applies to the cart at now. Rules are checked in
// a fixed order and the first failure wins. Evaluate has no side effects.
func Evaluate(c *Coupon, lines []cart.Line, now time.Time, prior PriorUse) Eligibility {
	if !c.Active {
		return ineligible(ReasonInactive)
	}
	if now.Before(c.StartDate) {
		return ineligible(ReasonNotYetActive)
	}
	if now.After(c.ExpiryDate) {
		return ineligible(ReasonExpired)
	}
	if cart.Subtotal(lines).LessThan(c.MinimumOrderAmount) {
		return Eligibility{
			Reason:  ReasonMinimumNotMet,
			Message: "Minimum order amount of " + FormatMoney(c.MinimumOrderAmount) + " not met",
		}
	}
	if c.Exhausted() {
		return ineligible(ReasonUsageExceeded)
	}
	if prior.Identified && prior.Count >= max(c.UsagePerCustomer, 1) {
		return ineligible(ReasonAlreadyUsed)
	}
	if !applies(c.Scope, lines) {
		return ineligible(ReasonNotApplicable)
	}
	return Eligibility{Eligible: true, Reason: ReasonApplied, Message: ReasonApplied.Message()}
}

func applies(s Scope, lines []cart.Line) bool {
	if s == nil || s.Kind() == ScopeAll {
		return true
	}
	for _, l := range lines {
		if s.Matches(l) {
			return true
		}
	}
	return false
}
