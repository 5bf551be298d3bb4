package coupon

import (
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// CurrencySymbol prefixes every formatted amount.
const CurrencySymbol = "৳"

var moneyPrinter = message.NewPrinter(language.English)

// Bangladeshi grouping: thousands first, then lakhs and crores.
var moneyPattern = number.PatternOverrides(map[string]string{
	"en": "#,##,##0.##",
})

// FormatMoney renders amount with lakh grouping and at most two fraction
// digits, e.g. ৳1,50,000 or ৳99.5.
func FormatMoney(amount decimal.Decimal) string {
	v := amount.Round(2).InexactFloat64()
	return CurrencySymbol + moneyPrinter.Sprint(number.Decimal(v, moneyPattern))
}
