package rates

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrUnavailable is returned when no fresh rate can be obtained.
var ErrUnavailable = errors.New("rates: exchange rate unavailable")

// Oracle reports how many token units one native unit is worth.
type Oracle interface {
	NativeToTokenRate(ctx context.Context) (decimal.Decimal, error)
}
