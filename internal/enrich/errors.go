package enrich

import (
	"errors"
	"fmt"
)

var (
	errEmptyQuote    = errors.New("quote missing from response")
	errAuthFailed    = errors.New("Auth failed")
	errNoBars        = errors.New("No bars found")
	errNoPriceData   = errors.New("No valid price data")
	errNoTokens      = errors.New("No tokens found")
	errNoValidTokens = errors.New("No valid tokens")
	errBadFormat     = errors.New("Invalid response format")
	errInvalidData   = errors.New("Invalid data")
)

type statusError int

func (e statusError) Error() string {
	return fmt.Sprintf("HTTP %d", int(e))
}

func errStatus(code int) error {
	return statusError(code)
}
