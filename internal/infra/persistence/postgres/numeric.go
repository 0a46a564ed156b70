package postgres

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// numericOrZero converts a decimal string into a pgtype.Numeric, mapping blank input to zero.
func numericOrZero(value string) (pgtype.Numeric, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		trimmed = "0"
	}
	var out pgtype.Numeric
	if err := out.Scan(trimmed); err != nil {
		return out, fmt.Errorf("parse numeric %q: %w", trimmed, err)
	}
	return out, nil
}

// numericFromOptional converts an optional decimal string pointer into a pgtype.Numeric.
func numericFromOptional(ptr *string) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	if ptr == nil {
		return out, nil
	}
	trimmed := strings.TrimSpace(*ptr)
	if trimmed == "" {
		return out, nil
	}
	if err := out.Scan(trimmed); err != nil {
		return out, fmt.Errorf("parse numeric %q: %w", trimmed, err)
	}
	return out, nil
}

// trimDecimal drops the trailing zeros PostgreSQL pads NUMERIC(38,18) values with.
func trimDecimal(value string) string {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return value
	}
	return d.String()
}
