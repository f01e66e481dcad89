package postgres

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lendingsim/internal/domain"
)

// listQuery appends the time window, ordering and pagination of opts to a
// query whose WHERE clause already holds len(args) placeholders.
func listQuery(query string, args []any, timeCol, orderBy string, opts domain.ListOpts) (string, []any) {
	argIdx := len(args) + 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND %s >= $%d", timeCol, argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND %s <= $%d", timeCol, argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY " + orderBy

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return query, args
}

// Decimals travel as text in both directions so no precision is lost to
// float conversion.

func parseDecimals(dst []*decimal.Decimal, src []string) error {
	for i, s := range src {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("parse numeric %q: %w", s, err)
		}
		*dst[i] = d
	}
	return nil
}

func formatSeed(seed uint64) string { return strconv.FormatUint(seed, 10) }

func parseSeed(s string) (uint64, error) { return strconv.ParseUint(s, 10, 64) }
