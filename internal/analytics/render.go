package analytics

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"text/tabwriter"
)

// WriteSummary renders s as an aligned two-column block, one metric per row.
// Fees and positions print sorted by symbol so output is stable.
func WriteSummary(w io.Writer, s Summary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "  orders\t%d\n", s.Orders)
	fmt.Fprintf(tw, "  fills\t%d\n", s.Fills)
	fmt.Fprintf(tw, "  volume\t%s\n", s.Volume)
	fmt.Fprintf(tw, "  cash\t%s\n", s.Cash)
	fmt.Fprintf(tw, "  realized\t%s\n", s.Realized)
	fmt.Fprintf(tw, "  unrealized\t%s\n", s.Unrealized)
	fmt.Fprintf(tw, "  equity\t%s\n", s.Equity)
	fmt.Fprintf(tw, "  max drawdown\t%s\n", s.MaxDrawdown)
	for _, symbol := range slices.Sorted(maps.Keys(s.Fees)) {
		fmt.Fprintf(tw, "  fees %s\t%s\n", symbol, s.Fees[symbol])
	}
	for _, symbol := range slices.Sorted(maps.Keys(s.Positions)) {
		pos := s.Positions[symbol]
		fmt.Fprintf(tw, "  position %s\t%s @ %s (last %s)\n",
			symbol, pos.Amount, pos.AvgEntry, pos.LastPrice)
	}
	return tw.Flush()
}
