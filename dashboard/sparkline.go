package dashboard

import (
	"strings"

	"github.com/mdrakiburrahman/kusto-pinger/collector"
)

// sparklineBlocks are block characters for 8-level vertical resolution (lowest to highest).
var sparklineBlocks = []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

// RenderSparkline draws percentages (0-100) as one row of block characters.
// Only the most recent width points are shown; shorter data is left padded
// with spaces so sparklines of different lengths line up on the right.
func RenderSparkline(data []float64, width int) string {
	if width <= 0 {
		return ""
	}
	if len(data) > width {
		data = data[len(data)-width:]
	}

	var b strings.Builder
	b.WriteString(strings.Repeat(" ", width-len(data)))
	for _, v := range data {
		idx := int(v / 100 * float64(len(sparklineBlocks)-1))
		idx = max(0, min(idx, len(sparklineBlocks)-1))
		b.WriteRune(sparklineBlocks[idx])
	}
	return b.String()
}

// tableSeries returns the acceleration percentage of every capture of table
// in history order.
func tableSeries(history []collector.Sample, table string) []float64 {
	var out []float64
	for _, smp := range history {
		if smp.Table() == table {
			out = append(out, smp.AccelerationPercent())
		}
	}
	return out
}
