package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/chrissnell/codacal/internal/coda"
	"github.com/chrissnell/codacal/internal/pipeline"
)

// writeReport prints a human-readable summary of run
func writeReport(w io.Writer, run *pipeline.Run) {
	fmt.Fprintf(w, "run %s  %s  %s measurements  %d bands  took %v\n",
		run.ID, run.State, humanize.Comma(int64(run.MeasurementCount)), len(run.Bands),
		run.FinishedAt.Sub(run.CreatedAt).Round(time.Millisecond))
	if run.CalibrationID != "" {
		fmt.Fprintf(w, "measured against calibration %s\n", run.CalibrationID)
	}
	if run.Error != "" {
		fmt.Fprintf(w, "error: %s\n", run.Error)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "\nBAND\tSTATE\tSTAGE\tKIND")
	for _, b := range run.BandStatus {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", b.BandID, b.State, dash(b.FailedStage), dash(string(b.Kind)))
	}

	if len(run.EventMagnitudes) > 0 {
		fmt.Fprintln(tw, "\nEVENT\tMw\tSTDERR\tINTERVAL\tBANDS\tRULE")
		for _, m := range run.EventMagnitudes {
			fmt.Fprintf(tw, "%s\t%.2f\t%.3f\t[%.2f, %.2f]\t%s\t%s\n",
				m.EventID, m.Mw, m.StdErr, m.Interval.Lower, m.Interval.Upper, strings.Join(m.BandsUsed, ","), m.Rule)
		}
	}

	if len(run.Failures) > 0 {
		counts := map[coda.FailureKind]int{}
		for _, f := range run.Failures {
			counts[f.Kind]++
		}
		kinds := make([]string, 0, len(counts))
		for k := range counts {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)

		fmt.Fprintln(tw, "\nFAILURE\tCOUNT")
		for _, k := range kinds {
			fmt.Fprintf(tw, "%s\t%s\n", k, humanize.Comma(int64(counts[coda.FailureKind(k)])))
		}
	}
	tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
