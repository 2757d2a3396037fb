// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package monitoring

import (
	"fmt"
	"strings"

	"github.com/aqea/aqea-extractor/services/master"
)

// Render formats a status snapshot as a compact terminal report.
func Render(st *master.Status) string {
	var b strings.Builder

	fmt.Fprintf(&b, "AQEA Extraction — %s from %s [%s, backend=%s]\n",
		st.Overview.Language, st.Overview.Source, st.Overview.Status, st.Overview.Backend)
	fmt.Fprintf(&b, "  started %s, running %.2fh\n",
		st.Overview.StartedAt, st.Overview.RuntimeHours)

	fmt.Fprintf(&b, "Progress: %d / %d entries (%.1f%%) at %.1f/min",
		st.Progress.TotalProcessedEntries,
		st.Progress.TotalEstimatedEntries,
		st.Progress.ProgressPercent,
		st.Progress.CurrentRatePerMinute)
	if st.Progress.ETAHours != nil {
		fmt.Fprintf(&b, ", ETA %.1fh", *st.Progress.ETAHours)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "Units: %d total — %d pending, %d assigned, %d processing, %d completed, %d failed\n",
		st.WorkUnits.Total, st.WorkUnits.Pending, st.WorkUnits.Assigned,
		st.WorkUnits.Processing, st.WorkUnits.Completed, st.WorkUnits.Failed)
	fmt.Fprintf(&b, "Workers: %d total — %d active, %d idle, %d offline\n",
		st.Workers.Total, st.Workers.Active, st.Workers.Idle, st.Workers.Offline)
	if st.Errors.SoftErrors > 0 || st.Errors.HardErrors > 0 {
		fmt.Fprintf(&b, "Errors: %d soft, %d hard\n",
			st.Errors.SoftErrors, st.Errors.HardErrors)
	}

	for _, w := range st.Workers.Details {
		line := fmt.Sprintf("  %-20s %-8s", w.WorkerID, w.Status)
		if w.CurrentWorkID != "" {
			line += " " + w.CurrentWorkID
		}
		if w.AverageRate > 0 {
			line += fmt.Sprintf(" (%.1f/min)", w.AverageRate)
		}
		b.WriteString(line + "\n")
	}
	for _, u := range st.RecentCompletions {
		fmt.Fprintf(&b, "  done: %s (%d entries)\n", u.WorkID, u.EntriesProcessed)
	}
	return b.String()
}
