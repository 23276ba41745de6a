package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/noah-isme/accreditation-api/internal/dto"
	"github.com/noah-isme/accreditation-api/internal/models"
	"github.com/noah-isme/accreditation-api/pkg/export"
)

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeBulkSummary(w io.Writer, s *dto.BulkSummary, format string) error {
	if format == "json" {
		return writeJSON(w, s)
	}
	mode := "live"
	if s.DryRun {
		mode = "dry-run"
	}
	fmt.Fprintf(w, "Bulk approval for area %s (%s)\n", s.AreaID, mode)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UNIT\tELIGIBLE\tSUBMITTED\tAPPROVED\tCHUNKS\tREADY\tBATCHES\tNOTE")
	for _, u := range s.Units {
		note := ""
		switch {
		case u.Skipped:
			note = u.SkipReason
		case len(u.Errors) > 0:
			note = fmt.Sprintf("%d error(s)", len(u.Errors))
		case u.CredentialWaitTimeout:
			note = fmt.Sprintf("timed out waiting, %d/%d ready", u.CredentialsReady, u.CredentialsExpected)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%d\t%s\t%s\n",
			u.Unit, u.Eligible, u.Submitted, u.Approved, joinInts(u.Chunks), u.CredentialsReady, batchList(u.Batches), note)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\nUnits: %d total, %d processed, %d skipped\n", s.UnitsTotal, s.UnitsProcessed, s.UnitsSkipped)
	fmt.Fprintf(w, "Requests: %d submitted, %d approved\n", s.Submitted, s.Approved)
	fmt.Fprintf(w, "Print batches: %d covering %d credentials\n", s.BatchesCreated, s.CredentialsBatched)
	if s.Aborted {
		fmt.Fprintln(w, "Run aborted after the first error (use --skip-errors to continue past failures)")
	}
	for _, e := range s.Errors {
		target := e.Unit
		if e.RequestID != "" {
			target += "/" + e.RequestID
		}
		fmt.Fprintf(w, "ERROR [%s] %s: %s\n", e.Stage, target, e.Message)
	}
	return nil
}

func joinInts(values []int) string {
	if len(values) == 0 {
		return "-"
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, "/")
}

func batchList(batches []dto.BulkBatchRef) string {
	if len(batches) == 0 {
		return "-"
	}
	parts := make([]string, len(batches))
	for i, b := range batches {
		parts[i] = fmt.Sprintf("%s:%d", b.EventID, b.Count)
	}
	return strings.Join(parts, ",")
}

func statusRows(report *dto.CredentialStatusReport) []models.CredentialStatus {
	seen := make(map[models.CredentialStatus]bool, len(models.CredentialStatuses))
	rows := make([]models.CredentialStatus, 0, len(report.Counts))
	for _, status := range models.CredentialStatuses {
		seen[status] = true
		if _, ok := report.Counts[status]; ok {
			rows = append(rows, status)
		}
	}
	var extra []models.CredentialStatus
	for status := range report.Counts {
		if !seen[status] {
			extra = append(extra, status)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(rows, extra...)
}

func writeStatusReport(w io.Writer, report *dto.CredentialStatusReport, format string) error {
	switch format {
	case "json":
		return writeJSON(w, report)
	case "csv":
		data := export.Dataset{Headers: []string{"status", "count"}}
		for _, status := range statusRows(report) {
			data.Rows = append(data.Rows, map[string]string{"status": string(status), "count": strconv.Itoa(report.Counts[status])})
		}
		data.Rows = append(data.Rows,
			map[string]string{"status": "total", "count": strconv.Itoa(report.Total)},
			map[string]string{"status": "stuck_generating", "count": strconv.Itoa(report.Stuck)},
			map[string]string{"status": "retryable_failed", "count": strconv.Itoa(report.RetryableFailed)},
		)
		raw, err := export.NewCSVExporter().Render(data)
		if err != nil {
			return err
		}
		_, err = w.Write(raw)
		return err
	default:
		scope := "all events"
		if report.EventID != "" {
			scope = "event " + report.EventID
		}
		fmt.Fprintf(w, "Credential status for %s\n", scope)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, status := range statusRows(report) {
			fmt.Fprintf(tw, "%s\t%d\n", status, report.Counts[status])
		}
		fmt.Fprintf(tw, "total\t%d\n", report.Total)
		if err := tw.Flush(); err != nil {
			return err
		}
		if report.Stuck > 0 {
			fmt.Fprintf(w, "WARNING %d credential(s) stuck in generating\n", report.Stuck)
		}
		if report.RetryableFailed > 0 {
			fmt.Fprintf(w, "%d failed credential(s) can be retried with 'credentials regenerate-failed'\n", report.RetryableFailed)
		}
		return nil
	}
}
