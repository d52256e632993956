// Package reporter renders completed (or in-review) sessions as audit
// reports in JSON, CSV, or XLSX.
//
// JSON carries the full report. CSV is the flat discrepancy table the
// audit teams import into their worksheets. XLSX splits the report over
// Summary, Matches, Discrepancies and Resolutions sheets.
package reporter

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/xuri/excelize/v2"

	"github.com/propfin/reconciliation-engine/internal/models"
	"github.com/propfin/reconciliation-engine/internal/store"
	"github.com/propfin/reconciliation-engine/pkg/errors"
)

// Format identifies a report output format.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat parses a format name, defaulting to JSON for empty input.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return FormatJSON, nil
	case "csv":
		return FormatCSV, nil
	case "xlsx", "excel":
		return FormatXLSX, nil
	}
	return "", errors.ValidationError(errors.CodeInvalidRecord, "format", name,
		fmt.Errorf("supported formats: json, csv, xlsx"))
}

// ContentType returns the HTTP content type for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/json"
	}
}

// Summary rows are emitted in pipeline and review-priority order so the
// exported sheet is stable across runs.
var (
	matchTypeOrder = []models.MatchType{
		models.MatchExact, models.MatchFuzzy, models.MatchCalculated, models.MatchInferred,
	}
	severityOrder = []models.Severity{
		models.SeverityCritical, models.SeverityHigh, models.SeverityMedium,
		models.SeverityLow, models.SeverityInfo,
	}
)

// Report is the exportable view of one session.
type Report struct {
	GeneratedAt time.Time            `json:"generated_at"`
	Session     *models.Session      `json:"session"`
	Comparison  *store.Comparison    `json:"comparison"`
	Resolutions []*models.Resolution `json:"resolutions"`
}

// NewReport assembles a report for export.
func NewReport(session *models.Session, comparison *store.Comparison, resolutions []*models.Resolution) *Report {
	return &Report{
		GeneratedAt: time.Now().UTC(),
		Session:     session,
		Comparison:  comparison,
		Resolutions: resolutions,
	}
}

// Export writes the report to w in the requested format.
func (r *Report) Export(w io.Writer, format Format) error {
	switch format {
	case FormatJSON:
		return r.exportJSON(w)
	case FormatCSV:
		return r.exportCSV(w)
	case FormatXLSX:
		return r.exportXLSX(w)
	}
	return errors.ValidationError(errors.CodeInvalidRecord, "format", string(format),
		fmt.Errorf("unsupported report format"))
}

func (r *Report) exportJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return errors.InternalError("encode json report", err)
	}
	return nil
}

// discrepancyRow is the flat CSV shape of one discrepancy.
type discrepancyRow struct {
	ID               string `csv:"id"`
	DifferenceType   string `csv:"difference_type"`
	Severity         string `csv:"severity"`
	SourceAccount    string `csv:"source_account"`
	TargetAccount    string `csv:"target_account"`
	RuleID           string `csv:"rule_id"`
	AmountDifference string `csv:"amount_difference"`
	PercentDiff      string `csv:"percent_difference"`
	Description      string `csv:"description"`
	ResolutionStatus string `csv:"resolution_status"`
	ResolvedBy       string `csv:"resolved_by"`
	ResolutionAction string `csv:"resolution_action"`
}

func (r *Report) exportCSV(w io.Writer) error {
	rows := r.discrepancyRows()
	if err := gocsv.Marshal(&rows, w); err != nil {
		return errors.InternalError("encode csv report", err)
	}
	return nil
}

func (r *Report) discrepancyRows() []*discrepancyRow {
	records := r.recordIndex()
	latest := r.latestResolutions()

	rows := make([]*discrepancyRow, 0, len(r.Comparison.Discrepancies))
	for _, d := range r.Comparison.Discrepancies {
		row := &discrepancyRow{
			ID:               d.ID,
			DifferenceType:   string(d.DifferenceType),
			Severity:         string(d.Severity),
			SourceAccount:    accountLabel(records[d.SourceRecordID]),
			TargetAccount:    accountLabel(records[d.TargetRecordID]),
			RuleID:           d.RuleID,
			AmountDifference: d.AmountDifference.StringFixed(2),
			PercentDiff:      d.PercentDifference.StringFixed(2),
			Description:      d.Description,
			ResolutionStatus: string(d.ResolutionStatus),
		}
		if res := latest[d.ID]; res != nil {
			row.ResolvedBy = res.Actor
			row.ResolutionAction = string(res.Action)
		}
		rows = append(rows, row)
	}
	return rows
}

func (r *Report) exportXLSX(w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := r.writeSummarySheet(f); err != nil {
		return err
	}
	if err := r.writeMatchesSheet(f); err != nil {
		return err
	}
	if err := r.writeDiscrepanciesSheet(f); err != nil {
		return err
	}
	if err := r.writeResolutionsSheet(f); err != nil {
		return err
	}
	f.DeleteSheet("Sheet1")

	if err := f.Write(w); err != nil {
		return errors.InternalError("write xlsx report", err)
	}
	return nil
}

func (r *Report) writeSummarySheet(f *excelize.File) error {
	const sheet = "Summary"
	if _, err := f.NewSheet(sheet); err != nil {
		return errors.InternalError("create summary sheet", err)
	}

	summary := r.Session.Summary
	rows := [][]interface{}{
		{"Session ID", r.Session.ID},
		{"Property", r.Session.Scope.PropertyID},
		{"Period", r.Session.Scope.PeriodID},
		{"Status", string(r.Session.Status)},
		{"Operator", r.Session.OperatorID},
		{"Started", r.Session.StartedAt.Format(time.RFC3339)},
		{"Source records", summary.TotalSourceRecords},
		{"Target records", summary.TotalTargetRecords},
		{"Dropped records", summary.DroppedRecords},
		{"Amount matched", summary.TotalAmountMatched.StringFixed(2)},
		{"Amount unmatched", summary.TotalAmountUnmatched.StringFixed(2)},
	}
	for _, matchType := range matchTypeOrder {
		if count, ok := summary.MatchesByType[matchType]; ok {
			rows = append(rows, []interface{}{"Matches: " + matchType.String(), count})
		}
	}
	for _, severity := range severityOrder {
		if count, ok := summary.BySeverity[severity]; ok {
			rows = append(rows, []interface{}{"Discrepancies: " + string(severity), count})
		}
	}
	for _, skipped := range summary.SkippedRules {
		rows = append(rows, []interface{}{"Skipped rule", skipped})
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return errors.InternalError("summary cell name", err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return errors.InternalError("write summary row", err)
		}
	}
	return nil
}

func (r *Report) writeMatchesSheet(f *excelize.File) error {
	const sheet = "Matches"
	header := []interface{}{
		"Match Type", "Confidence", "Source Account", "Source Amount",
		"Target Account", "Target Amount", "Difference", "Rule", "Formula", "Needs Approval",
	}
	rows := [][]interface{}{header}
	for _, c := range r.Comparison.Candidates {
		rows = append(rows, []interface{}{
			c.MatchType.String(),
			c.Confidence,
			accountLabel(c.Source),
			amountLabel(c.Source),
			accountLabel(c.Target),
			amountLabel(c.Target),
			c.AmountDifference.StringFixed(2),
			c.RuleID,
			c.Formula,
			c.RequiresApproval,
		})
	}
	return writeSheet(f, sheet, rows)
}

func (r *Report) writeDiscrepanciesSheet(f *excelize.File) error {
	const sheet = "Discrepancies"
	header := []interface{}{
		"ID", "Type", "Severity", "Source Account", "Target Account",
		"Rule", "Amount Difference", "Percent", "Description", "Resolution",
	}
	records := r.recordIndex()
	rows := [][]interface{}{header}
	for _, d := range r.Comparison.Discrepancies {
		rows = append(rows, []interface{}{
			d.ID,
			string(d.DifferenceType),
			string(d.Severity),
			accountLabel(records[d.SourceRecordID]),
			accountLabel(records[d.TargetRecordID]),
			d.RuleID,
			d.AmountDifference.StringFixed(2),
			d.PercentDifference.StringFixed(2),
			d.Description,
			string(d.ResolutionStatus),
		})
	}
	return writeSheet(f, sheet, rows)
}

func (r *Report) writeResolutionsSheet(f *excelize.File) error {
	const sheet = "Resolutions"
	header := []interface{}{
		"ID", "Discrepancy", "Action", "Old Value", "New Value", "Rationale", "Actor", "At",
	}
	rows := [][]interface{}{header}
	for _, res := range r.Resolutions {
		rows = append(rows, []interface{}{
			res.ID,
			res.TargetID,
			string(res.Action),
			res.OldValue,
			res.NewValue,
			res.Rationale,
			res.Actor,
			res.CreatedAt.Format(time.RFC3339),
		})
	}
	return writeSheet(f, sheet, rows)
}

func writeSheet(f *excelize.File, sheet string, rows [][]interface{}) error {
	if _, err := f.NewSheet(sheet); err != nil {
		return errors.InternalError("create sheet", err)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return errors.InternalError("cell name", err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return errors.InternalError("write sheet row", err)
		}
	}
	return nil
}

// recordIndex maps record ids to records across both sides.
func (r *Report) recordIndex() map[string]*models.FinancialRecord {
	index := make(map[string]*models.FinancialRecord,
		len(r.Comparison.SourceRecords)+len(r.Comparison.TargetRecords))
	for _, record := range r.Comparison.SourceRecords {
		index[record.ID] = record
	}
	for _, record := range r.Comparison.TargetRecords {
		index[record.ID] = record
	}
	return index
}

// latestResolutions maps each discrepancy to its most recent ledger entry.
func (r *Report) latestResolutions() map[string]*models.Resolution {
	latest := make(map[string]*models.Resolution, len(r.Resolutions))
	for _, res := range r.Resolutions {
		latest[res.TargetID] = res
	}
	return latest
}

func accountLabel(record *models.FinancialRecord) string {
	if record == nil {
		return ""
	}
	if record.AccountCode != "" {
		return record.AccountCode + " " + record.AccountName
	}
	return record.AccountName
}

func amountLabel(record *models.FinancialRecord) string {
	if record == nil {
		return ""
	}
	return record.Amount.StringFixed(2)
}
