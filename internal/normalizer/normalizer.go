// Package normalizer canonicalizes raw extracted line items into
// FinancialRecords.
//
// The extraction collaborator produces per-field strings with a per-field
// extraction confidence; this package validates them (an account code or
// name must be present, the amount must parse to an exact decimal) and
// drops invalid rows with a logged validation error rather than aborting
// the batch. A reconciliation run over thousands of records must never
// fail wholesale because of one bad line item.
package normalizer

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/google/uuid"

	"github.com/propfin/reconciliation-engine/internal/models"
	recerrors "github.com/propfin/reconciliation-engine/pkg/errors"
	"github.com/propfin/reconciliation-engine/pkg/logger"
)

// RawLineItem is one extracted line as delivered by the extraction
// collaborator. All fields arrive as strings; csv tags bind the standard
// extract column headers.
type RawLineItem struct {
	DocumentType         string `csv:"document_type" json:"document_type"`
	PropertyID           string `csv:"property_id" json:"property_id"`
	PeriodID             string `csv:"period_id" json:"period_id"`
	AccountCode          string `csv:"account_code" json:"account_code"`
	AccountName          string `csv:"account_name" json:"account_name"`
	Amount               string `csv:"amount" json:"amount"`
	LineNumber           string `csv:"line_number" json:"line_number"`
	Date                 string `csv:"date" json:"date"`
	ExtractionConfidence string `csv:"extraction_confidence" json:"extraction_confidence"`
}

// dateFormats are the date layouts extracts are known to carry.
var dateFormats = []string{
	"2006-01-02",
	"01/02/2006",
	"2006-01-02T15:04:05Z07:00",
	"Jan 2, 2006",
}

// BatchResult reports the outcome of normalizing a batch: the valid
// records in extract order and the validation errors for dropped rows.
type BatchResult struct {
	Records []*models.FinancialRecord
	Dropped []*recerrors.ReconcilerError
}

// Normalizer canonicalizes raw line items.
type Normalizer struct {
	logger logger.Logger
}

// NewNormalizer creates a Normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		logger: logger.GetGlobalLogger().WithComponent("normalizer"),
	}
}

// Normalize canonicalizes one raw line item. index is the row's position
// in the extract and becomes the record's ExtractionIndex.
func (n *Normalizer) Normalize(raw RawLineItem, index int) (*models.FinancialRecord, error) {
	docType := models.DocumentType(strings.ToLower(strings.TrimSpace(raw.DocumentType)))
	if !docType.IsValid() {
		return nil, recerrors.ValidationError(recerrors.CodeInvalidRecord,
			"document_type", raw.DocumentType, nil)
	}

	code := strings.TrimSpace(raw.AccountCode)
	name := strings.TrimSpace(raw.AccountName)
	if code == "" && name == "" {
		return nil, recerrors.ValidationError(recerrors.CodeMissingField,
			"account_code/account_name", "", nil)
	}

	amount, err := models.ParseAmount(raw.Amount)
	if err != nil {
		return nil, recerrors.ValidationError(recerrors.CodeInvalidAmount,
			"amount", raw.Amount, err)
	}

	confidence := 100.0
	if strings.TrimSpace(raw.ExtractionConfidence) != "" {
		confidence, err = strconv.ParseFloat(strings.TrimSpace(raw.ExtractionConfidence), 64)
		if err != nil {
			return nil, recerrors.ValidationError(recerrors.CodeInvalidRecord,
				"extraction_confidence", raw.ExtractionConfidence, err)
		}
		if confidence < 0 || confidence > 100 {
			return nil, recerrors.ValidationError(recerrors.CodeInvalidRecord,
				"extraction_confidence", raw.ExtractionConfidence, nil)
		}
	}

	record := &models.FinancialRecord{
		ID:               uuid.NewString(),
		DocumentType:     docType,
		PropertyID:       strings.TrimSpace(raw.PropertyID),
		PeriodID:         strings.TrimSpace(raw.PeriodID),
		AccountCode:      code,
		AccountName:      name,
		Amount:           amount,
		SourceConfidence: confidence,
		ExtractionIndex:  index,
	}

	if line := strings.TrimSpace(raw.LineNumber); line != "" {
		num, err := strconv.Atoi(line)
		if err != nil {
			return nil, recerrors.ValidationError(recerrors.CodeInvalidRecord,
				"line_number", raw.LineNumber, err)
		}
		record.LineNumber = &num
	}

	if dateStr := strings.TrimSpace(raw.Date); dateStr != "" {
		date, err := parseDate(dateStr)
		if err != nil {
			return nil, recerrors.ValidationError(recerrors.CodeInvalidRecord,
				"date", raw.Date, err)
		}
		record.Date = &date
	}

	if err := record.Validate(); err != nil {
		return nil, recerrors.ValidationError(recerrors.CodeInvalidRecord,
			"record", record.String(), err)
	}
	return record, nil
}

// NormalizeBatch canonicalizes a batch in extract order. Invalid rows are
// dropped and logged, never silently discarded; the returned result
// carries both the surviving records and the per-row errors.
func (n *Normalizer) NormalizeBatch(items []RawLineItem) *BatchResult {
	result := &BatchResult{}
	for i, raw := range items {
		record, err := n.Normalize(raw, i)
		if err != nil {
			re, _ := recerrors.AsReconcilerError(err)
			re.WithContext("row", i)
			result.Dropped = append(result.Dropped, re)
			n.logger.WithError(err).WithFields(logger.Fields{
				"row":          i,
				"account_code": raw.AccountCode,
				"account_name": raw.AccountName,
			}).Warn("Dropping invalid extracted line item")
			continue
		}
		result.Records = append(result.Records, record)
	}

	n.logger.WithFields(logger.Fields{
		"total":   len(items),
		"valid":   len(result.Records),
		"dropped": len(result.Dropped),
	}).Info("Normalized extracted line items")
	return result
}

func parseDate(s string) (time.Time, error) {
	var lastErr error
	for _, format := range dateFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}

// LoadRawLineItems reads an extract CSV file into raw line items.
func LoadRawLineItems(path string) ([]RawLineItem, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, recerrors.Wrap(err, recerrors.CategoryValidation,
			recerrors.CodeInvalidRecord, "failed to open extract file").
			WithContext("path", path)
	}
	defer file.Close()

	var items []RawLineItem
	if err := gocsv.UnmarshalFile(file, &items); err != nil {
		return nil, recerrors.Wrap(err, recerrors.CategoryValidation,
			recerrors.CodeInvalidRecord, "failed to parse extract file").
			WithContext("path", path)
	}
	return items, nil
}
