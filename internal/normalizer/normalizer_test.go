package normalizer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/propfin/reconciliation-engine/internal/models"
	"github.com/propfin/reconciliation-engine/pkg/errors"
)

func validItem() RawLineItem {
	return RawLineItem{
		DocumentType:         "balance_sheet",
		PropertyID:           "prop-001",
		PeriodID:             "2024-Q1",
		AccountCode:          "1000",
		AccountName:          "Cash - Operating",
		Amount:               "$1,250,000.50",
		LineNumber:           "12",
		Date:                 "2024-03-31",
		ExtractionConfidence: "98.5",
	}
}

func TestNormalize(t *testing.T) {
	n := NewNormalizer()

	record, err := n.Normalize(validItem(), 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if record.ID == "" {
		t.Error("record must get a generated id")
	}
	if record.DocumentType != models.DocumentBalanceSheet {
		t.Errorf("document type = %s", record.DocumentType)
	}
	if record.Amount.String() != "1250000.5" {
		t.Errorf("amount = %s, want 1250000.5", record.Amount)
	}
	if record.LineNumber == nil || *record.LineNumber != 12 {
		t.Errorf("line number = %v", record.LineNumber)
	}
	if record.Date == nil || record.Date.Year() != 2024 || record.Date.Month() != 3 {
		t.Errorf("date = %v", record.Date)
	}
	if record.SourceConfidence != 98.5 {
		t.Errorf("source confidence = %v", record.SourceConfidence)
	}
	if record.ExtractionIndex != 7 {
		t.Errorf("extraction index = %d, want 7", record.ExtractionIndex)
	}
}

func TestNormalizeDefaults(t *testing.T) {
	n := NewNormalizer()

	item := validItem()
	item.LineNumber = ""
	item.Date = ""
	item.ExtractionConfidence = ""

	record, err := n.Normalize(item, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.LineNumber != nil {
		t.Error("line number must stay unset")
	}
	if record.Date != nil {
		t.Error("date must stay unset")
	}
	if record.SourceConfidence != 100 {
		t.Errorf("confidence default = %v, want 100", record.SourceConfidence)
	}
}

func TestNormalizeAccountingNegative(t *testing.T) {
	n := NewNormalizer()

	item := validItem()
	item.Amount = "(1,500.00)"

	record, err := n.Normalize(item, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.Amount.String() != "-1500" {
		t.Errorf("amount = %s, want -1500", record.Amount)
	}
}

func TestNormalizeRejects(t *testing.T) {
	n := NewNormalizer()

	tests := []struct {
		name   string
		mutate func(*RawLineItem)
		code   errors.ErrorCode
	}{
		{
			name:   "unknown document type",
			mutate: func(i *RawLineItem) { i.DocumentType = "ledger" },
			code:   errors.CodeInvalidRecord,
		},
		{
			name: "no account code or name",
			mutate: func(i *RawLineItem) {
				i.AccountCode = ""
				i.AccountName = ""
			},
			code: errors.CodeMissingField,
		},
		{
			name:   "unparseable amount",
			mutate: func(i *RawLineItem) { i.Amount = "12.34.56" },
			code:   errors.CodeInvalidAmount,
		},
		{
			name:   "confidence out of range",
			mutate: func(i *RawLineItem) { i.ExtractionConfidence = "140" },
			code:   errors.CodeInvalidRecord,
		},
		{
			name:   "bad line number",
			mutate: func(i *RawLineItem) { i.LineNumber = "twelve" },
			code:   errors.CodeInvalidRecord,
		},
		{
			name:   "bad date",
			mutate: func(i *RawLineItem) { i.Date = "31-03-2024 25:00" },
			code:   errors.CodeInvalidRecord,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := validItem()
			tt.mutate(&item)

			_, err := n.Normalize(item, 0)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.IsCode(err, tt.code) {
				t.Errorf("error code mismatch: %v", err)
			}
		})
	}
}

func TestNormalizeBatchDropsInvalidRows(t *testing.T) {
	n := NewNormalizer()

	bad := validItem()
	bad.Amount = "not-a-number"

	result := n.NormalizeBatch([]RawLineItem{validItem(), bad, validItem()})

	if len(result.Records) != 2 {
		t.Fatalf("got %d records, want 2", len(result.Records))
	}
	if len(result.Dropped) != 1 {
		t.Fatalf("got %d dropped, want 1", len(result.Dropped))
	}

	// Extraction order is preserved, including the dropped row's slot.
	if result.Records[0].ExtractionIndex != 0 || result.Records[1].ExtractionIndex != 2 {
		t.Errorf("extraction indexes = %d, %d",
			result.Records[0].ExtractionIndex, result.Records[1].ExtractionIndex)
	}
}

func TestLoadRawLineItems(t *testing.T) {
	csv := `document_type,property_id,period_id,account_code,account_name,amount,line_number,date,extraction_confidence
balance_sheet,prop-001,2024-Q1,1000,Cash - Operating,"$1,250,000.50",1,2024-03-31,98.5
income_statement,prop-001,2024-Q1,4000,Rental Income,85000.00,2,,95
`
	path := filepath.Join(t.TempDir(), "extract.csv")
	if err := os.WriteFile(path, []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}

	items, err := LoadRawLineItems(path)
	if err != nil {
		t.Fatalf("LoadRawLineItems failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	if items[0].Amount != "$1,250,000.50" {
		t.Errorf("amount column = %q", items[0].Amount)
	}
	if items[1].DocumentType != "income_statement" {
		t.Errorf("document type column = %q", items[1].DocumentType)
	}
}

func TestLoadRawLineItemsMissingFile(t *testing.T) {
	if _, err := LoadRawLineItems("/nonexistent/extract.csv"); err == nil {
		t.Fatal("missing file must error")
	}
}
