package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/propfin/reconciliation-engine/cmd/reconciler/config"
	"github.com/propfin/reconciliation-engine/internal/matcher"
	"github.com/propfin/reconciliation-engine/internal/models"
	"github.com/propfin/reconciliation-engine/internal/normalizer"
	"github.com/propfin/reconciliation-engine/internal/reporter"
	"github.com/propfin/reconciliation-engine/internal/session"
)

// Flags for the reconcile command
var (
	sourceFile        string
	targetFile        string
	propertyID        string
	periodID          string
	operatorID        string
	rulesFile         string
	outputFormat      string
	outputFile        string
	matchProfile      string
	fuzzyThreshold    float64
	inferredThreshold float64
	workers           int
)

// reconcileCmd represents the reconcile command
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile two document extracts for one property and period",
	Long: `Reconcile cross-checks two extracted document CSVs for the same property
and reporting period. It runs the exact, fuzzy, calculated, and inferred
matching passes, verifies the relationship rules between the document
types present, classifies every difference by severity, and writes the
resulting report.

The extracts must carry the standard columns: document_type, property_id,
period_id, account_code, account_name, amount, line_number, date,
extraction_confidence. Rows that fail validation are dropped and logged.

Examples:
  # Balance sheet against income statement
  reconciler reconcile --source bs.csv --target is.csv \
    --property prop-001 --period 2024-Q1

  # Custom rule catalog and spreadsheet output
  reconciler reconcile --source bs.csv --target cf.csv \
    --property prop-001 --period 2024-Q1 \
    --rules catalog.yaml --format xlsx --output report.xlsx`,

	PreRunE: validateReconcileFlags,
	RunE:    runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)

	// Required flags
	reconcileCmd.Flags().StringVarP(&sourceFile, "source", "s", "", "path to source document extract CSV (required)")
	reconcileCmd.Flags().StringVarP(&targetFile, "target", "t", "", "path to target document extract CSV (required)")
	reconcileCmd.Flags().StringVar(&propertyID, "property", "", "property identifier (required)")
	reconcileCmd.Flags().StringVar(&periodID, "period", "", "reporting period, e.g. 2024-Q1 (required)")

	// Optional flags
	reconcileCmd.Flags().StringVar(&operatorID, "operator", "cli", "operator identifier recorded on the session")
	reconcileCmd.Flags().StringVar(&rulesFile, "rules", "", "relationship rule catalog YAML (default: built-in catalog)")
	reconcileCmd.Flags().StringVarP(&outputFormat, "format", "f", "json", "report format: json, csv, xlsx")
	reconcileCmd.Flags().StringVarP(&outputFile, "output", "o", "", "output file path (default: stdout)")
	reconcileCmd.Flags().StringVar(&matchProfile, "profile", "default", "matching profile: default, strict, relaxed")
	reconcileCmd.Flags().Float64Var(&fuzzyThreshold, "fuzzy-threshold", 0, "minimum fuzzy match score (default 70)")
	reconcileCmd.Flags().Float64Var(&inferredThreshold, "inferred-threshold", 0, "minimum inferred match score (default 40)")
	reconcileCmd.Flags().IntVar(&workers, "workers", 0, "matching worker count (default 4)")

	reconcileCmd.MarkFlagRequired("source")
	reconcileCmd.MarkFlagRequired("target")
	reconcileCmd.MarkFlagRequired("property")
	reconcileCmd.MarkFlagRequired("period")

	// Bind flags to viper
	viper.BindPFlag("source", reconcileCmd.Flags().Lookup("source"))
	viper.BindPFlag("target", reconcileCmd.Flags().Lookup("target"))
	viper.BindPFlag("property", reconcileCmd.Flags().Lookup("property"))
	viper.BindPFlag("period", reconcileCmd.Flags().Lookup("period"))
	viper.BindPFlag("operator", reconcileCmd.Flags().Lookup("operator"))
	viper.BindPFlag("rules", reconcileCmd.Flags().Lookup("rules"))
	viper.BindPFlag("format", reconcileCmd.Flags().Lookup("format"))
	viper.BindPFlag("output", reconcileCmd.Flags().Lookup("output"))
	viper.BindPFlag("profile", reconcileCmd.Flags().Lookup("profile"))
	viper.BindPFlag("fuzzy-threshold", reconcileCmd.Flags().Lookup("fuzzy-threshold"))
	viper.BindPFlag("inferred-threshold", reconcileCmd.Flags().Lookup("inferred-threshold"))
	viper.BindPFlag("workers", reconcileCmd.Flags().Lookup("workers"))
}

func validateReconcileFlags(cmd *cobra.Command, args []string) error {
	sourceFile = viper.GetString("source")
	targetFile = viper.GetString("target")
	propertyID = viper.GetString("property")
	periodID = viper.GetString("period")
	operatorID = viper.GetString("operator")
	rulesFile = viper.GetString("rules")
	outputFormat = viper.GetString("format")
	outputFile = viper.GetString("output")
	matchProfile = viper.GetString("profile")
	fuzzyThreshold = viper.GetFloat64("fuzzy-threshold")
	inferredThreshold = viper.GetFloat64("inferred-threshold")
	workers = viper.GetInt("workers")

	if err := validateFileExists(sourceFile, "source extract"); err != nil {
		return err
	}
	if err := validateFileExists(targetFile, "target extract"); err != nil {
		return err
	}
	if rulesFile != "" {
		if err := validateFileExists(rulesFile, "rule catalog"); err != nil {
			return err
		}
	}
	if _, err := models.ParsePeriod(periodID); err != nil {
		return err
	}
	if _, err := reporter.ParseFormat(outputFormat); err != nil {
		return err
	}
	if outputFile != "" {
		dir := filepath.Dir(outputFile)
		if dir != "." {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				return fmt.Errorf("output directory does not exist: %s", dir)
			}
		}
	}
	return nil
}

func validateFileExists(filePath, description string) error {
	if filePath == "" {
		return fmt.Errorf("%s path cannot be empty", description)
	}

	info, err := os.Stat(filePath)
	if os.IsNotExist(err) {
		return fmt.Errorf("%s does not exist: %s", description, filePath)
	}
	if err != nil {
		return fmt.Errorf("error accessing %s: %w", description, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory, expected a file: %s", description, filePath)
	}
	return nil
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	handler := NewCLIErrorHandler()

	source, sourceDropped, err := loadExtract(sourceFile)
	if err != nil {
		os.Exit(handler.HandleError(err))
	}
	target, targetDropped, err := loadExtract(targetFile)
	if err != nil {
		os.Exit(handler.HandleError(err))
	}

	scope := models.Scope{
		PropertyID:    propertyID,
		PeriodID:      periodID,
		DocumentTypes: documentTypes(source, target),
	}

	matcherConfig, err := config.CreateMatcherConfig(matchProfile, fuzzyThreshold, inferredThreshold, workers)
	if err != nil {
		os.Exit(handler.HandleError(err))
	}
	catalog, err := config.CreateRuleSet(rulesFile)
	if err != nil {
		os.Exit(handler.HandleError(err))
	}
	st, err := config.CreateStore("")
	if err != nil {
		os.Exit(handler.HandleError(err))
	}
	defer st.Close()

	svc, err := session.NewService(st, catalog, matcherConfig, matcher.NoHistory{}, nil)
	if err != nil {
		os.Exit(handler.HandleError(err))
	}

	sess, _, err := svc.StartSession(ctx, session.StartRequest{
		Scope:      scope,
		OperatorID: operatorID,
		Source:     source,
		Target:     target,
		Dropped:    sourceDropped + targetDropped,
	})
	if err != nil {
		os.Exit(handler.HandleError(err))
	}

	report, err := svc.BuildReport(ctx, sess.ID)
	if err != nil {
		os.Exit(handler.HandleError(err))
	}

	format, _ := reporter.ParseFormat(outputFormat)
	output := os.Stdout
	if outputFile != "" {
		output, err = os.Create(outputFile)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer output.Close()
	}
	if err := report.Export(output, format); err != nil {
		os.Exit(handler.HandleError(err))
	}

	if viper.GetBool("verbose") {
		summary := sess.Summary
		fmt.Fprintf(os.Stderr, "\nReconciliation completed.\n")
		fmt.Fprintf(os.Stderr, "Processed %d source and %d target records (%d dropped).\n",
			summary.TotalSourceRecords, summary.TotalTargetRecords, summary.DroppedRecords)
		for _, matchType := range []models.MatchType{
			models.MatchExact, models.MatchFuzzy, models.MatchCalculated, models.MatchInferred,
		} {
			if count, ok := summary.MatchesByType[matchType]; ok {
				fmt.Fprintf(os.Stderr, "  %s matches: %d\n", matchType, count)
			}
		}
		for _, severity := range []models.Severity{
			models.SeverityCritical, models.SeverityHigh, models.SeverityMedium,
			models.SeverityLow, models.SeverityInfo,
		} {
			if count, ok := summary.BySeverity[severity]; ok {
				fmt.Fprintf(os.Stderr, "  %s discrepancies: %d\n", severity, count)
			}
		}
	}
	return nil
}

func loadExtract(path string) ([]*models.FinancialRecord, int, error) {
	items, err := normalizer.LoadRawLineItems(path)
	if err != nil {
		return nil, 0, err
	}
	result := normalizer.NewNormalizer().NormalizeBatch(items)
	return result.Records, len(result.Dropped), nil
}

func documentTypes(source, target []*models.FinancialRecord) []models.DocumentType {
	seen := make(map[models.DocumentType]bool)
	var out []models.DocumentType
	for _, r := range append(append([]*models.FinancialRecord{}, source...), target...) {
		if !seen[r.DocumentType] {
			seen[r.DocumentType] = true
			out = append(out, r.DocumentType)
		}
	}
	return out
}
