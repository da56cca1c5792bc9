package ingest

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/reconiq/quote-engine/internal/models"
)

// Column names accepted in a pricing-rule CSV.
const (
	ColCode             = "code"
	ColName             = "name"
	ColPriority         = "priority"
	ColIsActive         = "is_active"
	ColActionType       = "action_type"
	ColActionValue      = "action_value"
	ColServiceCodes     = "service_codes"
	ColMinSubtotalCents = "min_subtotal_cents"
	ColMaxSubtotalCents = "max_subtotal_cents"
	ColMinDifficulty    = "min_difficulty"
	ColMaxDifficulty    = "max_difficulty"
	ColVehicleClasses   = "vehicle_classes"
)

// DefaultPriority is used when a row leaves priority blank.
const DefaultPriority = 100

// listSeparator splits multi-valued cells such as service_codes.
const listSeparator = "|"

// ErrInvalidFile is returned for files that cannot be imported at all.
var ErrInvalidFile = errors.New("invalid pricing rule file")

var requiredColumns = []string{ColCode, ColActionType, ColActionValue}

var knownColumns = map[string]bool{
	ColCode: true, ColName: true, ColPriority: true, ColIsActive: true,
	ColActionType: true, ColActionValue: true, ColServiceCodes: true,
	ColMinSubtotalCents: true, ColMaxSubtotalCents: true,
	ColMinDifficulty: true, ColMaxDifficulty: true, ColVehicleClasses: true,
}

// ParseResult is the outcome of parsing one file.
type ParseResult struct {
	Rules       []models.PricingRule
	RowCount    int
	Warnings    []string
	ContentHash string
}

// ParseRules reads a pricing-rule CSV for the tenant. Header problems reject
// the whole file; bad rows are skipped and reported as warnings.
func ParseRules(reader io.Reader, tenantID uuid.UUID) (*ParseResult, error) {
	hasher := sha256.New()
	csvReader := csv.NewReader(io.TeeReader(reader, hasher))
	csvReader.FieldsPerRecord = -1
	csvReader.TrimLeadingSpace = true

	result := &ParseResult{
		Rules:    make([]models.PricingRule, 0),
		Warnings: make([]string, 0),
	}

	headers, err := csvReader.Read()
	if err != nil {
		if err == io.EOF {
			return result, fmt.Errorf("%w: file is empty", ErrInvalidFile)
		}
		return result, fmt.Errorf("%w: failed to read headers: %v", ErrInvalidFile, err)
	}

	index, headerWarnings, headerErrors := validateHeaders(headers)
	result.Warnings = append(result.Warnings, headerWarnings...)
	if len(headerErrors) > 0 {
		return result, fmt.Errorf("%w: %s", ErrInvalidFile, strings.Join(headerErrors, "; "))
	}

	seen := make(map[string]int)
	lineNum := 1
	for {
		record, err := csvReader.Read()
		lineNum++
		if err != nil {
			if err == io.EOF {
				break
			}
			return result, fmt.Errorf("%w: line %d: %v", ErrInvalidFile, lineNum, err)
		}
		if blankRecord(record) {
			continue
		}
		result.RowCount++

		cell := func(col string) string {
			i, ok := index[col]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		rule, rowErrors := parseRow(cell, tenantID)
		if len(rowErrors) > 0 {
			for _, re := range rowErrors {
				result.Warnings = append(result.Warnings, fmt.Sprintf("row %d skipped: %s", lineNum, re))
			}
			continue
		}
		if first, dup := seen[rule.Code]; dup {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("row %d skipped: code '%s' already defined on row %d", lineNum, rule.Code, first))
			continue
		}
		seen[rule.Code] = lineNum
		result.Rules = append(result.Rules, rule)
	}

	result.ContentHash = hex.EncodeToString(hasher.Sum(nil))
	return result, nil
}

func validateHeaders(headers []string) (map[string]int, []string, []string) {
	var warnings, errs []string
	index := make(map[string]int, len(headers))

	for i, h := range headers {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := index[name]; dup {
			errs = append(errs, fmt.Sprintf("duplicate column '%s'", name))
			continue
		}
		index[name] = i
		if !knownColumns[name] {
			warnings = append(warnings, fmt.Sprintf("unexpected column '%s' ignored", name))
		}
	}
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			errs = append(errs, fmt.Sprintf("required column '%s' not found in headers", col))
		}
	}
	return index, warnings, errs
}

func parseRow(cell func(string) string, tenantID uuid.UUID) (models.PricingRule, []string) {
	var errs []string
	rule := models.PricingRule{
		TenantID: tenantID,
		Code:     cell(ColCode),
		Name:     cell(ColName),
		Priority: DefaultPriority,
		IsActive: true,
	}
	if rule.Code == "" {
		errs = append(errs, "code is required")
	}
	if rule.Name == "" {
		rule.Name = rule.Code
	}

	if v := cell(ColPriority); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("priority '%s' is not an integer", v))
		}
		rule.Priority = p
	}
	if v := cell(ColIsActive); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("is_active '%s' is not a boolean", v))
		}
		rule.IsActive = b
	}

	action, actionErrs := parseAction(cell(ColActionType), cell(ColActionValue))
	errs = append(errs, actionErrs...)
	rule.Action = action

	cond := &models.RuleConditions{
		ServiceCodes:   splitList(cell(ColServiceCodes)),
		VehicleClasses: splitList(cell(ColVehicleClasses)),
	}
	cond.MinSubtotalCents = parseInt64(cell(ColMinSubtotalCents), ColMinSubtotalCents, &errs)
	cond.MaxSubtotalCents = parseInt64(cell(ColMaxSubtotalCents), ColMaxSubtotalCents, &errs)
	cond.MinDifficultyScore = parseFloat(cell(ColMinDifficulty), ColMinDifficulty, &errs)
	cond.MaxDifficultyScore = parseFloat(cell(ColMaxDifficulty), ColMaxDifficulty, &errs)

	if cond.MinSubtotalCents != nil && cond.MaxSubtotalCents != nil && *cond.MinSubtotalCents > *cond.MaxSubtotalCents {
		errs = append(errs, "min_subtotal_cents exceeds max_subtotal_cents")
	}
	if cond.MinDifficultyScore != nil && cond.MaxDifficultyScore != nil && *cond.MinDifficultyScore > *cond.MaxDifficultyScore {
		errs = append(errs, "min_difficulty exceeds max_difficulty")
	}
	if !emptyConditions(cond) {
		rule.Conditions = cond
	}

	return rule, errs
}

func parseAction(actionType, rawValue string) (*models.RuleAction, []string) {
	t := models.RuleActionType(strings.ToLower(actionType))
	switch t {
	case models.ActionMultiplySubtotal, models.ActionAddCents, models.ActionSubtractCents:
	default:
		return nil, []string{fmt.Sprintf("action_type '%s' is not one of multiply_subtotal, add_cents, subtract_cents", actionType)}
	}

	value, err := strconv.ParseFloat(rawValue, 64)
	if err != nil {
		return nil, []string{fmt.Sprintf("action_value '%s' is not a number", rawValue)}
	}
	if t == models.ActionMultiplySubtotal && value <= 0 {
		return nil, []string{"multiply_subtotal requires a positive action_value"}
	}
	if t != models.ActionMultiplySubtotal && value < 0 {
		return nil, []string{fmt.Sprintf("%s requires a non-negative action_value", t)}
	}
	return &models.RuleAction{Type: t, Value: value}, nil
}

func parseInt64(v, col string, errs *[]string) *int64 {
	if v == "" {
		return nil
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s '%s' is not an integer", col, v))
		return nil
	}
	return &i
}

func parseFloat(v, col string, errs *[]string) *float64 {
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s '%s' is not a number", col, v))
		return nil
	}
	return &f
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, listSeparator) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func emptyConditions(c *models.RuleConditions) bool {
	return len(c.ServiceCodes) == 0 && len(c.VehicleClasses) == 0 &&
		c.MinSubtotalCents == nil && c.MaxSubtotalCents == nil &&
		c.MinDifficultyScore == nil && c.MaxDifficultyScore == nil
}

func blankRecord(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
