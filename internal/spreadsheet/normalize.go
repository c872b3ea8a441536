package spreadsheet

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rpattn/assetimport/internal/domain"
	"github.com/rpattn/assetimport/pkg/validator"
)

var statusSynonyms = map[string]string{
	"active":      domain.AssetStatusActive,
	"aktiv":       domain.AssetStatusActive,
	"in betrieb":  domain.AssetStatusActive,
	"in use":      domain.AssetStatusActive,
	"operational": domain.AssetStatusActive,
	"ok":          domain.AssetStatusActive,

	"inactive":       domain.AssetStatusInactive,
	"inaktiv":        domain.AssetStatusInactive,
	"außer betrieb":  domain.AssetStatusInactive,
	"ausser betrieb": domain.AssetStatusInactive,
	"out of service": domain.AssetStatusInactive,
	"not in use":     domain.AssetStatusInactive,

	"maintenance":    domain.AssetStatusMaintenance,
	"wartung":        domain.AssetStatusMaintenance,
	"in wartung":     domain.AssetStatusMaintenance,
	"service":        domain.AssetStatusMaintenance,
	"in maintenance": domain.AssetStatusMaintenance,

	"defective": domain.AssetStatusDefective,
	"defekt":    domain.AssetStatusDefective,
	"broken":    domain.AssetStatusDefective,
	"faulty":    domain.AssetStatusDefective,
	"störung":   domain.AssetStatusDefective,

	"decommissioned": domain.AssetStatusDecommissioned,
	"stillgelegt":    domain.AssetStatusDecommissioned,
	"ausgemustert":   domain.AssetStatusDecommissioned,
	"retired":        domain.AssetStatusDecommissioned,
	"abgebaut":       domain.AssetStatusDecommissioned,
}

// NormalizeStatus maps a free-form status cell onto a canonical asset status.
// An empty cell is reported as known with an empty result.
func NormalizeStatus(raw string) (string, bool) {
	value := strings.Join(strings.Fields(strings.ToLower(raw)), " ")
	if value == "" {
		return "", true
	}
	status, ok := statusSynonyms[value]
	return status, ok
}

// ClampCondition parses a condition score, rounds it and clamps it into
// [domain.MinCondition, domain.MaxCondition]. clamped reports whether the
// rounded value lay outside the range.
func ClampCondition(raw string) (score int, clamped bool, err error) {
	number, err := validator.ParseNumber(raw)
	if err != nil {
		return 0, false, err
	}
	rounded := number.Round(0)
	switch {
	case rounded.LessThan(decimal.NewFromInt(domain.MinCondition)):
		return domain.MinCondition, true, nil
	case rounded.GreaterThan(decimal.NewFromInt(domain.MaxCondition)):
		return domain.MaxCondition, true, nil
	}
	return int(rounded.IntPart()), false, nil
}
