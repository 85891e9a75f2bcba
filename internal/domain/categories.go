package domain

import "strings"

// Category names are aligned to this set before any persistence. Unknown
// or foreign values collapse into CategoryOther; internal-transfer markers
// are forced to CategoryTransfer so they stay out of spend/income totals.
const (
	CategoryFood          = "food"
	CategoryTransport     = "transport"
	CategoryShopping      = "shopping"
	CategoryHealth        = "health"
	CategoryEntertainment = "entertainment"
	CategoryUtilities     = "utilities"
	CategorySalary        = "salary"
	CategoryCash          = "cash"
	CategoryTransfer      = "transfer"
	CategoryOther         = "other"
)

// KnownCategories lists every category a ledger row may carry, in the
// order shown on the dashboard.
var KnownCategories = []string{
	CategoryFood,
	CategoryTransport,
	CategoryShopping,
	CategoryHealth,
	CategoryEntertainment,
	CategoryUtilities,
	CategorySalary,
	CategoryCash,
	CategoryTransfer,
	CategoryOther,
}

var knownCategorySet = func() map[string]bool {
	m := make(map[string]bool, len(KnownCategories))
	for _, c := range KnownCategories {
		m[c] = true
	}
	return m
}()

// transferMarkers are category or operation-type values that identify an
// internal transfer regardless of how the classifier labeled the category.
var transferMarkers = []string{
	"transfer",
	"internal",
	"between accounts",
	"own account",
	"p2p",
}

// AlignCategory normalizes a classifier-provided category against the
// known set. Internal-transfer markers in either the category or the
// operation type win over everything else.
func AlignCategory(category, operationType string) string {
	if IsTransferMarker(category) || IsTransferMarker(operationType) {
		return CategoryTransfer
	}
	c := strings.ToLower(strings.TrimSpace(category))
	if knownCategorySet[c] {
		return c
	}
	return CategoryOther
}

// IsTransferMarker reports whether a raw category or operation-type value
// marks an internal transfer.
func IsTransferMarker(v string) bool {
	s := strings.ToLower(strings.TrimSpace(v))
	if s == "" {
		return false
	}
	for _, marker := range transferMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
