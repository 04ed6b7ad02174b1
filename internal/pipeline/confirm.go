package pipeline

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/stockintel/analysis-cli/internal/model"
)

// validateConfirmation enforces the required-field gate: every required
// target field must either be mapped from some source column or explicitly
// marked not-available in the source data.
func validateConfirmation(mapped map[string]string, unavailable []string) error {
	schema := model.Schema()

	for source, target := range mapped {
		if source == "" {
			return eris.Wrap(ErrInvalidInput, "empty source column in mapping")
		}
		if !schema.Has(target) {
			return eris.Wrapf(ErrInvalidInput, "unknown target field %q", target)
		}
	}

	notAvailable := make(map[string]bool, len(unavailable))
	for _, code := range unavailable {
		if !schema.Has(code) {
			return eris.Wrapf(ErrInvalidInput, "unknown unavailable field %q", code)
		}
		notAvailable[code] = true
	}

	covered := make(map[string]bool, len(mapped))
	for _, target := range mapped {
		covered[target] = true
	}

	var missing []string
	for _, code := range schema.Required() {
		if !covered[code] && !notAvailable[code] {
			missing = append(missing, code)
		}
	}
	if len(missing) > 0 {
		return eris.Wrapf(ErrInvalidInput,
			"required fields neither mapped nor marked not-available: %s",
			strings.Join(missing, ", "))
	}

	return nil
}
