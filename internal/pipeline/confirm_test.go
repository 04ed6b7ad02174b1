package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateConfirmation(t *testing.T) {
	tests := []struct {
		name        string
		mapped      map[string]string
		unavailable []string
		wantErr     string
	}{
		{
			name:   "all required mapped",
			mapped: map[string]string{"SKU": "sku", "Qty": "quantity", "Cost": "unit_cost"},
		},
		{
			name:        "required covered by not-available",
			mapped:      map[string]string{"SKU": "sku"},
			unavailable: []string{"quantity", "unit_cost"},
		},
		{
			name:        "everything not-available",
			mapped:      map[string]string{},
			unavailable: []string{"sku", "quantity", "unit_cost"},
		},
		{
			name:    "missing one required field",
			mapped:  map[string]string{"SKU": "sku", "Qty": "quantity"},
			wantErr: "unit_cost",
		},
		{
			name:    "missing everything",
			mapped:  map[string]string{"Note": "name"},
			wantErr: "sku, quantity, unit_cost",
		},
		{
			name:    "unknown target field",
			mapped:  map[string]string{"SKU": "bin_number"},
			wantErr: "unknown target field",
		},
		{
			name:        "unknown unavailable code",
			mapped:      map[string]string{"SKU": "sku", "Qty": "quantity", "Cost": "unit_cost"},
			unavailable: []string{"warehouse"},
			wantErr:     "unknown unavailable field",
		},
		{
			name:    "empty source column",
			mapped:  map[string]string{"": "sku"},
			wantErr: "empty source column",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfirmation(tt.mapped, tt.unavailable)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidInput)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
