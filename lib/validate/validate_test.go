package validate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	Name     string `json:"name" validate:"required"`
	Quantity int    `json:"quantity" validate:"gt=0"`
	Side     string `json:"side" validate:"required,oneof=BUY SELL"`
	Secret   string `json:"-" validate:"required"`
}

func TestStructReportsJSONFieldNames(t *testing.T) {
	violations, err := Struct(sample{Side: "HOLD"})
	require.NoError(t, err)
	require.Len(t, violations, 4)

	byField := map[string]Violation{}
	for _, v := range violations {
		byField[v.Field] = v
	}
	require.Equal(t, "name is required", byField["name"].Message)
	require.Equal(t, "quantity must be greater than 0", byField["quantity"].Message)
	require.Equal(t, "side must be one of [BUY SELL]", byField["side"].Message)
	require.Contains(t, Summary(violations), "name is required")
}

func TestStructValid(t *testing.T) {
	violations, err := Struct(sample{Name: "x", Quantity: 1, Side: "BUY", Secret: "s"})
	require.NoError(t, err)
	require.Nil(t, violations)
}
