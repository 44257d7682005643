package nim

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAssembleRowsOrdersCellsByPosition(t *testing.T) {
	lines := []ocrLine{
		{text: "120 kWh", x: 200, y: 52},
		{text: "Electricity", x: 10, y: 50},
		{text: "Usage", x: 200, y: 12},
		{text: "Item", x: 10, y: 10},
	}

	got := assembleRows(lines)

	assert.Equal(t, "Item\tUsage\nElectricity\t120 kWh", got)
}

func TestAssembleRowsEmpty(t *testing.T) {
	assert.Equal(t, "", assembleRows(nil))
}
