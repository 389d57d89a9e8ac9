package invoice

import (
	"bytes"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/order-lifecycle/internal/order"
)

func TestPDFRenderer_Render(t *testing.T) {
	o := order.Order{
		ID:             uuid.Must(uuid.NewV4()),
		Number:         "20250307-0042",
		DeliveryMethod: order.DeliveryMethodDelivery,
		Subtotal:       decimal.RequireFromString("20.00"),
		Tax:            decimal.RequireFromString("3.20"),
		DeliveryFee:    decimal.RequireFromString("50.00"),
		Total:          decimal.RequireFromString("73.20"),
		Status:         order.StatusConfirmed,
		CreatedAt:      time.Date(2025, 3, 7, 13, 5, 0, 0, time.UTC),
		Lines: []order.Line{{
			ItemName:  "Enchiladas",
			Quantity:  2,
			UnitPrice: decimal.RequireFromString("10.00"),
			LineTotal: decimal.RequireFromString("20.00"),
			Customizations: []order.Customization{
				{IngredientName: "Cebolla", Include: false},
				{IngredientName: "Queso", Include: true, Extra: true, ExtraPrice: decimal.RequireFromString("1.50")},
			},
		}},
	}

	doc, err := NewPDFRenderer(Business{Name: "Cocina Doña Rosa", Address: "Av. Juárez 10, CDMX"}).Render(o)
	require.NoError(t, err)

	assert.Equal(t, "factura_20250307-0042.pdf", doc.Filename)
	assert.True(t, bytes.HasPrefix(doc.Data, []byte("%PDF-")))
	assert.Greater(t, len(doc.Data), 1000)
}

func TestPDFRenderer_RequiresNumber(t *testing.T) {
	_, err := NewPDFRenderer(Business{Name: "x"}).Render(order.Order{ID: uuid.Must(uuid.NewV4())})
	require.Error(t, err)
}

func TestDescribeCustomizations(t *testing.T) {
	got := describeCustomizations([]order.Customization{
		{IngredientName: "Cebolla", Include: false},
		{IngredientName: "Queso", Include: true, Extra: true},
		{IngredientName: "Frijol", Include: true},
	})
	assert.Equal(t, "sin Cebolla, extra Queso", got)
}
