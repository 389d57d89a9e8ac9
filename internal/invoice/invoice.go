package invoice

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/phpdave11/gofpdf"
	"github.com/skip2/go-qrcode"
	"github.com/vasiliy-maslov/order-lifecycle/internal/order"
)

const ContentType = "application/pdf"

type Document struct {
	Filename string
	Data     []byte
}

type Renderer interface {
	Render(o order.Order) (*Document, error)
}

type Business struct {
	Name    string
	Address string
}

type PDFRenderer struct {
	business Business
}

func NewPDFRenderer(business Business) *PDFRenderer {
	return &PDFRenderer{business: business}
}

func Filename(o order.Order) string {
	return "factura_" + o.Number + ".pdf"
}

func (r *PDFRenderer) Render(o order.Order) (*Document, error) {
	if o.Number == "" {
		return nil, fmt.Errorf("invoice: order %s has no number", o.ID)
	}

	qr, err := qrcode.Encode(o.Number, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("invoice: failed to encode qr for %s: %w", o.Number, err)
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetMargins(20, 20, 20)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 18)
	pdf.CellFormat(0, 10, tr(r.business.Name), "", 1, "L", false, 0, "")
	pdf.SetFont("Arial", "", 10)
	if r.business.Address != "" {
		pdf.MultiCell(120, 5, tr(r.business.Address), "", "L", false)
	}
	pdf.Ln(4)

	pdf.SetFont("Arial", "B", 14)
	pdf.CellFormat(0, 8, tr("Factura "+o.Number), "", 1, "L", false, 0, "")
	pdf.SetFont("Arial", "", 10)
	pdf.MultiCell(120, 5, tr(fmt.Sprintf(
		"Fecha: %s\nEntrega: %s\nEstado: %s",
		o.CreatedAt.Format("02/01/2006 15:04"),
		deliveryLabel(o.DeliveryMethod),
		o.Status,
	)), "", "L", false)

	imgOpts := gofpdf.ImageOptions{ImageType: "png"}
	pdf.RegisterImageOptionsReader("qr", imgOpts, bytes.NewReader(qr))
	pdf.ImageOptions("qr", 155, 20, 35, 35, false, imgOpts, 0, "")

	pdf.SetY(65)
	pdf.SetFont("Arial", "B", 10)
	pdf.SetFillColor(240, 240, 240)
	pdf.CellFormat(90, 7, tr("Producto"), "B", 0, "L", true, 0, "")
	pdf.CellFormat(20, 7, tr("Cant."), "B", 0, "R", true, 0, "")
	pdf.CellFormat(30, 7, tr("Precio"), "B", 0, "R", true, 0, "")
	pdf.CellFormat(30, 7, tr("Importe"), "B", 1, "R", true, 0, "")

	pdf.SetFont("Arial", "", 10)
	for _, l := range o.Lines {
		pdf.CellFormat(90, 6, tr(l.ItemName), "", 0, "L", false, 0, "")
		pdf.CellFormat(20, 6, fmt.Sprintf("%d", l.Quantity), "", 0, "R", false, 0, "")
		pdf.CellFormat(30, 6, l.UnitPrice.StringFixed(2), "", 0, "R", false, 0, "")
		pdf.CellFormat(30, 6, l.LineTotal.StringFixed(2), "", 1, "R", false, 0, "")
		if desc := describeCustomizations(l.Customizations); desc != "" {
			pdf.SetFont("Arial", "I", 8)
			pdf.CellFormat(170, 5, tr("  "+desc), "", 1, "L", false, 0, "")
			pdf.SetFont("Arial", "", 10)
		}
	}

	pdf.Ln(4)
	totals := []struct {
		label string
		value string
	}{
		{"Subtotal", o.Subtotal.StringFixed(2)},
		{"IVA", o.Tax.StringFixed(2)},
		{"Envío", o.DeliveryFee.StringFixed(2)},
		{"Total", o.Total.StringFixed(2)},
	}
	for i, t := range totals {
		if i == len(totals)-1 {
			pdf.SetFont("Arial", "B", 11)
		}
		pdf.CellFormat(140, 6, tr(t.label), "", 0, "R", false, 0, "")
		pdf.CellFormat(30, 6, t.value, "", 1, "R", false, 0, "")
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("invoice: failed to render %s: %w", o.Number, err)
	}
	return &Document{Filename: Filename(o), Data: buf.Bytes()}, nil
}

func deliveryLabel(m order.DeliveryMethod) string {
	if m == order.DeliveryMethodDelivery {
		return "a domicilio"
	}
	return "recoger en tienda"
}

func describeCustomizations(cs []order.Customization) string {
	parts := make([]string, 0, len(cs))
	for _, c := range cs {
		switch {
		case !c.Include:
			parts = append(parts, "sin "+c.IngredientName)
		case c.Extra:
			parts = append(parts, "extra "+c.IngredientName)
		}
	}
	return strings.Join(parts, ", ")
}
