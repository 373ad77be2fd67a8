package export

import (
	"bytes"
	"fmt"

	"github.com/jung-kurt/gofpdf"
)

const (
	pdfPageWidth  = 277.0
	pdfCellHeight = 7.0
	pdfEllipsis   = "..."
)

// PDFExporter renders datasets into a landscape table with a repeated header row.
type PDFExporter struct{}

// NewPDFExporter constructs a PDF exporter.
func NewPDFExporter() *PDFExporter {
	return &PDFExporter{}
}

func (e *PDFExporter) ContentType() string { return "application/pdf" }

func (e *PDFExporter) Extension() string { return "pdf" }

// Render creates the PDF document.
func (e *PDFExporter) Render(data Dataset) ([]byte, error) {
	if err := data.validate(); err != nil {
		return nil, err
	}
	widths := columnWidths(data.Columns)

	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetMargins(10, 12, 10)
	pdf.SetAutoPageBreak(true, 15)
	pdf.AliasNbPages("")
	pdf.SetFooterFunc(func() {
		pdf.SetY(-12)
		pdf.SetFont("Arial", "I", 8)
		pdf.CellFormat(0, 6, fmt.Sprintf("Page %d/{nb}", pdf.PageNo()), "", 0, "R", false, 0, "")
	})

	header := func() {
		pdf.SetFont("Arial", "B", 9)
		pdf.SetFillColor(230, 230, 230)
		for i, col := range data.Columns {
			pdf.CellFormat(widths[i], 8, col.Title, "1", 0, "C", true, 0, "")
		}
		pdf.Ln(-1)
		pdf.SetFont("Arial", "", 8)
	}

	pdf.AddPage()
	if data.Title != "" {
		pdf.SetFont("Arial", "B", 14)
		pdf.CellFormat(0, 10, data.Title, "", 1, "L", false, 0, "")
	}
	if data.Subtitle != "" {
		pdf.SetFont("Arial", "", 10)
		pdf.CellFormat(0, 6, data.Subtitle, "", 1, "L", false, 0, "")
	}
	pdf.Ln(3)
	header()

	_, pageHeight := pdf.GetPageSize()
	_, _, _, bottom := pdf.GetMargins()
	for _, row := range data.Rows {
		if pdf.GetY()+pdfCellHeight > pageHeight-bottom-5 {
			pdf.AddPage()
			header()
		}
		for i, col := range data.Columns {
			pdf.CellFormat(widths[i], pdfCellHeight, fit(pdf, row[col.Key], widths[i]-2), "1", 0, "", false, 0, "")
		}
		pdf.Ln(-1)
	}

	if len(data.Footer) > 0 {
		pdf.Ln(4)
		pdf.SetFont("Arial", "", 9)
		for _, line := range data.Footer {
			pdf.MultiCell(0, 5, line, "", "L", false)
		}
	}

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func columnWidths(cols []Column) []float64 {
	widths := make([]float64, len(cols))
	remaining := pdfPageWidth
	flexible := 0
	for i, col := range cols {
		if col.Width > 0 {
			widths[i] = col.Width
			remaining -= col.Width
			continue
		}
		flexible++
	}
	if flexible == 0 {
		return widths
	}
	share := remaining / float64(flexible)
	if share < 10 {
		share = 10
	}
	for i := range widths {
		if widths[i] == 0 {
			widths[i] = share
		}
	}
	return widths
}

// fit truncates value so it renders within width millimetres.
func fit(pdf *gofpdf.Fpdf, value string, width float64) string {
	if pdf.GetStringWidth(value) <= width {
		return value
	}
	runes := []rune(value)
	for len(runes) > 0 && pdf.GetStringWidth(string(runes)+pdfEllipsis) > width {
		runes = runes[:len(runes)-1]
	}
	return string(runes) + pdfEllipsis
}
