package export

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/jung-kurt/gofpdf"
)

const (
	cardWidth  = 105.0
	cardHeight = 148.0
)

// PDFExporter renders credential cards and print batch documents.
type PDFExporter struct{}

// NewPDFExporter constructs a PDF exporter.
func NewPDFExporter() *PDFExporter {
	return &PDFExporter{}
}

// RenderCard produces a single-page A6 PDF for one credential.
func (e *PDFExporter) RenderCard(card CredentialCard) ([]byte, error) {
	if card.VerificationCode == "" {
		return nil, fmt.Errorf("card requires a verification code")
	}
	pdf := gofpdf.New("P", "mm", "A6", "")
	pdf.SetAutoPageBreak(false, 0)
	e.drawCard(pdf, card, "")
	return output(pdf)
}

// RenderBatch lays out one A6 page per credential in the given order.
func (e *PDFExporter) RenderBatch(title string, cards []CredentialCard) ([]byte, error) {
	if len(cards) == 0 {
		return nil, fmt.Errorf("batch requires at least one credential")
	}
	pdf := gofpdf.New("P", "mm", "A6", "")
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetTitle(title, true)
	for i, card := range cards {
		imageName := ""
		if len(card.Image) > 0 {
			imageName = fmt.Sprintf("badge-%d", i)
			pdf.RegisterImageOptionsReader(imageName, gofpdf.ImageOptions{ImageType: "PNG"}, bytes.NewReader(card.Image))
			if pdf.Err() {
				return nil, fmt.Errorf("register badge %s: %w", card.VerificationCode, pdf.Error())
			}
		}
		e.drawCard(pdf, card, imageName)
		pdf.SetFont("Arial", "", 6)
		pdf.SetXY(5, cardHeight-6)
		pdf.CellFormat(cardWidth-10, 4, fmt.Sprintf("%s  %d/%d", title, i+1, len(cards)), "", 0, "R", false, 0, "")
	}
	return output(pdf)
}

func (e *PDFExporter) drawCard(pdf *gofpdf.Fpdf, card CredentialCard, imageName string) {
	accent := parseHexColor(card.Template.AccentColor)
	pdf.AddPage()

	pdf.SetFillColor(accent.r, accent.g, accent.b)
	pdf.Rect(0, 0, cardWidth, 24, "F")
	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont("Arial", "B", 14)
	pdf.SetXY(5, 6)
	pdf.CellFormat(cardWidth-10, 7, strings.ToUpper(card.Template.Title), "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "", 9)
	pdf.SetX(5)
	pdf.CellFormat(cardWidth-10, 5, card.EventName, "", 1, "C", false, 0, "")

	pdf.SetTextColor(0, 0, 0)
	y := 30.0
	if imageName != "" {
		pdf.ImageOptions(imageName, (cardWidth-40)/2, y, 40, 0, false, gofpdf.ImageOptions{ImageType: "PNG"}, 0, "")
		y += 62
	}

	pdf.SetXY(5, y)
	pdf.SetFont("Arial", "B", 13)
	pdf.CellFormat(cardWidth-10, 7, card.FullName, "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "", 9)
	pdf.SetX(5)
	pdf.CellFormat(cardWidth-10, 5, card.ProviderName, "", 1, "C", false, 0, "")
	if card.AreaName != "" {
		pdf.SetX(5)
		pdf.CellFormat(cardWidth-10, 5, card.AreaName, "", 1, "C", false, 0, "")
	}

	if card.showZones() && len(card.Zones) > 0 {
		pdf.Ln(2)
		pdf.SetX(5)
		pdf.SetFont("Arial", "B", 9)
		pdf.SetFillColor(accent.r, accent.g, accent.b)
		pdf.SetTextColor(255, 255, 255)
		pdf.MultiCell(cardWidth-10, 5, strings.Join(card.Zones, "  "), "", "C", true)
		pdf.SetTextColor(0, 0, 0)
	}

	pdf.Ln(3)
	pdf.SetX(5)
	pdf.SetFont("Courier", "B", 12)
	pdf.CellFormat(cardWidth-10, 6, card.VerificationCode, "1", 1, "C", false, 0, "")

	pdf.SetFont("Arial", "", 7)
	pdf.SetX(5)
	validity := "Issued " + card.IssuedAt.UTC().Format("2006-01-02")
	if card.ValidUntil != nil {
		validity += " - valid until " + card.ValidUntil.UTC().Format("2006-01-02")
	}
	pdf.CellFormat(cardWidth-10, 4, validity, "", 1, "C", false, 0, "")
	if card.Template.Footer != "" {
		pdf.SetX(5)
		pdf.CellFormat(cardWidth-10, 4, card.Template.Footer, "", 1, "C", false, 0, "")
	}
}

func output(pdf *gofpdf.Fpdf) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}
