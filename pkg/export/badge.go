package export

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strconv"
)

const (
	badgeWidth  = 400
	badgeHeight = 600
)

// BadgeRenderer produces the PNG image stored alongside each credential PDF.
type BadgeRenderer struct{}

// NewBadgeRenderer constructs a badge renderer.
func NewBadgeRenderer() *BadgeRenderer {
	return &BadgeRenderer{}
}

// Render draws the accent header, one stripe per zone and a bar pattern derived from the verification code.
func (r *BadgeRenderer) Render(card CredentialCard) ([]byte, error) {
	if card.VerificationCode == "" {
		return nil, fmt.Errorf("badge requires a verification code")
	}
	accent := parseHexColor(card.Template.AccentColor)
	accentColor := color.RGBA{uint8(accent.r), uint8(accent.g), uint8(accent.b), 255}

	img := image.NewRGBA(image.Rect(0, 0, badgeWidth, badgeHeight))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(0, 0, badgeWidth, 120), &image.Uniform{C: accentColor}, image.Point{}, draw.Src)

	zoneTop := 140
	for i := range card.Zones {
		if i >= 8 {
			break
		}
		shade := color.RGBA{accentColor.R, accentColor.G, accentColor.B, uint8(255 - i*24)}
		draw.Draw(img, image.Rect(20, zoneTop+i*22, badgeWidth-20, zoneTop+i*22+16), &image.Uniform{C: shade}, image.Point{}, draw.Over)
	}

	x := 20
	top, bottom := badgeHeight-140, badgeHeight-40
	for _, ch := range card.VerificationCode {
		v, err := strconv.ParseUint(string(ch), 16, 8)
		if err != nil {
			v = uint64(ch) % 16
		}
		width := 2 + int(v%4)*2
		if x+width > badgeWidth-20 {
			break
		}
		draw.Draw(img, image.Rect(x, top, x+width, bottom), &image.Uniform{C: color.Black}, image.Point{}, draw.Src)
		x += width + 3 + int(v>>2)
	}

	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		return nil, fmt.Errorf("encode badge: %w", err)
	}
	return buf.Bytes(), nil
}
