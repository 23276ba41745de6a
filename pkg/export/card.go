package export

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CardTemplate is the layout snapshot captured when a credential is scheduled.
type CardTemplate struct {
	Title       string `json:"title"`
	AccentColor string `json:"accent_color"`
	Footer      string `json:"footer"`
	ShowZones   *bool  `json:"show_zones,omitempty"`
}

// DefaultCardTemplate is used when an event has no active template.
func DefaultCardTemplate() CardTemplate {
	show := true
	return CardTemplate{Title: "ACCREDITATION", AccentColor: "#1F4E79", ShowZones: &show}
}

// ParseCardTemplate decodes a stored snapshot, falling back to defaults for missing keys.
func ParseCardTemplate(raw []byte) (CardTemplate, error) {
	tpl := DefaultCardTemplate()
	if len(raw) == 0 {
		return tpl, nil
	}
	if err := json.Unmarshal(raw, &tpl); err != nil {
		return CardTemplate{}, fmt.Errorf("decode card template: %w", err)
	}
	if tpl.Title == "" {
		tpl.Title = DefaultCardTemplate().Title
	}
	if tpl.AccentColor == "" {
		tpl.AccentColor = DefaultCardTemplate().AccentColor
	}
	return tpl, nil
}

// CredentialCard carries everything printed on a single credential.
type CredentialCard struct {
	VerificationCode string
	FullName         string
	ProviderName     string
	AreaName         string
	EventName        string
	Zones            []string
	IssuedAt         time.Time
	ValidUntil       *time.Time
	Template         CardTemplate
	// Image is the pre-rendered PNG badge, embedded on batch pages when present.
	Image []byte
}

func (c CredentialCard) showZones() bool {
	return c.Template.ShowZones == nil || *c.Template.ShowZones
}

type rgb struct{ r, g, b int }

func parseHexColor(raw string) rgb {
	fallback := rgb{31, 78, 121}
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "#")
	if len(raw) != 6 {
		return fallback
	}
	v, err := strconv.ParseUint(raw, 16, 32)
	if err != nil {
		return fallback
	}
	return rgb{int(v >> 16 & 0xff), int(v >> 8 & 0xff), int(v & 0xff)}
}
