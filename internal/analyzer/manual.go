package analyzer

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/LeventeLantos/mediasync/internal/model"
)

var (
	codePattern     = regexp.MustCompile(`#([A-Za-z]+)(\d*)`)
	quantityPattern = regexp.MustCompile(`(?i)(?:^|\s)(?:x\s*(\d+)|qty[:.]?\s*(\d+))\b`)
	notesPattern    = regexp.MustCompile(`\(([^)]*)\)`)
)

// ManualParser extracts fields from captions shaped like
// "Blue Widget #ACME120523 x5 (display model)".
type ManualParser struct {
	now func() time.Time
}

func NewManualParser() *ManualParser {
	return &ManualParser{now: time.Now}
}

func (p *ManualParser) WithClock(now func() time.Time) *ManualParser {
	p.now = now
	return p
}

func (p *ManualParser) Analyze(_ context.Context, _ string, caption string) (model.AnalyzedContent, error) {
	caption = strings.TrimSpace(caption)
	if caption == "" {
		return model.AnalyzedContent{}, ErrEmptyCaption
	}

	out := model.AnalyzedContent{Caption: caption}
	found := 0

	if m := notesPattern.FindStringSubmatch(caption); m != nil {
		out.Notes = strings.TrimSpace(m[1])
	}
	stripped := notesPattern.ReplaceAllString(caption, " ")

	if loc := codePattern.FindStringSubmatchIndex(stripped); loc != nil {
		letters := stripped[loc[2]:loc[3]]
		digits := stripped[loc[4]:loc[5]]

		out.ProductName = cleanName(stripped[:loc[0]])
		out.ProductCode = letters + digits
		out.VendorUID = strings.ToUpper(letters)
		found++

		if d, ok := purchaseDate(digits); ok {
			out.PurchaseDate = &d
			found++
		}
	} else {
		name := quantityPattern.ReplaceAllString(stripped, " ")
		out.ProductName = cleanName(name)
	}
	if out.ProductName != "" {
		found++
	}

	if m := quantityPattern.FindStringSubmatch(stripped); m != nil {
		raw := m[1]
		if raw == "" {
			raw = m[2]
		}
		if q, err := strconv.Atoi(raw); err == nil {
			out.Quantity = &q
			found++
		}
	}

	out.Parsing = model.ParsingMetadata{
		Method:     model.MethodManual,
		Confidence: float64(found) / 4,
		ParsedAt:   p.now().UTC(),
	}
	return out, nil
}

// purchaseDate reads the trailing digits of a product code as mmddyy or
// mddyy.
func purchaseDate(digits string) (string, bool) {
	switch {
	case len(digits) >= 6:
		digits = digits[len(digits)-6:]
	case len(digits) == 5:
		digits = "0" + digits
	default:
		return "", false
	}
	t, err := time.Parse("010206", digits)
	if err != nil {
		return "", false
	}
	return t.Format("2006-01-02"), true
}

func cleanName(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return strings.Trim(s, " -,:;")
}
