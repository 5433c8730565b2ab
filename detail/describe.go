package detail

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/mapcamera-watch/parser"
)

// Labels as printed on the item detail page.
const (
	LabelAccessories   = "付属品"
	LabelStaffComment  = "検品スタッフコメント"
	MarkerStaffComment = "スタッフコメント"
	LabelCondition     = "コンディション"
)

const labelSeparators = " :：　"

// Selectors locate the parts of the detail page the strategies read.
type Selectors struct {
	Section      string
	ConditionRow string
}

// Strategy extracts description lines from the detail subsection. An empty
// result means no match.
type Strategy func(section *goquery.Selection, sel Selectors) []string

// Describe runs the extraction chain over the subsection:
// keyword blocks, else labelled sections; then the condition grade line;
// and finally the whole subsection text when nothing matched.
func Describe(doc *goquery.Document, sel Selectors) string {
	section := doc.Find(sel.Section).First()
	if section.Length() == 0 {
		return ""
	}

	var lines []string
	for _, strategy := range []Strategy{keywordBlocks, labelledSections} {
		if found := strategy(section, sel); len(found) > 0 {
			lines = found
			break
		}
	}
	lines = append(lines, conditionGrade(section, sel)...)
	if len(lines) > 0 {
		return strings.Join(lines, "\n")
	}
	return parser.NormalizeText(section.Text())
}

// keywordBlocks collects every text block mentioning accessories or the staff comment.
func keywordBlocks(section *goquery.Selection, _ Selectors) []string {
	var out []string
	seen := make(map[string]struct{})
	section.Find("p, li, dd, td, span").Each(func(_ int, s *goquery.Selection) {
		text := parser.NormalizeText(s.Text())
		if text == "" {
			return
		}
		if !strings.Contains(text, LabelAccessories) && !strings.Contains(text, LabelStaffComment) {
			return
		}
		if _, dup := seen[text]; dup {
			return
		}
		seen[text] = struct{}{}
		out = append(out, text)
	})
	return out
}

// labelledSections reads accessories under their heading and the staff comment
// next to its bold marker.
func labelledSections(section *goquery.Selection, _ Selectors) []string {
	var accessories, comments []string

	section.Find("h1, h2, h3, h4, h5, h6, dt, th").Each(func(_ int, heading *goquery.Selection) {
		if !strings.Contains(heading.Text(), LabelAccessories) {
			return
		}
		body := heading.NextAllFiltered("p, dd").First()
		if body.Length() == 0 {
			return
		}
		text := stripLabel(parser.NormalizeText(body.Text()), LabelAccessories)
		if text != "" {
			accessories = append(accessories, LabelAccessories+": "+text)
		}
	})

	section.Find("b, strong").Each(func(_ int, marker *goquery.Selection) {
		label := parser.NormalizeText(marker.Text())
		if !strings.Contains(label, MarkerStaffComment) {
			return
		}
		parentText := parser.NormalizeText(marker.Parent().Text())
		text := strings.TrimSpace(strings.Replace(parentText, label, "", 1))
		text = strings.TrimLeft(text, labelSeparators)
		if text != "" {
			comments = append(comments, LabelStaffComment+": "+text)
		}
	})

	return append(accessories, comments...)
}

// conditionGrade builds "コンディション: <header> - <detail>" from the highlighted row.
func conditionGrade(section *goquery.Selection, sel Selectors) []string {
	if sel.ConditionRow == "" {
		return nil
	}
	row := section.Find(sel.ConditionRow).First()
	if row.Length() == 0 {
		return nil
	}

	header := parser.NormalizeText(row.Find("th").First().Text())
	detail := parser.NormalizeText(row.Find("td").First().Text())

	var value string
	switch {
	case header != "" && detail != "":
		value = header + " - " + detail
	case header != "":
		value = header
	case detail != "":
		value = detail
	default:
		return nil
	}
	return []string{LabelCondition + ": " + value}
}

func stripLabel(text, label string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, label) {
		text = strings.TrimPrefix(text, label)
		text = strings.TrimLeft(text, labelSeparators)
	}
	return strings.TrimSpace(text)
}
