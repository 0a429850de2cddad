package qs

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/pcallen/catalogue-harvester/internal/harvest"
)

// mapRow converts one feed row into a candidate. Rows without a usable
// name map to false. The rank cell is carried raw; normalization happens
// during reconcile where parse failures can be recorded per candidate.
func mapRow(row map[string]any, origin *url.URL, sourceURL string, confidence float64) (harvest.Candidate, bool) {
	rawTitle := fieldString(row, "title", "name")
	name := stripTags(rawTitle)
	if name == "" {
		return harvest.Candidate{}, false
	}

	// The title cell doubles as the profile link.
	website := ""
	if href := firstHref(rawTitle); href != "" {
		website = resolveURL(href, origin)
	}

	indicators := make(map[string]any)
	for k, v := range row {
		if strings.HasPrefix(k, "ind_") {
			if f := toFloat(v); f != nil {
				indicators[k] = *f
			} else {
				indicators[k] = nil
			}
		}
	}

	aux := map[string]any{
		"row":        row,
		"indicators": indicators,
		"logo":       row["logo"],
		"region":     row["region"],
		"nid":        row["nid"],
		"core_id":    row["core_id"],
	}
	if overall := toFloat(fieldValue(row, "overall", "score")); overall != nil {
		aux["overall_score"] = *overall
	} else {
		aux["overall_score"] = nil
	}

	return harvest.Candidate{
		Name:        name,
		Initial:     initialOf(name),
		Type:        "University",
		Country:     fieldString(row, "country", "country_name"),
		Location:    fieldString(row, "city", "location"),
		YearFounded: toYear(fieldValue(row, "founded", "year_founded")),
		RawRank:     fieldValue(row, "rank_display", "overall_rank", "rank"),
		WebsiteURL:  website,
		SourceURL:   sourceURL,
		Confidence:  confidence,
		Aux:         aux,
	}, true
}

// stripTags flattens a short HTML snippet to its text, collapsing runs
// of whitespace to single spaces.
func stripTags(s string) string {
	if s == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// firstHref returns the href of the first anchor in an HTML snippet.
func firstHref(s string) string {
	if !strings.Contains(s, "<") {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return ""
	}
	href, _ := doc.Find("a[href]").First().Attr("href")
	return strings.TrimSpace(href)
}

// resolveURL leaves absolute links alone and joins everything else to
// the page origin.
func resolveURL(href string, origin *url.URL) string {
	if strings.HasPrefix(href, "http") || origin == nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return origin.ResolveReference(ref).String()
}

// fieldString returns the first key whose value is a non-empty string.
func fieldString(row map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := row[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// fieldValue returns the first key holding a non-nil, non-empty value.
func fieldValue(row map[string]any, keys ...string) any {
	for _, k := range keys {
		v, ok := row[k]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && s == "" {
			continue
		}
		return v
	}
	return nil
}

// toFloat coerces numeric-looking cells ("97.3%", "1,234") to a float,
// nil when the value does not parse.
func toFloat(v any) *float64 {
	switch x := v.(type) {
	case float64:
		return &x
	case float32:
		f := float64(x)
		return &f
	case int:
		f := float64(x)
		return &f
	case string:
		s := stripTags(x)
		s = strings.ReplaceAll(s, ",", "")
		s = strings.ReplaceAll(s, "%", "")
		s = strings.TrimSpace(s)
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		return &f
	default:
		return nil
	}
}

// toYear accepts the founding year as a JSON number or string.
func toYear(v any) *int {
	switch x := v.(type) {
	case int:
		return &x
	case float64:
		n := int(x)
		if float64(n) != x {
			return nil
		}
		return &n
	case string:
		s := strings.TrimSpace(stripTags(x))
		if s == "" {
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil
		}
		return &n
	default:
		return nil
	}
}

// initialOf is the lookup prefix stored alongside a name, the first
// three runes uppercased.
func initialOf(name string) string {
	r := []rune(name)
	if len(r) > 3 {
		r = r[:3]
	}
	return strings.ToUpper(string(r))
}
