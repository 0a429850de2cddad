package qs

import (
	"strings"
	"unicode/utf8"
)

// Rankings pages mix institution rows with headlines, promo blocks, and
// sponsored links. The lists below were tuned against real payloads;
// keep additions lowercase.

// nonSchoolPatterns reject obvious non-institution texts outright.
var nonSchoolPatterns = []string{
	"rankings", "ranking", "top global", "top universities", "world university",
	"qs world", "times higher", "academic ranking", "university guide",
	"best universities", "higher education", "education guide", "study guide",
	"academic excellence", "global education", "education ranking",
	"advertisement", "sponsored", "promoted", "click here", "learn more",
}

// schoolKeywords accept multilingual institution names.
var schoolKeywords = []string{
	// English
	"university", "college", "institute", "academy", "school",
	"polytechnic", "conservatory", "seminary", "university college",
	// Romance and Germanic roots
	"univers", "universi", "universit",
	"universidad", "universidade", "université", "università",
	"universität", "universiteit", "universitat", "universitas",
	"universitet", "facultad", "faculdade", "école", "ecole", "institut",
	// Slavic, latinized
	"univerzita", "universytet",
	// East Asia
	"大学", "大學", "学院", "學院",
	"대학교", "대학", "학교",
	"大学院",
}

// headlineWords flag listicle titles ("Top 10 ...", "Best ...").
var headlineWords = []string{"rank", "ranking", "top", "best"}

// institutionWords rescue headline-flagged names that still carry an
// unambiguous institution marker.
var institutionWords = []string{
	"university", "college", "institute", "univers",
	"大学", "大學", "学院", "學院", "대학교", "大學院", "学校", "學校",
}

// famousSchools is a safety net for household names that carry none of
// the generic keywords.
var famousSchools = []string{
	"mit", "harvard", "stanford", "oxford", "cambridge", "yale", "princeton",
	"caltech", "eth zurich", "imperial", "ucl", "lse", "tsinghua", "peking",
	"nus", "ntu", "kaist", "tokyo", "kyoto", "melbourne", "anu",
}

// looseUniversityKeywords back the lenient check used when filtering
// top-N feed rows, where rank bounds already constrain the input.
var looseUniversityKeywords = []string{
	"university", "college", "institute", "academy", "school",
	"univers", "universi", "universit",
	"universidad", "universidade", "université", "università",
	"universität", "universiteit", "universitat", "universitas",
	"universitet", "univerzita",
	"大学", "大學", "学院", "學院", "대학교", "대학",
}

// ValidName reports whether a harvested name looks like a real
// institution. Lenient and multilingual, but it still blocks ranking
// headlines, promo copy, and too-short fragments.
func ValidName(name string) bool {
	if utf8.RuneCountInString(strings.TrimSpace(name)) < 3 {
		return false
	}

	nl := strings.ToLower(name)

	if containsAny(nl, nonSchoolPatterns) {
		return false
	}

	if containsAny(nl, schoolKeywords) {
		// Headline guard: "Top engineering schools ranked" style lines
		// carry a keyword but no institution marker.
		if containsAny(nl, headlineWords) && !containsAny(nl, institutionWords) {
			return false
		}
		return true
	}

	return containsAny(nl, famousSchools)
}

// ProbablyUniversity is the loose keyword check applied to top-N feed
// rows before reconciliation.
func ProbablyUniversity(name string) bool {
	if utf8.RuneCountInString(strings.TrimSpace(name)) < 3 {
		return false
	}
	return containsAny(strings.ToLower(name), looseUniversityKeywords)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
