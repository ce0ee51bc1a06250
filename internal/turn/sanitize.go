package turn

import "regexp"

var (
	// 【12】 and 【4:0†source】
	citationPattern = regexp.MustCompile(`【(\d+)(?:[:†][^】]*)?】`)
	// ［12］
	fullwidthCitationPattern = regexp.MustCompile(`［(\d+)］`)
)

// Sanitize rewrites assistant citation markers into plain bracketed numbers.
func Sanitize(text string) string {
	text = citationPattern.ReplaceAllString(text, "[$1]")
	return fullwidthCitationPattern.ReplaceAllString(text, "[$1]")
}
