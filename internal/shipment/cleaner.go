package shipment

import (
	"regexp"
	"strings"
)

// removalPatterns strip signatures, quoted threads, and boilerplate before
// extraction. Compiled once; applied in order.
var removalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)best regards,.*?(\n\s*\n|\z)`),
	regexp.MustCompile(`(?is)kind regards,.*?(\n\s*\n|\z)`),
	regexp.MustCompile(`(?is)this message is intended solely.*?privileged.*?(\n\s*\n|\z)`),
	regexp.MustCompile(`(?is)from:.*?\nto:.*?\nsubject:.*?(\n\s*\n)`),
	regexp.MustCompile(`(?i)skype:.*?\n`),
	regexp.MustCompile(`(?i)phone:.*?\n`),
	regexp.MustCompile(`(?i)\bext\.:.*?\n`),
	regexp.MustCompile(`https?://[^\s]+`),
	regexp.MustCompile(`\[image:[^\]]*\]`),
	regexp.MustCompile(`<[^>]*>`),
	regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`),
	regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
	regexp.MustCompile(`(?m)^.*?wrote:$`),
	regexp.MustCompile(`(?is)-----original message-----.*\z`),
	regexp.MustCompile(`(?is)original message.*?-----`),
}

var blankRuns = regexp.MustCompile(`\n\s*\n`)

// CleanText removes signatures and quoted/boilerplate content from a raw
// notification body. Pure string transform; safe on empty input.
func CleanText(body string) string {
	if body == "" {
		return ""
	}
	cleaned := body
	for _, pattern := range removalPatterns {
		cleaned = pattern.ReplaceAllString(cleaned, "")
	}
	cleaned = blankRuns.ReplaceAllString(cleaned, "\n\n")
	return strings.TrimSpace(cleaned)
}
