package weibo

import (
	"html"
	"regexp"
	"strings"
)

var (
	linkTagRe = regexp.MustCompile(`</?a(\s[^>]*)?(>|$)`)
	brRe      = regexp.MustCompile(`(?i)<br\s*/?>`)
	blockRe   = regexp.MustCompile(`(?i)</(p|div)>`)
	imgAltRe  = regexp.MustCompile(`(?i)<img[^>]*\balt="([^"]*)"[^>]*>`)
	anyTagRe  = regexp.MustCompile(`<[^>]*>`)
	blankRe   = regexp.MustCompile(`\n{3,}`)
)

// Flatten turns a Weibo HTML fragment into plain text. Link markup is removed
// but the link text is kept, so hashtags survive; emoticon images become
// their alt text.
func Flatten(fragment string) string {
	s := linkTagRe.ReplaceAllString(fragment, "")
	s = brRe.ReplaceAllString(s, "\n")
	s = blockRe.ReplaceAllString(s, "\n")
	s = imgAltRe.ReplaceAllString(s, "$1")
	s = anyTagRe.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = strings.ReplaceAll(s, "\u00a0", " ")
	s = blankRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// Message renders the text delivered to channels: the flattened body followed
// by media links. Up to three links share one line; any further links follow
// comma separated, one per line.
func Message(fragment string, media []string) string {
	msg := Flatten(fragment)
	switch {
	case len(media) == 0:
		return msg
	case len(media) <= 3:
		return msg + "\n" + strings.Join(media, " ")
	default:
		return msg + "\n" + strings.Join(media[:3], " ") + " " + strings.Join(media[3:], ",\n") + ","
	}
}
