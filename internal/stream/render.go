package stream

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Bullet replaces emphasis markers that are not bold.
const Bullet = "•"

var (
	boldPattern     = regexp.MustCompile(`\*\*([^*\n]+?)\*\*`)
	emphasisPattern = regexp.MustCompile(`\*([^*\n]+?)\*`)
	lineBreaks      = strings.NewReplacer("\r\n", "<br>", "\n", "<br>")

	displayPolicy = bluemonday.NewPolicy().AllowElements("b", "br")
)

// Render converts raw model text into display markup. The raw text is
// HTML-escaped first, so the only markup in the result is what Render adds:
// **x** becomes <b>x</b>, *x* becomes a bullet followed by x, any remaining *
// becomes a bullet and newlines become <br>.
//
// Render must be applied to raw text only. Rendering its own output again
// escapes the markup it produced.
func Render(raw string) string {
	out := html.EscapeString(raw)
	out = boldPattern.ReplaceAllString(out, "<b>$1</b>")
	out = emphasisPattern.ReplaceAllString(out, Bullet+"$1")
	out = strings.ReplaceAll(out, "*", Bullet)
	return lineBreaks.Replace(out)
}

// Sanitize strips everything except <b> and <br> from display markup. The
// rendering layer runs it on Render output before handing it to a browser.
func Sanitize(markup string) string {
	return displayPolicy.Sanitize(markup)
}
