package expr

import (
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// Interpolate replaces every ${path} in the template with the context value
// at the dotted path. Missing variables render as the empty string.
func Interpolate(tmpl string, ctx Context) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		path := strings.TrimSpace(placeholderRe.FindStringSubmatch(m)[1])
		v, ok := Resolve(path, ctx)
		if !ok {
			return ""
		}
		return Stringify(v)
	})
}
