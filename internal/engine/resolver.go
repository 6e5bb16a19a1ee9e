package engine

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Resolve substitutes {identifier} placeholders in template using the
// resources and outputs lookup tables. Identifiers found in neither
// table are left verbatim and reported as warnings; there is no escaping
// mechanism, so literal text matching a known key is always substituted.
//
// Substitution is a single pass over the template: placeholders inside
// substituted values are not re-expanded, so resolving an already
// resolved string is a no-op.
func Resolve(template string, resources, outputs map[string]string) (string, []string) {
	var warnings []string
	resolved := placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		key := match[1 : len(match)-1]
		if v, ok := resources[key]; ok {
			return v
		}
		if v, ok := outputs[key]; ok {
			return v
		}
		warnings = append(warnings, fmt.Sprintf("unknown placeholder %s left verbatim", match))
		return match
	})
	return resolved, warnings
}

// residualQuery strips every placeholder from the template and returns
// the remaining text, whitespace-normalized. Used as the retrieval query
// for oversized resources; an empty residual means the template gives no
// signal to search with.
func residualQuery(template string) string {
	stripped := placeholderRe.ReplaceAllString(template, " ")
	return strings.Join(strings.Fields(stripped), " ")
}
