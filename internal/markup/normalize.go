package markup

import (
	"regexp"
	"strings"
)

// Pass is a named text transformation over generated markup.
type Pass struct {
	Name  string
	Apply func(string) string
}

// DefaultImagePrefixes are the directory prefixes generated image references
// may carry. The compiler resolves assets from one flat directory.
var DefaultImagePrefixes = []string{"./images/", "images/", "media/"}

// DefaultPasses are applied to the concatenated document body.
func DefaultPasses() []Pass {
	return []Pass{
		{Name: "strip-image-placeholders", Apply: StripImagePlaceholders},
		{Name: "force-figure-placement", Apply: ForceFigurePlacement},
		{Name: "strip-image-path-prefix", Apply: func(s string) string {
			return StripImagePathPrefix(s, DefaultImagePrefixes...)
		}},
	}
}

// Normalize applies passes in order.
func Normalize(src string, passes ...Pass) string {
	for _, p := range passes {
		src = p.Apply(src)
	}
	return src
}

// StripImagePlaceholders removes image placeholders left unresolved by
// generation.
func StripImagePlaceholders(src string) string {
	return placeholderRe.ReplaceAllString(src, "")
}

var figureBeginRe = regexp.MustCompile(`\\begin\{figure\}(\[[^\]]*\])?`)

// ForceFigurePlacement rewrites every figure environment to the
// non-floating [H] placement.
func ForceFigurePlacement(src string) string {
	return figureBeginRe.ReplaceAllString(src, `\begin{figure}[H]`)
}

var includeGraphicsRe = regexp.MustCompile(`(\\includegraphics\s*(?:\[[^\]]*\])?\s*\{)([^}]*)\}`)

// StripImagePathPrefix drops the given directory prefixes from
// \includegraphics paths.
func StripImagePathPrefix(src string, prefixes ...string) string {
	return includeGraphicsRe.ReplaceAllStringFunc(src, func(m string) string {
		parts := includeGraphicsRe.FindStringSubmatch(m)
		path := strings.TrimSpace(parts[2])
		for _, p := range prefixes {
			if strings.HasPrefix(path, p) {
				path = strings.TrimPrefix(path, p)
				break
			}
		}
		return parts[1] + path + "}"
	})
}

var fenceOpenRe = regexp.MustCompile("^```[a-zA-Z]*[ \t]*\n")

// StripCodeFences unwraps generated output wrapped in a markdown code fence.
func StripCodeFences(src string) string {
	s := strings.TrimSpace(src)
	if !strings.HasPrefix(s, "```") {
		return src
	}
	s = fenceOpenRe.ReplaceAllString(s, "")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s) + "\n"
}

func leadingHeadingRe(cmd string) *regexp.Regexp {
	return regexp.MustCompile(`^\s*\\` + cmd + `\*?(\[[^\]]*\])?\{[^\n]*\}[ \t]*\n?`)
}

var leadingHeadingRes = map[string]*regexp.Regexp{
	"chapter": leadingHeadingRe("chapter"),
	"section": leadingHeadingRe("section"),
}

// StripLeadingHeading removes the top-level heading of class at the start of
// a continuation unit's generated markup.
func StripLeadingHeading(src, class string) string {
	re, ok := leadingHeadingRes[HeadingCommand(class, 0)]
	if !ok {
		return src
	}
	return re.ReplaceAllString(src, "")
}
