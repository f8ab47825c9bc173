// Package markup assembles the complete document source from a BuildPlan,
// settings, cover information and per-unit generated content.
package markup

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/cwygoda/typesetter/internal/domain"
)

// languages maps settings language codes to polyglossia names.
var languages = map[string]string{
	"en": "english",
	"de": "german",
	"fr": "french",
	"es": "spanish",
	"it": "italian",
	"nl": "dutch",
	"pt": "portuguese",
	"pl": "polish",
}

// Preamble renders everything before \begin{document}. It is a pure function
// of its inputs.
func Preamble(plan domain.BuildPlan, settings domain.Settings, cover domain.CoverInfo) string {
	s := settings.Normalize()
	var b strings.Builder

	class := plan.DocumentClass
	if class == "" {
		class = "book"
	}
	if len(plan.ClassOptions) > 0 {
		fmt.Fprintf(&b, "\\documentclass[%s]{%s}\n", strings.Join(plan.ClassOptions, ","), class)
	} else {
		fmt.Fprintf(&b, "\\documentclass{%s}\n", class)
	}

	g := plan.Geometry
	fmt.Fprintf(&b, "\\usepackage[paperwidth=%smm,paperheight=%smm,inner=%smm,outer=%smm,top=%smm,bottom=%smm]{geometry}\n",
		mm(g.PaperWidth), mm(g.PaperHeight), mm(g.Inner), mm(g.Outer), mm(g.Top), mm(g.Bottom))

	pkgs := slices.Clone(plan.Packages)
	for _, required := range []string{"fontspec", "graphicx", "float", "setspace"} {
		if !slices.Contains(pkgs, required) {
			pkgs = append(pkgs, required)
		}
	}
	if s.Index && !slices.Contains(pkgs, "makeidx") {
		pkgs = append(pkgs, "makeidx")
	}
	// hyperref must load last.
	hyperref := false
	for _, p := range pkgs {
		switch p {
		case "geometry":
			continue
		case "hyperref":
			hyperref = true
			continue
		}
		fmt.Fprintf(&b, "\\usepackage{%s}\n", p)
	}
	if hyperref {
		b.WriteString("\\usepackage[hidelinks]{hyperref}\n")
	}

	b.WriteString("\\graphicspath{{./}{assets/}}\n")
	fmt.Fprintf(&b, "\\setmainfont{%s}\n", s.FontFamily)
	fmt.Fprintf(&b, "\\setstretch{%s}\n", strconv.FormatFloat(s.LineSpacing, 'f', -1, 64))
	if slices.Contains(pkgs, "polyglossia") {
		lang, ok := languages[s.Language]
		if !ok {
			lang = "english"
		}
		fmt.Fprintf(&b, "\\setdefaultlanguage{%s}\n", lang)
	}
	if s.Index {
		b.WriteString("\\makeindex\n")
	}

	fmt.Fprintf(&b, "\\title{%s}\n", titleLine(cover))
	fmt.Fprintf(&b, "\\author{%s}\n", Escape(cover.Author))
	if cover.Year > 0 {
		fmt.Fprintf(&b, "\\date{%d}\n", cover.Year)
	} else {
		b.WriteString("\\date{}\n")
	}
	return b.String()
}

// FrontMatter renders the title page, copyright page and table of contents
// according to the settings toggles.
func FrontMatter(settings domain.Settings, cover domain.CoverInfo) string {
	var b strings.Builder
	if settings.TitlePage {
		b.WriteString("\\maketitle\n")
	}
	if settings.CopyrightPage {
		b.WriteString("\\clearpage\n\\thispagestyle{empty}\n\\vspace*{\\fill}\n\\begin{flushleft}\\small\n")
		if cover.Year > 0 || cover.Author != "" {
			fmt.Fprintf(&b, "Copyright \\copyright{} %s\\\\\n", strings.TrimSpace(yearString(cover.Year)+" "+Escape(cover.Author)))
		}
		if cover.Publisher != "" {
			fmt.Fprintf(&b, "Published by %s\\\\\n", Escape(cover.Publisher))
		}
		if cover.ISBN != "" {
			fmt.Fprintf(&b, "ISBN %s\\\\\n", Escape(cover.ISBN))
		}
		b.WriteString("All rights reserved.\n\\end{flushleft}\n\\clearpage\n")
	}
	if settings.TableOfContents {
		b.WriteString("\\tableofcontents\n\\clearpage\n")
	}
	return b.String()
}

// BackMatter renders what follows the last unit.
func BackMatter(settings domain.Settings) string {
	if settings.Index {
		return "\\printindex\n"
	}
	return ""
}

func titleLine(c domain.CoverInfo) string {
	t := Escape(c.Title)
	if c.Subtitle != "" {
		t += "\\\\\\large " + Escape(c.Subtitle)
	}
	return t
}

func yearString(y int) string {
	if y <= 0 {
		return ""
	}
	return strconv.Itoa(y)
}

func mm(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
