package markup

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cwygoda/typesetter/internal/domain"
)

var texEscaper = strings.NewReplacer(
	`\`, `\textbackslash{}`,
	`&`, `\&`,
	`%`, `\%`,
	`$`, `\$`,
	`#`, `\#`,
	`_`, `\_`,
	`{`, `\{`,
	`}`, `\}`,
	`~`, `\textasciitilde{}`,
	`^`, `\textasciicircum{}`,
)

// Escape quotes TeX special characters in plain text.
func Escape(s string) string {
	return texEscaper.Replace(s)
}

var placeholderRe = regexp.MustCompile(`\[\[image:([^\]]+)\]\]`)

// headingCommands returns sectioning commands by depth for a document class.
func headingCommands(class string) []string {
	if class == "article" {
		return []string{"section", "subsection", "subsubsection", "paragraph"}
	}
	return []string{"chapter", "section", "subsection", "subsubsection"}
}

// HeadingCommand is the sectioning command, without backslash, for a unit at
// depth under class. Depth 0 is a top-level unit.
func HeadingCommand(class string, depth int) string {
	h := headingCommands(class)
	return h[min(max(depth, 0), len(h)-1)]
}

// RenderFallback renders a unit's raw text without enrichment. It never
// fails and is used whenever the transcoder cannot produce markup.
func RenderFallback(u domain.StructuralUnit, class string) string {
	var b strings.Builder
	renderUnit(&b, u, headingCommands(class), 0)
	return b.String()
}

func renderUnit(b *strings.Builder, u domain.StructuralUnit, headings []string, depth int) {
	if u.IsContinuation() {
		fmt.Fprintf(b, "%% %s\n", u.ContinuationLabel())
	} else if u.Title != "" {
		cmd := headings[min(depth, len(headings)-1)]
		fmt.Fprintf(b, "\\%s{%s}\n", cmd, Escape(u.Title))
	}
	b.WriteString("\n")

	images := make(map[string]domain.Image, len(u.Images))
	for _, img := range u.Images {
		images[img.ID] = img
	}
	used := make(map[string]bool)

	for i, p := range u.Paragraphs {
		text := renderParagraph(p, images, used)
		if i == len(u.Paragraphs)-1 {
			for _, fn := range u.Footnotes {
				text += "\\footnote{" + Escape(fn.Text) + "}"
			}
		}
		b.WriteString(text)
		b.WriteString("\n\n")
	}
	if len(u.Paragraphs) == 0 && len(u.Footnotes) > 0 {
		for _, fn := range u.Footnotes {
			b.WriteString("\\footnote{" + Escape(fn.Text) + "}")
		}
		b.WriteString("\n\n")
	}

	for _, img := range u.Images {
		if !used[img.ID] {
			b.WriteString(figure(img))
		}
	}
	for _, t := range u.Tables {
		b.WriteString(tabular(t))
	}
	for _, s := range u.SubUnits {
		renderUnit(b, s, headings, depth+1)
	}
}

// renderParagraph escapes text and turns image placeholders for known images
// into figures. Placeholders for unknown images are dropped.
func renderParagraph(p string, images map[string]domain.Image, used map[string]bool) string {
	var b strings.Builder
	last := 0
	for _, m := range placeholderRe.FindAllStringSubmatchIndex(p, -1) {
		b.WriteString(Escape(p[last:m[0]]))
		id := p[m[2]:m[3]]
		if img, ok := images[id]; ok {
			b.WriteString("\n")
			b.WriteString(figure(img))
			used[id] = true
		}
		last = m[1]
	}
	b.WriteString(Escape(p[last:]))
	return strings.TrimSpace(b.String())
}

func figure(img domain.Image) string {
	var b strings.Builder
	b.WriteString("\\begin{figure}[H]\n\\centering\n")
	fmt.Fprintf(&b, "\\includegraphics[width=\\linewidth,height=0.8\\textheight,keepaspectratio]{%s}\n", img.AssetName())
	if img.Caption != "" {
		fmt.Fprintf(&b, "\\caption{%s}\n", Escape(img.Caption))
	}
	b.WriteString("\\end{figure}\n")
	return b.String()
}

func tabular(t domain.Table) string {
	cols := 0
	for _, r := range t.Rows {
		cols = max(cols, len(r))
	}
	if cols == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "\\begin{center}\n\\begin{tabular}{%s}\n\\hline\n", strings.Repeat("l", cols))
	for _, r := range t.Rows {
		cells := make([]string, cols)
		for i := range cells {
			if i < len(r) {
				cells[i] = Escape(r[i])
			}
		}
		b.WriteString(strings.Join(cells, " & "))
		b.WriteString(" \\\\\n")
	}
	b.WriteString("\\hline\n\\end{tabular}\n\\end{center}\n\n")
	return b.String()
}
