package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cwygoda/typesetter/internal/domain"
)

type planAnswer struct {
	DocumentClass  string   `json:"document_class"`
	ClassOptions   []string `json:"class_options"`
	Packages       []string `json:"packages"`
	EstimatedPages int      `json:"estimated_pages"`
}

// Plan implements domain.Planner. The answer is validated against a strict
// JSON schema; geometry always comes from the settings.
func (c *Client) Plan(ctx context.Context, units []domain.StructuralUnit, meta domain.DocumentMeta, settings domain.Settings) (domain.BuildPlan, error) {
	s := settings.Normalize()
	msgs := []message{
		{Role: "system", Content: plannerSystemPrompt},
		{Role: "user", Content: buildPlanPrompt(units, meta, s)},
		{Role: "system", Content: "JSON Schema:\n" + mustJSON(planSchema())},
	}

	content, err := c.complete(ctx, "plan", msgs, true)
	if err != nil {
		return domain.BuildPlan{}, err
	}
	if err := validateJSON(compiledPlanSchema, []byte(content)); err != nil {
		return domain.BuildPlan{}, fmt.Errorf("planner answer: %w", err)
	}

	var a planAnswer
	if err := json.Unmarshal([]byte(content), &a); err != nil {
		return domain.BuildPlan{}, fmt.Errorf("unmarshal plan: %w", err)
	}

	w, h, _ := s.TrimSize.PageSize()
	return domain.BuildPlan{
		DocumentClass: a.DocumentClass,
		ClassOptions:  a.ClassOptions,
		Packages:      a.Packages,
		Geometry: domain.Geometry{
			PaperWidth:  w,
			PaperHeight: h,
			Inner:       s.Margins.Inner,
			Outer:       s.Margins.Outer,
			Top:         s.Margins.Top,
			Bottom:      s.Margins.Bottom,
		},
		EstimatedPages: a.EstimatedPages,
		Source:         domain.PlanFromPlanner,
	}, nil
}

const plannerSystemPrompt = "You plan XeLaTeX builds for books. Return ONLY JSON that matches the JSON Schema provided. " +
	"Pick a document class and class options suited to the structure, and list the LaTeX packages the content needs " +
	"(tables, figures, footnotes, languages). Do not include fontspec options or geometry; those are fixed."

func buildPlanPrompt(units []domain.StructuralUnit, meta domain.DocumentMeta, s domain.Settings) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Trim size: %s\nFont: %s %dpt, line spacing %.2f\nLanguage: %s\n", s.TrimSize, s.FontFamily, s.FontSize, s.LineSpacing, s.Language)
	fmt.Fprintf(&b, "Index: %t, table of contents: %t\n\n", s.Index, s.TableOfContents)
	fmt.Fprintf(&b, "Words: %d, chapters: %d, images: %d, tables: %d, estimated pages: %d\n\nOutline:\n",
		meta.WordCount, meta.ChapterCount, meta.ImageCount, meta.TableCount, meta.EstimatedPages)
	for _, u := range units {
		outline(&b, u, 0)
	}
	return b.String()
}

func outline(b *strings.Builder, u domain.StructuralUnit, depth int) {
	title := u.Title
	if title == "" {
		title = "(untitled)"
	}
	fmt.Fprintf(b, "%s- %s (%d words", strings.Repeat("  ", depth), title, u.WordCount())
	if n := len(u.Images); n > 0 {
		fmt.Fprintf(b, ", %d images", n)
	}
	if n := len(u.Tables); n > 0 {
		fmt.Fprintf(b, ", %d tables", n)
	}
	b.WriteString(")\n")
	for _, s := range u.SubUnits {
		outline(b, s, depth+1)
	}
}
