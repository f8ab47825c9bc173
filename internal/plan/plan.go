// Package plan resolves the BuildPlan for a job, falling back to a
// deterministic settings-derived plan when the Structure Planner is
// unavailable or returns something unusable.
package plan

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/cwygoda/typesetter/internal/domain"
)

// basePackages are always loaded by generated sources.
var basePackages = []string{"fontspec", "geometry", "graphicx", "float", "setspace", "fancyhdr", "microtype", "hyperref"}

// Fallback derives a plan from settings and parsed metadata alone.
func Fallback(meta domain.DocumentMeta, settings domain.Settings) domain.BuildPlan {
	s := settings.Normalize()
	w, h, ok := s.TrimSize.PageSize()
	if !ok {
		w, h, _ = domain.DefaultSettings().TrimSize.PageSize()
	}

	class := "book"
	opts := []string{fmt.Sprintf("%dpt", s.FontSize), "openany"}
	if meta.ChapterCount <= 1 {
		class = "report"
	}

	pkgs := slices.Clone(basePackages)
	if meta.TableCount > 0 {
		pkgs = append(pkgs, "booktabs", "longtable")
	}
	if s.Index {
		pkgs = append(pkgs, "makeidx")
	}
	if s.Language != "" && s.Language != "en" {
		pkgs = append(pkgs, "polyglossia")
	}

	return domain.BuildPlan{
		DocumentClass: class,
		ClassOptions:  opts,
		Packages:      pkgs,
		Geometry: domain.Geometry{
			PaperWidth:  w,
			PaperHeight: h,
			Inner:       s.Margins.Inner,
			Outer:       s.Margins.Outer,
			Top:         s.Margins.Top,
			Bottom:      s.Margins.Bottom,
		},
		EstimatedPages: EstimatePages(meta, s),
		Source:         domain.PlanFromFallback,
	}
}

// EstimatePages scales the parser's words-per-page estimate by the text
// block area and font size relative to a 6x9in page at 11pt.
func EstimatePages(meta domain.DocumentMeta, s domain.Settings) int {
	base := float64(meta.WordCount) / domain.WordsPerPage
	w, h, ok := s.TrimSize.PageSize()
	if !ok || meta.WordCount == 0 {
		return max(1, meta.EstimatedPages)
	}
	refW, refH, _ := domain.Trim6x9.PageSize()
	area := (w - s.Margins.Inner - s.Margins.Outer) * (h - s.Margins.Top - s.Margins.Bottom)
	refArea := (refW - 38) * (refH - 38)
	if area <= 0 {
		area = refArea
	}
	font := float64(s.FontSize) / 11.0
	est := base * (refArea / area) * font * font * s.LineSpacing / 1.15
	pages := int(math.Ceil(est)) + meta.ImageCount/2
	return max(1, pages)
}

// Resolver asks the planner for a plan and degrades to Fallback.
type Resolver struct {
	planner domain.Planner
	timeout time.Duration
	logger  *slog.Logger
}

// NewResolver creates a Resolver. A nil planner always yields the fallback.
func NewResolver(planner domain.Planner, timeout time.Duration, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{planner: planner, timeout: timeout, logger: logger}
}

// Resolve never fails: planner errors and unusable plans yield Fallback.
func (r *Resolver) Resolve(ctx context.Context, doc *domain.ParsedDocument, settings domain.Settings) domain.BuildPlan {
	fallback := Fallback(doc.Meta, settings)
	if r.planner == nil {
		return fallback
	}

	pctx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	p, err := r.planner.Plan(pctx, doc.Units, doc.Meta, settings)
	if err != nil {
		r.logger.Warn("planner unavailable, using fallback plan", "error", err)
		return fallback
	}
	if err := Check(p); err != nil {
		r.logger.Warn("planner returned unusable plan, using fallback plan", "error", err)
		return fallback
	}
	return merge(p, fallback)
}

// Check rejects plans the markup assembler cannot use.
func Check(p domain.BuildPlan) error {
	switch p.DocumentClass {
	case "book", "report", "article", "memoir", "scrbook", "scrreprt":
	default:
		return fmt.Errorf("unsupported document class %q", p.DocumentClass)
	}
	g := p.Geometry
	if g.PaperWidth <= 0 || g.PaperHeight <= 0 {
		return fmt.Errorf("invalid paper size %.1fx%.1f", g.PaperWidth, g.PaperHeight)
	}
	if g.Inner+g.Outer >= g.PaperWidth || g.Top+g.Bottom >= g.PaperHeight {
		return fmt.Errorf("margins exceed paper size")
	}
	return nil
}

// merge keeps the planner's choices but guarantees the base packages and a
// positive page estimate.
func merge(p, fallback domain.BuildPlan) domain.BuildPlan {
	for _, pkg := range fallback.Packages {
		if !slices.Contains(p.Packages, pkg) {
			p.Packages = append(p.Packages, pkg)
		}
	}
	if p.EstimatedPages <= 0 {
		p.EstimatedPages = fallback.EstimatedPages
	}
	p.Source = domain.PlanFromPlanner
	return p
}
