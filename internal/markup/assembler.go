package markup

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cwygoda/typesetter/internal/domain"
	"github.com/cwygoda/typesetter/internal/logfields"
)

// ProgressFunc is called after each unit with the number of units done.
type ProgressFunc func(done, total int)

// Options configure an Assembler.
type Options struct {
	// Concurrency bounds parallel transcoder calls. Values below 2 run
	// units sequentially.
	Concurrency int
	// UnitTimeout bounds each transcoder call. Zero means no extra bound.
	UnitTimeout time.Duration
	// Passes run over the concatenated body. Nil means DefaultPasses.
	Passes []Pass
}

// Result is an assembled document source.
type Result struct {
	Source string
	// Fallbacks lists the indexes of units rendered by the fallback template.
	Fallbacks []int
}

// Assembler turns units into a complete document source.
type Assembler struct {
	transcoder domain.Transcoder
	opts       Options
	logger     *slog.Logger
}

// NewAssembler creates an Assembler. A nil transcoder renders every unit
// with the fallback template.
func NewAssembler(t domain.Transcoder, opts Options, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Passes == nil {
		opts.Passes = DefaultPasses()
	}
	return &Assembler{transcoder: t, opts: opts, logger: logger}
}

// Assemble generates markup for every unit and concatenates it in unit order
// between the preamble and back matter. A failing unit falls back to the
// template renderer; only context cancellation fails the assembly.
func (a *Assembler) Assemble(ctx context.Context, units []domain.StructuralUnit, plan domain.BuildPlan, settings domain.Settings, cover domain.CoverInfo, progress ProgressFunc) (Result, error) {
	bodies := make([]string, len(units))
	fellBack := make([]bool, len(units))

	var mu sync.Mutex
	done := 0
	report := func() {
		if progress == nil {
			return
		}
		mu.Lock()
		done++
		n := done
		mu.Unlock()
		progress(n, len(units))
	}

	if a.opts.Concurrency < 2 {
		for i, u := range units {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
			bodies[i], fellBack[i] = a.renderUnit(ctx, u, i, len(units), plan, settings)
			report()
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(a.opts.Concurrency)
		for i, u := range units {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				bodies[i], fellBack[i] = a.renderUnit(gctx, u, i, len(units), plan, settings)
				report()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return Result{}, err
		}
	}

	var res Result
	for i, fb := range fellBack {
		if fb {
			res.Fallbacks = append(res.Fallbacks, i)
		}
	}

	body := Normalize(strings.Join(bodies, "\n"), a.opts.Passes...)

	var b strings.Builder
	b.WriteString(Preamble(plan, settings, cover))
	b.WriteString("\\begin{document}\n")
	b.WriteString(FrontMatter(settings, cover))
	b.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		b.WriteString("\n")
	}
	b.WriteString(BackMatter(settings))
	b.WriteString("\\end{document}\n")
	res.Source = b.String()
	return res, nil
}

func (a *Assembler) renderUnit(ctx context.Context, u domain.StructuralUnit, index, total int, plan domain.BuildPlan, settings domain.Settings) (string, bool) {
	if a.transcoder == nil {
		return RenderFallback(u, plan.DocumentClass), true
	}

	tctx := ctx
	if a.opts.UnitTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, a.opts.UnitTimeout)
		defer cancel()
	}

	out, err := a.transcoder.Transcode(tctx, domain.TranscodeRequest{
		Unit:     u,
		Index:    index,
		Total:    total,
		Plan:     plan,
		Settings: settings,
	})
	if err == nil {
		out = StripCodeFences(out)
		if u.IsContinuation() {
			out = StripLeadingHeading(out, plan.DocumentClass)
		}
		if strings.TrimSpace(out) != "" {
			return out, false
		}
	}

	a.logger.Warn("transcoder failed, rendering unit with fallback template",
		logfields.Unit(index),
		logfields.Error(err),
	)
	return RenderFallback(u, plan.DocumentClass), true
}
