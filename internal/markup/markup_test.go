package markup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwygoda/typesetter/internal/domain"
)

type fakeTranscoder struct {
	mu     sync.Mutex
	fail   map[int]bool
	delay  map[int]time.Duration
	output func(req domain.TranscodeRequest) string
	calls  []int
}

func (f *fakeTranscoder) Transcode(ctx context.Context, req domain.TranscodeRequest) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Index)
	d := f.delay[req.Index]
	fail := f.fail[req.Index]
	f.mu.Unlock()
	if d > 0 {
		time.Sleep(d)
	}
	if fail {
		return "", errors.New("transcoder unavailable")
	}
	if f.output != nil {
		return f.output(req), nil
	}
	return fmt.Sprintf("\\chapter{%s}\nunit %d\n", req.Unit.Title, req.Index), nil
}

func (f *fakeTranscoder) Repair(ctx context.Context, source, diagnostic string) (string, error) {
	return "", nil
}

func testPlan() domain.BuildPlan {
	return domain.BuildPlan{
		DocumentClass: "book",
		ClassOptions:  []string{"11pt"},
		Packages:      []string{"fontspec", "geometry", "graphicx", "hyperref", "booktabs"},
		Geometry:      domain.Geometry{PaperWidth: 152.4, PaperHeight: 228.6, Inner: 22, Outer: 16, Top: 18, Bottom: 20},
	}
}

func TestEscape(t *testing.T) {
	assert.Equal(t, `50\% of \$5 \& a\_b \#1 \{x\} \textbackslash{}n`, Escape(`50% of $5 & a_b #1 {x} \n`))
}

func TestPreamble(t *testing.T) {
	s := domain.DefaultSettings()
	s.Index = true
	cover := domain.CoverInfo{Title: "Tom & Jerry", Author: "A. Writer", Year: 2024}

	p := Preamble(testPlan(), s, cover)

	assert.True(t, strings.HasPrefix(p, "\\documentclass[11pt]{book}\n"))
	assert.Contains(t, p, "paperwidth=152.4mm")
	assert.Contains(t, p, "\\setmainfont{TeX Gyre Pagella}")
	assert.Contains(t, p, "\\setstretch{1.15}")
	assert.Contains(t, p, "\\usepackage{float}")
	assert.Contains(t, p, "\\usepackage{makeidx}")
	assert.Contains(t, p, "\\makeindex")
	assert.Contains(t, p, "\\title{Tom \\& Jerry}")
	assert.Equal(t, 1, strings.Count(p, "{geometry}"))
	assert.True(t, strings.Index(p, "hyperref") > strings.Index(p, "booktabs"), "hyperref loads last")
	assert.Equal(t, p, Preamble(testPlan(), s, cover), "preamble is deterministic")
}

func TestFrontAndBackMatter(t *testing.T) {
	s := domain.Settings{TitlePage: true, CopyrightPage: true, TableOfContents: false}
	fm := FrontMatter(s, domain.CoverInfo{Author: "Ann", Year: 2020, ISBN: "978-3"})
	assert.Contains(t, fm, "\\maketitle")
	assert.Contains(t, fm, "Copyright \\copyright{} 2020 Ann")
	assert.Contains(t, fm, "ISBN 978-3")
	assert.NotContains(t, fm, "\\tableofcontents")

	assert.Empty(t, BackMatter(domain.Settings{}))
	assert.Equal(t, "\\printindex\n", BackMatter(domain.Settings{Index: true}))
}

func TestRenderFallback(t *testing.T) {
	u := domain.StructuralUnit{
		Title:      "Intro_1",
		Paragraphs: []string{"Costs 5$.", "Look: " + domain.ImagePlaceholder("img1"), "End"},
		Images: []domain.Image{
			{ID: "img1", Format: domain.ImagePNG, Caption: "A cat"},
			{ID: "img2", Format: domain.ImageJPEG},
		},
		Tables:    []domain.Table{{Rows: [][]string{{"a", "b"}, {"c"}}}},
		Footnotes: []domain.Footnote{{ID: "1", Text: "see 100%"}},
		SubUnits:  []domain.StructuralUnit{{Title: "Sub", Paragraphs: []string{"s"}}},
	}

	out := RenderFallback(u, "book")

	assert.Contains(t, out, "\\chapter{Intro\\_1}")
	assert.Contains(t, out, "Costs 5\\$.")
	assert.Contains(t, out, "\\includegraphics[width=\\linewidth,height=0.8\\textheight,keepaspectratio]{img1.png}")
	assert.Contains(t, out, "\\caption{A cat}")
	assert.Contains(t, out, "{img2.jpg}", "unreferenced images are appended")
	assert.Contains(t, out, "End\\footnote{see 100\\%}")
	assert.Contains(t, out, "a & b \\\\\nc &  \\\\\n")
	assert.Contains(t, out, "\\section{Sub}")
	assert.NotContains(t, out, "[[image:")
}

func TestRenderFallback_Continuation(t *testing.T) {
	u := domain.StructuralUnit{Title: "Long", Paragraphs: []string{"more"}, SourceIndex: 0, PartIndex: 2, PartCount: 3}

	out := RenderFallback(u, "book")

	assert.NotContains(t, out, "\\chapter")
	assert.Contains(t, out, "% continuation of unit 1, part 2")
	assert.Contains(t, out, "more")
}

func TestRenderFallback_ArticleHeadings(t *testing.T) {
	out := RenderFallback(domain.StructuralUnit{Title: "T"}, "article")
	assert.Contains(t, out, "\\section{T}")
}

func TestHeadingCommand(t *testing.T) {
	tests := []struct {
		class string
		depth int
		want  string
	}{
		{"book", 0, "chapter"},
		{"report", 1, "section"},
		{"article", 0, "section"},
		{"article", 1, "subsection"},
		{"article", 9, "paragraph"},
		{"book", -1, "chapter"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%d", tt.class, tt.depth), func(t *testing.T) {
			assert.Equal(t, tt.want, HeadingCommand(tt.class, tt.depth))
		})
	}
}

func TestNormalizationPasses(t *testing.T) {
	tests := []struct {
		name string
		pass func(string) string
		in   string
		want string
	}{
		{
			name: "placeholders",
			pass: StripImagePlaceholders,
			in:   "before [[image:rId7]] after",
			want: "before  after",
		},
		{
			name: "figure placement with option",
			pass: ForceFigurePlacement,
			in:   "\\begin{figure}[htbp]\nx\\end{figure}",
			want: "\\begin{figure}[H]\nx\\end{figure}",
		},
		{
			name: "figure placement without option",
			pass: ForceFigurePlacement,
			in:   "\\begin{figure}\n",
			want: "\\begin{figure}[H]\n",
		},
		{
			name: "path prefix",
			pass: func(s string) string { return StripImagePathPrefix(s, DefaultImagePrefixes...) },
			in:   "\\includegraphics[width=5cm]{images/a.png} \\includegraphics{./images/b.jpg} \\includegraphics{media/c.png} \\includegraphics{d.png}",
			want: "\\includegraphics[width=5cm]{a.png} \\includegraphics{b.jpg} \\includegraphics{c.png} \\includegraphics{d.png}",
		},
		{
			name: "code fences",
			pass: StripCodeFences,
			in:   "```latex\n\\section{A}\ntext\n```",
			want: "\\section{A}\ntext\n",
		},
		{
			name: "no fences",
			pass: StripCodeFences,
			in:   "\\section{A}\n",
			want: "\\section{A}\n",
		},
		{
			name: "leading chapter",
			pass: func(s string) string { return StripLeadingHeading(s, "book") },
			in:   "\n\\chapter{Long}\nbody\n",
			want: "body\n",
		},
		{
			name: "leading section under article",
			pass: func(s string) string { return StripLeadingHeading(s, "article") },
			in:   "\\section{A}\nbody",
			want: "body",
		},
		{
			name: "section kept under book",
			pass: func(s string) string { return StripLeadingHeading(s, "book") },
			in:   "\\section{A}\nbody",
			want: "\\section{A}\nbody",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.pass(tt.in))
		})
	}
}

func TestNormalize_DefaultPassNames(t *testing.T) {
	var names []string
	for _, p := range DefaultPasses() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"strip-image-placeholders", "force-figure-placement", "strip-image-path-prefix"}, names)
}

func units(n int) []domain.StructuralUnit {
	out := make([]domain.StructuralUnit, n)
	for i := range out {
		out[i] = domain.StructuralUnit{Title: fmt.Sprintf("U%d", i), Paragraphs: []string{fmt.Sprintf("text %d", i)}}
	}
	return out
}

func TestAssemble_Sequential(t *testing.T) {
	tr := &fakeTranscoder{}
	a := NewAssembler(tr, Options{}, nil)
	var progress []int

	res, err := a.Assemble(context.Background(), units(3), testPlan(), domain.DefaultSettings(), domain.CoverInfo{Title: "B"},
		func(done, total int) {
			assert.Equal(t, 3, total)
			progress = append(progress, done)
		})

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, progress)
	assert.Equal(t, []int{0, 1, 2}, tr.calls)
	assert.Empty(t, res.Fallbacks)
	assert.True(t, strings.HasPrefix(res.Source, "\\documentclass"))
	assert.True(t, strings.HasSuffix(res.Source, "\\end{document}\n"))
	assert.Less(t, strings.Index(res.Source, "unit 0"), strings.Index(res.Source, "unit 1"))
	assert.Less(t, strings.Index(res.Source, "unit 1"), strings.Index(res.Source, "unit 2"))
	assert.Less(t, strings.Index(res.Source, "\\begin{document}"), strings.Index(res.Source, "\\tableofcontents"))
}

func TestAssemble_UnitFailureFallsBack(t *testing.T) {
	tr := &fakeTranscoder{fail: map[int]bool{1: true}}
	a := NewAssembler(tr, Options{}, nil)

	res, err := a.Assemble(context.Background(), units(3), testPlan(), domain.DefaultSettings(), domain.CoverInfo{}, nil)

	require.NoError(t, err)
	assert.Equal(t, []int{1}, res.Fallbacks)
	assert.Contains(t, res.Source, "\\chapter{U1}\n\ntext 1")
	assert.Contains(t, res.Source, "unit 2")
}

func TestAssemble_AppliesNormalization(t *testing.T) {
	tr := &fakeTranscoder{output: func(req domain.TranscodeRequest) string {
		return "```latex\n\\begin{figure}[t]\\includegraphics{images/x.png}\\end{figure} [[image:zz]]\n```"
	}}
	a := NewAssembler(tr, Options{}, nil)

	res, err := a.Assemble(context.Background(), units(1), testPlan(), domain.DefaultSettings(), domain.CoverInfo{}, nil)

	require.NoError(t, err)
	assert.Contains(t, res.Source, "\\begin{figure}[H]\\includegraphics{x.png}")
	assert.NotContains(t, res.Source, "[[image:")
	assert.NotContains(t, res.Source, "```")
}

func TestAssemble_ContinuationHeadingStripped(t *testing.T) {
	tr := &fakeTranscoder{}
	a := NewAssembler(tr, Options{}, nil)
	us := []domain.StructuralUnit{
		{Title: "Long", Paragraphs: []string{"a"}, PartIndex: 1, PartCount: 2},
		{Title: "Long", Paragraphs: []string{"b"}, PartIndex: 2, PartCount: 2},
	}

	res, err := a.Assemble(context.Background(), us, testPlan(), domain.DefaultSettings(), domain.CoverInfo{}, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(res.Source, "\\chapter{Long}"))
}

func TestAssemble_FanOutKeepsOrder(t *testing.T) {
	tr := &fakeTranscoder{delay: map[int]time.Duration{0: 30 * time.Millisecond, 1: 10 * time.Millisecond}}
	a := NewAssembler(tr, Options{Concurrency: 4}, nil)

	res, err := a.Assemble(context.Background(), units(5), testPlan(), domain.DefaultSettings(), domain.CoverInfo{}, nil)

	require.NoError(t, err)
	prev := -1
	for i := range 5 {
		idx := strings.Index(res.Source, fmt.Sprintf("unit %d", i))
		require.NotEqual(t, -1, idx)
		assert.Greater(t, idx, prev)
		prev = idx
	}
}

func TestAssemble_NilTranscoder(t *testing.T) {
	a := NewAssembler(nil, Options{}, nil)

	res, err := a.Assemble(context.Background(), units(2), testPlan(), domain.DefaultSettings(), domain.CoverInfo{}, nil)

	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, res.Fallbacks)
}

func TestAssemble_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := NewAssembler(&fakeTranscoder{}, Options{}, nil)

	_, err := a.Assemble(ctx, units(2), testPlan(), domain.DefaultSettings(), domain.CoverInfo{}, nil)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestAssemble_ContinuationHeadingStrippedForArticle(t *testing.T) {
	tr := &fakeTranscoder{output: func(req domain.TranscodeRequest) string {
		return "\\section{" + req.Unit.Title + "}\nbody\n"
	}}
	a := NewAssembler(tr, Options{}, nil)
	us := []domain.StructuralUnit{
		{Title: "Long", Paragraphs: []string{"a"}, PartIndex: 1, PartCount: 2},
		{Title: "Long", Paragraphs: []string{"b"}, PartIndex: 2, PartCount: 2},
	}
	p := testPlan()
	p.DocumentClass = "article"

	res, err := a.Assemble(context.Background(), us, p, domain.DefaultSettings(), domain.CoverInfo{}, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(res.Source, "\\section{Long}"))
}
