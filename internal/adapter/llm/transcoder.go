package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/cwygoda/typesetter/internal/domain"
	"github.com/cwygoda/typesetter/internal/markup"
)

// Transcode implements domain.Transcoder.
func (c *Client) Transcode(ctx context.Context, req domain.TranscodeRequest) (string, error) {
	msgs := []message{
		{Role: "system", Content: transcoderSystemPrompt},
		{Role: "user", Content: buildTranscodePrompt(req)},
	}
	content, err := c.complete(ctx, "transcode", msgs, false)
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(markup.StripCodeFences(content))
	if out == "" {
		return "", ErrEmptyResponse
	}
	return out, nil
}

// Repair asks the model to patch a full source given the compiler
// diagnostic. An empty return means the model could not repair it.
func (c *Client) Repair(ctx context.Context, source string, diagnostic string) (string, error) {
	msgs := []message{
		{Role: "system", Content: repairSystemPrompt},
		{Role: "user", Content: "Compiler errors:\n" + diagnostic + "\n\nDocument source:\n" + source},
	}
	content, err := c.complete(ctx, "repair", msgs, false)
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(markup.StripCodeFences(content))
	if out == "CANNOT_REPAIR" {
		return "", nil
	}
	return out, nil
}

const transcoderSystemPrompt = "You convert one unit of a document into XeLaTeX body markup. " +
	"Output ONLY the markup for this unit: no preamble, no \\begin{document}, no code fences. " +
	"Escape TeX special characters. Keep every sentence of the input. " +
	"Replace each [[image:ID]] placeholder with a figure using \\includegraphics of the listed file name " +
	"and \\begin{figure}[H]. Render tables with tabular and footnotes with \\footnote."

const repairSystemPrompt = "You fix XeLaTeX documents that fail to compile. " +
	"Return the COMPLETE corrected document source and nothing else, without code fences. " +
	"Change as little as possible. If you cannot fix it, answer exactly CANNOT_REPAIR."

func buildTranscodePrompt(req domain.TranscodeRequest) string {
	u := req.Unit
	var b strings.Builder
	fmt.Fprintf(&b, "Document class: %s\nLanguage: %s\n", req.Plan.DocumentClass, req.Settings.Language)
	fmt.Fprintf(&b, "This is unit %d of %d.\n", req.Index+1, req.Total)
	top := markup.HeadingCommand(req.Plan.DocumentClass, 0)
	if u.IsContinuation() {
		fmt.Fprintf(&b, "It is the %s. Do NOT emit a \\%s heading; continue the text directly.\n", u.ContinuationLabel(), top)
	} else {
		fmt.Fprintf(&b, "Start with a \\%s heading for its title.\n", top)
	}
	fmt.Fprintf(&b, "Use \\%s for its sections and \\%s below that.\n",
		markup.HeadingCommand(req.Plan.DocumentClass, 1), markup.HeadingCommand(req.Plan.DocumentClass, 2))

	if imgs := u.AllImages(); len(imgs) > 0 {
		b.WriteString("\nImage files:\n")
		for _, img := range imgs {
			fmt.Fprintf(&b, "- %s -> %s", img.ID, img.AssetName())
			if img.Caption != "" {
				fmt.Fprintf(&b, " (caption: %s)", img.Caption)
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("\nContent:\n")
	writeUnit(&b, u, 1)
	return b.String()
}

func writeUnit(b *strings.Builder, u domain.StructuralUnit, depth int) {
	if u.Title != "" {
		fmt.Fprintf(b, "%s %s\n\n", strings.Repeat("#", depth), u.Title)
	}
	for _, p := range u.Paragraphs {
		b.WriteString(p)
		b.WriteString("\n\n")
	}
	for _, t := range u.Tables {
		for _, row := range t.Rows {
			b.WriteString("| " + strings.Join(row, " | ") + " |\n")
		}
		b.WriteString("\n")
	}
	for _, f := range u.Footnotes {
		fmt.Fprintf(b, "[footnote %s] %s\n", f.ID, f.Text)
	}
	for _, s := range u.SubUnits {
		writeUnit(b, s, depth+1)
	}
}
