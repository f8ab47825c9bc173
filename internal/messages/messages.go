// Package messages renders localized user-facing failure messages and
// step-specific remediation suggestions.
package messages

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"

	"github.com/cwygoda/typesetter/internal/domain"
)

var supported = []language.Tag{language.English, language.German, language.French}

var matcher = language.NewMatcher(supported)

type entry struct {
	key string
	en  string
	de  string
	fr  string
}

var kindMessages = map[domain.ErrorKind]entry{
	domain.KindSource: {
		key: "error.source",
		en:  "The uploaded document could not be read.",
		de:  "Das hochgeladene Dokument konnte nicht gelesen werden.",
		fr:  "Le document téléversé n'a pas pu être lu.",
	},
	domain.KindCollaborator: {
		key: "error.collaborator",
		en:  "A required processing service is unavailable. Please try again later.",
		de:  "Ein benötigter Verarbeitungsdienst ist nicht erreichbar. Bitte später erneut versuchen.",
		fr:  "Un service de traitement requis est indisponible. Veuillez réessayer plus tard.",
	},
	domain.KindCompilation: {
		key: "error.compilation",
		en:  "The document could not be typeset.",
		de:  "Das Dokument konnte nicht gesetzt werden.",
		fr:  "Le document n'a pas pu être composé.",
	},
	domain.KindValidation: {
		key: "error.validation",
		en:  "The generated PDF failed quality checks.",
		de:  "Das erzeugte PDF hat die Qualitätsprüfung nicht bestanden.",
		fr:  "Le PDF généré n'a pas passé le contrôle qualité.",
	},
	domain.KindInfrastructure: {
		key: "error.infrastructure",
		en:  "An internal error occurred. Please try again later.",
		de:  "Ein interner Fehler ist aufgetreten. Bitte später erneut versuchen.",
		fr:  "Une erreur interne s'est produite. Veuillez réessayer plus tard.",
	},
}

var interrupted = entry{
	key: "error.interrupted",
	en:  "Typesetting was interrupted. Use retry to start again.",
	de:  "Der Satz wurde unterbrochen. Mit „Erneut versuchen“ neu starten.",
	fr:  "La composition a été interrompue. Utilisez « réessayer » pour recommencer.",
}

var (
	sugValidDocument = entry{
		key: "suggest.valid_document",
		en:  "Make sure the file is a valid .docx, .md, .html or .txt document.",
		de:  "Stellen Sie sicher, dass die Datei ein gültiges .docx-, .md-, .html- oder .txt-Dokument ist.",
		fr:  "Vérifiez que le fichier est un document .docx, .md, .html ou .txt valide.",
	}
	sugResave = entry{
		key: "suggest.resave",
		en:  "Open the document in your editor, save it again and re-upload it.",
		de:  "Öffnen Sie das Dokument im Editor, speichern Sie es erneut und laden Sie es neu hoch.",
		fr:  "Ouvrez le document dans votre éditeur, enregistrez-le à nouveau puis téléversez-le.",
	}
	sugImages = entry{
		key: "suggest.images",
		en:  "Ensure images are valid PNG or JPEG files.",
		de:  "Stellen Sie sicher, dass Bilder gültige PNG- oder JPEG-Dateien sind.",
		fr:  "Vérifiez que les images sont des fichiers PNG ou JPEG valides.",
	}
	sugFont = entry{
		key: "suggest.font",
		en:  "Try a different font.",
		de:  "Versuchen Sie eine andere Schriftart.",
		fr:  "Essayez une autre police.",
	}
	sugTables = entry{
		key: "suggest.tables",
		en:  "Simplify very wide or nested tables.",
		de:  "Vereinfachen Sie sehr breite oder verschachtelte Tabellen.",
		fr:  "Simplifiez les tableaux très larges ou imbriqués.",
	}
	sugSettings = entry{
		key: "suggest.settings",
		en:  "Check the page size and margin settings.",
		de:  "Überprüfen Sie Seitenformat und Ränder.",
		fr:  "Vérifiez le format de page et les marges.",
	}
	sugRetryLater = entry{
		key: "suggest.retry_later",
		en:  "Retry the job in a few minutes.",
		de:  "Versuchen Sie den Auftrag in einigen Minuten erneut.",
		fr:  "Relancez la tâche dans quelques minutes.",
	}
)

var stepSuggestions = map[domain.Step][]entry{
	domain.StepQueued:           {sugRetryLater},
	domain.StepParsing:          {sugValidDocument, sugResave},
	domain.StepParsed:           {sugValidDocument},
	domain.StepAnalyzing:        {sugRetryLater},
	domain.StepAnalyzed:         {sugSettings},
	domain.StepPreparingAssets:  {sugImages},
	domain.StepAssetsReady:      {sugImages},
	domain.StepGeneratingMarkup: {sugRetryLater, sugTables},
	domain.StepMarkupGenerated:  {sugRetryLater},
	domain.StepCompiling:        {sugFont, sugImages, sugTables},
	domain.StepCompiled:         {sugFont},
	domain.StepValidating:       {sugFont, sugSettings},
	domain.StepValidated:        {sugRetryLater},
	domain.StepStoring:          {sugRetryLater},
}

var cat = buildCatalog()

func buildCatalog() *catalog.Builder {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	set := func(e entry) {
		_ = b.SetString(language.English, e.key, e.en)
		_ = b.SetString(language.German, e.key, e.de)
		_ = b.SetString(language.French, e.key, e.fr)
	}
	for _, e := range kindMessages {
		set(e)
	}
	set(interrupted)
	for _, list := range stepSuggestions {
		for _, e := range list {
			set(e)
		}
	}
	return b
}

// Localizer renders messages for one locale.
type Localizer struct {
	tag     language.Tag
	printer *message.Printer
}

// New returns a Localizer for the best match of locale. Unknown or empty
// locales fall back to English.
func New(locale string) *Localizer {
	tag := language.English
	if locale != "" {
		if t, err := language.Parse(locale); err == nil {
			_, idx, conf := matcher.Match(t)
			if conf != language.No {
				tag = supported[idx]
			}
		}
	}
	return &Localizer{tag: tag, printer: message.NewPrinter(tag, message.Catalog(cat))}
}

// Tag is the resolved language.
func (l *Localizer) Tag() language.Tag {
	return l.tag
}

// Failure returns the user-facing message for an error kind.
func (l *Localizer) Failure(kind domain.ErrorKind) string {
	e, ok := kindMessages[kind]
	if !ok {
		e = kindMessages[domain.KindInfrastructure]
	}
	return l.printer.Sprintf(e.key)
}

// Interrupted is the message for jobs cut off by a restart.
func (l *Localizer) Interrupted() string {
	return l.printer.Sprintf(interrupted.key)
}

// Suggestions returns remediation hints for a failing step.
func (l *Localizer) Suggestions(step domain.Step) []string {
	list := stepSuggestions[step]
	out := make([]string, 0, len(list))
	for _, e := range list {
		out = append(out, l.printer.Sprintf(e.key))
	}
	return out
}
