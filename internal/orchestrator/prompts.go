package orchestrator

import (
	"strings"

	"github.com/zhaobenny/haikugate/internal/model"
)

// DefaultLanguage is used when a language has no template or fallback pool
const DefaultLanguage = "fr"

var promptTemplates = map[string]string{
	"fr": `Génère un haïku en français inspiré de cette citation :
"{quote_text}" - {quote_author}

Le haïku doit :
- Respecter le format 5-7-5 syllabes
- Capturer l'essence de la citation
- Utiliser une imagerie poétique avec un âne/baudet/bourrique
- Être contemplatif et philosophique

Réponds uniquement avec le haïku (3 lignes), sans explication.`,
	"en": `Generate an English haiku inspired by this quote:
"{quote_text}" - {quote_author}

The haiku must:
- Follow the 5-7-5 syllable format
- Capture the essence of the quote
- Use poetic imagery with a donkey/mule/ass
- Be contemplative and philosophical

Reply only with the haiku (3 lines), no explanation.`,
}

// BuildPrompt renders the generation prompt for item in language
func BuildPrompt(item model.SourceItem, language string) string {
	tmpl, ok := promptTemplates[language]
	if !ok {
		tmpl = promptTemplates[DefaultLanguage]
	}
	r := strings.NewReplacer(
		"{quote_text}", item.TextIn(language),
		"{quote_author}", item.AuthorIn(language),
	)
	return r.Replace(tmpl)
}

// NormalizeLanguage lower-cases a language tag and keeps its primary subtag
func NormalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i >= 0 {
		lang = lang[:i]
	}
	if lang == "" {
		return DefaultLanguage
	}
	return lang
}

// IsSupported reports whether language has a prompt template
func IsSupported(language string) bool {
	_, ok := promptTemplates[language]
	return ok
}
