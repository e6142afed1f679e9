package enrich

import (
	"strings"

	"corpusflow/internal/models"
)

// Prompts holds the system prompt and one user prompt template per flavor.
// Templates use {{name}} placeholders.
type Prompts struct {
	System    string
	Templates map[models.Flavor]string
}

const defaultSystemPrompt = `You are a careful annotator for a linguistic corpus of song lyrics. ` +
	`Answer with a single JSON object and nothing else.`

func DefaultPrompts() Prompts {
	return Prompts{
		System: defaultSystemPrompt,
		Templates: map[models.Flavor]string{
			models.FlavorEnrichment: `Song "{{title}}" by {{artist}}.
Return {"genre": string, "year": number|null, "language": string, "mood": string}.`,
			models.FlavorSemanticAnnotation: `Word "{{title}}" from the {{corpus}} corpus.
Return {"part_of_speech": string, "semantic_field": string, "register": string, "gloss": string}.`,
			models.FlavorSemanticRefinement: `Word "{{title}}" from the {{corpus}} corpus. Refine its semantic annotation at depth {{depth}}.
Return {"depth": number, "sense": string, "hypernym": string, "related": [string]}.`,
			models.FlavorCorpusAnnotation: `Lyrics of "{{title}}" by {{artist}}, one segment per line:
{{segments}}
Return {"segments": [{"text": string, "themes": [string], "figurative": boolean}]}.`,
			models.FlavorProcessing: `Item "{{title}}" by {{artist}} in the {{corpus}} corpus.
Web context:
{{context}}
Return {"summary": string, "facts": [string]}.`,
		},
	}
}

// WithOverrides returns a copy with non-empty overrides applied.
func (p Prompts) WithOverrides(system string, templates map[models.Flavor]string) Prompts {
	out := Prompts{System: p.System, Templates: make(map[models.Flavor]string, len(p.Templates))}
	for k, v := range p.Templates {
		out.Templates[k] = v
	}
	if strings.TrimSpace(system) != "" {
		out.System = system
	}
	for k, v := range templates {
		if strings.TrimSpace(v) != "" {
			out.Templates[k] = v
		}
	}
	return out
}

// Render fills the flavor's template.
func (p Prompts) Render(flavor models.Flavor, vars map[string]string) string {
	tmpl := p.Templates[flavor]
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
