package enrich

import (
	"strings"

	"github.com/neurosnap/sentences"
	"github.com/neurosnap/sentences/english"
	"golang.org/x/net/html"
)

// StripHTML returns the visible text of an HTML fragment with whitespace collapsed.
func StripHTML(fragment string) string {
	z := html.NewTokenizer(strings.NewReader(fragment))
	var sb strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(sb.String()), " ")
		case html.StartTagToken:
			if name, _ := z.TagName(); string(name) == "script" || string(name) == "style" {
				skip++
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); (string(name) == "script" || string(name) == "style") && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				sb.Write(z.Text())
				sb.WriteByte(' ')
			}
		}
	}
}

// Segmenter splits lyrics into sentence-sized segments for annotation prompts.
type Segmenter struct {
	tokenizer *sentences.DefaultSentenceTokenizer
}

func NewSegmenter() (*Segmenter, error) {
	tokenizer, err := english.NewSentenceTokenizer(nil)
	if err != nil {
		return nil, err
	}
	return &Segmenter{tokenizer: tokenizer}, nil
}

// Segments returns at most max non-empty segments. Lyrics lines are treated as
// sentence boundaries since songs rarely punctuate them.
func (s *Segmenter) Segments(body string, max int) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for _, sent := range s.tokenizer.Tokenize(line) {
			text := strings.TrimSpace(sent.Text)
			if text == "" {
				continue
			}
			out = append(out, text)
			if max > 0 && len(out) >= max {
				return out
			}
		}
	}
	return out
}
