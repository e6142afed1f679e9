package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"corpusflow/internal/models"
)

const (
	maxSegments    = 24
	webResultLimit = 3
)

// UnitResult is the outcome of processing one item.
type UnitResult struct {
	Succeeded bool
	Providers []string
	Payload   json.RawMessage
	Err       error
	// Depth is the refinement depth reached, zero for other flavors.
	Depth int
}

// Pipeline processes one item of a job through the flavor's stages. A unit
// succeeds when at least one stage does.
type Pipeline func(ctx context.Context, sess *Session, job *models.Job, item *models.Item) UnitResult

// PipelineFor returns the pipeline that runs the given flavor.
func PipelineFor(flavor models.Flavor) (Pipeline, error) {
	switch flavor {
	case models.FlavorEnrichment:
		return enrichSong, nil
	case models.FlavorSemanticAnnotation:
		return annotateWord, nil
	case models.FlavorSemanticRefinement:
		return refineWord, nil
	case models.FlavorCorpusAnnotation:
		return annotateLyrics, nil
	case models.FlavorProcessing:
		return processItem, nil
	default:
		return nil, fmt.Errorf("%w: no pipeline for flavor %q", models.ErrValidation, flavor)
	}
}

// stages collects per-stage outputs into one payload.
type stages struct {
	out       map[string]any
	providers []string
	errs      []error
	ok        int
}

func newStages() *stages {
	return &stages{out: make(map[string]any)}
}

func (s *stages) success(name, provider string, value any) {
	s.out[name] = value
	s.providers = append(s.providers, provider)
	s.ok++
}

func (s *stages) failure(name string, err error) {
	s.errs = append(s.errs, fmt.Errorf("%s: %w", name, err))
}

func (s *stages) result() UnitResult {
	res := UnitResult{Succeeded: s.ok > 0, Providers: s.providers}
	if len(s.errs) > 0 {
		msgs := make([]string, 0, len(s.errs))
		for _, err := range s.errs {
			msgs = append(msgs, err.Error())
		}
		s.out["errors"] = msgs
		if !res.Succeeded {
			res.Err = errors.Join(s.errs...)
		}
	}
	payload, err := json.Marshal(s.out)
	if err != nil {
		res.Err = errors.Join(res.Err, err)
		return res
	}
	res.Payload = payload
	return res
}

func (s *stages) complete(ctx context.Context, sess *Session, name, prompt string, itemID int64) {
	c, provider, err := sess.Complete(ctx, prompt, itemID)
	if err != nil {
		s.failure(name, err)
		return
	}
	s.success(name, provider, decodeAIJSON(c.Text))
}

// decodeAIJSON keeps well-formed JSON answers as-is and wraps anything else.
func decodeAIJSON(text string) json.RawMessage {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if json.Valid([]byte(text)) && strings.HasPrefix(text, "{") {
		return json.RawMessage(text)
	}
	wrapped, _ := json.Marshal(map[string]string{"text": text})
	return wrapped
}

func itemVars(item *models.Item) map[string]string {
	return map[string]string{
		"title":  item.Title,
		"artist": item.Artist,
		"corpus": item.Corpus,
		"body":   item.Body,
	}
}

func enrichSong(ctx context.Context, sess *Session, job *models.Job, item *models.Item) UnitResult {
	st := newStages()
	query := strings.TrimSpace(item.Artist + " " + item.Title)
	if match, err := sess.FindVideo(ctx, query); err != nil {
		st.failure("video", err)
	} else {
		st.success("video", sess.svc.Video.Name(), match)
	}
	if ctx.Err() != nil {
		st.failure("metadata", ctx.Err())
		return st.result()
	}
	st.complete(ctx, sess, "metadata", sess.svc.Prompts.Render(job.Flavor, itemVars(item)), item.ID)
	return st.result()
}

func annotateWord(ctx context.Context, sess *Session, job *models.Job, item *models.Item) UnitResult {
	st := newStages()
	st.complete(ctx, sess, "annotation", sess.svc.Prompts.Render(job.Flavor, itemVars(item)), item.ID)
	return st.result()
}

func refineWord(ctx context.Context, sess *Session, job *models.Job, item *models.Item) UnitResult {
	md, err := job.DecodeMetadata()
	if err != nil {
		return UnitResult{Err: err}
	}
	depth := md.Depth
	if depth <= 0 {
		depth = 1
	}
	vars := itemVars(item)
	vars["depth"] = strconv.Itoa(depth)
	st := newStages()
	st.complete(ctx, sess, "refinement", sess.svc.Prompts.Render(job.Flavor, vars), item.ID)
	res := st.result()
	if res.Succeeded {
		res.Depth = depth
	}
	return res
}

func annotateLyrics(ctx context.Context, sess *Session, job *models.Job, item *models.Item) UnitResult {
	st := newStages()
	if strings.TrimSpace(item.Body) == "" {
		st.failure("segments", fmt.Errorf("%w: item %d has no lyrics", models.ErrValidation, item.ID))
		return st.result()
	}
	var segments []string
	if sess.svc.Segmenter != nil {
		segments = sess.svc.Segmenter.Segments(item.Body, maxSegments)
	} else {
		segments = strings.Split(strings.TrimSpace(item.Body), "\n")
	}
	vars := itemVars(item)
	vars["segments"] = strings.Join(segments, "\n")
	st.complete(ctx, sess, "annotation", sess.svc.Prompts.Render(job.Flavor, vars), item.ID)
	return st.result()
}

func processItem(ctx context.Context, sess *Session, job *models.Job, item *models.Item) UnitResult {
	st := newStages()
	query := strings.TrimSpace(item.Artist + " " + item.Title)
	var snippets []string
	if hits, err := sess.SearchWeb(ctx, query, webResultLimit); err != nil {
		st.failure("web", err)
	} else {
		st.success("web", sess.svc.Web.Name(), hits)
		for _, h := range hits {
			snippets = append(snippets, "- "+h.Title+": "+h.Snippet)
		}
	}
	if ctx.Err() != nil {
		st.failure("summary", ctx.Err())
		return st.result()
	}
	vars := itemVars(item)
	vars["context"] = strings.Join(snippets, "\n")
	st.complete(ctx, sess, "summary", sess.svc.Prompts.Render(job.Flavor, vars), item.ID)
	return st.result()
}
