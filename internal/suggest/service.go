package suggest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"brandlift/api/internal/store"
)

const (
	maxSuggestions = 10
	maxOptions     = 20
)

// Service merges backend output with the catalog baseline. It never returns
// an error: a slow or failing backend degrades to the baseline.
type Service struct {
	backend Backend
	cache   Cache
	timeout time.Duration
	ttl     time.Duration
	logger  *zap.Logger
}

// NewService accepts a nil backend or cache; either is then skipped.
func NewService(backend Backend, cache Cache, timeout, ttl time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{
		backend: backend,
		cache:   cache,
		timeout: timeout,
		ttl:     ttl,
		logger:  logger.Named("suggest"),
	}
}

func (s *Service) Suggest(ctx context.Context, c Context) []Question {
	baseline := Baseline(c)
	if s.backend == nil {
		return limit(baseline, c.PrimaryKPI)
	}

	key := cacheKey(c)
	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			s.logger.Warn("suggestion cache read failed", zap.Error(err))
		} else if ok {
			return cached
		}
	}

	generated, err := s.generate(ctx, c)
	if err != nil {
		s.logger.Warn("suggestion backend failed; using catalog", zap.Error(err))
		return limit(baseline, c.PrimaryKPI)
	}

	merged := limit(merge(sanitize(generated), baseline), c.PrimaryKPI)
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, merged, s.ttl); err != nil {
			s.logger.Warn("suggestion cache write failed", zap.Error(err))
		}
	}
	return merged
}

func (s *Service) generate(ctx context.Context, c Context) ([]Question, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type result struct {
		questions []Question
		err       error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: panicError{value: r}}
			}
		}()
		q, err := s.backend.Generate(callCtx, c)
		done <- result{questions: q, err: err}
	}()

	select {
	case r := <-done:
		return r.questions, r.err
	case <-callCtx.Done():
		return nil, callCtx.Err()
	}
}

type panicError struct{ value any }

func (e panicError) Error() string { return fmt.Sprintf("suggestion backend panicked: %v", e.value) }

// sanitize drops drafts the authoring API would reject and clears KPI
// associations outside the known set.
func sanitize(in []Question) []Question {
	out := make([]Question, 0, len(in))
	for _, q := range in {
		q.Text = strings.TrimSpace(q.Text)
		if q.Text == "" || len(q.Text) > 500 {
			continue
		}
		q.Type = strings.ToUpper(strings.TrimSpace(q.Type))
		if !store.QuestionType(q.Type).Valid() {
			q.Type = string(store.SingleChoice)
		}
		q.KPIAssociation = strings.ToUpper(strings.TrimSpace(q.KPIAssociation))
		if !store.IsKPI(q.KPIAssociation) {
			q.KPIAssociation = ""
		}

		options := make([]string, 0, len(q.Options))
		seen := make(map[string]bool, len(q.Options))
		for _, option := range q.Options {
			option = strings.TrimSpace(option)
			norm := normalize(option)
			if option == "" || seen[norm] {
				continue
			}
			seen[norm] = true
			options = append(options, option)
			if len(options) == maxOptions {
				break
			}
		}
		if len(options) < 2 {
			continue
		}
		q.Options = options
		out = append(out, q)
	}
	return out
}

func merge(lists ...[]Question) []Question {
	seen := make(map[string]bool)
	out := make([]Question, 0)
	for _, list := range lists {
		for _, q := range list {
			norm := normalize(q.Text)
			if seen[norm] {
				continue
			}
			seen[norm] = true
			out = append(out, q)
		}
	}
	return out
}

// limit caps the list and keeps at least one question for the primary KPI
// when the catalog has one.
func limit(questions []Question, primaryKPI string) []Question {
	primaryKPI = strings.ToUpper(strings.TrimSpace(primaryKPI))
	if len(questions) > maxSuggestions {
		capped := append([]Question(nil), questions[:maxSuggestions]...)
		if store.IsKPI(primaryKPI) && !hasKPI(capped, primaryKPI) {
			for _, q := range questions[maxSuggestions:] {
				if q.KPIAssociation == primaryKPI {
					capped[len(capped)-1] = q
					break
				}
			}
		}
		questions = capped
	}
	return questions
}

func hasKPI(questions []Question, kpi string) bool {
	for _, q := range questions {
		if q.KPIAssociation == kpi {
			return true
		}
	}
	return false
}

func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
