package app

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"brandlift/api/internal/auth"
	"brandlift/api/internal/notify"
	"brandlift/api/internal/store"
	"brandlift/api/internal/suggest"
)

// Session is the verified caller. ExternalID is the identity provider's
// subject; it is resolved to an internal user on every request.
type Session struct {
	ExternalID string
	Name       string
	Email      string
}

// repository is the persistence surface the service needs. store.PostgresStore
// satisfies it.
type repository interface {
	store.Tx
	WithinTx(ctx context.Context, fn func(store.Tx) error) error
	Ping(ctx context.Context) error
}

type Notifier interface {
	ReviewRequested(ctx context.Context, event notify.StudyEvent)
	SignedOff(ctx context.Context, event notify.StudyEvent)
	ChangesRequested(ctx context.Context, event notify.StudyEvent)
}

type Suggester interface {
	Suggest(ctx context.Context, c suggest.Context) []suggest.Question
}

type MediaStore interface {
	PutOptionImage(ctx context.Context, optionID, contentType string, body io.Reader, size int64) (string, error)
}

type TokenConfig struct {
	Secret []byte
	Issuer string
}

type Service struct {
	repo      repository
	notifier  Notifier
	suggester Suggester
	media     MediaStore
	tokens    TokenConfig
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
	newID     func() string
}

// New wires the service. media may be nil, in which case image uploads
// report the feature as unavailable; a nil suggester falls back to the
// catalog alone.
func New(repo repository, notifier Notifier, suggester Suggester, media MediaStore, tokens TokenConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if suggester == nil {
		suggester = suggest.NewService(nil, nil, 0, 0, logger)
	}
	return &Service{
		repo:      repo,
		notifier:  notifier,
		suggester: suggester,
		media:     media,
		tokens:    tokens,
		logger:    logger,
		tracer:    otel.Tracer("brandlift/api/internal/app"),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken(s.tokens.Secret, s.tokens.Issuer, token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		ExternalID: claims.Subject,
		Name:       claims.Name,
		Email:      claims.Email,
	}, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// SuggestOverrides replaces the study's own targeting for one suggestion call.
type SuggestOverrides struct {
	FunnelStage   *string  `json:"funnelStage"`
	PrimaryKPI    *string  `json:"primaryKpi"`
	SecondaryKPIs []string `json:"secondaryKpis"`
}

func (s *Service) SuggestQuestions(ctx context.Context, studyID string, overrides SuggestOverrides, caller Session) ([]suggest.Question, error) {
	var input suggest.Context
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		owned, err := resolveOwnership(ctx, tx, ResourceRef{Kind: store.ResourceStudy, ID: studyID}, caller)
		if err != nil {
			return err
		}
		study, err := tx.GetStudy(ctx, owned.Chain.StudyID)
		if err != nil {
			return err
		}
		input = suggest.Context{
			FunnelStage:   study.FunnelStage,
			PrimaryKPI:    study.PrimaryKPI,
			SecondaryKPIs: study.SecondaryKPIs,
			CampaignName:  owned.Chain.CampaignName,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if overrides.FunnelStage != nil {
		input.FunnelStage = *overrides.FunnelStage
	}
	if overrides.PrimaryKPI != nil {
		input.PrimaryKPI = *overrides.PrimaryKPI
	}
	if overrides.SecondaryKPIs != nil {
		input.SecondaryKPIs = overrides.SecondaryKPIs
	}
	funnel, primary, secondary, err := normalizeTargeting(input.FunnelStage, input.PrimaryKPI, input.SecondaryKPIs, false)
	if err != nil {
		return nil, err
	}
	input.FunnelStage, input.PrimaryKPI, input.SecondaryKPIs = funnel, primary, secondary

	questions := s.suggester.Suggest(ctx, input)
	if questions == nil {
		questions = []suggest.Question{}
	}
	return questions, nil
}

// isNotFound reports whether err means a row was absent.
func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
