package app

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"brandlift/api/internal/notify"
	"brandlift/api/internal/rbac"
	"brandlift/api/internal/store"
)

const maxCommentLength = 2000

// transition moves a study and its approval record together. record builds
// the full approval row written for the new state.
type transition struct {
	name   string
	from   []store.StudyStatus
	to     store.StudyStatus
	record func(studyID string, actor store.User, now time.Time, comment string) store.ApprovalRecord
	notify func(n Notifier, ctx context.Context, event notify.StudyEvent)
}

var (
	requestReviewTransition = transition{
		name: "RequestReview",
		from: []store.StudyStatus{store.StudyDraft, store.StudyChangesRequested},
		to:   store.StudyPendingApproval,
		record: func(studyID string, _ store.User, _ time.Time, _ string) store.ApprovalRecord {
			return store.ApprovalRecord{
				StudyID:          studyID,
				Status:           store.ApprovalPendingReview,
				RequestedSignOff: false,
			}
		},
		notify: Notifier.ReviewRequested,
	}

	signOffTransition = transition{
		name: "SignOff",
		from: []store.StudyStatus{store.StudyPendingApproval},
		to:   store.StudyApproved,
		record: func(studyID string, actor store.User, now time.Time, _ string) store.ApprovalRecord {
			name := displayName(actor)
			return store.ApprovalRecord{
				StudyID:          studyID,
				Status:           store.ApprovalSignedOff,
				RequestedSignOff: true,
				SignedOffBy:      &name,
				SignedOffAt:      &now,
			}
		},
		notify: Notifier.SignedOff,
	}

	requestChangesTransition = transition{
		name: "RequestChanges",
		from: []store.StudyStatus{store.StudyPendingApproval},
		to:   store.StudyChangesRequested,
		record: func(studyID string, _ store.User, _ time.Time, comment string) store.ApprovalRecord {
			record := store.ApprovalRecord{
				StudyID: studyID,
				Status:  store.ApprovalChangesRequested,
			}
			if comment != "" {
				record.Comment = &comment
			}
			return record
		},
		notify: Notifier.ChangesRequested,
	}
)

func (t transition) allows(status store.StudyStatus) bool {
	for _, from := range t.from {
		if from == status {
			return true
		}
	}
	return false
}

// RequestReview submits a DRAFT or CHANGES_REQUESTED study for approval and
// resets the approval record to a fresh review round.
func (s *Service) RequestReview(ctx context.Context, studyID string, caller Session) (ApprovalState, error) {
	return s.applyTransition(ctx, requestReviewTransition, studyID, "", caller)
}

func (s *Service) SignOff(ctx context.Context, studyID string, caller Session) (ApprovalState, error) {
	return s.applyTransition(ctx, signOffTransition, studyID, "", caller)
}

func (s *Service) RequestChanges(ctx context.Context, studyID, comment string, caller Session) (ApprovalState, error) {
	comment = strings.TrimSpace(comment)
	if len(comment) > maxCommentLength {
		return ApprovalState{}, validationError("comment is too long", map[string]any{"max": maxCommentLength})
	}
	return s.applyTransition(ctx, requestChangesTransition, studyID, comment, caller)
}

func (s *Service) GetApproval(ctx context.Context, studyID string, caller Session) (ApprovalState, error) {
	var state ApprovalState
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		owned, err := resolveReadAccess(ctx, tx, ResourceRef{Kind: store.ResourceStudy, ID: studyID}, caller)
		if err != nil {
			return err
		}
		study, err := tx.GetStudy(ctx, owned.Chain.StudyID)
		if err != nil {
			return err
		}
		state.Study = studyView(study)
		record, err := tx.GetApproval(ctx, study.ID)
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return err
		}
		state.Approval = approvalView(record)
		return nil
	})
	if err != nil {
		return ApprovalState{}, err
	}
	return state, nil
}

func (s *Service) applyTransition(ctx context.Context, t transition, studyID, comment string, caller Session) (ApprovalState, error) {
	ctx, span := s.tracer.Start(ctx, "approval."+t.name, trace.WithAttributes(
		attribute.String("study.id", studyID),
		attribute.String("study.to", string(t.to)),
	))
	defer span.End()

	var (
		state ApprovalState
		owned Ownership
	)
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		// Take the row lock before the guard's share lock so two
		// transitions on one study serialize instead of deadlocking.
		current, err := tx.LockStudy(ctx, studyID)
		if err != nil {
			if isNotFound(err) {
				return notFoundError("STUDY_NOT_FOUND", "study not found")
			}
			return err
		}
		owned, err = resolveOwnership(ctx, tx, ResourceRef{Kind: store.ResourceStudy, ID: current.ID}, caller)
		if err != nil {
			return err
		}
		if !t.allows(current.Status) {
			return domainError(KindConflict, "INVALID_TRANSITION", "Cannot "+humanize(t.name)+" a study that is "+string(current.Status), map[string]any{
				"status":  current.Status,
				"allowed": t.from,
			})
		}

		study, err := tx.UpdateStudyStatus(ctx, current.ID, t.to)
		if err != nil {
			return err
		}
		record, err := tx.UpsertApproval(ctx, t.record(current.ID, owned.User, s.now(), comment))
		if err != nil {
			return err
		}
		state = ApprovalState{Study: studyView(study), Approval: approvalView(record)}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ApprovalState{}, err
	}

	s.logger.Info("study transitioned",
		zap.String("study_id", state.Study.ID),
		zap.String("transition", t.name),
		zap.String("status", string(state.Study.Status)),
		zap.String("actor_id", owned.User.ID),
	)
	s.notifyTransition(ctx, t, state, owned, comment)
	return state, nil
}

// notifyTransition runs after commit. Nothing it does can fail the request.
func (s *Service) notifyTransition(ctx context.Context, t transition, state ApprovalState, owned Ownership, comment string) {
	if s.notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("notification dispatch panicked",
				zap.String("transition", t.name),
				zap.String("study_id", state.Study.ID),
				zap.Any("panic", r),
			)
		}
	}()

	recipients, err := s.recipients(ctx, owned)
	if err != nil {
		s.logger.Warn("resolve notification recipients", zap.String("study_id", state.Study.ID), zap.Error(err))
		return
	}
	t.notify(s.notifier, ctx, notify.StudyEvent{
		Recipients:   recipients,
		StudyID:      state.Study.ID,
		StudyName:    state.Study.Name,
		CampaignName: owned.Chain.CampaignName,
		ActorName:    displayName(owned.User),
		Comment:      comment,
	})
}

// recipients are the org members who may approve, minus whoever triggered the
// transition. Transitions are owner-only, so every transition mails the
// review audience; they can open the study through resolveReadAccess.
func (s *Service) recipients(ctx context.Context, owned Ownership) ([]notify.Recipient, error) {
	users, err := s.repo.ListOrgUsers(ctx, owned.User.OrgID)
	if err != nil {
		return nil, err
	}
	out := make([]notify.Recipient, 0, len(users))
	for _, user := range users {
		if user.ID == owned.User.ID {
			continue
		}
		if !rbac.Can(rbac.Normalize(user.Role), rbac.ActionApprove) {
			continue
		}
		out = append(out, notify.Recipient{Name: user.DisplayName, Email: user.Email})
	}
	return out, nil
}

func displayName(user store.User) string {
	if name := strings.TrimSpace(user.DisplayName); name != "" {
		return name
	}
	return user.Email
}

func humanize(name string) string {
	switch name {
	case "RequestReview":
		return "request review of"
	case "SignOff":
		return "sign off"
	case "RequestChanges":
		return "request changes on"
	default:
		return strings.ToLower(name)
	}
}
