package app

import (
	"context"
	"fmt"

	"brandlift/api/internal/rbac"
	"brandlift/api/internal/store"
)

type Decision int

const (
	Authorized Decision = iota
	Forbidden
	NotFound
)

func (d Decision) String() string {
	switch d {
	case Authorized:
		return "authorized"
	case Forbidden:
		return "forbidden"
	case NotFound:
		return "not_found"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

type ResourceRef struct {
	Kind store.ResourceKind
	ID   string
}

// Ownership is what a successful authorization learned on the way: the
// caller's internal user and the chain from campaign down to the resource.
type Ownership struct {
	User  store.User
	Chain store.OwnershipChain
}

// authorize walks caller -> campaign -> study (-> question -> option). A
// caller without an internal user record gets NotFound, not Forbidden.
func authorize(ctx context.Context, tx store.Tx, ref ResourceRef, caller Session) (Decision, Ownership, error) {
	if caller.ExternalID == "" {
		return NotFound, Ownership{}, nil
	}
	user, err := tx.GetUserByExternalID(ctx, caller.ExternalID)
	if err != nil {
		if isNotFound(err) {
			return NotFound, Ownership{}, nil
		}
		return NotFound, Ownership{}, fmt.Errorf("load caller: %w", err)
	}

	chain, err := tx.ResolveChain(ctx, ref.Kind, ref.ID)
	if err != nil {
		if isNotFound(err) {
			return NotFound, Ownership{User: user}, nil
		}
		return NotFound, Ownership{User: user}, err
	}

	owned := Ownership{User: user, Chain: chain}
	if chain.OwnerUserID != user.ID {
		return Forbidden, owned, nil
	}
	return Authorized, owned, nil
}

// resolveOwnership is the entry check of every mutation: it turns a
// non-authorized decision into the matching DomainError.
func resolveOwnership(ctx context.Context, tx store.Tx, ref ResourceRef, caller Session) (Ownership, error) {
	decision, owned, err := authorize(ctx, tx, ref, caller)
	if err != nil {
		return Ownership{}, err
	}
	return decide(decision, owned, ref)
}

// resolveReadAccess is resolveOwnership for reads, widened to members of the
// owner's org whose role may approve. Reviewers follow notification links
// to studies they do not own.
func resolveReadAccess(ctx context.Context, tx store.Tx, ref ResourceRef, caller Session) (Ownership, error) {
	decision, owned, err := authorize(ctx, tx, ref, caller)
	if err != nil {
		return Ownership{}, err
	}
	if decision == Forbidden && rbac.Can(rbac.Normalize(owned.User.Role), rbac.ActionApprove) {
		owner, err := tx.GetUserByID(ctx, owned.Chain.OwnerUserID)
		if err != nil && !isNotFound(err) {
			return Ownership{}, fmt.Errorf("load owner: %w", err)
		}
		if err == nil && owner.OrgID != "" && owner.OrgID == owned.User.OrgID {
			decision = Authorized
		}
	}
	return decide(decision, owned, ref)
}

func decide(decision Decision, owned Ownership, ref ResourceRef) (Ownership, error) {
	switch decision {
	case Authorized:
		return owned, nil
	case Forbidden:
		return Ownership{}, domainError(KindForbidden, "FORBIDDEN", "You do not own this "+string(ref.Kind), nil)
	default:
		if owned.User.ID == "" {
			return Ownership{}, notFoundError("USER_NOT_FOUND", "No account exists for this identity")
		}
		return Ownership{}, notFoundError(notFoundCode(ref.Kind), string(ref.Kind)+" not found")
	}
}

func notFoundCode(kind store.ResourceKind) string {
	switch kind {
	case store.ResourceCampaign:
		return "CAMPAIGN_NOT_FOUND"
	case store.ResourceStudy:
		return "STUDY_NOT_FOUND"
	case store.ResourceQuestion:
		return "QUESTION_NOT_FOUND"
	case store.ResourceOption:
		return "OPTION_NOT_FOUND"
	default:
		return "NOT_FOUND"
	}
}

// requireEditable rejects content mutations outside the editability window.
func requireEditable(chain store.OwnershipChain) error {
	if chain.StudyStatus.Editable() {
		return nil
	}
	return domainError(KindForbidden, "STUDY_LOCKED", "Study content cannot change while it is "+string(chain.StudyStatus), map[string]any{
		"studyId": chain.StudyID,
		"status":  chain.StudyStatus,
	})
}
