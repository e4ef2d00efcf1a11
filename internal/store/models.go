package store

import "time"

type StudyStatus string

const (
	StudyDraft            StudyStatus = "DRAFT"
	StudyPendingApproval  StudyStatus = "PENDING_APPROVAL"
	StudyChangesRequested StudyStatus = "CHANGES_REQUESTED"
	StudyApproved         StudyStatus = "APPROVED"
)

// Editable reports whether questions and options of a study in this status may
// still be mutated.
func (s StudyStatus) Editable() bool {
	return s == StudyDraft || s == StudyPendingApproval
}

type ApprovalStatus string

const (
	ApprovalPendingReview    ApprovalStatus = "PENDING_REVIEW"
	ApprovalChangesRequested ApprovalStatus = "CHANGES_REQUESTED"
	ApprovalSignedOff        ApprovalStatus = "SIGNED_OFF"
)

type QuestionType string

const (
	SingleChoice   QuestionType = "SINGLE_CHOICE"
	MultipleChoice QuestionType = "MULTIPLE_CHOICE"
)

type User struct {
	ID          string
	ExternalID  string
	Email       string
	DisplayName string
	OrgID       string
	Role        string
	CreatedAt   time.Time
}

type Campaign struct {
	ID        string
	Name      string
	UserID    string
	CreatedAt time.Time
}

type Study struct {
	ID            string
	Name          string
	CampaignID    string
	Status        StudyStatus
	FunnelStage   string
	PrimaryKPI    string
	SecondaryKPIs []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Question struct {
	ID             string
	StudyID        string
	Text           string
	Type           QuestionType
	KPIAssociation *string
	Order          int
	IsRandomized   bool
	IsMandatory    bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Option struct {
	ID         string
	QuestionID string
	Text       string
	ImageURL   *string
	Order      int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type ApprovalRecord struct {
	StudyID          string
	Status           ApprovalStatus
	RequestedSignOff bool
	SignedOffBy      *string
	SignedOffAt      *time.Time
	Comment          *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// OwnershipChain is the user -> campaign -> study (-> question -> option) path
// for a single resource. QuestionID and OptionID are empty when the chain was
// resolved from a shallower resource.
type OwnershipChain struct {
	OwnerUserID  string
	CampaignID   string
	CampaignName string
	StudyID      string
	StudyStatus  StudyStatus
	QuestionID   string
	OptionID     string
}

// OptionPatch carries only the fields a caller supplied.
type OptionPatch struct {
	Text     *string
	ImageURL **string
	Order    *int
}

func (p OptionPatch) Empty() bool {
	return p.Text == nil && p.ImageURL == nil && p.Order == nil
}

type QuestionPatch struct {
	Text           *string
	Type           *QuestionType
	KPIAssociation **string
	Order          *int
	IsRandomized   *bool
	IsMandatory    *bool
}

func (p QuestionPatch) Empty() bool {
	return p.Text == nil && p.Type == nil && p.KPIAssociation == nil &&
		p.Order == nil && p.IsRandomized == nil && p.IsMandatory == nil
}

const (
	KPIBrandAwareness     = "BRAND_AWARENESS"
	KPIAdRecall           = "AD_RECALL"
	KPIConsideration      = "CONSIDERATION"
	KPIFavorability       = "FAVORABILITY"
	KPIPurchaseIntent     = "PURCHASE_INTENT"
	KPIBrandPreference    = "BRAND_PREFERENCE"
	KPIMessageAssociation = "MESSAGE_ASSOCIATION"
)

// KPIs lists every metric a study or question may be associated with.
var KPIs = []string{
	KPIBrandAwareness,
	KPIAdRecall,
	KPIConsideration,
	KPIFavorability,
	KPIPurchaseIntent,
	KPIBrandPreference,
	KPIMessageAssociation,
}

func IsKPI(value string) bool {
	for _, kpi := range KPIs {
		if kpi == value {
			return true
		}
	}
	return false
}

const (
	FunnelAwareness     = "awareness"
	FunnelConsideration = "consideration"
	FunnelConversion    = "conversion"
)

func IsFunnelStage(value string) bool {
	switch value {
	case FunnelAwareness, FunnelConsideration, FunnelConversion:
		return true
	default:
		return false
	}
}

func (t QuestionType) Valid() bool {
	return t == SingleChoice || t == MultipleChoice
}
