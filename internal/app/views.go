package app

import (
	"time"

	"brandlift/api/internal/store"
)

type CampaignView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

type StudyView struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	CampaignID    string            `json:"campaignId"`
	Status        store.StudyStatus `json:"status"`
	FunnelStage   string            `json:"funnelStage"`
	PrimaryKPI    string            `json:"primaryKpi"`
	SecondaryKPIs []string          `json:"secondaryKpis"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

type QuestionView struct {
	ID             string             `json:"id"`
	StudyID        string             `json:"studyId"`
	Text           string             `json:"text"`
	Type           store.QuestionType `json:"type"`
	KPIAssociation *string            `json:"kpiAssociation"`
	Order          int                `json:"order"`
	IsRandomized   bool               `json:"isRandomized"`
	IsMandatory    bool               `json:"isMandatory"`
	Options        []OptionView       `json:"options"`
}

type OptionView struct {
	ID         string  `json:"id"`
	QuestionID string  `json:"questionId"`
	Text       string  `json:"text"`
	ImageURL   *string `json:"imageUrl"`
	Order      int     `json:"order"`
}

type ApprovalView struct {
	StudyID          string               `json:"studyId"`
	Status           store.ApprovalStatus `json:"status"`
	RequestedSignOff bool                 `json:"requestedSignOff"`
	SignedOffBy      *string              `json:"signedOffBy"`
	SignedOffAt      *time.Time           `json:"signedOffAt"`
	Comment          *string              `json:"comment"`
	UpdatedAt        time.Time            `json:"updatedAt"`
}

// StudyDetail is a study with its full survey content.
type StudyDetail struct {
	Study     StudyView      `json:"study"`
	Questions []QuestionView `json:"questions"`
	Approval  *ApprovalView  `json:"approval"`
}

// ApprovalState pairs a study with its approval record, which is nil until
// review has been requested once.
type ApprovalState struct {
	Study    StudyView     `json:"study"`
	Approval *ApprovalView `json:"approval"`
}

func campaignView(c store.Campaign) CampaignView {
	return CampaignView{ID: c.ID, Name: c.Name, UserID: c.UserID, CreatedAt: c.CreatedAt}
}

func studyView(s store.Study) StudyView {
	secondary := s.SecondaryKPIs
	if secondary == nil {
		secondary = []string{}
	}
	return StudyView{
		ID:            s.ID,
		Name:          s.Name,
		CampaignID:    s.CampaignID,
		Status:        s.Status,
		FunnelStage:   s.FunnelStage,
		PrimaryKPI:    s.PrimaryKPI,
		SecondaryKPIs: secondary,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

func questionView(q store.Question, options []store.Option) QuestionView {
	views := make([]OptionView, 0, len(options))
	for _, option := range options {
		views = append(views, optionView(option))
	}
	return QuestionView{
		ID:             q.ID,
		StudyID:        q.StudyID,
		Text:           q.Text,
		Type:           q.Type,
		KPIAssociation: q.KPIAssociation,
		Order:          q.Order,
		IsRandomized:   q.IsRandomized,
		IsMandatory:    q.IsMandatory,
		Options:        views,
	}
}

func optionView(o store.Option) OptionView {
	return OptionView{ID: o.ID, QuestionID: o.QuestionID, Text: o.Text, ImageURL: o.ImageURL, Order: o.Order}
}

func approvalView(a store.ApprovalRecord) *ApprovalView {
	return &ApprovalView{
		StudyID:          a.StudyID,
		Status:           a.Status,
		RequestedSignOff: a.RequestedSignOff,
		SignedOffBy:      a.SignedOffBy,
		SignedOffAt:      a.SignedOffAt,
		Comment:          a.Comment,
		UpdatedAt:        a.UpdatedAt,
	}
}
