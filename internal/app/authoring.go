package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"brandlift/api/internal/media"
	"brandlift/api/internal/rbac"
	"brandlift/api/internal/store"
)

const (
	maxNameLength     = 200
	maxTextLength     = 500
	maxImageURLLength = 2048
	maxOptions        = 20
)

// Nullable distinguishes an absent JSON field from an explicit null.
type Nullable[T any] struct {
	Set   bool
	Value *T
}

func (n *Nullable[T]) UnmarshalJSON(data []byte) error {
	n.Set = true
	if string(data) == "null" {
		n.Value = nil
		return nil
	}
	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	n.Value = &value
	return nil
}

type StudyInput struct {
	Name          string   `json:"name"`
	FunnelStage   string   `json:"funnelStage"`
	PrimaryKPI    string   `json:"primaryKpi"`
	SecondaryKPIs []string `json:"secondaryKpis"`
}

type OptionInput struct {
	Text     string  `json:"text"`
	ImageURL *string `json:"imageUrl"`
	Order    *int    `json:"order"`
}

type QuestionInput struct {
	Text           string        `json:"text"`
	Type           string        `json:"type"`
	KPIAssociation *string       `json:"kpiAssociation"`
	Order          *int          `json:"order"`
	IsRandomized   bool          `json:"isRandomized"`
	IsMandatory    bool          `json:"isMandatory"`
	Options        []OptionInput `json:"options"`
}

type OptionPatchInput struct {
	Text     *string          `json:"text"`
	ImageURL Nullable[string] `json:"imageUrl"`
	Order    *int             `json:"order"`
}

type QuestionPatchInput struct {
	Text           *string          `json:"text"`
	Type           *string          `json:"type"`
	KPIAssociation Nullable[string] `json:"kpiAssociation"`
	Order          *int             `json:"order"`
	IsRandomized   *bool            `json:"isRandomized"`
	IsMandatory    *bool            `json:"isMandatory"`
}

func (s *Service) CreateCampaign(ctx context.Context, name string, caller Session) (CampaignView, error) {
	name = strings.TrimSpace(name)
	if err := validateName("name", name); err != nil {
		return CampaignView{}, err
	}
	user, err := s.repo.GetUserByExternalID(ctx, caller.ExternalID)
	if err != nil {
		if isNotFound(err) {
			return CampaignView{}, notFoundError("USER_NOT_FOUND", "No account exists for this identity")
		}
		return CampaignView{}, err
	}
	if !rbac.Can(rbac.Normalize(user.Role), rbac.ActionAuthor) {
		return CampaignView{}, domainError(KindForbidden, "FORBIDDEN", "Your role cannot author campaigns", map[string]any{"role": user.Role})
	}
	campaign, err := s.repo.InsertCampaign(ctx, store.Campaign{ID: s.newID(), Name: name, UserID: user.ID})
	if err != nil {
		return CampaignView{}, err
	}
	return campaignView(campaign), nil
}

func (s *Service) CreateStudy(ctx context.Context, campaignID string, input StudyInput, caller Session) (StudyView, error) {
	name := strings.TrimSpace(input.Name)
	if err := validateName("name", name); err != nil {
		return StudyView{}, err
	}
	funnel, primary, secondary, err := normalizeTargeting(input.FunnelStage, input.PrimaryKPI, input.SecondaryKPIs, true)
	if err != nil {
		return StudyView{}, err
	}

	var created store.Study
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		owned, err := resolveOwnership(ctx, tx, ResourceRef{Kind: store.ResourceCampaign, ID: campaignID}, caller)
		if err != nil {
			return err
		}
		created, err = tx.InsertStudy(ctx, store.Study{
			ID:            s.newID(),
			Name:          name,
			CampaignID:    owned.Chain.CampaignID,
			Status:        store.StudyDraft,
			FunnelStage:   funnel,
			PrimaryKPI:    primary,
			SecondaryKPIs: secondary,
		})
		return err
	})
	if err != nil {
		return StudyView{}, err
	}
	return studyView(created), nil
}

// GetStudy returns the study with questions and their options in display
// order.
func (s *Service) GetStudy(ctx context.Context, studyID string, caller Session) (StudyDetail, error) {
	var detail StudyDetail
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		owned, err := resolveReadAccess(ctx, tx, ResourceRef{Kind: store.ResourceStudy, ID: studyID}, caller)
		if err != nil {
			return err
		}
		study, err := tx.GetStudy(ctx, owned.Chain.StudyID)
		if err != nil {
			return err
		}
		questions, err := tx.ListQuestions(ctx, study.ID)
		if err != nil {
			return err
		}
		options, err := tx.ListStudyOptions(ctx, study.ID)
		if err != nil {
			return err
		}
		byQuestion := make(map[string][]store.Option, len(questions))
		for _, option := range options {
			byQuestion[option.QuestionID] = append(byQuestion[option.QuestionID], option)
		}

		detail.Study = studyView(study)
		detail.Questions = make([]QuestionView, 0, len(questions))
		for _, question := range questions {
			detail.Questions = append(detail.Questions, questionView(question, byQuestion[question.ID]))
		}

		record, err := tx.GetApproval(ctx, study.ID)
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return err
		}
		detail.Approval = approvalView(record)
		return nil
	})
	if err != nil {
		return StudyDetail{}, err
	}
	return detail, nil
}

func (s *Service) CreateQuestion(ctx context.Context, studyID string, input QuestionInput, caller Session) (view QuestionView, err error) {
	ctx, span := s.startSpan(ctx, "authoring.CreateQuestion", "study.id", studyID)
	defer func() { finishSpan(span, err) }()

	text := strings.TrimSpace(input.Text)
	if err := validateText("text", text); err != nil {
		return QuestionView{}, err
	}
	questionType := store.QuestionType(strings.ToUpper(strings.TrimSpace(input.Type)))
	if input.Type == "" {
		questionType = store.SingleChoice
	}
	if !questionType.Valid() {
		return QuestionView{}, validationError("type must be SINGLE_CHOICE or MULTIPLE_CHOICE", map[string]any{"field": "type"})
	}
	kpi, err := normalizeKPIAssociation(input.KPIAssociation)
	if err != nil {
		return QuestionView{}, err
	}
	if err := validateOrder(input.Order); err != nil {
		return QuestionView{}, err
	}
	if len(input.Options) > maxOptions {
		return QuestionView{}, validationError("too many options", map[string]any{"field": "options", "max": maxOptions})
	}
	options := make([]OptionInput, 0, len(input.Options))
	for _, option := range input.Options {
		normalized, err := normalizeOptionInput(option)
		if err != nil {
			return QuestionView{}, err
		}
		options = append(options, normalized)
	}

	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		owned, err := resolveOwnership(ctx, tx, ResourceRef{Kind: store.ResourceStudy, ID: studyID}, caller)
		if err != nil {
			return err
		}
		if err := requireEditable(owned.Chain); err != nil {
			return err
		}

		order := 0
		if input.Order != nil {
			order = *input.Order
		} else if order, err = tx.NextQuestionOrder(ctx, owned.Chain.StudyID); err != nil {
			return err
		}
		question, err := tx.InsertQuestion(ctx, store.Question{
			ID:             s.newID(),
			StudyID:        owned.Chain.StudyID,
			Text:           text,
			Type:           questionType,
			KPIAssociation: kpi,
			Order:          order,
			IsRandomized:   input.IsRandomized,
			IsMandatory:    input.IsMandatory,
		})
		if err != nil {
			return orderConflict(err)
		}

		created := make([]store.Option, 0, len(options))
		for i, option := range options {
			optionOrder := i + 1
			if option.Order != nil {
				optionOrder = *option.Order
			}
			inserted, err := tx.InsertOption(ctx, store.Option{
				ID:         s.newID(),
				QuestionID: question.ID,
				Text:       option.Text,
				ImageURL:   option.ImageURL,
				Order:      optionOrder,
			})
			if err != nil {
				return orderConflict(err)
			}
			created = append(created, inserted)
		}
		view = questionView(question, created)
		return nil
	})
	if err != nil {
		return QuestionView{}, err
	}
	return view, nil
}

func (s *Service) UpdateQuestion(ctx context.Context, questionID string, input QuestionPatchInput, caller Session) (view QuestionView, err error) {
	ctx, span := s.startSpan(ctx, "authoring.UpdateQuestion", "question.id", questionID)
	defer func() { finishSpan(span, err) }()

	patch, err := questionPatch(input)
	if err != nil {
		return QuestionView{}, err
	}

	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		owned, err := resolveOwnership(ctx, tx, ResourceRef{Kind: store.ResourceQuestion, ID: questionID}, caller)
		if err != nil {
			return err
		}
		if err := requireEditable(owned.Chain); err != nil {
			return err
		}
		question, err := tx.UpdateQuestion(ctx, owned.Chain.QuestionID, patch)
		if err != nil {
			if isNotFound(err) {
				return notFoundError("QUESTION_NOT_FOUND", "question not found")
			}
			return orderConflict(err)
		}
		options, err := tx.ListStudyOptions(ctx, question.StudyID)
		if err != nil {
			return err
		}
		view = questionView(question, optionsOf(options, question.ID))
		return nil
	})
	if err != nil {
		return QuestionView{}, err
	}
	return view, nil
}

// DeleteQuestion removes a question and, through the foreign key, its options.
func (s *Service) DeleteQuestion(ctx context.Context, questionID string, caller Session) (err error) {
	ctx, span := s.startSpan(ctx, "authoring.DeleteQuestion", "question.id", questionID)
	defer func() { finishSpan(span, err) }()

	return s.repo.WithinTx(ctx, func(tx store.Tx) error {
		owned, err := resolveOwnership(ctx, tx, ResourceRef{Kind: store.ResourceQuestion, ID: questionID}, caller)
		if err != nil {
			return err
		}
		if err := requireEditable(owned.Chain); err != nil {
			return err
		}
		if err := tx.DeleteQuestion(ctx, owned.Chain.QuestionID); err != nil {
			if isNotFound(err) {
				return notFoundError("QUESTION_NOT_FOUND", "question not found")
			}
			return err
		}
		return nil
	})
}

func (s *Service) CreateOption(ctx context.Context, questionID string, input OptionInput, caller Session) (view OptionView, err error) {
	ctx, span := s.startSpan(ctx, "authoring.CreateOption", "question.id", questionID)
	defer func() { finishSpan(span, err) }()

	option, err := normalizeOptionInput(input)
	if err != nil {
		return OptionView{}, err
	}

	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		owned, err := resolveOwnership(ctx, tx, ResourceRef{Kind: store.ResourceQuestion, ID: questionID}, caller)
		if err != nil {
			return err
		}
		if err := requireEditable(owned.Chain); err != nil {
			return err
		}
		if _, err := tx.LockQuestion(ctx, owned.Chain.QuestionID); err != nil {
			if isNotFound(err) {
				return notFoundError("QUESTION_NOT_FOUND", "question not found")
			}
			return err
		}
		existing, err := tx.ListStudyOptions(ctx, owned.Chain.StudyID)
		if err != nil {
			return err
		}
		if len(optionsOf(existing, owned.Chain.QuestionID)) >= maxOptions {
			return validationError("question already has the maximum number of options", map[string]any{"max": maxOptions})
		}

		order := 0
		if option.Order != nil {
			order = *option.Order
		} else if order, err = tx.NextOptionOrder(ctx, owned.Chain.QuestionID); err != nil {
			return err
		}
		created, err := tx.InsertOption(ctx, store.Option{
			ID:         s.newID(),
			QuestionID: owned.Chain.QuestionID,
			Text:       option.Text,
			ImageURL:   option.ImageURL,
			Order:      order,
		})
		if err != nil {
			return orderConflict(err)
		}
		view = optionView(created)
		return nil
	})
	if err != nil {
		return OptionView{}, err
	}
	return view, nil
}

// UpdateOption applies the supplied fields while the study is editable. A
// row deleted between the ownership read and the write is NotFound.
func (s *Service) UpdateOption(ctx context.Context, optionID string, input OptionPatchInput, caller Session) (view OptionView, err error) {
	ctx, span := s.startSpan(ctx, "authoring.UpdateOption", "option.id", optionID)
	defer func() { finishSpan(span, err) }()

	patch, err := optionPatch(input)
	if err != nil {
		return OptionView{}, err
	}

	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		owned, err := resolveOwnership(ctx, tx, ResourceRef{Kind: store.ResourceOption, ID: optionID}, caller)
		if err != nil {
			return err
		}
		if err := requireEditable(owned.Chain); err != nil {
			return err
		}
		updated, err := tx.UpdateOption(ctx, owned.Chain.OptionID, patch)
		if err != nil {
			if isNotFound(err) {
				return notFoundError("OPTION_NOT_FOUND", "option not found")
			}
			return orderConflict(err)
		}
		view = optionView(updated)
		return nil
	})
	if err != nil {
		return OptionView{}, err
	}
	return view, nil
}

func (s *Service) DeleteOption(ctx context.Context, optionID string, caller Session) (err error) {
	ctx, span := s.startSpan(ctx, "authoring.DeleteOption", "option.id", optionID)
	defer func() { finishSpan(span, err) }()

	return s.repo.WithinTx(ctx, func(tx store.Tx) error {
		owned, err := resolveOwnership(ctx, tx, ResourceRef{Kind: store.ResourceOption, ID: optionID}, caller)
		if err != nil {
			return err
		}
		if err := requireEditable(owned.Chain); err != nil {
			return err
		}
		if err := tx.DeleteOption(ctx, owned.Chain.OptionID); err != nil {
			if isNotFound(err) {
				return notFoundError("OPTION_NOT_FOUND", "option not found")
			}
			return err
		}
		return nil
	})
}

// UploadOptionImage stores the image outside any transaction, then re-checks
// ownership and editability before pointing the option at it.
func (s *Service) UploadOptionImage(ctx context.Context, optionID, contentType string, body io.Reader, size int64, caller Session) (view OptionView, err error) {
	ctx, span := s.startSpan(ctx, "authoring.UploadOptionImage", "option.id", optionID)
	defer func() { finishSpan(span, err) }()

	if s.media == nil {
		return OptionView{}, domainError(KindUnavailable, "MEDIA_UNAVAILABLE", "Image storage is not configured", nil)
	}

	check := func(tx store.Tx) (Ownership, error) {
		owned, err := resolveOwnership(ctx, tx, ResourceRef{Kind: store.ResourceOption, ID: optionID}, caller)
		if err != nil {
			return Ownership{}, err
		}
		return owned, requireEditable(owned.Chain)
	}
	if err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		_, err := check(tx)
		return err
	}); err != nil {
		return OptionView{}, err
	}

	imageURL, err := s.media.PutOptionImage(ctx, optionID, contentType, body, size)
	if err != nil {
		switch {
		case errors.Is(err, media.ErrUnsupportedType), errors.Is(err, media.ErrTooLarge), errors.Is(err, media.ErrEmpty):
			return OptionView{}, validationError(err.Error(), map[string]any{"field": "image", "maxBytes": media.MaxImageBytes})
		default:
			return OptionView{}, err
		}
	}

	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		owned, err := check(tx)
		if err != nil {
			return err
		}
		stored := &imageURL
		updated, err := tx.UpdateOption(ctx, owned.Chain.OptionID, store.OptionPatch{ImageURL: &stored})
		if err != nil {
			if isNotFound(err) {
				return notFoundError("OPTION_NOT_FOUND", "option not found")
			}
			return err
		}
		view = optionView(updated)
		return nil
	})
	if err != nil {
		return OptionView{}, err
	}
	return view, nil
}

func (s *Service) startSpan(ctx context.Context, name, key, id string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attribute.String(key, id)))
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func orderConflict(err error) error {
	if errors.Is(err, store.ErrUniqueViolation) {
		return domainError(KindConflict, "ORDER_TAKEN", "Another sibling already uses this order", nil)
	}
	return err
}

func optionsOf(options []store.Option, questionID string) []store.Option {
	out := make([]store.Option, 0)
	for _, option := range options {
		if option.QuestionID == questionID {
			out = append(out, option)
		}
	}
	return out
}

func validateName(field, value string) error {
	if value == "" {
		return validationError(field+" is required", map[string]any{"field": field})
	}
	if len(value) > maxNameLength {
		return validationError(field+" is too long", map[string]any{"field": field, "max": maxNameLength})
	}
	return nil
}

func validateText(field, value string) error {
	if value == "" {
		return validationError(field+" is required", map[string]any{"field": field})
	}
	if len(value) > maxTextLength {
		return validationError(field+" is too long", map[string]any{"field": field, "max": maxTextLength})
	}
	return nil
}

func validateOrder(order *int) error {
	if order != nil && *order < 1 {
		return validationError("order must be at least 1", map[string]any{"field": "order"})
	}
	return nil
}

func normalizeImageURL(raw *string) (*string, error) {
	if raw == nil {
		return nil, nil
	}
	value := strings.TrimSpace(*raw)
	if value == "" {
		return nil, nil
	}
	if len(value) > maxImageURLLength {
		return nil, validationError("imageUrl is too long", map[string]any{"field": "imageUrl", "max": maxImageURLLength})
	}
	parsed, err := url.Parse(value)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, validationError("imageUrl must be an absolute http(s) URL", map[string]any{"field": "imageUrl"})
	}
	return &value, nil
}

func normalizeKPIAssociation(raw *string) (*string, error) {
	if raw == nil {
		return nil, nil
	}
	value := strings.ToUpper(strings.TrimSpace(*raw))
	if value == "" {
		return nil, nil
	}
	if !store.IsKPI(value) {
		return nil, validationError("unknown kpiAssociation", map[string]any{"field": "kpiAssociation", "allowed": store.KPIs})
	}
	return &value, nil
}

func normalizeOptionInput(input OptionInput) (OptionInput, error) {
	input.Text = strings.TrimSpace(input.Text)
	if err := validateText("text", input.Text); err != nil {
		return OptionInput{}, err
	}
	if err := validateOrder(input.Order); err != nil {
		return OptionInput{}, err
	}
	imageURL, err := normalizeImageURL(input.ImageURL)
	if err != nil {
		return OptionInput{}, err
	}
	input.ImageURL = imageURL
	return input, nil
}

func optionPatch(input OptionPatchInput) (store.OptionPatch, error) {
	var patch store.OptionPatch
	if input.Text != nil {
		text := strings.TrimSpace(*input.Text)
		if err := validateText("text", text); err != nil {
			return store.OptionPatch{}, err
		}
		patch.Text = &text
	}
	if input.ImageURL.Set {
		imageURL, err := normalizeImageURL(input.ImageURL.Value)
		if err != nil {
			return store.OptionPatch{}, err
		}
		patch.ImageURL = &imageURL
	}
	if input.Order != nil {
		if err := validateOrder(input.Order); err != nil {
			return store.OptionPatch{}, err
		}
		patch.Order = input.Order
	}
	if patch.Empty() {
		return store.OptionPatch{}, validationError("no fields to update", map[string]any{"fields": []string{"text", "imageUrl", "order"}})
	}
	return patch, nil
}

func questionPatch(input QuestionPatchInput) (store.QuestionPatch, error) {
	var patch store.QuestionPatch
	if input.Text != nil {
		text := strings.TrimSpace(*input.Text)
		if err := validateText("text", text); err != nil {
			return store.QuestionPatch{}, err
		}
		patch.Text = &text
	}
	if input.Type != nil {
		questionType := store.QuestionType(strings.ToUpper(strings.TrimSpace(*input.Type)))
		if !questionType.Valid() {
			return store.QuestionPatch{}, validationError("type must be SINGLE_CHOICE or MULTIPLE_CHOICE", map[string]any{"field": "type"})
		}
		patch.Type = &questionType
	}
	if input.KPIAssociation.Set {
		kpi, err := normalizeKPIAssociation(input.KPIAssociation.Value)
		if err != nil {
			return store.QuestionPatch{}, err
		}
		patch.KPIAssociation = &kpi
	}
	if input.Order != nil {
		if err := validateOrder(input.Order); err != nil {
			return store.QuestionPatch{}, err
		}
		patch.Order = input.Order
	}
	patch.IsRandomized = input.IsRandomized
	patch.IsMandatory = input.IsMandatory
	if patch.Empty() {
		return store.QuestionPatch{}, validationError("no fields to update", nil)
	}
	return patch, nil
}

// normalizeTargeting canonicalizes funnel stage and KPI casing. When
// required is false, empty values pass through untouched.
func normalizeTargeting(funnelStage, primaryKPI string, secondaryKPIs []string, required bool) (string, string, []string, error) {
	funnel := strings.ToLower(strings.TrimSpace(funnelStage))
	if funnel != "" || required {
		if !store.IsFunnelStage(funnel) {
			return "", "", nil, validationError("unknown funnelStage", map[string]any{
				"field":   "funnelStage",
				"allowed": []string{store.FunnelAwareness, store.FunnelConsideration, store.FunnelConversion},
			})
		}
	}
	primary := strings.ToUpper(strings.TrimSpace(primaryKPI))
	if primary != "" || required {
		if !store.IsKPI(primary) {
			return "", "", nil, validationError("unknown primaryKpi", map[string]any{"field": "primaryKpi", "allowed": store.KPIs})
		}
	}
	secondary := make([]string, 0, len(secondaryKPIs))
	seen := map[string]bool{primary: true}
	for _, raw := range secondaryKPIs {
		kpi := strings.ToUpper(strings.TrimSpace(raw))
		if !store.IsKPI(kpi) {
			return "", "", nil, validationError("unknown secondaryKpis entry", map[string]any{"field": "secondaryKpis", "value": raw})
		}
		if seen[kpi] {
			continue
		}
		seen[kpi] = true
		secondary = append(secondary, kpi)
	}
	return funnel, primary, secondary, nil
}
