package app

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"brandlift/api/internal/notify"
	"brandlift/api/internal/store"
	"brandlift/api/internal/suggest"
)

// memState is one consistent view of the data. Transactions run against a
// clone and replace the committed state only on success.
type memState struct {
	users     map[string]store.User
	campaigns map[string]store.Campaign
	studies   map[string]store.Study
	approvals map[string]store.ApprovalRecord
	questions map[string]store.Question
	options   map[string]store.Option

	upsertApprovalErr error
	now               time.Time
}

func newMemState() *memState {
	return &memState{
		users:     map[string]store.User{},
		campaigns: map[string]store.Campaign{},
		studies:   map[string]store.Study{},
		approvals: map[string]store.ApprovalRecord{},
		questions: map[string]store.Question{},
		options:   map[string]store.Option{},
		now:       time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (m *memState) clone() *memState {
	return &memState{
		users:             cloneMap(m.users),
		campaigns:         cloneMap(m.campaigns),
		studies:           cloneMap(m.studies),
		approvals:         cloneMap(m.approvals),
		questions:         cloneMap(m.questions),
		options:           cloneMap(m.options),
		upsertApprovalErr: m.upsertApprovalErr,
		now:               m.now,
	}
}

func notFound(op string) error {
	return fmt.Errorf("%s: %w", op, store.ErrNotFound)
}

func (m *memState) GetUserByExternalID(_ context.Context, externalID string) (store.User, error) {
	for _, user := range m.users {
		if user.ExternalID == externalID {
			return user, nil
		}
	}
	return store.User{}, notFound("get user")
}

func (m *memState) GetUserByID(_ context.Context, userID string) (store.User, error) {
	user, ok := m.users[userID]
	if !ok {
		return store.User{}, notFound("get user")
	}
	return user, nil
}

func (m *memState) ListOrgUsers(_ context.Context, orgID string) ([]store.User, error) {
	out := make([]store.User, 0)
	for _, user := range m.users {
		if user.OrgID == orgID {
			out = append(out, user)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memState) InsertCampaign(_ context.Context, campaign store.Campaign) (store.Campaign, error) {
	campaign.CreatedAt = m.now
	m.campaigns[campaign.ID] = campaign
	return campaign, nil
}

func (m *memState) ResolveChain(_ context.Context, kind store.ResourceKind, id string) (store.OwnershipChain, error) {
	var chain store.OwnershipChain
	studyID := ""
	switch kind {
	case store.ResourceCampaign:
		campaign, ok := m.campaigns[id]
		if !ok {
			return chain, notFound("resolve campaign chain")
		}
		return store.OwnershipChain{OwnerUserID: campaign.UserID, CampaignID: campaign.ID, CampaignName: campaign.Name}, nil
	case store.ResourceStudy:
		studyID = id
	case store.ResourceQuestion:
		question, ok := m.questions[id]
		if !ok {
			return chain, notFound("resolve question chain")
		}
		chain.QuestionID = question.ID
		studyID = question.StudyID
	case store.ResourceOption:
		option, ok := m.options[id]
		if !ok {
			return chain, notFound("resolve option chain")
		}
		question, ok := m.questions[option.QuestionID]
		if !ok {
			return chain, notFound("resolve option chain")
		}
		chain.OptionID = option.ID
		chain.QuestionID = question.ID
		studyID = question.StudyID
	default:
		return chain, fmt.Errorf("unknown kind %q", kind)
	}
	study, ok := m.studies[studyID]
	if !ok {
		return store.OwnershipChain{}, notFound("resolve study chain")
	}
	campaign := m.campaigns[study.CampaignID]
	chain.OwnerUserID = campaign.UserID
	chain.CampaignID = campaign.ID
	chain.CampaignName = campaign.Name
	chain.StudyID = study.ID
	chain.StudyStatus = study.Status
	return chain, nil
}

func (m *memState) InsertStudy(_ context.Context, study store.Study) (store.Study, error) {
	study.CreatedAt, study.UpdatedAt = m.now, m.now
	m.studies[study.ID] = study
	return study, nil
}

func (m *memState) GetStudy(_ context.Context, studyID string) (store.Study, error) {
	study, ok := m.studies[studyID]
	if !ok {
		return store.Study{}, notFound("get study")
	}
	return study, nil
}

func (m *memState) LockStudy(ctx context.Context, studyID string) (store.Study, error) {
	return m.GetStudy(ctx, studyID)
}

func (m *memState) UpdateStudyStatus(_ context.Context, studyID string, status store.StudyStatus) (store.Study, error) {
	study, ok := m.studies[studyID]
	if !ok {
		return store.Study{}, notFound("update study status")
	}
	study.Status = status
	study.UpdatedAt = m.now
	m.studies[studyID] = study
	return study, nil
}

func (m *memState) GetApproval(_ context.Context, studyID string) (store.ApprovalRecord, error) {
	record, ok := m.approvals[studyID]
	if !ok {
		return store.ApprovalRecord{}, notFound("get approval")
	}
	return record, nil
}

func (m *memState) UpsertApproval(_ context.Context, record store.ApprovalRecord) (store.ApprovalRecord, error) {
	if m.upsertApprovalErr != nil {
		return store.ApprovalRecord{}, m.upsertApprovalErr
	}
	if existing, ok := m.approvals[record.StudyID]; ok {
		record.CreatedAt = existing.CreatedAt
	} else {
		record.CreatedAt = m.now
	}
	record.UpdatedAt = m.now
	m.approvals[record.StudyID] = record
	return record, nil
}

func (m *memState) ListQuestions(_ context.Context, studyID string) ([]store.Question, error) {
	out := make([]store.Question, 0)
	for _, question := range m.questions {
		if question.StudyID == studyID {
			out = append(out, question)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (m *memState) GetQuestion(_ context.Context, questionID string) (store.Question, error) {
	question, ok := m.questions[questionID]
	if !ok {
		return store.Question{}, notFound("get question")
	}
	return question, nil
}

func (m *memState) LockQuestion(ctx context.Context, questionID string) (store.Question, error) {
	return m.GetQuestion(ctx, questionID)
}

func (m *memState) questionOrderTaken(studyID, exceptID string, order int) bool {
	for _, question := range m.questions {
		if question.StudyID == studyID && question.ID != exceptID && question.Order == order {
			return true
		}
	}
	return false
}

func (m *memState) InsertQuestion(_ context.Context, question store.Question) (store.Question, error) {
	if m.questionOrderTaken(question.StudyID, question.ID, question.Order) {
		return store.Question{}, fmt.Errorf("insert question: %w (uq_questions_study_order)", store.ErrUniqueViolation)
	}
	question.CreatedAt, question.UpdatedAt = m.now, m.now
	m.questions[question.ID] = question
	return question, nil
}

func (m *memState) UpdateQuestion(_ context.Context, questionID string, patch store.QuestionPatch) (store.Question, error) {
	question, ok := m.questions[questionID]
	if !ok {
		return store.Question{}, notFound("update question")
	}
	if patch.Text != nil {
		question.Text = *patch.Text
	}
	if patch.Type != nil {
		question.Type = *patch.Type
	}
	if patch.KPIAssociation != nil {
		question.KPIAssociation = *patch.KPIAssociation
	}
	if patch.Order != nil {
		if m.questionOrderTaken(question.StudyID, question.ID, *patch.Order) {
			return store.Question{}, fmt.Errorf("update question: %w (uq_questions_study_order)", store.ErrUniqueViolation)
		}
		question.Order = *patch.Order
	}
	if patch.IsRandomized != nil {
		question.IsRandomized = *patch.IsRandomized
	}
	if patch.IsMandatory != nil {
		question.IsMandatory = *patch.IsMandatory
	}
	question.UpdatedAt = m.now
	m.questions[questionID] = question
	return question, nil
}

func (m *memState) DeleteQuestion(_ context.Context, questionID string) error {
	if _, ok := m.questions[questionID]; !ok {
		return notFound("delete from questions")
	}
	delete(m.questions, questionID)
	for id, option := range m.options {
		if option.QuestionID == questionID {
			delete(m.options, id)
		}
	}
	return nil
}

func (m *memState) NextQuestionOrder(_ context.Context, studyID string) (int, error) {
	next := 1
	for _, question := range m.questions {
		if question.StudyID == studyID && question.Order >= next {
			next = question.Order + 1
		}
	}
	return next, nil
}

func (m *memState) ListStudyOptions(_ context.Context, studyID string) ([]store.Option, error) {
	out := make([]store.Option, 0)
	for _, option := range m.options {
		if m.questions[option.QuestionID].StudyID == studyID {
			out = append(out, option)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		qi, qj := m.questions[out[i].QuestionID].Order, m.questions[out[j].QuestionID].Order
		if qi != qj {
			return qi < qj
		}
		return out[i].Order < out[j].Order
	})
	return out, nil
}

func (m *memState) GetOption(_ context.Context, optionID string) (store.Option, error) {
	option, ok := m.options[optionID]
	if !ok {
		return store.Option{}, notFound("get option")
	}
	return option, nil
}

func (m *memState) optionOrderTaken(questionID, exceptID string, order int) bool {
	for _, option := range m.options {
		if option.QuestionID == questionID && option.ID != exceptID && option.Order == order {
			return true
		}
	}
	return false
}

func (m *memState) InsertOption(_ context.Context, option store.Option) (store.Option, error) {
	if m.optionOrderTaken(option.QuestionID, option.ID, option.Order) {
		return store.Option{}, fmt.Errorf("insert option: %w (uq_options_question_order)", store.ErrUniqueViolation)
	}
	option.CreatedAt, option.UpdatedAt = m.now, m.now
	m.options[option.ID] = option
	return option, nil
}

func (m *memState) UpdateOption(_ context.Context, optionID string, patch store.OptionPatch) (store.Option, error) {
	option, ok := m.options[optionID]
	if !ok {
		return store.Option{}, notFound("update option")
	}
	if patch.Text != nil {
		option.Text = *patch.Text
	}
	if patch.ImageURL != nil {
		option.ImageURL = *patch.ImageURL
	}
	if patch.Order != nil {
		if m.optionOrderTaken(option.QuestionID, option.ID, *patch.Order) {
			return store.Option{}, fmt.Errorf("update option: %w (uq_options_question_order)", store.ErrUniqueViolation)
		}
		option.Order = *patch.Order
	}
	option.UpdatedAt = m.now
	m.options[optionID] = option
	return option, nil
}

func (m *memState) DeleteOption(_ context.Context, optionID string) error {
	if _, ok := m.options[optionID]; !ok {
		return notFound("delete from options")
	}
	delete(m.options, optionID)
	return nil
}

func (m *memState) NextOptionOrder(_ context.Context, questionID string) (int, error) {
	next := 1
	for _, option := range m.options {
		if option.QuestionID == questionID && option.Order >= next {
			next = option.Order + 1
		}
	}
	return next, nil
}

// memRepo serializes transactions with one mutex, which is stricter than
// row locks but gives the same all-or-nothing visibility.
type memRepo struct {
	mu      sync.Mutex
	state   *memState
	pingErr error
	txCount int
}

func newMemRepo() *memRepo {
	return &memRepo{state: newMemState()}
}

func (r *memRepo) WithinTx(_ context.Context, fn func(store.Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txCount++
	working := r.state.clone()
	if err := fn(working); err != nil {
		return err
	}
	r.state = working
	return nil
}

func (r *memRepo) Ping(context.Context) error { return r.pingErr }

// locked runs fn against the committed state outside any transaction.
func (r *memRepo) locked(fn func(*memState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.state)
}

func (r *memRepo) GetUserByExternalID(ctx context.Context, externalID string) (u store.User, err error) {
	r.locked(func(m *memState) { u, err = m.GetUserByExternalID(ctx, externalID) })
	return
}

func (r *memRepo) GetUserByID(ctx context.Context, userID string) (u store.User, err error) {
	r.locked(func(m *memState) { u, err = m.GetUserByID(ctx, userID) })
	return
}

func (r *memRepo) ListOrgUsers(ctx context.Context, orgID string) (users []store.User, err error) {
	r.locked(func(m *memState) { users, err = m.ListOrgUsers(ctx, orgID) })
	return
}

func (r *memRepo) InsertCampaign(ctx context.Context, campaign store.Campaign) (c store.Campaign, err error) {
	r.locked(func(m *memState) { c, err = m.InsertCampaign(ctx, campaign) })
	return
}

func (r *memRepo) ResolveChain(ctx context.Context, kind store.ResourceKind, id string) (chain store.OwnershipChain, err error) {
	r.locked(func(m *memState) { chain, err = m.ResolveChain(ctx, kind, id) })
	return
}

func (r *memRepo) InsertStudy(ctx context.Context, study store.Study) (s store.Study, err error) {
	r.locked(func(m *memState) { s, err = m.InsertStudy(ctx, study) })
	return
}

func (r *memRepo) GetStudy(ctx context.Context, studyID string) (s store.Study, err error) {
	r.locked(func(m *memState) { s, err = m.GetStudy(ctx, studyID) })
	return
}

func (r *memRepo) LockStudy(ctx context.Context, studyID string) (s store.Study, err error) {
	r.locked(func(m *memState) { s, err = m.LockStudy(ctx, studyID) })
	return
}

func (r *memRepo) UpdateStudyStatus(ctx context.Context, studyID string, status store.StudyStatus) (s store.Study, err error) {
	r.locked(func(m *memState) { s, err = m.UpdateStudyStatus(ctx, studyID, status) })
	return
}

func (r *memRepo) GetApproval(ctx context.Context, studyID string) (a store.ApprovalRecord, err error) {
	r.locked(func(m *memState) { a, err = m.GetApproval(ctx, studyID) })
	return
}

func (r *memRepo) UpsertApproval(ctx context.Context, record store.ApprovalRecord) (a store.ApprovalRecord, err error) {
	r.locked(func(m *memState) { a, err = m.UpsertApproval(ctx, record) })
	return
}

func (r *memRepo) ListQuestions(ctx context.Context, studyID string) (qs []store.Question, err error) {
	r.locked(func(m *memState) { qs, err = m.ListQuestions(ctx, studyID) })
	return
}

func (r *memRepo) GetQuestion(ctx context.Context, questionID string) (q store.Question, err error) {
	r.locked(func(m *memState) { q, err = m.GetQuestion(ctx, questionID) })
	return
}

func (r *memRepo) LockQuestion(ctx context.Context, questionID string) (q store.Question, err error) {
	r.locked(func(m *memState) { q, err = m.LockQuestion(ctx, questionID) })
	return
}

func (r *memRepo) InsertQuestion(ctx context.Context, question store.Question) (q store.Question, err error) {
	r.locked(func(m *memState) { q, err = m.InsertQuestion(ctx, question) })
	return
}

func (r *memRepo) UpdateQuestion(ctx context.Context, questionID string, patch store.QuestionPatch) (q store.Question, err error) {
	r.locked(func(m *memState) { q, err = m.UpdateQuestion(ctx, questionID, patch) })
	return
}

func (r *memRepo) DeleteQuestion(ctx context.Context, questionID string) (err error) {
	r.locked(func(m *memState) { err = m.DeleteQuestion(ctx, questionID) })
	return
}

func (r *memRepo) NextQuestionOrder(ctx context.Context, studyID string) (n int, err error) {
	r.locked(func(m *memState) { n, err = m.NextQuestionOrder(ctx, studyID) })
	return
}

func (r *memRepo) ListStudyOptions(ctx context.Context, studyID string) (os []store.Option, err error) {
	r.locked(func(m *memState) { os, err = m.ListStudyOptions(ctx, studyID) })
	return
}

func (r *memRepo) GetOption(ctx context.Context, optionID string) (o store.Option, err error) {
	r.locked(func(m *memState) { o, err = m.GetOption(ctx, optionID) })
	return
}

func (r *memRepo) InsertOption(ctx context.Context, option store.Option) (o store.Option, err error) {
	r.locked(func(m *memState) { o, err = m.InsertOption(ctx, option) })
	return
}

func (r *memRepo) UpdateOption(ctx context.Context, optionID string, patch store.OptionPatch) (o store.Option, err error) {
	r.locked(func(m *memState) { o, err = m.UpdateOption(ctx, optionID, patch) })
	return
}

func (r *memRepo) DeleteOption(ctx context.Context, optionID string) (err error) {
	r.locked(func(m *memState) { err = m.DeleteOption(ctx, optionID) })
	return
}

func (r *memRepo) NextOptionOrder(ctx context.Context, questionID string) (n int, err error) {
	r.locked(func(m *memState) { n, err = m.NextOptionOrder(ctx, questionID) })
	return
}

type notifyCall struct {
	kind  string
	event notify.StudyEvent
}

type fakeNotifier struct {
	mu     sync.Mutex
	calls  []notifyCall
	panics bool
}

func (f *fakeNotifier) record(kind string, event notify.StudyEvent) {
	if f.panics {
		panic("smtp exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, notifyCall{kind: kind, event: event})
}

func (f *fakeNotifier) ReviewRequested(_ context.Context, event notify.StudyEvent) {
	f.record("review_requested", event)
}

func (f *fakeNotifier) SignedOff(_ context.Context, event notify.StudyEvent) {
	f.record("signed_off", event)
}

func (f *fakeNotifier) ChangesRequested(_ context.Context, event notify.StudyEvent) {
	f.record("changes_requested", event)
}

func (f *fakeNotifier) snapshot() []notifyCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notifyCall(nil), f.calls...)
}

type fakeSuggester struct {
	suggestFn func(context.Context, suggest.Context) []suggest.Question
}

func (f *fakeSuggester) Suggest(ctx context.Context, c suggest.Context) []suggest.Question {
	return f.suggestFn(ctx, c)
}

type fakeMedia struct {
	putFn func(ctx context.Context, optionID, contentType string, body io.Reader, size int64) (string, error)
}

func (f *fakeMedia) PutOptionImage(ctx context.Context, optionID, contentType string, body io.Reader, size int64) (string, error) {
	return f.putFn(ctx, optionID, contentType, body, size)
}

// fixture seeds an org with a campaign owner, a second marketer, a reviewer
// and an admin.
type fixture struct {
	repo     *memRepo
	notifier *fakeNotifier
	svc      *Service

	owner    store.User
	other    store.User
	reviewer store.User
	admin    store.User
	campaign store.Campaign

	seq int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{repo: newMemRepo(), notifier: &fakeNotifier{}}
	f.owner = store.User{ID: "u-owner", ExternalID: "ext-owner", Email: "owner@example.com", DisplayName: "Olive Owner", OrgID: "org-1", Role: "marketer"}
	f.other = store.User{ID: "u-other", ExternalID: "ext-other", Email: "other@example.com", DisplayName: "Ollie Other", OrgID: "org-1", Role: "marketer"}
	f.reviewer = store.User{ID: "u-reviewer", ExternalID: "ext-reviewer", Email: "reviewer@example.com", DisplayName: "Rae Reviewer", OrgID: "org-1", Role: "reviewer"}
	f.admin = store.User{ID: "u-admin", ExternalID: "ext-admin", Email: "admin@example.com", DisplayName: "Ada Admin", OrgID: "org-1", Role: "admin"}
	f.campaign = store.Campaign{ID: "c-1", Name: "Spring Launch", UserID: f.owner.ID}

	state := f.repo.state
	for _, user := range []store.User{f.owner, f.other, f.reviewer, f.admin} {
		state.users[user.ID] = user
	}
	state.campaigns[f.campaign.ID] = f.campaign

	f.svc = New(f.repo, f.notifier, nil, nil, TokenConfig{Secret: []byte("test-secret"), Issuer: "brandlift"}, zap.NewNop())
	f.svc.now = func() time.Time { return time.Date(2025, 3, 2, 9, 30, 0, 0, time.UTC) }
	f.svc.newID = func() string {
		f.seq++
		return fmt.Sprintf("id-%d", f.seq)
	}
	return f
}

func sessionOf(user store.User) Session {
	return Session{ExternalID: user.ExternalID, Name: user.DisplayName, Email: user.Email}
}

func (f *fixture) seedStudy(id string, status store.StudyStatus) store.Study {
	study := store.Study{
		ID:          id,
		Name:        "Awareness pulse " + id,
		CampaignID:  f.campaign.ID,
		Status:      status,
		FunnelStage: store.FunnelAwareness,
		PrimaryKPI:  store.KPIBrandAwareness,
	}
	f.repo.state.studies[id] = study
	return study
}

func (f *fixture) seedQuestion(id, studyID string, order int) store.Question {
	question := store.Question{ID: id, StudyID: studyID, Text: "Have you heard of Acme?", Type: store.SingleChoice, Order: order}
	f.repo.state.questions[id] = question
	return question
}

func (f *fixture) seedOption(id, questionID string, order int) store.Option {
	option := store.Option{ID: id, QuestionID: questionID, Text: fmt.Sprintf("Option %d", order), Order: order}
	f.repo.state.options[id] = option
	return option
}

func (f *fixture) seedApproval(record store.ApprovalRecord) {
	f.repo.state.approvals[record.StudyID] = record
}

func (f *fixture) study(id string) store.Study {
	var study store.Study
	f.repo.locked(func(m *memState) { study = m.studies[id] })
	return study
}

func (f *fixture) approval(id string) (store.ApprovalRecord, bool) {
	var (
		record store.ApprovalRecord
		ok     bool
	)
	f.repo.locked(func(m *memState) { record, ok = m.approvals[id] })
	return record, ok
}

func (f *fixture) option(id string) (store.Option, bool) {
	var (
		option store.Option
		ok     bool
	)
	f.repo.locked(func(m *memState) { option, ok = m.options[id] })
	return option, ok
}

// hookedRepo passes every transaction through wrap so a test can intercept
// individual queries.
type hookedRepo struct {
	*memRepo
	wrap func(store.Tx) store.Tx
}

func (r *hookedRepo) WithinTx(ctx context.Context, fn func(store.Tx) error) error {
	return r.memRepo.WithinTx(ctx, func(tx store.Tx) error { return fn(r.wrap(tx)) })
}

// vanishingTx removes an option as soon as its ownership chain has been
// read, as a concurrent delete committing in between would.
type vanishingTx struct {
	store.Tx
}

func (tx vanishingTx) ResolveChain(ctx context.Context, kind store.ResourceKind, id string) (store.OwnershipChain, error) {
	chain, err := tx.Tx.ResolveChain(ctx, kind, id)
	if err == nil && chain.OptionID != "" {
		if err := tx.Tx.DeleteOption(ctx, chain.OptionID); err != nil {
			return chain, err
		}
	}
	return chain, err
}

// recordingTx logs the option-numbering queries in call order.
type recordingTx struct {
	store.Tx
	calls *[]string
}

func (tx recordingTx) LockQuestion(ctx context.Context, questionID string) (store.Question, error) {
	*tx.calls = append(*tx.calls, "LockQuestion")
	return tx.Tx.LockQuestion(ctx, questionID)
}

func (tx recordingTx) ListStudyOptions(ctx context.Context, studyID string) ([]store.Option, error) {
	*tx.calls = append(*tx.calls, "ListStudyOptions")
	return tx.Tx.ListStudyOptions(ctx, studyID)
}

func (tx recordingTx) NextOptionOrder(ctx context.Context, questionID string) (int, error) {
	*tx.calls = append(*tx.calls, "NextOptionOrder")
	return tx.Tx.NextOptionOrder(ctx, questionID)
}

func (tx recordingTx) InsertOption(ctx context.Context, option store.Option) (store.Option, error) {
	*tx.calls = append(*tx.calls, "InsertOption")
	return tx.Tx.InsertOption(ctx, option)
}
