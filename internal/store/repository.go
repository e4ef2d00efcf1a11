package store

import "context"

type ResourceKind string

const (
	ResourceCampaign ResourceKind = "campaign"
	ResourceStudy    ResourceKind = "study"
	ResourceQuestion ResourceKind = "question"
	ResourceOption   ResourceKind = "option"
)

// Tx is the set of queries available both on the pool and inside a
// transaction started by WithinTx.
type Tx interface {
	GetUserByExternalID(ctx context.Context, externalID string) (User, error)
	GetUserByID(ctx context.Context, userID string) (User, error)
	ListOrgUsers(ctx context.Context, orgID string) ([]User, error)

	InsertCampaign(ctx context.Context, campaign Campaign) (Campaign, error)

	// ResolveChain loads the ownership chain of a resource. Inside a
	// transaction the owning study row is share-locked until commit.
	ResolveChain(ctx context.Context, kind ResourceKind, id string) (OwnershipChain, error)

	InsertStudy(ctx context.Context, study Study) (Study, error)
	GetStudy(ctx context.Context, studyID string) (Study, error)
	// LockStudy reads a study and holds a row lock until the transaction ends.
	LockStudy(ctx context.Context, studyID string) (Study, error)
	UpdateStudyStatus(ctx context.Context, studyID string, status StudyStatus) (Study, error)

	GetApproval(ctx context.Context, studyID string) (ApprovalRecord, error)
	UpsertApproval(ctx context.Context, record ApprovalRecord) (ApprovalRecord, error)

	ListQuestions(ctx context.Context, studyID string) ([]Question, error)
	GetQuestion(ctx context.Context, questionID string) (Question, error)
	// LockQuestion reads a question and holds a row lock until the
	// transaction ends, serializing writers that count or number its options.
	LockQuestion(ctx context.Context, questionID string) (Question, error)
	InsertQuestion(ctx context.Context, question Question) (Question, error)
	UpdateQuestion(ctx context.Context, questionID string, patch QuestionPatch) (Question, error)
	DeleteQuestion(ctx context.Context, questionID string) error
	NextQuestionOrder(ctx context.Context, studyID string) (int, error)

	ListStudyOptions(ctx context.Context, studyID string) ([]Option, error)
	GetOption(ctx context.Context, optionID string) (Option, error)
	InsertOption(ctx context.Context, option Option) (Option, error)
	UpdateOption(ctx context.Context, optionID string, patch OptionPatch) (Option, error)
	DeleteOption(ctx context.Context, optionID string) error
	NextOptionOrder(ctx context.Context, questionID string) (int, error)
}
