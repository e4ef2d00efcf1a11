package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type PostgresStore struct {
	db   dbtx
	root *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, root: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.root == nil {
		return errors.New("ping inside transaction")
	}
	return s.root.PingContext(ctx)
}

// WithinTx runs fn against a transaction-bound store. The transaction commits
// when fn returns nil and rolls back otherwise. Calls made on a store that is
// already transaction-bound join the outer transaction.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(Tx) error) error {
	if s.root == nil {
		return fn(s)
	}
	tx, err := s.root.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&PostgresStore{db: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify("commit tx", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const userColumns = `id, external_id, email, display_name, org_id, role, created_at`

func scanUser(row rowScanner) (User, error) {
	var item User
	err := row.Scan(&item.ID, &item.ExternalID, &item.Email, &item.DisplayName, &item.OrgID, &item.Role, &item.CreatedAt)
	return item, err
}

func (s *PostgresStore) GetUserByExternalID(ctx context.Context, externalID string) (User, error) {
	item, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE external_id=$1`, externalID))
	if err != nil {
		return User{}, classify("get user by external id", err)
	}
	return item, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	item, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
	if err != nil {
		return User{}, classify("get user", err)
	}
	return item, nil
}

func (s *PostgresStore) ListOrgUsers(ctx context.Context, orgID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE org_id=$1 ORDER BY display_name`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list org users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		item, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertCampaign(ctx context.Context, campaign Campaign) (Campaign, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO campaigns (id, name, user_id)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, campaign.ID, campaign.Name, campaign.UserID).Scan(&campaign.CreatedAt)
	if err != nil {
		return Campaign{}, classify("insert campaign", err)
	}
	return campaign, nil
}

func (s *PostgresStore) ResolveChain(ctx context.Context, kind ResourceKind, id string) (OwnershipChain, error) {
	var chain OwnershipChain
	var err error
	switch kind {
	case ResourceCampaign:
		err = s.db.QueryRowContext(ctx, `
			SELECT c.user_id, c.id, c.name
			FROM campaigns c
			WHERE c.id = $1
		`, id).Scan(&chain.OwnerUserID, &chain.CampaignID, &chain.CampaignName)
	case ResourceStudy:
		err = s.db.QueryRowContext(ctx, `
			SELECT c.user_id, c.id, c.name, s.id, s.status
			FROM studies s
			JOIN campaigns c ON c.id = s.campaign_id
			WHERE s.id = $1
			FOR SHARE OF s
		`, id).Scan(&chain.OwnerUserID, &chain.CampaignID, &chain.CampaignName, &chain.StudyID, &chain.StudyStatus)
	case ResourceQuestion:
		err = s.db.QueryRowContext(ctx, `
			SELECT c.user_id, c.id, c.name, s.id, s.status, q.id
			FROM questions q
			JOIN studies s ON s.id = q.study_id
			JOIN campaigns c ON c.id = s.campaign_id
			WHERE q.id = $1
			FOR SHARE OF s
		`, id).Scan(&chain.OwnerUserID, &chain.CampaignID, &chain.CampaignName, &chain.StudyID, &chain.StudyStatus, &chain.QuestionID)
	case ResourceOption:
		err = s.db.QueryRowContext(ctx, `
			SELECT c.user_id, c.id, c.name, s.id, s.status, q.id, o.id
			FROM options o
			JOIN questions q ON q.id = o.question_id
			JOIN studies s ON s.id = q.study_id
			JOIN campaigns c ON c.id = s.campaign_id
			WHERE o.id = $1
			FOR SHARE OF s
		`, id).Scan(&chain.OwnerUserID, &chain.CampaignID, &chain.CampaignName, &chain.StudyID, &chain.StudyStatus, &chain.QuestionID, &chain.OptionID)
	default:
		return OwnershipChain{}, fmt.Errorf("resolve chain: unknown resource kind %q", kind)
	}
	if err != nil {
		return OwnershipChain{}, classify("resolve "+string(kind)+" chain", err)
	}
	return chain, nil
}

const studyColumns = `id, name, campaign_id, status, funnel_stage, primary_kpi, secondary_kpis, created_at, updated_at`

func scanStudy(row rowScanner) (Study, error) {
	var item Study
	var secondaryRaw []byte
	if err := row.Scan(
		&item.ID,
		&item.Name,
		&item.CampaignID,
		&item.Status,
		&item.FunnelStage,
		&item.PrimaryKPI,
		&secondaryRaw,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return Study{}, err
	}
	if len(secondaryRaw) > 0 {
		if err := json.Unmarshal(secondaryRaw, &item.SecondaryKPIs); err != nil {
			return Study{}, fmt.Errorf("decode secondary kpis: %w", err)
		}
	}
	if item.SecondaryKPIs == nil {
		item.SecondaryKPIs = []string{}
	}
	return item, nil
}

func (s *PostgresStore) InsertStudy(ctx context.Context, study Study) (Study, error) {
	secondary := study.SecondaryKPIs
	if secondary == nil {
		secondary = []string{}
	}
	encoded, err := json.Marshal(secondary)
	if err != nil {
		return Study{}, fmt.Errorf("marshal secondary kpis: %w", err)
	}
	item, err := scanStudy(s.db.QueryRowContext(ctx, `
		INSERT INTO studies (id, name, campaign_id, status, funnel_stage, primary_kpi, secondary_kpis)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
		RETURNING `+studyColumns,
		study.ID, study.Name, study.CampaignID, study.Status, study.FunnelStage, study.PrimaryKPI, string(encoded),
	))
	if err != nil {
		return Study{}, classify("insert study", err)
	}
	return item, nil
}

func (s *PostgresStore) GetStudy(ctx context.Context, studyID string) (Study, error) {
	item, err := scanStudy(s.db.QueryRowContext(ctx, `SELECT `+studyColumns+` FROM studies WHERE id=$1`, studyID))
	if err != nil {
		return Study{}, classify("get study", err)
	}
	return item, nil
}

func (s *PostgresStore) LockStudy(ctx context.Context, studyID string) (Study, error) {
	item, err := scanStudy(s.db.QueryRowContext(ctx, `SELECT `+studyColumns+` FROM studies WHERE id=$1 FOR UPDATE`, studyID))
	if err != nil {
		return Study{}, classify("lock study", err)
	}
	return item, nil
}

func (s *PostgresStore) UpdateStudyStatus(ctx context.Context, studyID string, status StudyStatus) (Study, error) {
	item, err := scanStudy(s.db.QueryRowContext(ctx, `
		UPDATE studies
		SET status=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING `+studyColumns,
		studyID, status,
	))
	if err != nil {
		return Study{}, classify("update study status", err)
	}
	return item, nil
}

const approvalColumns = `study_id, status, requested_sign_off, signed_off_by, signed_off_at, comment, created_at, updated_at`

func scanApproval(row rowScanner) (ApprovalRecord, error) {
	var item ApprovalRecord
	err := row.Scan(
		&item.StudyID,
		&item.Status,
		&item.RequestedSignOff,
		&item.SignedOffBy,
		&item.SignedOffAt,
		&item.Comment,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	return item, err
}

func (s *PostgresStore) GetApproval(ctx context.Context, studyID string) (ApprovalRecord, error) {
	item, err := scanApproval(s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_records WHERE study_id=$1`, studyID))
	if err != nil {
		return ApprovalRecord{}, classify("get approval", err)
	}
	return item, nil
}

// UpsertApproval writes every mutable field, so a re-request overwrites
// whatever a previous review round left behind.
func (s *PostgresStore) UpsertApproval(ctx context.Context, record ApprovalRecord) (ApprovalRecord, error) {
	item, err := scanApproval(s.db.QueryRowContext(ctx, `
		INSERT INTO approval_records (study_id, status, requested_sign_off, signed_off_by, signed_off_at, comment)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (study_id) DO UPDATE SET
			status=EXCLUDED.status,
			requested_sign_off=EXCLUDED.requested_sign_off,
			signed_off_by=EXCLUDED.signed_off_by,
			signed_off_at=EXCLUDED.signed_off_at,
			comment=EXCLUDED.comment,
			updated_at=NOW()
		RETURNING `+approvalColumns,
		record.StudyID, record.Status, record.RequestedSignOff, record.SignedOffBy, record.SignedOffAt, record.Comment,
	))
	if err != nil {
		return ApprovalRecord{}, classify("upsert approval", err)
	}
	return item, nil
}

const questionColumns = `id, study_id, text, type, kpi_association, sort_order, is_randomized, is_mandatory, created_at, updated_at`

func scanQuestion(row rowScanner) (Question, error) {
	var item Question
	err := row.Scan(
		&item.ID,
		&item.StudyID,
		&item.Text,
		&item.Type,
		&item.KPIAssociation,
		&item.Order,
		&item.IsRandomized,
		&item.IsMandatory,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	return item, err
}

func (s *PostgresStore) ListQuestions(ctx context.Context, studyID string) ([]Question, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+questionColumns+` FROM questions WHERE study_id=$1 ORDER BY sort_order`, studyID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	items := make([]Question, 0)
	for rows.Next() {
		item, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetQuestion(ctx context.Context, questionID string) (Question, error) {
	item, err := scanQuestion(s.db.QueryRowContext(ctx, `SELECT `+questionColumns+` FROM questions WHERE id=$1`, questionID))
	if err != nil {
		return Question{}, classify("get question", err)
	}
	return item, nil
}

func (s *PostgresStore) LockQuestion(ctx context.Context, questionID string) (Question, error) {
	item, err := scanQuestion(s.db.QueryRowContext(ctx, `SELECT `+questionColumns+` FROM questions WHERE id=$1 FOR UPDATE`, questionID))
	if err != nil {
		return Question{}, classify("lock question", err)
	}
	return item, nil
}

func (s *PostgresStore) InsertQuestion(ctx context.Context, question Question) (Question, error) {
	item, err := scanQuestion(s.db.QueryRowContext(ctx, `
		INSERT INTO questions (id, study_id, text, type, kpi_association, sort_order, is_randomized, is_mandatory)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+questionColumns,
		question.ID, question.StudyID, question.Text, question.Type, question.KPIAssociation, question.Order, question.IsRandomized, question.IsMandatory,
	))
	if err != nil {
		return Question{}, classify("insert question", err)
	}
	return item, nil
}

func (s *PostgresStore) UpdateQuestion(ctx context.Context, questionID string, patch QuestionPatch) (Question, error) {
	sets := make([]string, 0, 7)
	args := []any{questionID}
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s=$%d", column, len(args)))
	}
	if patch.Text != nil {
		set("text", *patch.Text)
	}
	if patch.Type != nil {
		set("type", *patch.Type)
	}
	if patch.KPIAssociation != nil {
		set("kpi_association", *patch.KPIAssociation)
	}
	if patch.Order != nil {
		set("sort_order", *patch.Order)
	}
	if patch.IsRandomized != nil {
		set("is_randomized", *patch.IsRandomized)
	}
	if patch.IsMandatory != nil {
		set("is_mandatory", *patch.IsMandatory)
	}
	sets = append(sets, "updated_at=NOW()")

	item, err := scanQuestion(s.db.QueryRowContext(ctx,
		`UPDATE questions SET `+strings.Join(sets, ", ")+` WHERE id=$1 RETURNING `+questionColumns,
		args...,
	))
	if err != nil {
		return Question{}, classify("update question", err)
	}
	return item, nil
}

func (s *PostgresStore) DeleteQuestion(ctx context.Context, questionID string) error {
	return s.deleteByID(ctx, "questions", questionID)
}

func (s *PostgresStore) NextQuestionOrder(ctx context.Context, studyID string) (int, error) {
	var next int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sort_order), 0) + 1 FROM questions WHERE study_id=$1`, studyID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next question order: %w", err)
	}
	return next, nil
}

const optionColumns = `o.id, o.question_id, o.text, o.image_url, o.sort_order, o.created_at, o.updated_at`

func scanOption(row rowScanner) (Option, error) {
	var item Option
	err := row.Scan(&item.ID, &item.QuestionID, &item.Text, &item.ImageURL, &item.Order, &item.CreatedAt, &item.UpdatedAt)
	return item, err
}

func (s *PostgresStore) ListStudyOptions(ctx context.Context, studyID string) ([]Option, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+optionColumns+`
		FROM options o
		JOIN questions q ON q.id = o.question_id
		WHERE q.study_id = $1
		ORDER BY q.sort_order, o.sort_order
	`, studyID)
	if err != nil {
		return nil, fmt.Errorf("list options: %w", err)
	}
	defer rows.Close()

	items := make([]Option, 0)
	for rows.Next() {
		item, err := scanOption(rows)
		if err != nil {
			return nil, fmt.Errorf("scan option: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate options: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetOption(ctx context.Context, optionID string) (Option, error) {
	item, err := scanOption(s.db.QueryRowContext(ctx, `SELECT `+optionColumns+` FROM options o WHERE o.id=$1`, optionID))
	if err != nil {
		return Option{}, classify("get option", err)
	}
	return item, nil
}

func (s *PostgresStore) InsertOption(ctx context.Context, option Option) (Option, error) {
	item, err := scanOption(s.db.QueryRowContext(ctx, `
		INSERT INTO options AS o (id, question_id, text, image_url, sort_order)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+optionColumns,
		option.ID, option.QuestionID, option.Text, option.ImageURL, option.Order,
	))
	if err != nil {
		return Option{}, classify("insert option", err)
	}
	return item, nil
}

// UpdateOption applies only the fields present in patch. A row that vanished
// since it was authorized yields ErrNotFound.
func (s *PostgresStore) UpdateOption(ctx context.Context, optionID string, patch OptionPatch) (Option, error) {
	sets := make([]string, 0, 4)
	args := []any{optionID}
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s=$%d", column, len(args)))
	}
	if patch.Text != nil {
		set("text", *patch.Text)
	}
	if patch.ImageURL != nil {
		set("image_url", *patch.ImageURL)
	}
	if patch.Order != nil {
		set("sort_order", *patch.Order)
	}
	sets = append(sets, "updated_at=NOW()")

	item, err := scanOption(s.db.QueryRowContext(ctx,
		`UPDATE options AS o SET `+strings.Join(sets, ", ")+` WHERE o.id=$1 RETURNING `+optionColumns,
		args...,
	))
	if err != nil {
		return Option{}, classify("update option", err)
	}
	return item, nil
}

func (s *PostgresStore) DeleteOption(ctx context.Context, optionID string) error {
	return s.deleteByID(ctx, "options", optionID)
}

func (s *PostgresStore) NextOptionOrder(ctx context.Context, questionID string) (int, error) {
	var next int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sort_order), 0) + 1 FROM options WHERE question_id=$1`, questionID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next option order: %w", err)
	}
	return next, nil
}

// deleteByID maps a zero-row delete to ErrNotFound so a repeated delete is
// distinguishable from a successful one.
func (s *PostgresStore) deleteByID(ctx context.Context, table, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id=$1`, id)
	if err != nil {
		return classify("delete from "+table, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete from %s rows: %w", table, err)
	}
	if affected == 0 {
		return fmt.Errorf("delete from %s: %w", table, ErrNotFound)
	}
	return nil
}
