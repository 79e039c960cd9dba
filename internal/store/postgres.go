package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"atrium/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- reviewers ----

func (s *PostgresStore) EnsureReviewerByName(ctx context.Context, name string) (Reviewer, error) {
	const find = `SELECT id, display_name, role, created_at FROM reviewers WHERE display_name = $1`
	var r Reviewer
	err := s.db.QueryRowContext(ctx, find, name).Scan(&r.ID, &r.DisplayName, &r.Role, &r.CreatedAt)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Reviewer{}, fmt.Errorf("lookup reviewer: %w", err)
	}

	const insert = `
		INSERT INTO reviewers (id, display_name, role)
		VALUES ($1, $2, 'contributor')
		ON CONFLICT (display_name) DO UPDATE SET display_name = EXCLUDED.display_name
		RETURNING id, display_name, role, created_at
	`
	if err := s.db.QueryRowContext(ctx, insert, util.NewID("rvw"), name).Scan(&r.ID, &r.DisplayName, &r.Role, &r.CreatedAt); err != nil {
		return Reviewer{}, fmt.Errorf("insert reviewer: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) GetReviewerByID(ctx context.Context, reviewerID string) (Reviewer, error) {
	var r Reviewer
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, role, created_at FROM reviewers WHERE id=$1`, reviewerID).
		Scan(&r.ID, &r.DisplayName, &r.Role, &r.CreatedAt)
	if err != nil {
		return Reviewer{}, err
	}
	return r, nil
}

// ---- intakes, sections, questions ----

func (s *PostgresStore) GetIntake(ctx context.Context, intakeID string) (Intake, error) {
	var it Intake
	err := s.db.QueryRowContext(ctx, `
		SELECT id, customer_name, status, total_questions, answered_questions, percent_complete, created_at, updated_at
		FROM intakes WHERE id=$1
	`, intakeID).Scan(&it.ID, &it.CustomerName, &it.Status, &it.TotalQuestions, &it.AnsweredQuestions, &it.PercentComplete, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return Intake{}, err
	}
	return it, nil
}

const sectionColumns = `id, intake_id, template_key, title, repeat_index, status,
	total_questions, answered_questions, percent_complete, marked_complete_at, marked_complete_by, created_at`

func scanSection(row interface{ Scan(...any) error }) (SectionInstance, error) {
	var sec SectionInstance
	err := row.Scan(&sec.ID, &sec.IntakeID, &sec.TemplateKey, &sec.Title, &sec.RepeatIndex, &sec.Status,
		&sec.TotalQuestions, &sec.AnsweredQuestions, &sec.PercentComplete, &sec.MarkedCompleteAt, &sec.MarkedCompleteBy, &sec.CreatedAt)
	return sec, err
}

func (s *PostgresStore) GetSectionInstance(ctx context.Context, sectionInstanceID string) (SectionInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sectionColumns+` FROM intake_section_instances WHERE id=$1`, sectionInstanceID)
	return scanSection(row)
}

func (s *PostgresStore) ListSectionInstances(ctx context.Context, intakeID string) ([]SectionInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sectionColumns+` FROM intake_section_instances
		WHERE intake_id=$1
		ORDER BY repeat_index, created_at, id
	`, intakeID)
	if err != nil {
		return nil, fmt.Errorf("list section instances: %w", err)
	}
	defer rows.Close()

	items := make([]SectionInstance, 0)
	for rows.Next() {
		sec, err := scanSection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan section instance: %w", err)
		}
		items = append(items, sec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate section instances: %w", err)
	}
	return items, nil
}

const questionColumns = `id, section_instance_id, intake_id, question_key, prompt, required,
	applicability_rule_text, status, current_answer_revision_id, created_at, updated_at`

func scanQuestion(row interface{ Scan(...any) error }) (QuestionInstance, error) {
	var q QuestionInstance
	err := row.Scan(&q.ID, &q.SectionInstanceID, &q.IntakeID, &q.QuestionKey, &q.Prompt, &q.Required,
		&q.ApplicabilityRuleText, &q.Status, &q.CurrentAnswerRevisionID, &q.CreatedAt, &q.UpdatedAt)
	return q, err
}

func (s *PostgresStore) GetQuestionInstance(ctx context.Context, questionInstanceID string) (QuestionInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+questionColumns+` FROM question_instances WHERE id=$1`, questionInstanceID)
	return scanQuestion(row)
}

func (s *PostgresStore) ListQuestionInstances(ctx context.Context, sectionInstanceID string) ([]QuestionInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+questionColumns+` FROM question_instances
		WHERE section_instance_id=$1
		ORDER BY created_at, id
	`, sectionInstanceID)
	if err != nil {
		return nil, fmt.Errorf("list question instances: %w", err)
	}
	defer rows.Close()

	items := make([]QuestionInstance, 0)
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan question instance: %w", err)
		}
		items = append(items, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate question instances: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) FindQuestionByKey(ctx context.Context, intakeID, questionKey string) (QuestionInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+questionColumns+` FROM question_instances
		WHERE intake_id=$1 AND question_key=$2
	`, intakeID, questionKey)
	return scanQuestion(row)
}

// CurrentAnswersByKey returns question_key -> current answer text for the
// whole intake, used to evaluate applicability rules.
func (s *PostgresStore) CurrentAnswersByKey(ctx context.Context, intakeID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT q.question_key, r.answer_text
		FROM question_instances q
		JOIN answer_revisions r ON r.id = q.current_answer_revision_id
		WHERE q.intake_id=$1 AND r.answer_text IS NOT NULL
	`, intakeID)
	if err != nil {
		return nil, fmt.Errorf("current answers: %w", err)
	}
	defer rows.Close()

	answers := make(map[string]string)
	for rows.Next() {
		var key, text string
		if err := rows.Scan(&key, &text); err != nil {
			return nil, fmt.Errorf("scan current answer: %w", err)
		}
		answers[key] = text
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate current answers: %w", err)
	}
	return answers, nil
}

// ---- revision ledger ----
// The ledger is the only writer of answer_revisions rows and is_current flags.

const revisionColumns = `id, question_instance_id, seq, revision_type, answer_text, structured_data,
	confidence_score, is_current, source_session_id, source_evidence_item_id, created_by, created_at`

func scanRevision(row interface{ Scan(...any) error }) (AnswerRevision, error) {
	var r AnswerRevision
	err := row.Scan(&r.ID, &r.QuestionInstanceID, &r.Seq, &r.RevisionType, &r.AnswerText, &r.StructuredData,
		&r.ConfidenceScore, &r.IsCurrent, &r.SourceSessionID, &r.SourceEvidenceItemID, &r.CreatedBy, &r.CreatedAt)
	return r, err
}

// AppendRevision inserts a new ledger entry with the next per-question
// sequence number and, when makeCurrent is set, atomically re-points the
// current answer and the question's denormalized status in the same
// transaction. The question row is locked first so concurrent appends
// serialize and seq stays gapless per question.
func (s *PostgresStore) AppendRevision(ctx context.Context, rev AnswerRevision, makeCurrent bool) (AnswerRevision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AnswerRevision{}, fmt.Errorf("begin append revision: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rev, err = appendRevisionTx(ctx, tx, rev, makeCurrent)
	if err != nil {
		return AnswerRevision{}, err
	}

	if err := tx.Commit(); err != nil {
		return AnswerRevision{}, fmt.Errorf("commit append revision: %w", err)
	}
	return rev, nil
}

func appendRevisionTx(ctx context.Context, tx *sql.Tx, rev AnswerRevision, makeCurrent bool) (AnswerRevision, error) {
	var questionStatus string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM question_instances WHERE id=$1 FOR UPDATE`, rev.QuestionInstanceID).Scan(&questionStatus); err != nil {
		return AnswerRevision{}, err
	}

	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM answer_revisions WHERE question_instance_id=$1
	`, rev.QuestionInstanceID).Scan(&rev.Seq); err != nil {
		return AnswerRevision{}, fmt.Errorf("next revision seq: %w", err)
	}

	if makeCurrent {
		if _, err := tx.ExecContext(ctx, `
			UPDATE answer_revisions SET is_current=FALSE
			WHERE question_instance_id=$1 AND is_current
		`, rev.QuestionInstanceID); err != nil {
			return AnswerRevision{}, fmt.Errorf("clear current revision: %w", err)
		}
	}

	rev.IsCurrent = makeCurrent
	err := tx.QueryRowContext(ctx, `
		INSERT INTO answer_revisions
			(id, question_instance_id, seq, revision_type, answer_text, structured_data,
			 confidence_score, is_current, source_session_id, source_evidence_item_id, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at
	`, rev.ID, rev.QuestionInstanceID, rev.Seq, rev.RevisionType, rev.AnswerText, rev.StructuredData,
		rev.ConfidenceScore, rev.IsCurrent, rev.SourceSessionID, rev.SourceEvidenceItemID, rev.CreatedBy).Scan(&rev.CreatedAt)
	if err != nil {
		return AnswerRevision{}, fmt.Errorf("insert revision: %w", err)
	}

	if makeCurrent {
		status := QuestionAnswered
		if !revisionHasContent(rev) {
			// explicit clear: a current revision with no content is not an answer
			status = QuestionUnanswered
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE question_instances
			SET status=$2, current_answer_revision_id=$3, updated_at=NOW()
			WHERE id=$1
		`, rev.QuestionInstanceID, status, rev.ID); err != nil {
			return AnswerRevision{}, fmt.Errorf("update question pointer: %w", err)
		}
	}

	return rev, nil
}

// ChooseCurrent re-points the current answer at an existing revision of the
// same question. Returns sql.ErrNoRows when the revision does not belong to
// the question. No new row is created and no history is altered.
func (s *PostgresStore) ChooseCurrent(ctx context.Context, questionInstanceID, revisionID string) (AnswerRevision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AnswerRevision{}, fmt.Errorf("begin choose current: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT 1 FROM question_instances WHERE id=$1 FOR UPDATE`, questionInstanceID); err != nil {
		return AnswerRevision{}, fmt.Errorf("lock question: %w", err)
	}

	rev, err := scanRevision(tx.QueryRowContext(ctx, `
		SELECT `+revisionColumns+` FROM answer_revisions
		WHERE id=$2 AND question_instance_id=$1
	`, questionInstanceID, revisionID))
	if err != nil {
		return AnswerRevision{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE answer_revisions SET is_current=FALSE
		WHERE question_instance_id=$1 AND is_current AND id<>$2
	`, questionInstanceID, revisionID); err != nil {
		return AnswerRevision{}, fmt.Errorf("clear current revision: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE answer_revisions SET is_current=TRUE WHERE id=$1
	`, revisionID); err != nil {
		return AnswerRevision{}, fmt.Errorf("set current revision: %w", err)
	}

	rev.IsCurrent = true
	status := QuestionAnswered
	if !revisionHasContent(rev) {
		status = QuestionUnanswered
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE question_instances
		SET status=$2, current_answer_revision_id=$3, updated_at=NOW()
		WHERE id=$1
	`, questionInstanceID, status, revisionID); err != nil {
		return AnswerRevision{}, fmt.Errorf("update question pointer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return AnswerRevision{}, fmt.Errorf("commit choose current: %w", err)
	}
	return rev, nil
}

func (s *PostgresStore) GetAnswerRevision(ctx context.Context, revisionID string) (AnswerRevision, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+revisionColumns+` FROM answer_revisions WHERE id=$1`, revisionID)
	return scanRevision(row)
}

// ListRevisions returns the ledger newest-first; seq breaks created_at ties
// so the order is a deterministic total order.
func (s *PostgresStore) ListRevisions(ctx context.Context, questionInstanceID string) ([]AnswerRevision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+revisionColumns+` FROM answer_revisions
		WHERE question_instance_id=$1
		ORDER BY created_at DESC, seq DESC
	`, questionInstanceID)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()

	items := make([]AnswerRevision, 0)
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		items = append(items, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revisions: %w", err)
	}
	return items, nil
}

// SetQuestionStatus applies a status-only transition (skip / later / N/A /
// unanswered). Leaving "answered" un-sets the current pointer so the
// status<->current-revision invariant holds; the ledger itself is untouched.
func (s *PostgresStore) SetQuestionStatus(ctx context.Context, questionInstanceID, status string) (QuestionInstance, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return QuestionInstance{}, fmt.Errorf("begin set status: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT 1 FROM question_instances WHERE id=$1 FOR UPDATE`, questionInstanceID); err != nil {
		return QuestionInstance{}, fmt.Errorf("lock question: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE answer_revisions SET is_current=FALSE
		WHERE question_instance_id=$1 AND is_current
	`, questionInstanceID); err != nil {
		return QuestionInstance{}, fmt.Errorf("clear current revision: %w", err)
	}

	q, err := scanQuestion(tx.QueryRowContext(ctx, `
		UPDATE question_instances
		SET status=$2, current_answer_revision_id=NULL, updated_at=NOW()
		WHERE id=$1
		RETURNING `+questionColumns+`
	`, questionInstanceID, status))
	if err != nil {
		return QuestionInstance{}, err
	}

	if err := tx.Commit(); err != nil {
		return QuestionInstance{}, fmt.Errorf("commit set status: %w", err)
	}
	return q, nil
}

// ---- proposal workflow ----
// The workflow is the only writer of proposals.status.

const proposalColumns = `id, intake_question_instance_id, intake_id, proposed_answer_text,
	proposed_structured_data, source, confidence_score, status, rejection_reason,
	source_session_id, source_evidence_item_id, created_by, created_at, resolved_by, resolved_at`

func scanProposal(row interface{ Scan(...any) error }) (Proposal, error) {
	var p Proposal
	err := row.Scan(&p.ID, &p.IntakeQuestionInstanceID, &p.IntakeID, &p.ProposedAnswerText,
		&p.ProposedStructuredData, &p.Source, &p.ConfidenceScore, &p.Status, &p.RejectionReason,
		&p.SourceSessionID, &p.SourceEvidenceItemID, &p.CreatedBy, &p.CreatedAt, &p.ResolvedBy, &p.ResolvedAt)
	return p, err
}

func (s *PostgresStore) CreateProposal(ctx context.Context, p Proposal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proposals
			(id, intake_question_instance_id, intake_id, proposed_answer_text, proposed_structured_data,
			 source, confidence_score, status, source_session_id, source_evidence_item_id, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8, $9, $10)
	`, p.ID, p.IntakeQuestionInstanceID, p.IntakeID, p.ProposedAnswerText, p.ProposedStructuredData,
		p.Source, p.ConfidenceScore, p.SourceSessionID, p.SourceEvidenceItemID, p.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProposal(ctx context.Context, proposalID string) (Proposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=$1`, proposalID)
	return scanProposal(row)
}

// ResolveProposal is the compare-and-swap that makes resolution idempotent
// under duplicate requests: the UPDATE only matches while status is still
// pending, so the second resolve reports no swap and the caller raises.
func (s *PostgresStore) ResolveProposal(ctx context.Context, proposalID, status, rejectionReason, resolvedBy string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE proposals
		SET status=$2, rejection_reason=$3, resolved_by=$4, resolved_at=NOW()
		WHERE id=$1 AND status='pending'
	`, proposalID, status, rejectionReason, resolvedBy)
	if err != nil {
		return false, fmt.Errorf("resolve proposal: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve proposal rows: %w", err)
	}
	return affected > 0, nil
}

// AcceptProposal flips a pending proposal to accepted and appends the
// resulting revision as one transaction, so a crash can never leave an
// accepted proposal without its ledger entry. The guarded UPDATE keeps
// resolution idempotent; no swap means someone else resolved first and
// nothing is appended.
func (s *PostgresStore) AcceptProposal(ctx context.Context, proposalID, resolvedBy string, rev AnswerRevision) (bool, AnswerRevision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, AnswerRevision{}, fmt.Errorf("begin accept proposal: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE proposals
		SET status='accepted', resolved_by=$2, resolved_at=NOW()
		WHERE id=$1 AND status='pending'
	`, proposalID, resolvedBy)
	if err != nil {
		return false, AnswerRevision{}, fmt.Errorf("accept proposal: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, AnswerRevision{}, fmt.Errorf("accept proposal rows: %w", err)
	}
	if affected == 0 {
		return false, AnswerRevision{}, nil
	}

	rev, err = appendRevisionTx(ctx, tx, rev, true)
	if err != nil {
		return false, AnswerRevision{}, fmt.Errorf("append accepted revision: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, AnswerRevision{}, fmt.Errorf("commit accept proposal: %w", err)
	}
	return true, rev, nil
}

// ListPendingProposals filters by source and section through the question
// instance relation; proposals deliberately do not store the section.
func (s *PostgresStore) ListPendingProposals(ctx context.Context, intakeID, source, sectionInstanceID string) ([]Proposal, error) {
	query := `
		SELECT ` + prefixColumns("p", proposalColumns) + `
		FROM proposals p
		JOIN question_instances q ON q.id = p.intake_question_instance_id
		WHERE p.intake_id=$1 AND p.status='pending'
	`
	args := []any{intakeID}
	if source != "" {
		args = append(args, source)
		query += fmt.Sprintf(" AND p.source=$%d", len(args))
	}
	if sectionInstanceID != "" {
		args = append(args, sectionInstanceID)
		query += fmt.Sprintf(" AND q.section_instance_id=$%d", len(args))
	}
	query += " ORDER BY p.created_at, p.id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending proposals: %w", err)
	}
	defer rows.Close()

	items := make([]Proposal, 0)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proposals: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListPendingProposalsForQuestion(ctx context.Context, questionInstanceID string) ([]Proposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+proposalColumns+` FROM proposals
		WHERE intake_question_instance_id=$1 AND status='pending'
		ORDER BY created_at, id
	`, questionInstanceID)
	if err != nil {
		return nil, fmt.Errorf("list question proposals: %w", err)
	}
	defer rows.Close()

	items := make([]Proposal, 0)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proposals: %w", err)
	}
	return items, nil
}

// ---- progress rollups ----
// The aggregator is the only writer of the denormalized progress fields.

func (s *PostgresStore) UpdateSectionProgress(ctx context.Context, sectionInstanceID string, total, answered int, percent float64, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE intake_section_instances
		SET total_questions=$2, answered_questions=$3, percent_complete=$4, status=$5
		WHERE id=$1
	`, sectionInstanceID, total, answered, percent, status)
	if err != nil {
		return fmt.Errorf("update section progress: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateIntakeProgress(ctx context.Context, intakeID string, total, answered int, percent float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE intakes
		SET total_questions=$2, answered_questions=$3, percent_complete=$4, updated_at=NOW()
		WHERE id=$1
	`, intakeID, total, answered, percent)
	if err != nil {
		return fmt.Errorf("update intake progress: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkSectionComplete(ctx context.Context, sectionInstanceID, markedBy string) (SectionInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE intake_section_instances
		SET status='complete', marked_complete_at=NOW(), marked_complete_by=$2
		WHERE id=$1
		RETURNING `+sectionColumns+`
	`, sectionInstanceID, markedBy)
	return scanSection(row)
}

func (s *PostgresStore) CountUnansweredRequired(ctx context.Context, sectionInstanceID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM question_instances
		WHERE section_instance_id=$1 AND required AND status <> 'answered'
	`, sectionInstanceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unanswered required: %w", err)
	}
	return count, nil
}

// ---- evidence, assets, snapshots ----

func (s *PostgresStore) InsertEvidenceItem(ctx context.Context, item EvidenceItem) (EvidenceItem, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO evidence_items
			(id, evidence_type, excerpt_text, start_ms, end_ms, file_asset_id, url_snapshot_id, source_session_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, item.ID, item.EvidenceType, item.ExcerptText, item.StartMs, item.EndMs,
		item.FileAssetID, item.URLSnapshotID, item.SourceSessionID).Scan(&item.CreatedAt)
	if err != nil {
		return EvidenceItem{}, fmt.Errorf("insert evidence item: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetEvidenceItem(ctx context.Context, evidenceItemID string) (EvidenceItem, error) {
	var item EvidenceItem
	err := s.db.QueryRowContext(ctx, `
		SELECT id, evidence_type, excerpt_text, start_ms, end_ms, file_asset_id, url_snapshot_id, source_session_id, created_at
		FROM evidence_items WHERE id=$1
	`, evidenceItemID).Scan(&item.ID, &item.EvidenceType, &item.ExcerptText, &item.StartMs, &item.EndMs,
		&item.FileAssetID, &item.URLSnapshotID, &item.SourceSessionID, &item.CreatedAt)
	if err != nil {
		return EvidenceItem{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertFileAsset(ctx context.Context, asset FileAsset) (FileAsset, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO file_assets (id, file_name, content_type, storage_path, size_bytes, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, asset.ID, asset.FileName, asset.ContentType, asset.StoragePath, asset.SizeBytes, asset.UploadedBy).Scan(&asset.CreatedAt)
	if err != nil {
		return FileAsset{}, fmt.Errorf("insert file asset: %w", err)
	}
	return asset, nil
}

func (s *PostgresStore) GetFileAsset(ctx context.Context, assetID string) (FileAsset, error) {
	var asset FileAsset
	err := s.db.QueryRowContext(ctx, `
		SELECT id, file_name, content_type, storage_path, size_bytes, uploaded_by, created_at
		FROM file_assets WHERE id=$1
	`, assetID).Scan(&asset.ID, &asset.FileName, &asset.ContentType, &asset.StoragePath, &asset.SizeBytes, &asset.UploadedBy, &asset.CreatedAt)
	if err != nil {
		return FileAsset{}, err
	}
	return asset, nil
}

func (s *PostgresStore) InsertURLSnapshot(ctx context.Context, snap URLSnapshot) (URLSnapshot, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO url_snapshots (id, url, title, captured_text, pdf_asset_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING captured_at
	`, snap.ID, snap.URL, snap.Title, snap.CapturedText, snap.PDFAssetID).Scan(&snap.CapturedAt)
	if err != nil {
		return URLSnapshot{}, fmt.Errorf("insert url snapshot: %w", err)
	}
	return snap, nil
}

func (s *PostgresStore) GetURLSnapshot(ctx context.Context, snapshotID string) (URLSnapshot, error) {
	var snap URLSnapshot
	err := s.db.QueryRowContext(ctx, `
		SELECT id, url, title, captured_text, pdf_asset_id, captured_at
		FROM url_snapshots WHERE id=$1
	`, snapshotID).Scan(&snap.ID, &snap.URL, &snap.Title, &snap.CapturedText, &snap.PDFAssetID, &snap.CapturedAt)
	if err != nil {
		return URLSnapshot{}, err
	}
	return snap, nil
}

// ---- helpers ----

func revisionHasContent(rev AnswerRevision) bool {
	if rev.AnswerText != nil && *rev.AnswerText != "" {
		return true
	}
	return len(rev.StructuredData) > 0 && string(rev.StructuredData) != "null"
}

// prefixColumns rewrites "a, b, c" as "p.a, p.b, p.c" for joined queries.
func prefixColumns(alias, columns string) string {
	parts := []byte{}
	prefix := true
	for i := 0; i < len(columns); i++ {
		c := columns[i]
		if prefix && c != ' ' && c != '\t' && c != '\n' {
			parts = append(parts, alias...)
			parts = append(parts, '.')
			prefix = false
		}
		parts = append(parts, c)
		if c == ',' {
			prefix = true
		}
	}
	return string(parts)
}
