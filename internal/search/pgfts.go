package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across question_instances, proposals, and
// answer_revisions using plainto_tsquery and ts_rank, with ts_headline for
// snippets. Only pending proposals are searched; resolved ones are archive.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultQuestion {
		where := "qi.fts @@ " + tsQuery
		if q.FilterIntakeID != "" {
			where += fmt.Sprintf(" AND qi.intake_id = $%d", argN)
			args = append(args, q.FilterIntakeID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'question'::text AS type, qi.id,
				ts_headline('english', qi.prompt, %s, 'MaxFragments=1,MaxWords=30') AS title,
				qi.question_key AS snippet,
				qi.intake_id, qi.id AS question_instance_id,
				qi.status,
				ts_rank(qi.fts, %s) AS rank
			FROM question_instances qi
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if q.FilterType == "" || q.FilterType == ResultProposal {
		where := "pr.fts @@ " + tsQuery + " AND pr.status = 'pending'"
		if q.FilterIntakeID != "" {
			where += fmt.Sprintf(" AND pr.intake_id = $%d", argN)
			args = append(args, q.FilterIntakeID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'proposal'::text AS type, pr.id,
				pr.source AS title,
				ts_headline('english', coalesce(pr.proposed_answer_text, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				pr.intake_id, pr.intake_question_instance_id AS question_instance_id,
				pr.status,
				ts_rank(pr.fts, %s) AS rank
			FROM proposals pr
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if q.FilterType == "" || q.FilterType == ResultAnswer {
		where := "ar.fts @@ " + tsQuery
		if q.FilterIntakeID != "" {
			where += fmt.Sprintf(" AND qi.intake_id = $%d", argN)
			args = append(args, q.FilterIntakeID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'answer'::text AS type, ar.id,
				ar.revision_type AS title,
				ts_headline('english', coalesce(ar.answer_text, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				qi.intake_id, ar.question_instance_id,
				''::text AS status,
				ts_rank(ar.fts, %s) AS rank
			FROM answer_revisions ar
			JOIN question_instances qi ON qi.id = ar.question_instance_id
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, intake_id, question_instance_id, status
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.IntakeID, &r.QuestionInstanceID, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]QuestionRecord, []ProposalRecord, []AnswerRecord, error) {
	questionRows, err := p.db.QueryContext(ctx, `
		SELECT id, question_key, prompt, intake_id, section_instance_id, status
		FROM question_instances
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load questions: %w", err)
	}
	defer questionRows.Close()

	questions := make([]QuestionRecord, 0)
	for questionRows.Next() {
		var q QuestionRecord
		if err := questionRows.Scan(&q.ID, &q.QuestionKey, &q.Prompt, &q.IntakeID, &q.SectionInstanceID, &q.Status); err != nil {
			return nil, nil, nil, fmt.Errorf("scan question: %w", err)
		}
		questions = append(questions, q)
	}
	if err := questionRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate questions: %w", err)
	}

	proposalRows, err := p.db.QueryContext(ctx, `
		SELECT id, coalesce(proposed_answer_text, ''), source, intake_id, intake_question_instance_id, status
		FROM proposals
		WHERE status = 'pending'
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load proposals: %w", err)
	}
	defer proposalRows.Close()

	proposals := make([]ProposalRecord, 0)
	for proposalRows.Next() {
		var pr ProposalRecord
		if err := proposalRows.Scan(&pr.ID, &pr.ProposedAnswer, &pr.Source, &pr.IntakeID, &pr.QuestionInstanceID, &pr.Status); err != nil {
			return nil, nil, nil, fmt.Errorf("scan proposal: %w", err)
		}
		proposals = append(proposals, pr)
	}
	if err := proposalRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate proposals: %w", err)
	}

	answerRows, err := p.db.QueryContext(ctx, `
		SELECT ar.id, coalesce(ar.answer_text, ''), ar.revision_type, qi.intake_id, ar.question_instance_id, ar.is_current
		FROM answer_revisions ar
		JOIN question_instances qi ON qi.id = ar.question_instance_id
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load answers: %w", err)
	}
	defer answerRows.Close()

	answers := make([]AnswerRecord, 0)
	for answerRows.Next() {
		var a AnswerRecord
		if err := answerRows.Scan(&a.ID, &a.AnswerText, &a.RevisionType, &a.IntakeID, &a.QuestionInstanceID, &a.IsCurrent); err != nil {
			return nil, nil, nil, fmt.Errorf("scan answer: %w", err)
		}
		answers = append(answers, a)
	}
	if err := answerRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate answers: %w", err)
	}

	return questions, proposals, answers, nil
}
