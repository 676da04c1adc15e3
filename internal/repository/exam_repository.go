package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/examgate/examgate-backend/internal/model"
)

// ExamRepository handles exam, section, and question data access.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

// Create inserts a new exam in unpublished state.
func (r *ExamRepository) Create(ctx context.Context, e *model.Exam) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO exams (subject, branch, year, semester, time_limit_minutes, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, published, created_at, updated_at`,
		e.Subject, e.Branch, e.Year, e.Semester, e.TimeLimitMinutes, e.CreatedBy,
	).Scan(&e.ID, &e.Published, &e.CreatedAt, &e.UpdatedAt)
}

// GetByID retrieves an exam by ID.
func (r *ExamRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	e := &model.Exam{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, subject, branch, year, semester, time_limit_minutes, published, created_by, created_at, updated_at
		 FROM exams
		 WHERE id = $1`, id,
	).Scan(&e.ID, &e.Subject, &e.Branch, &e.Year, &e.Semester, &e.TimeLimitMinutes,
		&e.Published, &e.CreatedBy, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// List retrieves exams, optionally restricted to published ones.
func (r *ExamRepository) List(ctx context.Context, publishedOnly bool) ([]model.Exam, error) {
	query := `SELECT id, subject, branch, year, semester, time_limit_minutes, published, created_by, created_at, updated_at
	          FROM exams`
	if publishedOnly {
		query += ` WHERE published = TRUE`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exams []model.Exam
	for rows.Next() {
		var e model.Exam
		if err := rows.Scan(&e.ID, &e.Subject, &e.Branch, &e.Year, &e.Semester, &e.TimeLimitMinutes,
			&e.Published, &e.CreatedBy, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		exams = append(exams, e)
	}
	return exams, rows.Err()
}

// SetPublished flips an exam's published flag.
func (r *ExamRepository) SetPublished(ctx context.Context, id uuid.UUID, published bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exams SET published = $1, updated_at = NOW() WHERE id = $2`,
		published, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// GetQuestions retrieves an exam's questions in display order.
func (r *ExamRepository) GetQuestions(ctx context.Context, examID uuid.UUID) ([]model.Question, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, exam_id, COALESCE(section_id, '00000000-0000-0000-0000-000000000000'::uuid),
		        display_number, prompt, COALESCE(code_snippet, ''), COALESCE(image_url, ''),
		        options, correct_option
		 FROM questions
		 WHERE exam_id = $1
		 ORDER BY display_number ASC`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []model.Question
	for rows.Next() {
		var q model.Question
		var optionsRaw []byte
		if err := rows.Scan(&q.ID, &q.ExamID, &q.SectionID, &q.DisplayNumber, &q.Prompt,
			&q.CodeSnippet, &q.ImageURL, &optionsRaw, &q.CorrectOption); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(optionsRaw, &q.Options); err != nil {
			return nil, fmt.Errorf("decode options for question %s: %w", q.ID, err)
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// GetSections retrieves an exam's sections with their ordered question IDs.
func (r *ExamRepository) GetSections(ctx context.Context, examID uuid.UUID) ([]model.Section, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT s.id, s.exam_id, s.name, s.position,
		        COALESCE(
		          (SELECT array_agg(q.id ORDER BY q.section_position)
		           FROM questions q WHERE q.section_id = s.id),
		          '{}')
		 FROM sections s
		 WHERE s.exam_id = $1
		 ORDER BY s.position ASC`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sections []model.Section
	for rows.Next() {
		var s model.Section
		if err := rows.Scan(&s.ID, &s.ExamID, &s.Name, &s.Position, &s.QuestionIDs); err != nil {
			return nil, err
		}
		sections = append(sections, s)
	}
	return sections, rows.Err()
}

// ReplaceQuestions atomically swaps an exam's full question set.
func (r *ExamRepository) ReplaceQuestions(ctx context.Context, examID uuid.UUID, questions []model.QuestionInput) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM questions WHERE exam_id = $1`, examID); err != nil {
		return fmt.Errorf("clear questions: %w", err)
	}

	for i, q := range questions {
		opts, err := json.Marshal(q.Options)
		if err != nil {
			return fmt.Errorf("encode options: %w", err)
		}
		num := q.DisplayNumber
		if num == 0 {
			num = i + 1
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO questions (exam_id, display_number, prompt, code_snippet, image_url, options, correct_option)
			 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6::jsonb, $7)`,
			examID, num, q.Prompt, q.CodeSnippet, q.ImageURL, opts, q.CorrectOption,
		); err != nil {
			return fmt.Errorf("insert question %d: %w", i, err)
		}
	}

	return tx.Commit(ctx)
}

// ReplaceSections atomically swaps an exam's sections and reassigns the
// referenced questions to them in the given order. A question may belong to
// at most one section; questions left unassigned are not deliverable.
func (r *ExamRepository) ReplaceSections(ctx context.Context, examID uuid.UUID, sections []model.SectionInput) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE questions SET section_id = NULL, section_position = NULL WHERE exam_id = $1`, examID); err != nil {
		return fmt.Errorf("detach questions: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM sections WHERE exam_id = $1`, examID); err != nil {
		return fmt.Errorf("clear sections: %w", err)
	}

	for pos, s := range sections {
		var sectionID uuid.UUID
		if err := tx.QueryRow(ctx,
			`INSERT INTO sections (exam_id, name, position) VALUES ($1, $2, $3) RETURNING id`,
			examID, s.Name, pos,
		).Scan(&sectionID); err != nil {
			return fmt.Errorf("insert section %q: %w", s.Name, err)
		}

		for qPos, rawID := range s.QuestionIDs {
			qid, err := uuid.Parse(rawID)
			if err != nil {
				return fmt.Errorf("section %q: invalid question id %q", s.Name, rawID)
			}
			tag, err := tx.Exec(ctx,
				`UPDATE questions SET section_id = $1, section_position = $2
				 WHERE id = $3 AND exam_id = $4`,
				sectionID, qPos, qid, examID)
			if err != nil {
				return fmt.Errorf("assign question %s: %w", qid, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("section %q references question %s outside this exam", s.Name, qid)
			}
		}
	}

	return tx.Commit(ctx)
}
