package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/names"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// uniqueViolation is the PostgreSQL error code for unique constraint violations.
const uniqueViolation = "23505"

const studentColumns = `id, student_id, name, email, phone, department, embedding, dim, created_at`

// StudentRepository provides PostgreSQL-backed roster storage
type StudentRepository struct {
	pool *Pool
}

// NewStudentRepository creates a new PostgreSQL student repository
func NewStudentRepository(pool *Pool) *StudentRepository {
	return &StudentRepository{pool: pool}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStudent(row rowScanner) (database.StoredStudent, error) {
	var s database.StoredStudent
	var vec *pgvector.Vector

	err := row.Scan(&s.ID, &s.StudentID, &s.Name, &s.Email, &s.Phone, &s.Department, &vec, &s.Dim, &s.CreatedAt)
	if err != nil {
		return s, err //nolint:wrapcheck // callers wrap
	}
	if vec != nil {
		s.Embedding = vec.Slice()
	}
	return s, nil
}

func scanStudents(rows *sql.Rows) ([]database.StoredStudent, error) {
	defer rows.Close()

	var students []database.StoredStudent
	for rows.Next() {
		s, err := scanStudent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan student: %w", err)
		}
		students = append(students, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate students: %w", err)
	}
	return students, nil
}

// embeddingArg converts an embedding to a nullable vector parameter.
func embeddingArg(embedding []float32) any {
	if len(embedding) == 0 {
		return nil
	}
	return pgvector.NewVector(embedding)
}

// GetStudent retrieves a student by student ID, returns nil if not found
func (r *StudentRepository) GetStudent(ctx context.Context, studentID string) (*database.StoredStudent, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+studentColumns+` FROM students WHERE student_id = $1`, studentID)
	s, err := scanStudent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query student: %w", err)
	}
	return &s, nil
}

// GetStudentsByIDs retrieves students by student ID; unknown IDs are skipped
func (r *StudentRepository) GetStudentsByIDs(ctx context.Context, studentIDs []string) ([]database.StoredStudent, error) {
	if len(studentIDs) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+studentColumns+` FROM students WHERE student_id = ANY($1) ORDER BY id`,
		pq.Array(studentIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("query students by IDs: %w", err)
	}
	return scanStudents(rows)
}

// ListStudents returns all students in enrollment order
func (r *StudentRepository) ListStudents(ctx context.Context) ([]database.StoredStudent, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+studentColumns+` FROM students ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query students: %w", err)
	}
	return scanStudents(rows)
}

// SearchStudents returns students whose name contains query.
// Both sides are compared lowercase, without diacritics and with dashes and underscores as spaces.
func (r *StudentRepository) SearchStudents(ctx context.Context, query string) ([]database.StoredStudent, error) {
	normalized := names.Normalize(query)
	if normalized == "" {
		return r.ListStudents(ctx)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+studentColumns+`
		FROM students
		WHERE regexp_replace(LOWER(translate(unaccent(name), '-_', '  ')), '\s+', ' ', 'g')
		      LIKE '%' || $1 || '%'
		ORDER BY id
	`, normalized)
	if err != nil {
		return nil, fmt.Errorf("search students: %w", err)
	}
	return scanStudents(rows)
}

// Count returns the total number of students
func (r *StudentRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM students").Scan(&count); err != nil {
		return 0, fmt.Errorf("count students: %w", err)
	}
	return count, nil
}

// CountWithFace returns the number of students with an enrolled face embedding
func (r *StudentRepository) CountWithFace(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM students WHERE embedding IS NOT NULL").Scan(&count); err != nil {
		return 0, fmt.Errorf("count students with face: %w", err)
	}
	return count, nil
}

// AddStudent inserts a new student. Returns database.ErrStudentExists if the student ID is taken.
func (r *StudentRepository) AddStudent(ctx context.Context, student *database.StoredStudent) error {
	query := `
		INSERT INTO students (student_id, name, email, phone, department, embedding, dim)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`

	err := r.pool.QueryRow(ctx, query,
		student.StudentID, student.Name, student.Email, student.Phone, student.Department,
		embeddingArg(student.Embedding), len(student.Embedding),
	).Scan(&student.ID, &student.CreatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return database.ErrStudentExists
	}
	if err != nil {
		return fmt.Errorf("insert student: %w", err)
	}
	student.Dim = len(student.Embedding)
	return nil
}

// UpsertStudent inserts a student or replaces details and embedding of an existing one.
func (r *StudentRepository) UpsertStudent(ctx context.Context, student *database.StoredStudent) error {
	query := `
		INSERT INTO students (student_id, name, email, phone, department, embedding, dim)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (student_id) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			phone = EXCLUDED.phone,
			department = EXCLUDED.department,
			embedding = COALESCE(EXCLUDED.embedding, students.embedding),
			dim = CASE WHEN EXCLUDED.embedding IS NULL THEN students.dim ELSE EXCLUDED.dim END,
			updated_at = NOW()
		RETURNING id, created_at
	`

	err := r.pool.QueryRow(ctx, query,
		student.StudentID, student.Name, student.Email, student.Phone, student.Department,
		embeddingArg(student.Embedding), len(student.Embedding),
	).Scan(&student.ID, &student.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert student: %w", err)
	}
	return nil
}

// DeleteStudent removes a student; attendance rows go with it through ON DELETE CASCADE.
func (r *StudentRepository) DeleteStudent(ctx context.Context, studentID string) (bool, error) {
	result, err := r.pool.Exec(ctx, "DELETE FROM students WHERE student_id = $1", studentID)
	if err != nil {
		return false, fmt.Errorf("delete student: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete student rows affected: %w", err)
	}
	return n > 0, nil
}
