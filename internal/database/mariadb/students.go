package mariadb

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kozaktomas/face-attendance/internal/database"
)

// ListStudents reads the legacy students table in register order.
// face_encoding holds a JSON array of floats, either flat ([e1, e2, ...]) or wrapped ([[e1, e2, ...]]);
// NULL or empty means the student has no face on file.
func (p *Pool) ListStudents(ctx context.Context) ([]database.StoredStudent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT student_id, name, COALESCE(email, ''), COALESCE(phone, ''), COALESCE(department, ''), face_encoding
		FROM students
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query legacy students: %w", err)
	}
	defer rows.Close()

	var students []database.StoredStudent
	for rows.Next() {
		var s database.StoredStudent
		var encoding sql.RawBytes
		if err := rows.Scan(&s.StudentID, &s.Name, &s.Email, &s.Phone, &s.Department, &encoding); err != nil {
			return nil, fmt.Errorf("scan legacy student: %w", err)
		}
		emb, err := decodeEmbedding(encoding)
		if err != nil {
			return nil, fmt.Errorf("student %s: %w", s.StudentID, err)
		}
		s.Embedding = emb
		s.Dim = len(emb)
		students = append(students, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate legacy students: %w", err)
	}
	return students, nil
}

// CountStudents returns the number of rows in the legacy students table.
func (p *Pool) CountStudents(ctx context.Context) (int, error) {
	var count int
	if err := p.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM students").Scan(&count); err != nil {
		return 0, fmt.Errorf("count legacy students: %w", err)
	}
	return count, nil
}

// decodeEmbedding parses a face_encoding value.
func decodeEmbedding(data []byte) ([]float32, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}

	var flat []float32
	if err := json.Unmarshal(data, &flat); err == nil {
		if len(flat) == 0 {
			return nil, nil
		}
		return flat, nil
	}

	var wrapped [][]float32
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("decode face_encoding: %w", err)
	}
	if len(wrapped) == 0 || len(wrapped[0]) == 0 {
		return nil, nil
	}
	return wrapped[0], nil
}
