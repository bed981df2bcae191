package storage

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var libraryColumns = []string{"id", "user_id", "file_name", "file_type", "file_data", "created_at"}

func (s *Store) AddLibraryFile(ctx context.Context, f LibraryFile) (LibraryFile, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.CreatedAt = s.now()
	q := s.sql.Insert("library_files").
		Columns(libraryColumns...).
		Values(f.ID, f.UserID, f.FileName, f.FileType, f.FileData, f.CreatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return LibraryFile{}, fmt.Errorf("build add library file query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return LibraryFile{}, fmt.Errorf("add library file: %w", err)
	}
	return f, nil
}

func (s *Store) ListLibraryFiles(ctx context.Context, userID string) ([]LibraryFile, error) {
	q := s.sql.Select(libraryColumns...).
		From("library_files").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list library files query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list library files: %w", err)
	}
	defer rows.Close()

	out := make([]LibraryFile, 0)
	for rows.Next() {
		var f LibraryFile
		if err := rows.Scan(&f.ID, &f.UserID, &f.FileName, &f.FileType, &f.FileData, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan library file row: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate library file rows: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteLibraryFile(ctx context.Context, userID, fileID string) error {
	q := s.sql.Delete("library_files").Where(sq.Eq{"id": fileID, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete library file query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete library file: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
