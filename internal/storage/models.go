package storage

import "time"

type User struct {
	ID            string
	Name          string
	Email         string
	PasswordHash  string
	IsPremium     bool
	EmailVerified bool
	CreatedAt     time.Time
}

type Chat struct {
	ID           string
	UserID       string
	Title        string
	MessagesJSON string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type LibraryFile struct {
	ID        string
	UserID    string
	FileName  string
	FileType  string
	FileData  string
	CreatedAt time.Time
}

type AuditEntry struct {
	UserID   string
	Action   string
	MetaJSON string
}
