package store

import "database/sql"

const teacherPasswordKey = "teacher_password_hash"

// SetMetadata upserts a key-value pair in the app_metadata table.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO app_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?`,
		key, value, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM app_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetTeacherPasswordHash stores the bcrypt hash guarding the gradebook.
func (s *Store) SetTeacherPasswordHash(hash string) error {
	return s.SetMetadata(teacherPasswordKey, hash)
}

// TeacherPasswordHash returns the stored hash, or "" if none is set.
func (s *Store) TeacherPasswordHash() (string, error) {
	return s.GetMetadata(teacherPasswordKey)
}
