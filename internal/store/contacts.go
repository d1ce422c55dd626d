package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Contact buckets. An unset bucket means the contact has not been
// screened yet.
const (
	BucketApproved   = "approved"
	BucketFeed       = "feed"
	BucketPaperTrail = "paper_trail"
	BucketQuarantine = "quarantine"
	BucketBlocked    = "blocked"
)

// Contact represents a correspondent (or the local user) in the database.
type Contact struct {
	ID                int64
	Email             string
	Name              sql.NullString
	IsMe              bool
	IsDefaultIdentity bool
	Bucket            sql.NullString
	CreatedAt         time.Time
}

// DisplayName returns the contact's name, falling back to the email address.
func (c *Contact) DisplayName() string {
	if c.Name.Valid && c.Name.String != "" {
		return c.Name.String
	}
	return c.Email
}

// cleanContactName drops a display name that carries no information: a
// name equal (case-insensitively) to the address's local part counts as
// absent.
func cleanContactName(email, name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	local := email
	if idx := strings.IndexByte(email, '@'); idx >= 0 {
		local = email[:idx]
	}
	if strings.EqualFold(name, local) {
		return ""
	}
	return name
}

const contactColumns = `id, email, name, is_me, is_default_identity, bucket, created_at`

func scanContact(row interface{ Scan(...any) error }) (*Contact, error) {
	var c Contact
	err := row.Scan(&c.ID, &c.Email, &c.Name, &c.IsMe, &c.IsDefaultIdentity, &c.Bucket, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

// EnsureContact gets or creates a contact by email (lowercased), with
// name promotion: if a better name is now known for an existing contact
// it replaces an empty one. bucket applies only on first creation.
func (s *Store) EnsureContact(email, name, bucket string, now time.Time) (*Contact, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, &StorageError{Kind: KindConstraint, Op: "ensure contact", Err: fmt.Errorf("empty email")}
	}
	name = cleanContactName(email, name)

	var bucketVal sql.NullString
	if bucket != "" {
		bucketVal = sql.NullString{String: bucket, Valid: true}
	}
	var nameVal sql.NullString
	if name != "" {
		nameVal = sql.NullString{String: name, Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO contacts (email, name, bucket, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			name = excluded.name
		WHERE (contacts.name IS NULL OR contacts.name = '')
			AND excluded.name IS NOT NULL AND excluded.name != ''
	`, email, nameVal, bucketVal, utcSecond(now))
	if err != nil {
		return nil, classify("ensure contact", err)
	}

	return s.GetContactByEmail(email)
}

// GetContact returns a contact by id, or a not_found StorageError.
func (s *Store) GetContact(id int64) (*Contact, error) {
	c, err := scanContact(s.db.QueryRow(
		`SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id))
	if err != nil {
		return nil, classify("get contact", err)
	}
	return c, nil
}

// GetContactByEmail returns a contact by its (lowercased) email address.
func (s *Store) GetContactByEmail(email string) (*Contact, error) {
	c, err := scanContact(s.db.QueryRow(
		`SELECT `+contactColumns+` FROM contacts WHERE email = ?`,
		strings.ToLower(email)))
	if err != nil {
		return nil, classify("get contact by email", err)
	}
	return c, nil
}

// FindContactByEmail is like GetContactByEmail but returns nil instead
// of an error when the contact does not exist.
func (s *Store) FindContactByEmail(email string) (*Contact, error) {
	c, err := s.GetContactByEmail(email)
	if IsNotFound(err) {
		return nil, nil
	}
	return c, err
}

// ListContacts returns all contacts ordered by email.
func (s *Store) ListContacts(limit, offset int) ([]Contact, error) {
	rows, err := s.db.Query(
		`SELECT `+contactColumns+` FROM contacts ORDER BY email LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, classify("list contacts", err)
	}
	defer rows.Close()

	var contacts []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, classify("scan contact", err)
		}
		contacts = append(contacts, *c)
	}
	return contacts, rows.Err()
}

// UpdateContactName sets the contact's display name unconditionally.
func (s *Store) UpdateContactName(id int64, name string) error {
	var nameVal sql.NullString
	if name != "" {
		nameVal = sql.NullString{String: name, Valid: true}
	}
	res, err := s.db.Exec(`UPDATE contacts SET name = ? WHERE id = ?`, nameVal, id)
	if err != nil {
		return classify("update contact name", err)
	}
	return requireRow(res, "update contact name")
}

// SetContactBucket moves a contact into the given bucket; an empty
// bucket returns the contact to the unscreened state.
func (s *Store) SetContactBucket(id int64, bucket string) error {
	var bucketVal sql.NullString
	if bucket != "" {
		bucketVal = sql.NullString{String: bucket, Valid: true}
	}
	res, err := s.db.Exec(`UPDATE contacts SET bucket = ? WHERE id = ?`, bucketVal, id)
	if err != nil {
		return classify("set contact bucket", err)
	}
	return requireRow(res, "set contact bucket")
}

// MarkContactMe flags a contact as one of the local user's identities.
// The flag only ever grows: contacts are never demoted from is_me.
func (s *Store) MarkContactMe(id int64) error {
	_, err := s.db.Exec(`UPDATE contacts SET is_me = 1 WHERE id = ?`, id)
	return classify("mark contact me", err)
}

// SetDefaultIdentity marks the contact as the default sending identity,
// clearing the flag on any other contact. The contact must be is_me.
func (s *Store) SetDefaultIdentity(id int64) error {
	return s.withTx(func(tx *sql.Tx) error {
		var isMe bool
		if err := tx.QueryRow(`SELECT is_me FROM contacts WHERE id = ?`, id).Scan(&isMe); err != nil {
			return classify("set default identity", err)
		}
		if !isMe {
			return &StorageError{
				Kind: KindConstraint, Op: "set default identity",
				Err: fmt.Errorf("contact %d is not an identity", id),
			}
		}
		if _, err := tx.Exec(`UPDATE contacts SET is_default_identity = 0 WHERE is_default_identity = 1`); err != nil {
			return classify("clear default identity", err)
		}
		if _, err := tx.Exec(`UPDATE contacts SET is_default_identity = 1 WHERE id = ?`, id); err != nil {
			return classify("set default identity", err)
		}
		return nil
	})
}

// DefaultIdentity returns the contact marked as the default sending
// identity, falling back to any is_me contact. Returns nil when the
// local user has no identity yet.
func (s *Store) DefaultIdentity() (*Contact, error) {
	c, err := scanContact(s.db.QueryRow(
		`SELECT ` + contactColumns + ` FROM contacts
		 WHERE is_me = 1
		 ORDER BY is_default_identity DESC, id
		 LIMIT 1`))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, classify("default identity", err)
	}
	return c, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// requireRow converts a zero-row update into a not_found StorageError.
func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return classify(op, err)
	}
	if n == 0 {
		return &StorageError{Kind: KindNotFound, Op: op, Err: sql.ErrNoRows}
	}
	return nil
}
