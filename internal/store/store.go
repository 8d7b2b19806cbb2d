// Package store defines the persistence contract for shareable objects
// and the account records the authorization resolver reads.
//
// The redemption protocol depends only on the Store interface; the
// PostgreSQL implementation lives in store/postgres and an in-memory
// implementation for tests and development lives in store/memory.
package store

import (
	"context"
	"errors"
	"time"
)

// Kind discriminates where an object's content lives: inline text or an
// external blob.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindDoc   Kind = "doc"
)

// ValidKind reports whether k is a supported object kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindText, KindImage, KindVideo, KindDoc:
		return true
	}
	return false
}

// HasFile reports whether the kind stores its payload in blob storage.
func (k Kind) HasFile() bool {
	return k != KindText
}

// Account roles.
const (
	RoleIndividual = "individual"
	RoleInfluencer = "influencer"
	RoleInsight    = "insight"
)

// Sentinel errors surfaced by Store implementations.
var (
	// ErrNotFound is returned when no row matches the given id or code.
	ErrNotFound = errors.New("not found")

	// ErrCodeTaken is returned by InsertObject when the share code collides
	// with a live object. Callers retry with a freshly generated code.
	ErrCodeTaken = errors.New("share code already in use")
)

// Object is a shareable object row. Exactly one of TextContent or
// StoragePath is populated, determined by Kind. PinHash is non-empty iff
// PinProtected is true.
type Object struct {
	ID                 string
	Code               string
	Kind               Kind
	Title              string
	TextContent        string
	StoragePath        string
	MimeType           string
	Bytes              int64
	RecipientAccountID string // empty = not account-scoped
	Channel            string
	PinProtected       bool
	PinHash            string
	PinExpiresAt       *time.Time
	ViewLimit          int // 0 = unlimited
	ViewsUsed          int
	ExpiresAt          *time.Time
	OneShot            bool // delete-on-first-read policy, independent of ViewLimit
	Claimed            bool // one-shot claim flag, flipped atomically on redemption
	UploaderUserID     string
	CreatedAt          time.Time
}

// Expired reports whether the object's absolute expiry has passed.
func (o *Object) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && now.After(*o.ExpiresAt)
}

// PinExpired reports whether the PIN window has lapsed, independent of the
// object's own expiry.
func (o *Object) PinExpired(now time.Time) bool {
	return o.PinExpiresAt != nil && now.After(*o.PinExpiresAt)
}

// Account is a recipient account, referenced by account-scoped objects.
type Account struct {
	ID          string
	Role        string // "individual", "influencer", "insight"
	Verified    bool
	DisplayName string
	Slug        string
	CreatedAt   time.Time
}

// PurgedObject identifies an expired row removed by PurgeExpired, with the
// storage path the caller needs for blob cleanup.
type PurgedObject struct {
	ID          string
	StoragePath string
}

// Store is the persistence contract consumed by the redemption protocol
// and the authorization resolver.
type Store interface {
	// InsertObject persists a new object. Returns ErrCodeTaken when the
	// code collides with an existing row's unique constraint.
	InsertObject(ctx context.Context, obj *Object) error

	// GetObjectByID returns an object by its opaque primary id.
	GetObjectByID(ctx context.Context, id string) (*Object, error)

	// GetObjectByCode returns an object by its public share code.
	GetObjectByCode(ctx context.Context, code string) (*Object, error)

	// SetObjectBytes reconciles the stored byte count with the size
	// observed in blob storage at confirmation time.
	SetObjectBytes(ctx context.Context, id string, bytes int64) error

	// ConsumeView atomically increments views_used if it is still below
	// view_limit. Returns false when the limit is exhausted. Objects with
	// no view limit always consume successfully.
	ConsumeView(ctx context.Context, id string) (bool, error)

	// ClaimOneShot atomically flips the claimed flag for a one-shot
	// object. Returns false if it was already claimed; exactly one of any
	// set of concurrent callers observes true.
	ClaimOneShot(ctx context.Context, id string) (bool, error)

	// DeleteObject removes the metadata row. Deleting a missing id is a
	// no-op, not an error.
	DeleteObject(ctx context.Context, id string) error

	// PurgeExpired removes rows whose expires_at has passed and returns
	// their ids and storage paths for blob cleanup.
	PurgeExpired(ctx context.Context, now time.Time) ([]PurgedObject, error)

	// CountLiveObjects returns the number of stored objects.
	CountLiveObjects(ctx context.Context) (int64, error)

	// GetAccount returns an account by id.
	GetAccount(ctx context.Context, id string) (*Account, error)

	// ListVerifiedAccounts returns accounts eligible as recipients.
	ListVerifiedAccounts(ctx context.Context) ([]Account, error)

	// IsMember reports whether the user has a membership row for the
	// account, in any role.
	IsMember(ctx context.Context, accountID, userID string) (bool, error)
}
