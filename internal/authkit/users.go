package authkit

import "context"

// UserRecord is the directory entry for a provider identity.
type UserRecord struct {
	ExternalID  string
	DisplayName string
	Email       string
}

// UserStore is the only contact point with the persistence engine.
// Insert must be atomic: concurrent inserts for the same external id must
// not both succeed, with the loser receiving ErrUserAlreadyExists.
type UserStore interface {
	FindByExternalID(ctx context.Context, externalID string) (UserRecord, error)
	Insert(ctx context.Context, record UserRecord) error
}
