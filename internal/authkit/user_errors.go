package authkit

import "errors"

var (
	// ErrUserNotFound indicates no directory record matched the external id.
	ErrUserNotFound = errors.New("user_store.not_found")
	// ErrUserAlreadyExists indicates an insert collided with an existing record.
	ErrUserAlreadyExists = errors.New("user_store.already_exists")
	// ErrUserEmptyExternalID indicates a record without a provider subject id.
	ErrUserEmptyExternalID = errors.New("user_store.empty_external_id")
)
