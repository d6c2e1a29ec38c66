package room

import "errors"

// Kind classifies failures reported back to a connection.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindUnauthorized  Kind = "unauthorized"
	KindNotRegistered Kind = "not_registered"
	KindRateLimited   Kind = "rate_limited"
	KindUnavailable   Kind = "unavailable"
	KindInternal      Kind = "internal"
)

var (
	ErrInvalidPayload   = errors.New("invalid payload")
	ErrAlreadyMember    = errors.New("already a member of this room")
	ErrRoomNotFound     = errors.New("room not found")
	ErrRequestNotFound  = errors.New("join request not found")
	ErrMessageNotFound  = errors.New("message not found")
	ErrNotMember        = errors.New("not a member of this room")
	ErrNotOwner         = errors.New("only the room owner can do that")
	ErrIdentityMismatch = errors.New("username does not match authenticated identity")
	ErrNotRegistered    = errors.New("not registered")
	ErrRateLimited      = errors.New("too many requests, slow down")
	ErrOwnerOffline     = errors.New("room owner is offline")
)

var kinds = map[error]Kind{
	ErrInvalidPayload:   KindValidation,
	ErrAlreadyMember:    KindValidation,
	ErrRoomNotFound:     KindNotFound,
	ErrRequestNotFound:  KindNotFound,
	ErrMessageNotFound:  KindNotFound,
	ErrNotMember:        KindUnauthorized,
	ErrNotOwner:         KindUnauthorized,
	ErrIdentityMismatch: KindUnauthorized,
	ErrNotRegistered:    KindNotRegistered,
	ErrRateLimited:      KindRateLimited,
	ErrOwnerOffline:     KindUnavailable,
}

// KindOf maps err, possibly wrapped, to its taxonomy kind.
func KindOf(err error) Kind {
	for sentinel, kind := range kinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindInternal
}
