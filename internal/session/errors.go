package session

import "github.com/cory-johannsen/worldlink/internal/apperr"

var (
	// ErrSessionNotFound is returned when no session exists for the account.
	ErrSessionNotFound = &apperr.Error{Kind: apperr.KindNotFound, Msg: "session not found"}
	// ErrNotConnected is returned when the session exists but is not Connected.
	ErrNotConnected = &apperr.Error{Kind: apperr.KindNotConnected, Msg: "session not connected"}
	// ErrAlreadyConnected accompanies the existing session on a duplicate Connect.
	ErrAlreadyConnected = &apperr.Error{Kind: apperr.KindAlreadyExists, Msg: "account already connected"}
	// ErrObjectNotFound is returned when a sit target is not in the region snapshot.
	ErrObjectNotFound = &apperr.Error{Kind: apperr.KindNotFound, Msg: "object not found in region"}
)

func notFound(op string) error {
	return &apperr.Error{Kind: apperr.KindNotFound, Op: op, Err: ErrSessionNotFound}
}
func notConnected(op string) error {
	return &apperr.Error{Kind: apperr.KindNotConnected, Op: op, Err: ErrNotConnected}
}
