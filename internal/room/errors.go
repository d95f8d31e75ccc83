package room

// Stable error codes, part of the external client contract. Preserve
// verbatim.
const (
	ErrNoRoom         = "ERR_NO_ROOM"
	ErrInvalidAuth    = "ERR_INVALID_AUTH"
	ErrEditNotAllowed = "ERR_EDIT_NOT_ALLOWED"
	ErrNotInRoom      = "ERR_NOT_IN_ROOM"
	ErrTokenInvalid   = "ERR_TOKEN_INVALID"
	ErrNoMsg          = "ERR_NO_MSG"
)
