package link

import "errors"

// Validation failures carry stable, user-presentable reasons so the
// calling surface can render an accurate message per rejection. None of
// them is ever retried automatically.
var (
	ErrLinkNotFound     = errors.New("link not found or inactive")
	ErrLinkExpired      = errors.New("link has expired")
	ErrLimitReached     = errors.New("download limit reached")
	ErrIPDenied         = errors.New("access denied from this address")
	ErrPasswordRequired = errors.New("password required")
	ErrInvalidPassword  = errors.New("invalid password")
	ErrNotOwner         = errors.New("link belongs to a different token")
	ErrInvalidMode      = errors.New("unknown delivery mode")
)
