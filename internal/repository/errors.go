package repository

import "errors"

// ErrVersionConflict is returned by version-checked updates when the stored
// quote_version no longer matches the caller's expected version.
var ErrVersionConflict = errors.New("quote version conflict")
