package maildb

import (
	"github.com/pkg/errors"
)

var (
	ErrNotFound = errors.New("maildb: not found")

	// ErrCorruptData marks an undeserializable stored value. The data
	// itself is suspect, so callers must abort instead of retrying.
	ErrCorruptData = errors.New("maildb: corrupt data")
)

func corruptf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrCorruptData, format, args...)
}
