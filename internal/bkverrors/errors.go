// Package bkverrors collects the sentinel errors shared across bkv's
// persistence layer, mirroring the grouped Err* block the teacher repo
// keeps at the top of its btree package.
package bkverrors

import "errors"

var (
	ErrFileCorrupt     = errors.New("bkv: on-disk file is corrupt or has an invalid header")
	ErrBadMagic        = errors.New("bkv: magic number mismatch")
	ErrChunkExhausted  = errors.New("bkv: chunk has no free pages")
	ErrFileExhausted   = errors.New("bkv: no chunk in file has free pages")
	ErrDuplicateInsert = errors.New("bkv: duplicate id inserted into cache")
	ErrKeyTooLarge     = errors.New("bkv: key exceeds maximum length")
	ErrValueTooLarge   = errors.New("bkv: value exceeds maximum length")
	ErrEmptyKeyOrValue = errors.New("bkv: key and value must be at least 1 byte")
	ErrStoreClosed     = errors.New("bkv: store is closed")
)
