// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrDuplicateVersion is returned when a publish names a crate version
// that already exists, yanked or not.
var ErrDuplicateVersion = errors.New("crate version already uploaded")

// TooManyRequestsError is returned when the publish rate limit denies a
// request. RetryAfter is the earliest time at which a retry can succeed.
type TooManyRequestsError struct {
	RetryAfter time.Time
}

func (e *TooManyRequestsError) Error() string {
	return fmt.Sprintf("too many publish requests, retry after %s",
		e.RetryAfter.UTC().Format(time.RFC1123))
}

// InvalidMetadataError reports required manifest fields that are
// missing or empty. The upload is rejected before any state changes.
type InvalidMetadataError struct {
	Missing []string
}

func (e *InvalidMetadataError) Error() string {
	return fmt.Sprintf("missing or empty metadata fields: %s",
		strings.Join(e.Missing, ", "))
}

// ForbiddenError is returned when the acting user lacks rights to the
// crate, for example publishing a new version of someone else's crate.
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string { return e.Reason }

// UploadTooLargeError is returned when the compressed archive exceeds
// the size ceiling in effect for the crate.
type UploadTooLargeError struct {
	Limit int64
}

func (e *UploadTooLargeError) Error() string {
	return fmt.Sprintf("max upload size is %d bytes", e.Limit)
}

// MalformedArchiveError reports a structurally invalid crate archive.
type MalformedArchiveError struct {
	Reason string
}

func (e *MalformedArchiveError) Error() string {
	return "malformed crate archive: " + e.Reason
}

// StorageError wraps a blob store failure during publish.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string { return "failed to store crate: " + e.Err.Error() }

func (e *StorageError) Unwrap() error { return e.Err }
