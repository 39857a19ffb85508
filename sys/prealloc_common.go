package sys

import "errors"

// ErrPreallocNotSupported means the file or filesystem cannot preallocate.
// It is informational; callers carry on without preallocation.
var ErrPreallocNotSupported = errors.New("preallocation not supported")
