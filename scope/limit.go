package scope

import "github.com/nursery-run/nursery/kernel"

// Limiter is re-exported from kernel so callers configuring WithMaxConcurrency
// don't need a second import for the underlying type.
type Limiter = kernel.Limiter
