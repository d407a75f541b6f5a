package engine

import "errors"

// errEmptyOutput marks a stream that terminated with no text, reasoning or
// tool parts. Treated as retryable once against the fallback model.
var errEmptyOutput = errors.New("model produced no usable output")
