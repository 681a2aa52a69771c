package ai

import "errors"

var ErrProviderUnavailable = errors.New("ai provider unavailable")
