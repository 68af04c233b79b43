package notify

import "errors"

var (
	errMissingBroker    = errors.New("notify: broker is required")
	errMissingBaselines = errors.New("notify: baseline source is required")
)
