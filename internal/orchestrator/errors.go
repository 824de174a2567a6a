package orchestrator

import "errors"

var errNoGenerator = errors.New("no generation provider configured")
