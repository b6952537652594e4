package plan

import "errors"

// Every validation failure raised while building or mutating a plan wraps
// one of these sentinels, so callers can branch with errors.Is while still
// getting a message naming the offending model or option.
var (
	ErrNoChanges              = errors.New("no changes detected")
	ErrChangesAndRestatements = errors.New("model changes and restatements can't be part of the same plan")
	ErrProdDateWindow         = errors.New("start and end dates can't be set for the production environment without restatements")
	ErrForwardOnlyChoice      = errors.New("choice setting is not supported by a forward-only plan")
	ErrBackfillOutsideDev     = errors.New("backfill model selection is only supported for development environments")
	ErrInvalidRestatement     = errors.New("invalid restatement target")
	ErrUnrevertableVersion    = errors.New("unrevertable version")
	ErrEffectiveFrom          = errors.New("invalid effective-from date")
)
