package podspec

import "errors"

// Sentinel errors forming the error taxonomy's ConfigInvalid category and
// the unknown tier/service/template lookups that originate in the
// spec/registry layer, per spec.md §7.
var (
	ErrConfigInvalid   = errors.New("config invalid")
	ErrUnknownTier     = errors.New("unknown tier")
	ErrUnknownService  = errors.New("unknown service")
	ErrUnknownTemplate = errors.New("unknown template")
)
