package jsonrpc

// Limits bounds the size of a single protocol line.
type Limits struct {
	MaxLine int
}

// DefaultMaxLine is the default maximum length of one JSON document line.
const DefaultMaxLine = 1 << 20 // 1 MiB

// MaxLineHardLimit is the absolute ceiling regardless of configured limits.
const MaxLineHardLimit = 16 << 20 // 16 MiB

// DefaultLimits returns the default line limits.
func DefaultLimits() Limits {
	return Limits{MaxLine: DefaultMaxLine}
}
