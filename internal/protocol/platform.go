package protocol

// Platform is the integer-coded device platform used on the wire.
type Platform int

// Platforms
const (
	Android Platform = 1
	IOS     Platform = 2
)

// Platforms lists every platform the agent knows, in report order.
var Platforms = []Platform{Android, IOS}

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	return p == Android || p == IOS
}

func (p Platform) String() string {
	switch p {
	case Android:
		return "android"
	case IOS:
		return "ios"
	default:
		return "unknown"
	}
}
