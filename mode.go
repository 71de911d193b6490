package waitdie

// Mode is the access mode a WaitDieLock is currently granted in.
type Mode uint8

const (
	// ModeFree means no transaction holds the lock.
	ModeFree Mode = iota
	// ModeShared means one or more readers hold the lock.
	ModeShared
	// ModeExclusive means exactly one writer holds the lock.
	ModeExclusive
)

func (m Mode) String() string {
	switch m {
	case ModeFree:
		return "free"
	case ModeShared:
		return "shared"
	case ModeExclusive:
		return "exclusive"
	default:
		return "invalid"
	}
}

// tag is the one-letter form used by Trace.
func (m Mode) tag() string {
	switch m {
	case ModeShared:
		return "S"
	case ModeExclusive:
		return "X"
	default:
		return "I"
	}
}

// Request is the kind of access a caller asks for.
type Request uint8

const (
	// RequestShared asks for read access.
	RequestShared Request = iota
	// RequestExclusive asks for write access.
	RequestExclusive
	// RequestUpgrade converts held read access into write access.
	RequestUpgrade
)

func (r Request) String() string {
	switch r {
	case RequestShared:
		return "shared"
	case RequestExclusive:
		return "exclusive"
	case RequestUpgrade:
		return "upgrade"
	default:
		return "invalid"
	}
}

func (r Request) tag() string {
	switch r {
	case RequestShared:
		return "S"
	case RequestExclusive:
		return "X"
	case RequestUpgrade:
		return "U"
	default:
		return "?"
	}
}

// grants is the mode a holder ends up in once the request is granted.
func (r Request) grants() Mode {
	if r == RequestShared {
		return ModeShared
	}
	return ModeExclusive
}
