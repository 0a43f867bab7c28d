package pollctl

// FdType selects which readiness conditions are monitored for an fd.
type FdType int

const (
	TypeInvalid FdType = iota
	// TypeUnsupported marks fds that can not be polled, such as regular
	// files and directories.
	TypeUnsupported
	// TypeNone stops polling the fd.
	TypeNone
	// TypeConnected only watches for hangup or close.
	TypeConnected
	TypeReadOnly
	TypeReadWrite
	TypeWriteOnly
	TypeListen
	typeInvalidMax
)

var typeNames = [...]string{
	TypeInvalid:     "INVALID",
	TypeUnsupported: "UNSUPPORTED",
	TypeNone:        "NONE",
	TypeConnected:   "CONNECTED",
	TypeReadOnly:    "READ_ONLY",
	TypeReadWrite:   "READ_WRITE",
	TypeWriteOnly:   "WRITE_ONLY",
	TypeListen:      "LISTEN",
}

func (t FdType) String() string {
	if t < TypeInvalid || t >= typeInvalidMax {
		return "INVALID"
	}
	return typeNames[t]
}

// pollable reports whether t can be handed to the kernel.
func (t FdType) pollable() bool {
	return t > TypeNone && t < typeInvalidMax
}
