package message

// CallKind is the tag code of a request envelope.
type CallKind byte

const (
	CallInvoke    CallKind = 'Y' // invoke method on handle
	CallCreate    CallKind = 'K' // construct new object
	CallReference CallKind = 'H' // resolve a class reference
	CallProperty  CallKind = 'G' // property get/set
	CallResult    CallKind = 'R' // reverse-call result
	CallUnref     CallKind = 'U' // release a handle
	CallExit      CallKind = 'Z' // terminate with exit code
)

// Mode is the position attribute of a request envelope.
type Mode byte

const (
	ModeFull   Mode = '1' // full call, a reply follows
	ModeCached Mode = '2' // cached template, result handle allocated without a reply
	ModeVoid   Mode = '3' // cached template, result discarded without a reply
)

// Call is one request envelope. Target is set for invoke and property access,
// Class for construct and reference. Args keep call order.
type Call struct {
	Kind   CallKind
	Mode   Mode
	Target Handle
	Class  string
	Method string
	Args   []Value

	// Code is the exit code of a CallExit envelope.
	Code uint32
}

// ExpectsReply reports whether the remote side answers this envelope.
func (c *Call) ExpectsReply() bool {
	switch c.Kind {
	case CallUnref, CallExit, CallResult:
		return false
	}
	return c.Mode == ModeFull || c.Mode == 0
}
