package message

import (
	"regexp"
	"strings"
)

// FaultKind is an advisory classification of a remote failure.
type FaultKind int

const (
	FaultUnknown FaultKind = iota
	FaultNoSuchMethod
	FaultClassNotFound
	FaultNoSuchField
	FaultSQL
)

var faultPatterns = []struct {
	kind FaultKind
	re   *regexp.Regexp
}{
	{FaultNoSuchMethod, regexp.MustCompile(`(php\.java\.bridge\.NoSuchProcedureException)|(Cause: java\.lang\.NoSuchMethod(Exception|Error))`)},
	{FaultClassNotFound, regexp.MustCompile(`Cause: java\.lang\.ClassNotFoundException`)},
	{FaultSQL, regexp.MustCompile(`^Invoke failed(.*)java\.sql\.SQLException`)},
	{FaultNoSuchField, regexp.MustCompile(`Cause: java\.lang\.NoSuchFieldException`)},
}

var (
	causeClassRe = regexp.MustCompile(`Cause: ([^:]+):`)
	credentialRe = regexp.MustCompile(`user=([^& ]+)|password=([^& ]+)`)
)

// UnknownRemoteClass is reported when the message names no cause class.
const UnknownRemoteClass = "Unknown java exception class"

// Fault is a decoded remote failure. It is returned to the call site that
// triggered it and never invalidates the connection.
type Fault struct {
	// Handle references the remote exception object, zero when none was sent.
	Handle          Handle
	Message         string
	Cause           string
	StackTrace      string
	RemoteClassName string
	Code            int
}

// NewFault builds a Fault from the message attribute of an E tag.
// Credentials embedded in connection strings are masked.
func NewFault(h Handle, raw string) *Fault {
	msg := credentialRe.ReplaceAllString(raw, "****")
	f := &Fault{Handle: h, Message: msg, Cause: msg, RemoteClassName: UnknownRemoteClass}
	if m := causeClassRe.FindStringSubmatch(msg); len(m) > 1 {
		f.RemoteClassName = m[1]
	}
	if parts := strings.Split(msg, "Cause: "); len(parts) > 1 {
		f.Cause = strings.TrimSpace(strings.Join(parts[1:], ", "))
	}
	return f
}

func (f *Fault) Error() string {
	return "remote fault: " + f.Message
}

// Kind classifies the fault by its message.
func (f *Fault) Kind() FaultKind {
	for _, p := range faultPatterns {
		if p.re.MatchString(f.Message) {
			return p.kind
		}
	}
	return FaultUnknown
}
