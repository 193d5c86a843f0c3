// Package signatures holds the stream-prefix matchers used to identify the
// service carried by a TCP connection.
package signatures

// Signature is one protocol detection rule over the first bytes of a
// stream.
type Signature interface {
	// Name returns the signature name
	Name() string

	// Protocol returns the protocol this signature detects
	Protocol() string

	// Priority returns the detection priority (higher = checked first)
	Priority() int

	// Detect inspects the stream prefix. It returns nil when the protocol is
	// not recognised. The prefix may be shorter than the ident budget when
	// the stream closed early.
	Detect(prefix []byte) *DetectionResult
}

// DetectionResult contains the outcome of protocol detection
type DetectionResult struct {
	// Protocol name (e.g. "HTTP", "SMTP")
	Protocol string

	// Confidence score (0.0 - 1.0)
	Confidence float64

	// Response is set when the prefix was sent by the server side of the
	// dialogue (a status line or a reply code).
	Response bool

	// Metadata contains protocol-specific information
	Metadata map[string]any
}

// Confidence level constants for standardized scoring
const (
	ConfidenceDefinite = 1.00 // Unambiguous framing
	ConfidenceVeryHigh = 0.95 // Strong indicators
	ConfidenceHigh     = 0.85 // Multiple indicators match
	ConfidenceMedium   = 0.70 // Single strong indicator
	ConfidenceLow      = 0.50 // Weak heuristic
	ConfidenceGuess    = 0.30 // Unlikely but possible
)

// IsDigit reports whether b is an ASCII digit.
func IsDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

// ReplyCode reports whether prefix starts with a three digit reply code
// followed by a space, a dash, or the end of the prefix.
func ReplyCode(prefix []byte) (int, bool) {
	if len(prefix) < 3 || !IsDigit(prefix[0]) || !IsDigit(prefix[1]) || !IsDigit(prefix[2]) {
		return 0, false
	}
	if len(prefix) > 3 && prefix[3] != ' ' && prefix[3] != '-' && prefix[3] != '\r' {
		return 0, false
	}
	code := int(prefix[0]-'0')*100 + int(prefix[1]-'0')*10 + int(prefix[2]-'0')
	if code < 100 || code > 599 {
		return 0, false
	}
	return code, true
}
