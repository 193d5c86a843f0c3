package application

import (
	"bytes"

	"github.com/endorses/flowscope/internal/pkg/detector/signatures"
)

// SMTPSignature detects SMTP (Simple Mail Transfer Protocol) traffic on
// ports outside the well-known table.
type SMTPSignature struct {
	commands [][]byte
}

// NewSMTPSignature creates a new SMTP signature detector
func NewSMTPSignature() *SMTPSignature {
	return &SMTPSignature{
		commands: [][]byte{
			[]byte("HELO "), []byte("EHLO "), []byte("MAIL FROM:"), []byte("RCPT TO:"),
		},
	}
}

func (s *SMTPSignature) Name() string {
	return "SMTP Detector"
}

func (s *SMTPSignature) Protocol() string {
	return "SMTP"
}

func (s *SMTPSignature) Priority() int {
	return 95
}

func (s *SMTPSignature) Detect(prefix []byte) *signatures.DetectionResult {
	// Server greeting: "220 host ESMTP ..."
	if code, ok := signatures.ReplyCode(prefix); ok {
		if code != 220 || !bytes.Contains(bytes.ToUpper(prefix), []byte("SMTP")) {
			return nil
		}
		return &signatures.DetectionResult{
			Protocol: "SMTP",
			Confidence: signatures.ScoreDetection([]signatures.Indicator{
				{Name: "greeting_response", Weight: 0.5, Confidence: signatures.ConfidenceVeryHigh},
				{Name: "banner_keyword", Weight: 0.5, Confidence: signatures.ConfidenceHigh},
			}),
			Response: true,
			Metadata: map[string]any{"type": "response", "code": code},
		}
	}

	upper := bytes.ToUpper(prefix)
	for _, cmd := range s.commands {
		if bytes.HasPrefix(upper, cmd) {
			return &signatures.DetectionResult{
				Protocol:   "SMTP",
				Confidence: signatures.ConfidenceHigh,
				Metadata:   map[string]any{"type": "command", "command": string(bytes.TrimSpace(cmd))},
			}
		}
	}
	return nil
}
