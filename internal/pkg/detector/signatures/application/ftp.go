package application

import (
	"bytes"

	"github.com/endorses/flowscope/internal/pkg/detector/signatures"
)

// FTPSignature detects FTP (File Transfer Protocol) control connections on
// ports outside the well-known table.
type FTPSignature struct {
	commands [][]byte
}

// NewFTPSignature creates a new FTP signature detector
func NewFTPSignature() *FTPSignature {
	return &FTPSignature{
		commands: [][]byte{
			[]byte("USER "), []byte("PASS "), []byte("SYST\r\n"), []byte("FEAT\r\n"), []byte("AUTH TLS"),
		},
	}
}

func (f *FTPSignature) Name() string {
	return "FTP Detector"
}

func (f *FTPSignature) Protocol() string {
	return "FTP"
}

func (f *FTPSignature) Priority() int {
	return 90
}

func (f *FTPSignature) Detect(prefix []byte) *signatures.DetectionResult {
	// Server greeting: "220 ProFTPD ..." or "220-FileZilla Server"
	if code, ok := signatures.ReplyCode(prefix); ok {
		if code != 220 || !bytes.Contains(bytes.ToUpper(prefix), []byte("FTP")) {
			return nil
		}
		return &signatures.DetectionResult{
			Protocol: "FTP",
			Confidence: signatures.ScoreDetection([]signatures.Indicator{
				{Name: "greeting_response", Weight: 0.5, Confidence: signatures.ConfidenceVeryHigh},
				{Name: "banner_keyword", Weight: 0.5, Confidence: signatures.ConfidenceHigh},
			}),
			Response: true,
			Metadata: map[string]any{"type": "response", "code": code},
		}
	}

	upper := bytes.ToUpper(prefix)
	for _, cmd := range f.commands {
		if bytes.HasPrefix(upper, cmd) {
			return &signatures.DetectionResult{
				Protocol:   "FTP",
				Confidence: signatures.ConfidenceHigh,
				Metadata:   map[string]any{"type": "command", "command": string(bytes.TrimSpace(cmd))},
			}
		}
	}
	return nil
}
