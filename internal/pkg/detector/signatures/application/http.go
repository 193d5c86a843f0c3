package application

import (
	"bytes"

	"github.com/endorses/flowscope/internal/pkg/detector/signatures"
)

// HTTPSignature detects HTTP/1.x request and status lines.
type HTTPSignature struct {
	methods []string
}

// NewHTTPSignature creates a new HTTP signature detector
func NewHTTPSignature() *HTTPSignature {
	return &HTTPSignature{
		methods: []string{
			"GET ", "POST ", "PUT ", "DELETE ", "HEAD ", "OPTIONS ",
			"PATCH ", "TRACE ", "CONNECT ",
		},
	}
}

func (h *HTTPSignature) Name() string {
	return "HTTP Detector"
}

func (h *HTTPSignature) Protocol() string {
	return "HTTP"
}

func (h *HTTPSignature) Priority() int {
	return 80
}

func (h *HTTPSignature) Detect(prefix []byte) *signatures.DetectionResult {
	for _, method := range h.methods {
		if bytes.HasPrefix(prefix, []byte(method)) {
			return h.detectRequest(prefix, method)
		}
	}
	if bytes.HasPrefix(prefix, []byte("HTTP/")) {
		return h.detectResponse(prefix)
	}
	return nil
}

func (h *HTTPSignature) detectRequest(prefix []byte, method string) *signatures.DetectionResult {
	indicators := []signatures.Indicator{
		{Name: "method", Weight: 0.6, Confidence: signatures.ConfidenceVeryHigh},
	}

	rest := prefix[len(method):]
	if len(rest) > 0 {
		switch c := rest[0]; {
		case c == '/' || c == '*':
			indicators = append(indicators, signatures.Indicator{
				Name: "origin_form", Weight: 0.4, Confidence: signatures.ConfidenceDefinite,
			})
		case c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
			indicators = append(indicators, signatures.Indicator{
				Name: "absolute_form", Weight: 0.4, Confidence: signatures.ConfidenceHigh,
			})
		default:
			return nil
		}
	}

	return &signatures.DetectionResult{
		Protocol:   "HTTP",
		Confidence: signatures.ScoreDetection(indicators),
		Metadata:   map[string]any{"type": "request", "method": method[:len(method)-1]},
	}
}

func (h *HTTPSignature) detectResponse(prefix []byte) *signatures.DetectionResult {
	// HTTP/d.d followed by a space
	version := prefix[len("HTTP/"):]
	if len(version) < 3 || !signatures.IsDigit(version[0]) || version[1] != '.' || !signatures.IsDigit(version[2]) {
		return nil
	}

	indicators := []signatures.Indicator{
		{Name: "version", Weight: 0.6, Confidence: signatures.ConfidenceVeryHigh},
	}
	if status := version[3:]; len(status) >= 4 && status[0] == ' ' {
		if _, ok := signatures.ReplyCode(status[1:]); ok {
			indicators = append(indicators, signatures.Indicator{
				Name: "status_code", Weight: 0.4, Confidence: signatures.ConfidenceDefinite,
			})
		}
	}

	return &signatures.DetectionResult{
		Protocol:   "HTTP",
		Confidence: signatures.ScoreDetection(indicators),
		Response:   true,
		Metadata:   map[string]any{"type": "response", "version": string(prefix[:len("HTTP/")+3])},
	}
}
