package application

import (
	"encoding/binary"

	"github.com/endorses/flowscope/internal/pkg/detector/signatures"
)

const dnsHeaderLen = 12

// DNSSignature detects DNS (Domain Name System) messages by the shape of
// their header. Over TCP each message carries a two-byte length prefix.
type DNSSignature struct {
	stream bool
}

// NewDNSSignature creates a DNS detector for datagrams.
func NewDNSSignature() *DNSSignature {
	return &DNSSignature{}
}

// NewDNSStreamSignature creates a DNS detector for length-prefixed TCP
// streams.
func NewDNSStreamSignature() *DNSSignature {
	return &DNSSignature{stream: true}
}

func (d *DNSSignature) Name() string {
	return "DNS Detector"
}

func (d *DNSSignature) Protocol() string {
	return "DNS"
}

func (d *DNSSignature) Priority() int {
	return 120 // Binary header, checked before the text protocols
}

func (d *DNSSignature) Detect(prefix []byte) *signatures.DetectionResult {
	payload := prefix
	if d.stream {
		if len(prefix) < 2 || binary.BigEndian.Uint16(prefix) < dnsHeaderLen {
			return nil
		}
		payload = prefix[2:]
	}
	if len(payload) < dnsHeaderLen {
		return nil
	}

	// ID(2) + Flags(2) + Questions(2) + Answers(2) + Authority(2) + Additional(2)
	flags := binary.BigEndian.Uint16(payload[2:])
	questionCount := binary.BigEndian.Uint16(payload[4:])
	answerCount := binary.BigEndian.Uint16(payload[6:])
	authorityCount := binary.BigEndian.Uint16(payload[8:])
	additionalCount := binary.BigEndian.Uint16(payload[10:])

	qr := (flags >> 15) & 0x01
	opcode := (flags >> 11) & 0x0F
	z := (flags >> 4) & 0x07
	rcode := flags & 0x0F

	// Reserved bits are zero and only opcodes 0-6 are assigned.
	if z != 0 || opcode > 6 {
		return nil
	}
	if qr == 0 {
		// A query asks at least one question and carries no answers.
		if questionCount == 0 || answerCount > 0 || authorityCount > 0 || rcode != 0 {
			return nil
		}
	}
	if questionCount > 100 || answerCount > 100 {
		return nil
	}
	total := uint32(questionCount) + uint32(answerCount) + uint32(authorityCount) + uint32(additionalCount)
	if total > 200 {
		return nil
	}

	indicators := []signatures.Indicator{
		{Name: "valid_header", Weight: 0.5, Confidence: signatures.ConfidenceHigh},
	}
	if questionCount > 0 && questionCount < 10 {
		indicators = append(indicators, signatures.Indicator{
			Name: "reasonable_questions", Weight: 0.2, Confidence: signatures.ConfidenceMedium,
		})
	}
	if opcode == 0 {
		indicators = append(indicators, signatures.Indicator{
			Name: "standard_query", Weight: 0.2, Confidence: signatures.ConfidenceMedium,
		})
	}
	if d.stream {
		indicators = append(indicators, signatures.Indicator{
			Name: "length_prefix", Weight: 0.1, Confidence: signatures.ConfidenceMedium,
		})
	} else {
		indicators = append(indicators, signatures.Indicator{
			Name: "udp_transport", Weight: 0.1, Confidence: signatures.ConfidenceLow,
		})
	}

	return &signatures.DetectionResult{
		Protocol:   "DNS",
		Confidence: signatures.ScoreDetection(indicators),
		Response:   qr == 1,
		Metadata: map[string]any{
			"transaction_id": binary.BigEndian.Uint16(payload),
			"is_response":    qr == 1,
			"opcode":         opcode,
			"questions":      questionCount,
			"answers":        answerCount,
		},
	}
}
