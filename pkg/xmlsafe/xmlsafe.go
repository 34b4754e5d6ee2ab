// Package xmlsafe screens untrusted XML before it reaches a parser.
//
// Metadata documents are fetched from publishers chosen by whoever registered a
// participant, so every byte is attacker controlled. Check scans the token
// stream once and rejects:
//
//   - any DOCTYPE or other markup declaration (internal or external entities,
//     external DTD subsets)
//   - documents larger than Limits.MaxBytes
//   - element nesting deeper than Limits.MaxDepth
//   - more than Limits.MaxTokens tokens
//
// The limits apply regardless of what the document itself declares. Only a
// document that passes Check is handed to encoding/xml or etree.
package xmlsafe

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrRejected is wrapped by every security rejection
	ErrRejected = errors.New("xml rejected by security policy")
	// ErrMalformed is returned when the document is not well-formed XML
	ErrMalformed = errors.New("malformed xml")
)

// Limits bounds the resources a document may consume
type Limits struct {
	MaxBytes  int64
	MaxDepth  int
	MaxTokens int
}

// DefaultLimits returns limits sized for SMP responses
func DefaultLimits() Limits {
	return Limits{
		MaxBytes:  2 * 1024 * 1024,
		MaxDepth:  64,
		MaxTokens: 100000,
	}
}

// RejectionError names the rule that rejected a document
type RejectionError struct {
	Rule   string
	Detail string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("xml rejected: %s: %s", e.Rule, e.Detail)
}

func (e *RejectionError) Unwrap() error { return ErrRejected }

// Rules reported in RejectionError
const (
	RuleDeclaration = "markup declaration"
	RuleSize        = "size limit"
	RuleDepth       = "depth limit"
	RuleTokens      = "token limit"
)

// Check scans data and returns nil if it is safe to parse
func Check(data []byte, limits Limits) error {
	if limits.MaxBytes > 0 && int64(len(data)) > limits.MaxBytes {
		return &RejectionError{Rule: RuleSize, Detail: fmt.Sprintf("%d bytes exceeds %d", len(data), limits.MaxBytes)}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%w: empty document", ErrMalformed)
	}

	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = true
	// Unknown entity references stay errors: no entity map is installed.
	dec.Entity = nil

	// open holds the raw names of unclosed elements
	var open []xml.Name
	tokens, roots := 0, 0
	for {
		tok, err := dec.RawToken()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		tokens++
		if limits.MaxTokens > 0 && tokens > limits.MaxTokens {
			return &RejectionError{Rule: RuleTokens, Detail: fmt.Sprintf("more than %d tokens", limits.MaxTokens)}
		}

		switch t := tok.(type) {
		case xml.Directive:
			return &RejectionError{Rule: RuleDeclaration, Detail: directiveName(t)}
		case xml.StartElement:
			if len(open) == 0 {
				roots++
				if roots > 1 {
					return fmt.Errorf("%w: multiple root elements", ErrMalformed)
				}
			}
			open = append(open, t.Name)
			if limits.MaxDepth > 0 && len(open) > limits.MaxDepth {
				return &RejectionError{Rule: RuleDepth, Detail: fmt.Sprintf("nesting exceeds %d", limits.MaxDepth)}
			}
		case xml.EndElement:
			if len(open) == 0 {
				return fmt.Errorf("%w: unexpected end element %s", ErrMalformed, rawName(t.Name))
			}
			if top := open[len(open)-1]; top != t.Name {
				return fmt.Errorf("%w: element %s closed by %s", ErrMalformed, rawName(top), rawName(t.Name))
			}
			open = open[:len(open)-1]
		}
	}

	if roots == 0 {
		return fmt.Errorf("%w: no root element", ErrMalformed)
	}
	if len(open) != 0 {
		return fmt.Errorf("%w: unclosed elements", ErrMalformed)
	}
	return nil
}

func rawName(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}

func directiveName(d xml.Directive) string {
	fields := strings.Fields(string(d))
	if len(fields) == 0 {
		return "<!>"
	}
	return "<!" + fields[0]
}
