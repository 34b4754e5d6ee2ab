package identifier

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrInvalidIdentifier is the sentinel wrapped by every InvalidIdentifierError
var ErrInvalidIdentifier = errors.New("invalid identifier")

// Reasons reported by InvalidIdentifierError
const (
	ReasonMissingScheme    = "missing scheme"
	ReasonUnknownScheme    = "unknown scheme"
	ReasonEmptyValue       = "empty value"
	ReasonValueTooLong     = "value too long"
	ReasonControlChar      = "control character"
	ReasonInvisibleChar    = "invisible character"
	ReasonCharset          = "character outside permitted charset"
	ReasonMalformedISO6523 = "malformed iso6523 value"
)

// Kind identifies which class of identifier is being handled
type Kind int

const (
	// KindParticipant is a participant (business) identifier
	KindParticipant Kind = iota
	// KindDocument is a document type identifier
	KindDocument
	// KindProcess is a process identifier
	KindProcess
)

func (k Kind) String() string {
	switch k {
	case KindParticipant:
		return "participant"
	case KindDocument:
		return "document"
	case KindProcess:
		return "process"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// maxLength returns the maximum value length for the identifier kind.
// Limits follow the Peppol Policy for use of Identifiers.
func (k Kind) maxLength() int {
	switch k {
	case KindParticipant:
		return 50
	case KindProcess:
		return 200
	default:
		return 500
	}
}

// Well-known identifier schemes
const (
	SchemeParticipantISO6523 = "iso6523-actorid-upis"
	SchemeDocumentQNS        = "busdox-docid-qns"
	SchemeDocumentWildcard   = "peppol-doctype-wildcard"
	SchemeProcessUBL         = "cenbii-procid-ubl"
	SchemeProcessPeppol      = "urn:fdc:peppol.eu:2017:identifiers:proc-id"
)

// separator divides scheme and value in the string form of an identifier
const separator = "::"

// InvalidIdentifierError describes why an identifier was rejected
type InvalidIdentifierError struct {
	Kind   Kind
	Input  string
	Reason string
	// Position is the byte offset of the offending character, or -1
	Position int
}

func (e *InvalidIdentifierError) Error() string {
	if e.Position >= 0 {
		return fmt.Sprintf("invalid %s identifier: %s at position %d", e.Kind, e.Reason, e.Position)
	}
	return fmt.Sprintf("invalid %s identifier: %s", e.Kind, e.Reason)
}

func (e *InvalidIdentifierError) Unwrap() error {
	return ErrInvalidIdentifier
}

// Identifier is a validated scheme + value pair. The zero value is not valid;
// identifiers are obtained from a Codec.
type Identifier struct {
	kind   Kind
	scheme string
	value  string
}

// Kind returns the identifier kind
func (id Identifier) Kind() Kind { return id.kind }

// Scheme returns the identifier scheme
func (id Identifier) Scheme() string { return id.scheme }

// Value returns the identifier value with its original case
func (id Identifier) Value() string { return id.value }

// IsZero reports whether the identifier was never set
func (id Identifier) IsZero() bool { return id.scheme == "" && id.value == "" }

// String returns the "scheme::value" form
func (id Identifier) String() string {
	return id.scheme + separator + id.value
}

// ParticipantID names a network participant
type ParticipantID = Identifier

// DocumentTypeID names a document type
type DocumentTypeID = Identifier

// ProcessID names a business process
type ProcessID = Identifier

// SchemeSet lists the recognized schemes per identifier kind
type SchemeSet struct {
	Participant []string `yaml:"participant"`
	Document    []string `yaml:"document"`
	Process     []string `yaml:"process"`
}

// DefaultSchemes returns the schemes recognized by the Peppol network
func DefaultSchemes() SchemeSet {
	return SchemeSet{
		Participant: []string{SchemeParticipantISO6523},
		Document:    []string{SchemeDocumentQNS, SchemeDocumentWildcard},
		Process:     []string{SchemeProcessUBL, SchemeProcessPeppol},
	}
}

func (s SchemeSet) forKind(k Kind) []string {
	switch k {
	case KindParticipant:
		return s.Participant
	case KindDocument:
		return s.Document
	case KindProcess:
		return s.Process
	default:
		return nil
	}
}

// Codec validates identifiers against a fixed scheme allow-list
type Codec struct {
	schemes map[Kind]map[string]struct{}
}

// NewCodec creates a codec recognizing the given schemes
func NewCodec(schemes SchemeSet) *Codec {
	c := &Codec{schemes: make(map[Kind]map[string]struct{})}
	for _, k := range []Kind{KindParticipant, KindDocument, KindProcess} {
		set := make(map[string]struct{})
		for _, s := range schemes.forKind(k) {
			set[s] = struct{}{}
		}
		c.schemes[k] = set
	}
	return c
}

// Canonicalize parses the "scheme::value" form of an identifier.
// The input is split on the first "::" so that values may contain "::".
func (c *Codec) Canonicalize(kind Kind, raw string) (Identifier, error) {
	scheme, value, ok := strings.Cut(raw, separator)
	if !ok || scheme == "" {
		return Identifier{}, &InvalidIdentifierError{Kind: kind, Input: raw, Reason: ReasonMissingScheme, Position: -1}
	}
	return c.New(kind, scheme, value)
}

// New validates a scheme and value given separately
func (c *Codec) New(kind Kind, scheme, value string) (Identifier, error) {
	raw := scheme + separator + value
	if _, ok := c.schemes[kind][scheme]; !ok {
		return Identifier{}, &InvalidIdentifierError{Kind: kind, Input: raw, Reason: ReasonUnknownScheme, Position: -1}
	}
	if err := validateValue(kind, value); err != nil {
		err.Input = raw
		return Identifier{}, err
	}
	if scheme == SchemeParticipantISO6523 && !validISO6523(value) {
		return Identifier{}, &InvalidIdentifierError{Kind: kind, Input: raw, Reason: ReasonMalformedISO6523, Position: -1}
	}
	return Identifier{kind: kind, scheme: scheme, value: value}, nil
}

// validateValue checks emptiness, length and charset. Values must be printable
// US-ASCII; anything else is rejected with the most specific reason available.
func validateValue(kind Kind, value string) *InvalidIdentifierError {
	if strings.TrimSpace(value) == "" {
		return &InvalidIdentifierError{Kind: kind, Reason: ReasonEmptyValue, Position: -1}
	}
	if utf8.RuneCountInString(value) > kind.maxLength() {
		return &InvalidIdentifierError{Kind: kind, Reason: ReasonValueTooLong, Position: -1}
	}
	for i, r := range value {
		switch {
		case r == utf8.RuneError:
			return &InvalidIdentifierError{Kind: kind, Reason: ReasonCharset, Position: i}
		case isControl(r):
			return &InvalidIdentifierError{Kind: kind, Reason: ReasonControlChar, Position: i}
		case isInvisible(r):
			return &InvalidIdentifierError{Kind: kind, Reason: ReasonInvisibleChar, Position: i}
		case r < 0x20 || r > 0x7e:
			return &InvalidIdentifierError{Kind: kind, Reason: ReasonCharset, Position: i}
		}
	}
	return nil
}

func isControl(r rune) bool {
	return r < 0x20 || r == 0x7f || (r >= 0x80 && r <= 0x9f)
}

// isInvisible reports zero-width and other format characters that render as nothing
func isInvisible(r rune) bool {
	switch {
	case r >= 0x200b && r <= 0x200f:
		return true
	case r >= 0x202a && r <= 0x202e:
		return true
	case r >= 0x2060 && r <= 0x2064:
		return true
	case r == 0x00ad, r == 0x034f, r == 0x180e, r == 0xfeff:
		return true
	}
	return false
}

// validISO6523 checks the "<4 digit ICD>:<local id>" structure
func validISO6523(value string) bool {
	icd, local, ok := strings.Cut(value, ":")
	if !ok || len(icd) != 4 || strings.TrimSpace(local) == "" {
		return false
	}
	for _, r := range icd {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
