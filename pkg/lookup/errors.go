package lookup

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirosfoundation/go-peppol/pkg/discovery"
	"github.com/sirosfoundation/go-peppol/pkg/identifier"
	"github.com/sirosfoundation/go-peppol/pkg/security"
)

// ErrorCode classifies a lookup error
type ErrorCode string

// Error codes
const (
	CodeInvalidIdentifier           ErrorCode = "invalid-identifier"
	CodeInvalidEnvironment          ErrorCode = "invalid-environment"
	CodeDirectoryNotFound           ErrorCode = "directory-not-found"
	CodeDirectoryTimeout            ErrorCode = "directory-timeout"
	CodeDirectoryMalformed          ErrorCode = "directory-malformed"
	CodeMetadataHTTPStatus          ErrorCode = "metadata-http-status"
	CodeMetadataEmptyBody           ErrorCode = "metadata-empty-body"
	CodeMetadataXMLSecurityRejected ErrorCode = "metadata-xml-security-rejected"
	CodeMetadataXMLMalformed        ErrorCode = "metadata-xml-malformed"
	CodeMetadataUnreachable         ErrorCode = "metadata-unreachable"
	CodeMetadataRedirect            ErrorCode = "metadata-redirect"
	CodeNoMatchingEndpoint          ErrorCode = "no-matching-endpoint"
	CodeCertificateParsing          ErrorCode = "certificate-parsing"
	CodeRevocationCheck             ErrorCode = "revocation-check"
	CodeSignatureStructure          ErrorCode = "signature-structure"
	CodeTimeoutExceeded             ErrorCode = "timeout-exceeded"
	CodeInternal                    ErrorCode = "internal"
)

// UserFacing reports whether the code describes the request or the
// participant rather than a failure of this system or its peers
func (c ErrorCode) UserFacing() bool {
	switch c {
	case CodeInvalidIdentifier, CodeInvalidEnvironment, CodeDirectoryNotFound, CodeNoMatchingEndpoint:
		return true
	}
	return false
}

// Stage names the lookup step an error came from
type Stage string

// Lookup stages
const (
	StageParse      Stage = "parse"
	StageDirectory  Stage = "directory"
	StageMetadata   Stage = "metadata"
	StageSelection  Stage = "selection"
	StageValidation Stage = "validation"
)

// Error is one entry of a lookup's error list
type Error struct {
	Stage   Stage     `json:"stage"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	// Err is the underlying error, for errors.Is and errors.As
	Err error `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Stage, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// classify maps an error from stage to its code. An expired or cancelled
// lookup context always wins.
func classify(ctx context.Context, stage Stage, err error) *Error {
	e := &Error{Stage: stage, Code: CodeInternal, Message: err.Error(), Err: err}

	var (
		iie *identifier.InvalidIdentifierError
		dre *discovery.DirectoryResolutionError
		mqe *discovery.MetadataQueryError
		cpe *security.CertificateParsingError
		rce *security.RevocationCheckError
		sse *security.SignatureStructureError
	)
	switch {
	case ctx.Err() != nil, errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		e.Code = CodeTimeoutExceeded
	case errors.As(err, &iie):
		e.Code = CodeInvalidIdentifier
	case errors.Is(err, identifier.ErrInvalidEnvironment):
		e.Code = CodeInvalidEnvironment
	case errors.As(err, &dre):
		e.Code = ErrorCode("directory-" + string(dre.Reason))
	case errors.As(err, &mqe):
		e.Code = ErrorCode("metadata-" + string(mqe.Reason))
	case errors.Is(err, discovery.ErrProcessNotFound):
		e.Code = CodeNoMatchingEndpoint
	case errors.As(err, &cpe):
		e.Code = CodeCertificateParsing
	case errors.As(err, &rce):
		e.Code = CodeRevocationCheck
	case errors.As(err, &sse), errors.Is(err, security.ErrDocumentUnusable):
		e.Code = CodeSignatureStructure
	}
	return e
}
