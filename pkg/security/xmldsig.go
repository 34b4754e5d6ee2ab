package security

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	_ "crypto/sha256"
	_ "crypto/sha512"

	"github.com/beevik/etree"
	"github.com/leifj/signedxml"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/sirosfoundation/go-peppol/pkg/identifier"
	"github.com/sirosfoundation/go-peppol/pkg/xmlsafe"
)

// SignatureStep names the verification step that failed
type SignatureStep string

const (
	StepNone                SignatureStep = ""
	StepSignatureMissing    SignatureStep = "signature-missing"
	StepStructure           SignatureStep = "structure"
	StepCanonicalization    SignatureStep = "canonicalization-rejected"
	StepAlgorithm           SignatureStep = "algorithm-rejected"
	StepDigestMismatch      SignatureStep = "digest-mismatch"
	StepSignatureInvalid    SignatureStep = "signature-invalid"
	StepSignerNotAuthorized SignatureStep = "signer-not-authorized"
)

// SignerBinding ties a metadata signature to the endpoint it describes
type SignerBinding struct {
	// EndpointCertificate is the certificate published for the selected endpoint
	EndpointCertificate *x509.Certificate
}

// SignatureOutcome holds the independently reported verification steps
type SignatureOutcome struct {
	Present               Finding
	CanonicalizationValid Finding
	AlgorithmValid        Finding
	DigestValid           Finding
	ValueValid            Finding
	SignerAuthorized      Finding
	// FailedStep is the first step that failed
	FailedStep SignatureStep
	Signer     *x509.Certificate
	// SignerOutcome is the validation of the signer certificate
	SignerOutcome *CertificateOutcome
	// Err is a *SignatureStructureError when the Signature element is malformed
	Err error
}

// Valid reports whether every step passed
func (o *SignatureOutcome) Valid() bool {
	return o.Present.Passed && o.CanonicalizationValid.Passed && o.AlgorithmValid.Passed &&
		o.DigestValid.Passed && o.ValueValid.Passed && o.SignerAuthorized.Passed
}

// Detail describes the first failing step
func (o *SignatureOutcome) Detail() string {
	for _, f := range []Finding{o.Present, o.CanonicalizationValid, o.AlgorithmValid, o.DigestValid, o.ValueValid, o.SignerAuthorized} {
		if !f.Passed && f.Detail != "" {
			return f.Detail
		}
	}
	return ""
}

func (o *SignatureOutcome) fail(step SignatureStep) {
	if o.FailedStep == StepNone {
		o.FailedStep = step
	}
}

type canonicalizer interface {
	Process(inputXML string, transformXML string) (string, error)
}

var canonicalizers = map[string]canonicalizer{
	AlgorithmC14N10:           inclusiveC14N{},
	AlgorithmC14N10Comments:   inclusiveC14N{withComments: true},
	AlgorithmC14N:             signedxml.ExclusiveCanonicalization{},
	AlgorithmC14NWithComments: signedxml.ExclusiveCanonicalization{WithComments: true},
}

// inclusiveC14N is C14N 1.0, with or without comments
type inclusiveC14N struct {
	withComments bool
}

func (c inclusiveC14N) Process(inputXML string, _ string) (string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(inputXML); err != nil {
		return "", err
	}
	if doc.Root() == nil {
		return "", errors.New("canonicalize: empty document")
	}
	canon := dsig.MakeC14N10RecCanonicalizer()
	if c.withComments {
		canon = dsig.MakeC14N10WithCommentsCanonicalizer()
	}
	out, err := canon.Canonicalize(doc.Root())
	if err != nil {
		return "", err
	}
	return string(out), nil
}

var digestAlgorithms = map[string]crypto.Hash{
	AlgorithmSHA256: crypto.SHA256,
	AlgorithmSHA384: crypto.SHA384,
	AlgorithmSHA512: crypto.SHA512,
}

type keyKind int

const (
	keyRSA keyKind = iota
	keyRSAPSS
	keyECDSA
)

type signatureAlgorithm struct {
	hash crypto.Hash
	kind keyKind
}

var signatureAlgorithms = map[string]signatureAlgorithm{
	AlgorithmRSASHA256:    {crypto.SHA256, keyRSA},
	AlgorithmRSASHA384:    {crypto.SHA384, keyRSA},
	AlgorithmRSASHA512:    {crypto.SHA512, keyRSA},
	AlgorithmRSAPSSSHA256: {crypto.SHA256, keyRSAPSS},
	AlgorithmRSAPSSSHA384: {crypto.SHA384, keyRSAPSS},
	AlgorithmRSAPSSSHA512: {crypto.SHA512, keyRSAPSS},
	AlgorithmECDSASHA256:  {crypto.SHA256, keyECDSA},
	AlgorithmECDSASHA384:  {crypto.SHA384, keyECDSA},
	AlgorithmECDSASHA512:  {crypto.SHA512, keyECDSA},
}

var weakAlgorithms = map[string]bool{
	AlgorithmRSASHA1:    true,
	AlgorithmDSASHA1:    true,
	AlgorithmHMACSHA1:   true,
	AlgorithmHMACSHA256: true,
	AlgorithmRSAMD5:     true,
	AlgorithmECDSASHA1:  true,
	AlgorithmSHA1:       true,
}

// SignatureValidator verifies the enveloped XML signature of SMP metadata
type SignatureValidator struct {
	certs  *CertificateValidator
	limits xmlsafe.Limits
	logger *slog.Logger
}

// NewSignatureValidator creates a validator. certs validates signer
// certificates; when nil the signer binding is not attempted.
func NewSignatureValidator(certs *CertificateValidator, limits xmlsafe.Limits, opts ...Option) *SignatureValidator {
	o := newOptions(opts)
	return &SignatureValidator{certs: certs, limits: limits, logger: o.logger}
}

// CheckDocument reports ErrDocumentUnusable when raw cannot be parsed
func (v *SignatureValidator) CheckDocument(raw []byte) error {
	_, err := v.parse(raw)
	return err
}

func (v *SignatureValidator) parse(raw []byte) (*etree.Document, error) {
	if err := xmlsafe.Check(raw, v.limits); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDocumentUnusable, err)
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDocumentUnusable, err)
	}
	if doc.Root() == nil {
		return nil, fmt.Errorf("%w: no root element", ErrDocumentUnusable)
	}
	return doc, nil
}

// Verify checks the signature over raw. The only error returned is
// ErrDocumentUnusable; every verification failure is reported in the outcome.
func (v *SignatureValidator) Verify(ctx context.Context, raw []byte, env identifier.Environment, binding SignerBinding) (*SignatureOutcome, error) {
	doc, err := v.parse(raw)
	if err != nil {
		return nil, err
	}

	out := &SignatureOutcome{
		CanonicalizationValid: skipped("not reached"),
		AlgorithmValid:        skipped("not reached"),
		DigestValid:           skipped("not reached"),
		ValueValid:            skipped("not reached"),
		SignerAuthorized:      skipped("not reached"),
	}

	sigs := rootSignatures(doc.Root())
	switch len(sigs) {
	case 0:
		out.Present = failed("no Signature element under " + doc.Root().Tag)
		out.fail(StepSignatureMissing)
		return out, nil
	case 1:
		out.Present = passed("enveloped signature found")
	default:
		out.Present = failed(fmt.Sprintf("%d Signature elements found, expected one", len(sigs)))
		return v.structureFault(out, "multiple Signature elements"), nil
	}

	sig, err := parseSignature(sigs[0])
	if err != nil {
		return v.structureFault(out, err.Error()), nil
	}
	out.Signer = sig.certs[0]

	if alg := sig.unsupportedCanonicalization(); alg != "" {
		out.CanonicalizationValid = failed("canonicalization or transform not allowed: " + alg)
		out.fail(StepCanonicalization)
		return out, nil
	}
	out.CanonicalizationValid = passed(sig.c14nMethod)

	digestHash, ok := digestAlgorithms[sig.digestMethod]
	if !ok {
		out.AlgorithmValid = failed(rejectedAlgorithm("digest", sig.digestMethod))
		out.fail(StepAlgorithm)
		return out, nil
	}
	sigAlg, ok := signatureAlgorithms[sig.signatureMethod]
	if !ok {
		out.AlgorithmValid = failed(rejectedAlgorithm("signature", sig.signatureMethod))
		out.fail(StepAlgorithm)
		return out, nil
	}
	out.AlgorithmValid = passed(sig.signatureMethod)

	digest, err := referenceDigest(doc, sig, digestHash)
	switch {
	case err != nil:
		out.DigestValid = failed("canonicalization failed: " + err.Error())
		out.fail(StepCanonicalization)
	case subtle.ConstantTimeCompare(digest, sig.digestValue) != 1:
		out.DigestValid = failed("reference digest does not match the document content")
		out.fail(StepDigestMismatch)
	default:
		out.DigestValid = passed("reference digest matches")
	}

	signedInfo, err := canonicalize(sig.signedInfo, sig.c14nMethod, sig.c14nElement)
	if err == nil {
		err = verifySignatureValue(out.Signer.PublicKey, sigAlg, signedInfo, sig.signatureValue)
	}
	if err != nil {
		out.ValueValid = failed("signature value: " + err.Error())
		out.fail(StepSignatureInvalid)
	} else {
		out.ValueValid = passed("signature value verifies with " + subjectOf(out.Signer))
	}

	out.SignerAuthorized = v.bindSigner(ctx, out, sig.certs[1:], env, binding)
	if !out.SignerAuthorized.Passed {
		out.fail(StepSignerNotAuthorized)
	}
	return out, nil
}

func (v *SignatureValidator) structureFault(out *SignatureOutcome, detail string) *SignatureOutcome {
	out.Err = &SignatureStructureError{Detail: detail}
	out.ValueValid = failed(out.Err.Error())
	out.fail(StepStructure)
	v.logger.Debug("malformed signature", "detail", detail)
	return out
}

// bindSigner accepts the signer when it is the endpoint certificate and
// validates as an access point, or when it validates as an SMP signer
func (v *SignatureValidator) bindSigner(ctx context.Context, out *SignatureOutcome, extra []*x509.Certificate, env identifier.Environment, binding SignerBinding) Finding {
	if v.certs == nil {
		return skipped("no certificate validator configured")
	}
	role := RoleSMP
	if binding.EndpointCertificate != nil && out.Signer.Equal(binding.EndpointCertificate) {
		role = RoleAccessPoint
	}

	outcome := v.certs.Validate(ctx, out.Signer, extra, env, role)
	out.SignerOutcome = outcome
	if outcome.Valid() {
		return passed(fmt.Sprintf("signer %s validated as %s", subjectOf(out.Signer), role))
	}

	var reasons []string
	for _, f := range []Finding{outcome.NotExpired, outcome.ChainValid, outcome.IssuerTrusted, outcome.NotRevoked} {
		if !f.Passed {
			reasons = append(reasons, f.Detail)
		}
	}
	return failed(fmt.Sprintf("signer %s not authorized as %s: %s", subjectOf(out.Signer), role, joinDetails(reasons)))
}

func rejectedAlgorithm(kind, uri string) string {
	if weakAlgorithms[uri] {
		return fmt.Sprintf("weak %s algorithm rejected: %s", kind, uri)
	}
	return fmt.Sprintf("%s algorithm not allowed: %s", kind, uri)
}

type parsedSignature struct {
	signedInfo      *etree.Element
	c14nElement     *etree.Element
	c14nMethod      string
	signatureMethod string
	transforms      []*etree.Element
	digestMethod    string
	digestValue     []byte
	signatureValue  []byte
	certs           []*x509.Certificate
}

func rootSignatures(root *etree.Element) []*etree.Element {
	return dsChildren(root, "Signature")
}

func dsChildren(el *etree.Element, tag string) []*etree.Element {
	var found []*etree.Element
	for _, child := range el.ChildElements() {
		if child.Tag == tag && child.NamespaceURI() == NSXMLDSig {
			found = append(found, child)
		}
	}
	return found
}

func dsChild(el *etree.Element, tag string) (*etree.Element, error) {
	children := dsChildren(el, tag)
	if len(children) != 1 {
		return nil, fmt.Errorf("%s: expected one %s, found %d", el.Tag, tag, len(children))
	}
	return children[0], nil
}

func algorithmOf(el *etree.Element) (string, error) {
	alg := el.SelectAttrValue("Algorithm", "")
	if alg == "" {
		return "", fmt.Errorf("%s has no Algorithm", el.Tag)
	}
	return alg, nil
}

func decodeBase64(el *etree.Element) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(el.Text()), ""))
	if err != nil {
		return nil, fmt.Errorf("%s: %v", el.Tag, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s is empty", el.Tag)
	}
	return data, nil
}

func parseSignature(sig *etree.Element) (*parsedSignature, error) {
	p := &parsedSignature{}
	var err error

	if p.signedInfo, err = dsChild(sig, "SignedInfo"); err != nil {
		return nil, err
	}
	c14n, err := dsChild(p.signedInfo, "CanonicalizationMethod")
	if err != nil {
		return nil, err
	}
	if p.c14nMethod, err = algorithmOf(c14n); err != nil {
		return nil, err
	}
	p.c14nElement = c14n
	method, err := dsChild(p.signedInfo, "SignatureMethod")
	if err != nil {
		return nil, err
	}
	if p.signatureMethod, err = algorithmOf(method); err != nil {
		return nil, err
	}

	ref, err := dsChild(p.signedInfo, "Reference")
	if err != nil {
		return nil, err
	}
	if uri := ref.SelectAttrValue("URI", ""); uri != "" {
		return nil, fmt.Errorf("reference URI %q does not cover the whole document", uri)
	}
	if transforms := dsChildren(ref, "Transforms"); len(transforms) == 1 {
		for _, t := range dsChildren(transforms[0], "Transform") {
			if _, err := algorithmOf(t); err != nil {
				return nil, err
			}
			p.transforms = append(p.transforms, t)
		}
	} else if len(transforms) > 1 {
		return nil, errors.New("Reference has more than one Transforms")
	}
	digestMethod, err := dsChild(ref, "DigestMethod")
	if err != nil {
		return nil, err
	}
	if p.digestMethod, err = algorithmOf(digestMethod); err != nil {
		return nil, err
	}
	digestValue, err := dsChild(ref, "DigestValue")
	if err != nil {
		return nil, err
	}
	if p.digestValue, err = decodeBase64(digestValue); err != nil {
		return nil, err
	}

	value, err := dsChild(sig, "SignatureValue")
	if err != nil {
		return nil, err
	}
	if p.signatureValue, err = decodeBase64(value); err != nil {
		return nil, err
	}

	keyInfo, err := dsChild(sig, "KeyInfo")
	if err != nil {
		return nil, err
	}
	for _, data := range dsChildren(keyInfo, "X509Data") {
		for _, certEl := range dsChildren(data, "X509Certificate") {
			der, err := decodeBase64(certEl)
			if err != nil {
				return nil, err
			}
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				return nil, fmt.Errorf("X509Certificate: %v", err)
			}
			p.certs = append(p.certs, cert)
		}
	}
	if len(p.certs) == 0 {
		return nil, errors.New("KeyInfo carries no X509Certificate")
	}
	return p, nil
}

// unsupportedCanonicalization returns the first algorithm outside the allow-list
func (p *parsedSignature) unsupportedCanonicalization() string {
	if _, ok := canonicalizers[p.c14nMethod]; !ok {
		return p.c14nMethod
	}
	for _, t := range p.transforms {
		alg := t.SelectAttrValue("Algorithm", "")
		if alg == AlgorithmEnvelopedSig {
			continue
		}
		if _, ok := canonicalizers[alg]; !ok {
			return alg
		}
	}
	return ""
}

// referenceDigest applies the reference transforms to a copy of the document
// and hashes the result
func referenceDigest(doc *etree.Document, sig *parsedSignature, hash crypto.Hash) ([]byte, error) {
	work := doc.Copy()
	root := work.Root()

	algorithm := AlgorithmC14N10
	var transform *etree.Element
	for _, t := range sig.transforms {
		alg := t.SelectAttrValue("Algorithm", "")
		if alg == AlgorithmEnvelopedSig {
			for _, s := range rootSignatures(root) {
				root.RemoveChild(s)
			}
			continue
		}
		algorithm, transform = alg, t
	}

	canonical, err := canonicalize(root, algorithm, transform)
	if err != nil {
		return nil, err
	}
	h := hash.New()
	h.Write(canonical)
	return h.Sum(nil), nil
}

// detach copies el into a document of its own, declaring on the copy every
// namespace in scope at el
func detach(el *etree.Element) *etree.Document {
	cp := el.Copy()
	declared := make(map[string]bool)
	for _, a := range cp.Attr {
		switch {
		case a.Space == "xmlns":
			declared[a.Key] = true
		case a.Space == "" && a.Key == "xmlns":
			declared[""] = true
		}
	}
	for p := el.Parent(); p != nil; p = p.Parent() {
		for _, a := range p.Attr {
			switch {
			case a.Space == "xmlns" && !declared[a.Key]:
				declared[a.Key] = true
				cp.CreateAttr("xmlns:"+a.Key, a.Value)
			case a.Space == "" && a.Key == "xmlns" && !declared[""]:
				declared[""] = true
				cp.CreateAttr("xmlns", a.Value)
			}
		}
	}
	doc := etree.NewDocument()
	doc.SetRoot(cp)
	return doc
}

func canonicalize(el *etree.Element, algorithm string, transform *etree.Element) ([]byte, error) {
	c, ok := canonicalizers[algorithm]
	if !ok {
		return nil, fmt.Errorf("unsupported canonicalization %s", algorithm)
	}
	input, err := detach(el).WriteToString()
	if err != nil {
		return nil, err
	}
	transformXML := ""
	if transform != nil {
		if transformXML, err = detach(transform).WriteToString(); err != nil {
			return nil, err
		}
	}
	out, err := c.Process(input, transformXML)
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

func verifySignatureValue(pub crypto.PublicKey, alg signatureAlgorithm, signed, value []byte) error {
	h := alg.hash.New()
	h.Write(signed)
	digest := h.Sum(nil)

	switch alg.kind {
	case keyRSA, keyRSAPSS:
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("signer key is %T, algorithm requires RSA", pub)
		}
		if alg.kind == keyRSAPSS {
			return rsa.VerifyPSS(key, alg.hash, digest, value, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto})
		}
		return rsa.VerifyPKCS1v15(key, alg.hash, digest, value)
	case keyECDSA:
		key, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("signer key is %T, algorithm requires ECDSA", pub)
		}
		size := (key.Curve.Params().BitSize + 7) / 8
		if len(value) != 2*size {
			return fmt.Errorf("ECDSA signature has %d bytes, expected %d", len(value), 2*size)
		}
		r := new(big.Int).SetBytes(value[:size])
		s := new(big.Int).SetBytes(value[size:])
		if !ecdsa.Verify(key, digest, r, s) {
			return errors.New("ECDSA verification failed")
		}
		return nil
	}
	return errors.New("unsupported key type")
}
