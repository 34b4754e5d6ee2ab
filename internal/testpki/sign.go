package testpki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"testing"

	"github.com/beevik/etree"
	"github.com/leifj/signedxml"
	dsig "github.com/russellhaering/goxmldsig"
)

const (
	nsDSig      = "http://www.w3.org/2000/09/xmldsig#"
	enveloped   = "http://www.w3.org/2000/09/xmldsig#enveloped-signature"
	excC14N     = "http://www.w3.org/2001/10/xml-exc-c14n#"
	c14n10      = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315"
	digestSHA1  = "http://www.w3.org/2000/09/xmldsig#sha1"
	digestSHA2  = "http://www.w3.org/2001/04/xmlenc#sha256"
	rsaSHA256   = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	rsaSHA1     = "http://www.w3.org/2000/09/xmldsig#rsa-sha1"
	rsaPSS256   = "http://www.w3.org/2007/05/xmldsig-more#sha256-rsa-MGF1"
	ecdsaSHA256 = "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha256"
)

// SignOptions selects algorithms for Sign. Zero values pick exclusive C14N,
// SHA-256 and a signature method matching the key.
type SignOptions struct {
	Canonicalization string
	DigestMethod     string
	SignatureMethod  string
	// Extra certificates are appended to X509Data after the signer
	Extra []*x509.Certificate
}

var hashes = map[string]crypto.Hash{
	digestSHA1:  crypto.SHA1,
	digestSHA2:  crypto.SHA256,
	rsaSHA256:   crypto.SHA256,
	rsaSHA1:     crypto.SHA1,
	rsaPSS256:   crypto.SHA256,
	ecdsaSHA256: crypto.SHA256,
	"http://www.w3.org/2001/04/xmldsig-more#sha384": crypto.SHA384,
	"http://www.w3.org/2001/04/xmlenc#sha512":       crypto.SHA512,
}

// Sign adds an enveloped signature over the whole document as the last child
// of the root element
func Sign(t testing.TB, xml []byte, key crypto.Signer, cert *x509.Certificate, opts SignOptions) []byte {
	t.Helper()
	if opts.Canonicalization == "" {
		opts.Canonicalization = excC14N
	}
	if opts.DigestMethod == "" {
		opts.DigestMethod = digestSHA2
	}
	if opts.SignatureMethod == "" {
		opts.SignatureMethod = rsaSHA256
		if _, ok := key.(*ecdsa.PrivateKey); ok {
			opts.SignatureMethod = ecdsaSHA256
		}
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(xml); err != nil {
		t.Fatalf("parse document: %v", err)
	}
	root := doc.Root()

	digest := digestOf(t, canonical(t, root, opts.Canonicalization), opts.DigestMethod)

	sig := root.CreateElement("ds:Signature")
	sig.CreateAttr("xmlns:ds", nsDSig)
	signedInfo := sig.CreateElement("ds:SignedInfo")
	signedInfo.CreateElement("ds:CanonicalizationMethod").CreateAttr("Algorithm", opts.Canonicalization)
	signedInfo.CreateElement("ds:SignatureMethod").CreateAttr("Algorithm", opts.SignatureMethod)
	ref := signedInfo.CreateElement("ds:Reference")
	ref.CreateAttr("URI", "")
	transforms := ref.CreateElement("ds:Transforms")
	transforms.CreateElement("ds:Transform").CreateAttr("Algorithm", enveloped)
	transforms.CreateElement("ds:Transform").CreateAttr("Algorithm", opts.Canonicalization)
	ref.CreateElement("ds:DigestMethod").CreateAttr("Algorithm", opts.DigestMethod)
	ref.CreateElement("ds:DigestValue").SetText(base64.StdEncoding.EncodeToString(digest))

	value := signValue(t, key, opts.SignatureMethod, canonical(t, signedInfo, opts.Canonicalization))
	sig.CreateElement("ds:SignatureValue").SetText(base64.StdEncoding.EncodeToString(value))

	data := sig.CreateElement("ds:KeyInfo").CreateElement("ds:X509Data")
	for _, c := range append([]*x509.Certificate{cert}, opts.Extra...) {
		data.CreateElement("ds:X509Certificate").SetText(Base64(c))
	}

	out, err := doc.WriteToBytes()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return out
}

func digestOf(t testing.TB, data []byte, method string) []byte {
	t.Helper()
	h, ok := hashes[method]
	if !ok {
		t.Fatalf("unsupported digest %s", method)
	}
	w := h.New()
	w.Write(data)
	return w.Sum(nil)
}

func signValue(t testing.TB, key crypto.Signer, method string, signed []byte) []byte {
	t.Helper()
	h, ok := hashes[method]
	if !ok {
		t.Fatalf("unsupported signature method %s", method)
	}
	digest := digestOf(t, signed, method)

	var opts crypto.SignerOpts = h
	if method == rsaPSS256 {
		opts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: h}
	}
	value, err := key.Sign(rand.Reader, digest, opts)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if pub, ok := key.Public().(*ecdsa.PublicKey); ok {
		return rawECDSA(t, value, pub)
	}
	return value
}

// canonical serializes el with the namespaces in scope at el, then
// canonicalizes it
func canonical(t testing.TB, el *etree.Element, algorithm string) []byte {
	t.Helper()
	cp := el.Copy()
	declared := map[string]bool{}
	for _, a := range cp.Attr {
		if a.Space == "xmlns" {
			declared[a.Key] = true
		} else if a.Space == "" && a.Key == "xmlns" {
			declared[""] = true
		}
	}
	for p := el.Parent(); p != nil; p = p.Parent() {
		for _, a := range p.Attr {
			if a.Space == "xmlns" && !declared[a.Key] {
				declared[a.Key] = true
				cp.CreateAttr("xmlns:"+a.Key, a.Value)
			} else if a.Space == "" && a.Key == "xmlns" && !declared[""] {
				declared[""] = true
				cp.CreateAttr("xmlns", a.Value)
			}
		}
	}
	doc := etree.NewDocument()
	doc.SetRoot(cp)
	if algorithm == c14n10 {
		out, err := dsig.MakeC14N10RecCanonicalizer().Canonicalize(doc.Root())
		if err != nil {
			t.Fatalf("canonicalize: %v", err)
		}
		return out
	}

	input, err := doc.WriteToString()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	out, err := signedxml.ExclusiveCanonicalization{}.Process(input, "")
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	return []byte(out)
}
