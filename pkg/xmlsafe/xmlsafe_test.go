package xmlsafe

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAcceptsPlainDocument(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<SignedServiceMetadata xmlns="http://busdox.org/serviceMetadata/publishing/1.0/">
  <ServiceMetadata><ServiceInformation/></ServiceMetadata>
</SignedServiceMetadata>`
	assert.NoError(t, Check([]byte(doc), DefaultLimits()))
}

func TestCheckRejections(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		rule string
	}{
		{
			name: "internal entity",
			doc:  `<?xml version="1.0"?><!DOCTYPE r [<!ENTITY x "boom">]><r>&x;</r>`,
			rule: RuleDeclaration,
		},
		{
			name: "external entity",
			doc:  `<?xml version="1.0"?><!DOCTYPE r [<!ENTITY x SYSTEM "file:///etc/passwd">]><r>&x;</r>`,
			rule: RuleDeclaration,
		},
		{
			name: "external dtd",
			doc:  `<!DOCTYPE r SYSTEM "http://example.com/r.dtd"><r/>`,
			rule: RuleDeclaration,
		},
		{
			name: "billion laughs",
			doc: `<!DOCTYPE lolz [<!ENTITY lol "lol"><!ENTITY lol2 "&lol;&lol;&lol;&lol;">]>` +
				`<lolz>&lol2;</lolz>`,
			rule: RuleDeclaration,
		},
		{
			name: "deep nesting",
			doc:  strings.Repeat("<a>", 100) + strings.Repeat("</a>", 100),
			rule: RuleDepth,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check([]byte(tt.doc), DefaultLimits())
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrRejected))
			var rej *RejectionError
			require.True(t, errors.As(err, &rej))
			assert.Equal(t, tt.rule, rej.Rule)
		})
	}
}

func TestCheckSizeLimit(t *testing.T) {
	doc := "<r>" + strings.Repeat("x", 200) + "</r>"
	err := Check([]byte(doc), Limits{MaxBytes: 100})
	var rej *RejectionError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, RuleSize, rej.Rule)
}

func TestCheckTokenLimit(t *testing.T) {
	doc := "<r>" + strings.Repeat("<a/>", 50) + "</r>"
	err := Check([]byte(doc), Limits{MaxTokens: 20})
	var rej *RejectionError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, RuleTokens, rej.Rule)
}

func TestCheckMalformed(t *testing.T) {
	for name, doc := range map[string]string{
		"empty":           "",
		"whitespace":      "   \n",
		"unclosed":        "<a><b></b>",
		"mismatched":      "<a></b>",
		"crossed nesting": "<SignedServiceMetadata><ServiceMetadata></SignedServiceMetadata></ServiceMetadata>",
		"prefix mismatch": `<x:a xmlns:x="urn:x" xmlns:y="urn:x"></y:a>`,
		"stray end":       "<a></a></b>",
		"two roots":       "<a/><b/>",
		"text only":       "hello",
		"unknown entity":  "<a>&nope;</a>",
		"broken tag":      "<a",
		"attribute quote": `<a b="1></a>`,
	} {
		t.Run(name, func(t *testing.T) {
			err := Check([]byte(doc), DefaultLimits())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformed)
			assert.False(t, errors.Is(err, ErrRejected))
		})
	}
}
