package identifier

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParticipant(t *testing.T, value string) ParticipantID {
	t.Helper()
	id, err := NewCodec(DefaultSchemes()).New(KindParticipant, SchemeParticipantISO6523, value)
	require.NoError(t, err)
	return id
}

func TestHashForDirectoryRegressionVector(t *testing.T) {
	id := mustParticipant(t, "0088:1234567890")

	name, err := HashForDirectory(id, EnvTest, DefaultZones(), ModeCNAME)
	require.NoError(t, err)
	assert.Equal(t, "B-8d445c8aa1f398f6f5f4a147fe63f120.iso6523-actorid-upis.acc.edelivery.tech.ec.europa.eu", name.Name)
	assert.Equal(t, ModeCNAME, name.Mode)

	name, err = HashForDirectory(id, EnvTest, DefaultZones(), ModeNAPTR)
	require.NoError(t, err)
	assert.Equal(t, "RJUAFVEKBQJSVT3HDHLN34S4BVVM5GBFTPD5TDI5BTBTKXKBNTNA.iso6523-actorid-upis.acc.edelivery.tech.ec.europa.eu", name.Name)
}

func TestHashForDirectoryDeterministic(t *testing.T) {
	id := mustParticipant(t, "0088:987654321")

	first, err := HashForDirectory(id, EnvProduction, DefaultZones(), ModeCNAME)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := HashForDirectory(id, EnvProduction, DefaultZones(), ModeCNAME)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, "B-16c7b1103d9e37fbf75e68aa55f5620f.iso6523-actorid-upis.edelivery.tech.ec.europa.eu", first.Name)
}

func TestHashForDirectoryEnvironmentsNeverCollide(t *testing.T) {
	for _, mode := range []HashMode{ModeCNAME, ModeNAPTR} {
		id := mustParticipant(t, "0088:1234567890")
		prod, err := HashForDirectory(id, EnvProduction, DefaultZones(), mode)
		require.NoError(t, err)
		test, err := HashForDirectory(id, EnvTest, DefaultZones(), mode)
		require.NoError(t, err)
		assert.NotEqual(t, prod.Name, test.Name)
	}
}

func TestHashForDirectoryCaseInsensitiveValue(t *testing.T) {
	upper := mustParticipant(t, "9915:ABC")
	lower := mustParticipant(t, "9915:abc")

	a, err := HashForDirectory(upper, EnvTest, DefaultZones(), ModeCNAME)
	require.NoError(t, err)
	b, err := HashForDirectory(lower, EnvTest, DefaultZones(), ModeCNAME)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestHashForDirectoryHidesValue(t *testing.T) {
	id := mustParticipant(t, "0088:1234567890")
	for _, mode := range []HashMode{ModeCNAME, ModeNAPTR} {
		name, err := HashForDirectory(id, EnvProduction, DefaultZones(), mode)
		require.NoError(t, err)
		assert.False(t, strings.Contains(name.Name, "1234567890"))
	}
}

func TestHashForDirectoryErrors(t *testing.T) {
	id := mustParticipant(t, "0088:1")

	_, err := HashForDirectory(Identifier{}, EnvTest, DefaultZones(), ModeCNAME)
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	_, err = HashForDirectory(id, Environment("staging"), DefaultZones(), ModeCNAME)
	assert.ErrorIs(t, err, ErrInvalidEnvironment)

	_, err = HashForDirectory(id, EnvTest, Zones{Production: "x"}, ModeCNAME)
	assert.Error(t, err)

	_, err = HashForDirectory(id, EnvTest, DefaultZones(), HashMode("sha1"))
	assert.Error(t, err)

	doc, err := NewCodec(DefaultSchemes()).New(KindDocument, SchemeDocumentQNS, "urn:x")
	require.NoError(t, err)
	_, err = HashForDirectory(doc, EnvTest, DefaultZones(), ModeCNAME)
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
}
