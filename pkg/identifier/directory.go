package identifier

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Environment selects the Peppol network environment
type Environment string

const (
	// EnvProduction is the Peppol production network
	EnvProduction Environment = "production"
	// EnvTest is the Peppol test network (SMK)
	EnvTest Environment = "test"
)

// ErrInvalidEnvironment is returned for unrecognized environment names
var ErrInvalidEnvironment = errors.New("invalid environment")

// ParseEnvironment maps a string to an Environment. Matching is exact.
func ParseEnvironment(s string) (Environment, error) {
	switch Environment(s) {
	case EnvProduction, EnvTest:
		return Environment(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEnvironment, s)
	}
}

// HashMode selects how directory names are computed
type HashMode string

const (
	// ModeCNAME is the classic SML scheme: "B-" + hex(MD5(value))
	ModeCNAME HashMode = "cname"
	// ModeNAPTR is the BDXL scheme: BASE32(SHA256(value)) without padding
	ModeNAPTR HashMode = "naptr"
)

// Zones maps each environment to its SML DNS zone
type Zones struct {
	Production string `yaml:"production"`
	Test       string `yaml:"test"`
}

// DefaultZones returns the zones operated for the Peppol network
func DefaultZones() Zones {
	return Zones{
		Production: "edelivery.tech.ec.europa.eu",
		Test:       "acc.edelivery.tech.ec.europa.eu",
	}
}

// Zone returns the zone for an environment
func (z Zones) Zone(env Environment) (string, error) {
	var zone string
	switch env {
	case EnvProduction:
		zone = z.Production
	case EnvTest:
		zone = z.Test
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEnvironment, env)
	}
	zone = strings.Trim(zone, ".")
	if zone == "" {
		return "", fmt.Errorf("no SML zone configured for environment %s", env)
	}
	return zone, nil
}

// DirectoryName is the DNS name under which a participant is registered
type DirectoryName struct {
	// Name is the fully qualified name without trailing dot
	Name string
	// Mode is the hashing mode used to build Name
	Mode HashMode
}

func (d DirectoryName) String() string { return d.Name }

// HashForDirectory computes the SML DNS name for a participant. It is a pure
// function of its inputs; only the one-way hash of the value appears in the name.
func HashForDirectory(id ParticipantID, env Environment, zones Zones, mode HashMode) (DirectoryName, error) {
	if id.IsZero() || id.Kind() != KindParticipant {
		return DirectoryName{}, fmt.Errorf("%w: directory hashing requires a participant identifier", ErrInvalidIdentifier)
	}
	zone, err := zones.Zone(env)
	if err != nil {
		return DirectoryName{}, err
	}

	value := strings.ToLower(id.Value())
	var label string
	switch mode {
	case ModeCNAME, "":
		sum := md5.Sum([]byte(value))
		label = "B-" + hex.EncodeToString(sum[:])
		mode = ModeCNAME
	case ModeNAPTR:
		sum := sha256.Sum256([]byte(value))
		label = strings.TrimRight(base32.StdEncoding.EncodeToString(sum[:]), "=")
	default:
		return DirectoryName{}, fmt.Errorf("unknown directory hash mode %q", mode)
	}

	return DirectoryName{
		Name: fmt.Sprintf("%s.%s.%s", label, id.Scheme(), zone),
		Mode: mode,
	}, nil
}
