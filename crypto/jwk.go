package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/securechat/core/errkind"
)

// JWK is the JSON Web Key subset the protocol exchanges: P-256 EC keys only.
// Public keys must never carry D.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
	D   string `json:"d,omitempty"`
}

const (
	jwkKty       = "EC"
	jwkCrv       = "P-256"
	coordinateSz = 32
)

// IsPublic reports whether the JWK omits the private component.
func (j *JWK) IsPublic() bool { return j.D == "" }

// Public returns a copy of the JWK with the private component stripped.
func (j *JWK) Public() *JWK {
	return &JWK{Kty: j.Kty, Crv: j.Crv, X: j.X, Y: j.Y}
}

// Validate checks curve, key type and coordinate well-formedness. When
// requirePublic is set, a present D component is rejected outright; this is
// the gate applied to every key accepted from the wire or published.
func (j *JWK) Validate(requirePublic bool) error {
	if j == nil {
		return errkind.New(errkind.CryptoError, "nil jwk")
	}
	if j.Kty != jwkKty {
		return errkind.Newf(errkind.CryptoError, "unsupported key type %q", j.Kty)
	}
	if j.Crv != jwkCrv {
		return errkind.Newf(errkind.CryptoError, "unsupported curve %q", j.Crv)
	}
	if requirePublic && j.D != "" {
		return errkind.New(errkind.CryptoError, "private component present in public key")
	}
	if _, _, err := j.coordinates(); err != nil {
		return err
	}
	return nil
}

func (j *JWK) coordinates() (x, y []byte, err error) {
	x, err = base64.RawURLEncoding.DecodeString(j.X)
	if err != nil {
		return nil, nil, errkind.Wrap(errkind.CryptoError, "malformed x coordinate", err)
	}
	y, err = base64.RawURLEncoding.DecodeString(j.Y)
	if err != nil {
		return nil, nil, errkind.Wrap(errkind.CryptoError, "malformed y coordinate", err)
	}
	if len(x) != coordinateSz || len(y) != coordinateSz {
		return nil, nil, errkind.Newf(errkind.CryptoError, "coordinate size %d/%d, want %d", len(x), len(y), coordinateSz)
	}
	return x, y, nil
}

// uncompressedPoint returns the SEC1 uncompressed encoding 0x04||X||Y after
// validating the coordinates. Running it through crypto/ecdh also checks the
// point is on the curve.
func (j *JWK) uncompressedPoint() ([]byte, error) {
	x, y, err := j.coordinates()
	if err != nil {
		return nil, err
	}
	point := make([]byte, 1+2*coordinateSz)
	point[0] = 0x04
	copy(point[1:1+coordinateSz], x)
	copy(point[1+coordinateSz:], y)
	if _, err := ecdh.P256().NewPublicKey(point); err != nil {
		return nil, errkind.Wrap(errkind.CryptoError, "point not on curve", err)
	}
	return point, nil
}

// PublicJWKFromECDSA encodes a P-256 ECDSA public key.
func PublicJWKFromECDSA(pub *ecdsa.PublicKey) *JWK {
	x := make([]byte, coordinateSz)
	y := make([]byte, coordinateSz)
	pub.X.FillBytes(x)
	pub.Y.FillBytes(y)
	return &JWK{
		Kty: jwkKty,
		Crv: jwkCrv,
		X:   base64.RawURLEncoding.EncodeToString(x),
		Y:   base64.RawURLEncoding.EncodeToString(y),
	}
}

// PrivateJWKFromECDSA encodes a P-256 ECDSA private key, including D. Only
// the vault may persist this form, and only wrapped.
func PrivateJWKFromECDSA(priv *ecdsa.PrivateKey) *JWK {
	j := PublicJWKFromECDSA(&priv.PublicKey)
	d := make([]byte, coordinateSz)
	priv.D.FillBytes(d)
	j.D = base64.RawURLEncoding.EncodeToString(d)
	return j
}

// ECDSAPublicFromJWK decodes and validates a public signing key.
func ECDSAPublicFromJWK(j *JWK) (*ecdsa.PublicKey, error) {
	if err := j.Validate(true); err != nil {
		return nil, err
	}
	if _, err := j.uncompressedPoint(); err != nil {
		return nil, err
	}
	x, y, _ := j.coordinates()
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}, nil
}

// ECDSAPrivateFromJWK decodes a private signing key from its vaulted form.
func ECDSAPrivateFromJWK(j *JWK) (*ecdsa.PrivateKey, error) {
	if err := j.Validate(false); err != nil {
		return nil, err
	}
	if j.D == "" {
		return nil, errkind.New(errkind.CryptoError, "missing private component")
	}
	d, err := base64.RawURLEncoding.DecodeString(j.D)
	if err != nil {
		return nil, errkind.Wrap(errkind.CryptoError, "malformed private component", err)
	}
	pub, err := ECDSAPublicFromJWK(j.Public())
	if err != nil {
		return nil, err
	}
	return &ecdsa.PrivateKey{
		PublicKey: *pub,
		D:         new(big.Int).SetBytes(d),
	}, nil
}

// JWKFromECDHPublic encodes an ephemeral ECDH public key for the handshake
// wire format.
func JWKFromECDHPublic(pub *ecdh.PublicKey) (*JWK, error) {
	raw := pub.Bytes()
	if len(raw) != 1+2*coordinateSz || raw[0] != 0x04 {
		return nil, errkind.New(errkind.CryptoError, "unexpected point encoding")
	}
	return &JWK{
		Kty: jwkKty,
		Crv: jwkCrv,
		X:   base64.RawURLEncoding.EncodeToString(raw[1 : 1+coordinateSz]),
		Y:   base64.RawURLEncoding.EncodeToString(raw[1+coordinateSz:]),
	}, nil
}

// ECDHPublicFromJWK decodes and validates an ephemeral public key received
// in a handshake round.
func ECDHPublicFromJWK(j *JWK) (*ecdh.PublicKey, error) {
	if err := j.Validate(true); err != nil {
		return nil, err
	}
	point, err := j.uncompressedPoint()
	if err != nil {
		return nil, err
	}
	pub, err := ecdh.P256().NewPublicKey(point)
	if err != nil {
		return nil, errkind.Wrap(errkind.CryptoError, "point not on curve", err)
	}
	return pub, nil
}

// CanonicalBytes renders the public portion with fixed field order so the
// hash is stable across encoders. The private component never participates.
func (j *JWK) CanonicalBytes() []byte {
	return []byte(fmt.Sprintf(`{"crv":%q,"kty":%q,"x":%q,"y":%q}`, j.Crv, j.Kty, j.X, j.Y))
}

// Thumbprint returns the hex SHA-256 of the canonical public encoding. The
// server stores it for tamper detection; clients compare it on fetch.
func (j *JWK) Thumbprint() string {
	sum := SHA256(j.CanonicalBytes())
	return hex.EncodeToString(sum[:])
}
