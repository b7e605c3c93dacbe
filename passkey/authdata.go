package passkey

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/mesmerverse/geolink-authz/codec"
)

// Authenticator data flags.
const (
	FlagUserPresent   byte = 0x01
	FlagUserVerified  byte = 0x04
	FlagAttestedData  byte = 0x40
	FlagExtensionData byte = 0x80
)

const minAuthDataLen = 37

// AuthenticatorData is the parsed form of the authenticator data bytes.
type AuthenticatorData struct {
	RPIDHash     [32]byte
	Flags        byte
	Counter      uint32
	AAGUID       []byte
	CredentialID []byte
	PublicKey    *codec.COSEKey
}

// ParseAuthenticatorData decodes the fixed header and, when present, the
// attested credential data.
func ParseAuthenticatorData(data []byte) (*AuthenticatorData, error) {
	if len(data) < minAuthDataLen {
		return nil, fmt.Errorf("authenticator data too short: %d bytes", len(data))
	}
	ad := &AuthenticatorData{
		Flags:   data[32],
		Counter: binary.BigEndian.Uint32(data[33:37]),
	}
	copy(ad.RPIDHash[:], data[:32])

	if ad.Flags&FlagAttestedData == 0 {
		return ad, nil
	}
	rest := data[minAuthDataLen:]
	if len(rest) < 18 {
		return nil, fmt.Errorf("attested credential data truncated")
	}
	ad.AAGUID = rest[:16]
	idLen := int(binary.BigEndian.Uint16(rest[16:18]))
	rest = rest[18:]
	if len(rest) < idLen {
		return nil, fmt.Errorf("credential ID truncated")
	}
	ad.CredentialID = rest[:idLen]

	key, _, err := codec.ParseCOSEKey(rest[idLen:])
	if err != nil {
		return nil, err
	}
	ad.PublicKey = key
	return ad, nil
}

// BuildAuthenticatorData encodes the header and, if credentialID is set,
// attested credential data. It is the inverse of ParseAuthenticatorData.
func BuildAuthenticatorData(rpID string, flags byte, counter uint32, aaguid, credentialID, coseKey []byte) []byte {
	rpHash := sha256.Sum256([]byte(rpID))
	var b bytes.Buffer
	b.Write(rpHash[:])
	if len(credentialID) > 0 {
		flags |= FlagAttestedData
	}
	b.WriteByte(flags)
	binary.Write(&b, binary.BigEndian, counter)
	if len(credentialID) > 0 {
		aa := make([]byte, 16)
		copy(aa, aaguid)
		b.Write(aa)
		binary.Write(&b, binary.BigEndian, uint16(len(credentialID)))
		b.Write(credentialID)
		b.Write(coseKey)
	}
	return b.Bytes()
}

// AttestationObject is the CBOR envelope returned on registration.
type AttestationObject struct {
	Fmt      string          `cbor:"fmt"`
	AttStmt  cbor.RawMessage `cbor:"attStmt"`
	AuthData []byte          `cbor:"authData"`
}

// ParseAttestationObject decodes the CBOR attestation object.
func ParseAttestationObject(data []byte) (*AttestationObject, error) {
	var obj AttestationObject
	if err := cbor.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("malformed attestation object: %w", err)
	}
	if len(obj.AuthData) == 0 {
		return nil, fmt.Errorf("attestation object has no authData")
	}
	return &obj, nil
}

// Client data types.
const (
	ClientDataCreate = "webauthn.create"
	ClientDataGet    = "webauthn.get"
)

// ClientData is the JSON the platform signs over (by hash).
type ClientData struct {
	Type        string `json:"type"`
	Challenge   string `json:"challenge"`
	Origin      string `json:"origin"`
	CrossOrigin bool   `json:"crossOrigin"`
}

// BuildClientDataJSON serialises client data the way browsers do: fixed
// member order, base64url challenge.
func BuildClientDataJSON(typ string, challenge []byte, origin string) []byte {
	data, _ := json.Marshal(ClientData{
		Type:      typ,
		Challenge: codec.EncodeURL(challenge),
		Origin:    origin,
	})
	return data
}

// checkClientData verifies type, challenge and (if configured) origin.
func checkClientData(raw []byte, typ string, challenge []byte, origin string) error {
	var cd ClientData
	if err := json.Unmarshal(raw, &cd); err != nil {
		return fmt.Errorf("malformed clientDataJSON: %w", err)
	}
	if cd.Type != typ {
		return fmt.Errorf("clientDataJSON type %q, want %q", cd.Type, typ)
	}
	got, err := codec.DecodeURL(cd.Challenge)
	if err != nil {
		return fmt.Errorf("clientDataJSON challenge: %w", err)
	}
	if !bytes.Equal(got, challenge) {
		return fmt.Errorf("clientDataJSON challenge does not match")
	}
	if origin != "" && cd.Origin != origin {
		return fmt.Errorf("clientDataJSON origin %q, want %q", cd.Origin, origin)
	}
	return nil
}

// checkRPIDHash verifies the relying party hash and user presence flag.
func checkRPIDHash(ad *AuthenticatorData, want [32]byte) error {
	if ad.RPIDHash != want {
		return fmt.Errorf("rpIdHash does not match")
	}
	if ad.Flags&FlagUserPresent == 0 {
		return fmt.Errorf("user presence flag not set")
	}
	return nil
}
