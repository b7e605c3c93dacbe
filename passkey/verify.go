package passkey

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"fmt"
	"math/big"

	"github.com/mesmerverse/geolink-authz/codec"
)

// SignedData returns authenticatorData || SHA-256(clientDataJSON), the
// message an ES256 assertion signs.
func SignedData(authenticatorData, clientDataJSON []byte) []byte {
	cdHash := sha256.Sum256(clientDataJSON)
	out := make([]byte, 0, len(authenticatorData)+len(cdHash))
	out = append(out, authenticatorData...)
	return append(out, cdHash[:]...)
}

// VerifyAssertion checks an assertion against a registered public key the
// way an on-chain verifier does: clientDataJSON type and challenge,
// rpIdHash, user presence and the ES256 signature over the raw form. On
// success the parsed counter is stored into a.Counter.
func VerifyAssertion(pub65 [65]byte, rpID string, challenge []byte, a *Assertion) error {
	return VerifyAssertionRPIDHash(pub65, sha256.Sum256([]byte(rpID)), challenge, a)
}

// VerifyAssertionRPIDHash is VerifyAssertion for verifiers that only hold
// the relying party hash.
func VerifyAssertionRPIDHash(pub65 [65]byte, rpIDHash [32]byte, challenge []byte, a *Assertion) error {
	if len(challenge) != ChallengeSize {
		return fmt.Errorf("%w: got %d", ErrInvalidChallenge, len(challenge))
	}
	if err := checkClientData(a.ClientDataJSON, ClientDataGet, challenge, ""); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	authData, err := ParseAuthenticatorData(a.AuthenticatorData)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	if err := checkRPIDHash(authData, rpIDHash); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	key, err := publicKeyFromPoint(pub65)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(SignedData(a.AuthenticatorData, a.ClientDataJSON))
	r, s := codec.SplitRaw64(a.SignatureRaw64[:])
	if !ecdsa.Verify(key, digest[:], r, s) {
		return fmt.Errorf("%w: signature does not verify", ErrAuthenticationFailed)
	}
	a.Counter = authData.Counter
	return nil
}

func publicKeyFromPoint(p [65]byte) (*ecdsa.PublicKey, error) {
	if _, err := codec.ParseUncompressedP256(p[:]); err != nil {
		return nil, err
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(p[1:33]),
		Y:     new(big.Int).SetBytes(p[33:]),
	}, nil
}
