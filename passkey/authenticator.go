package passkey

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/geolink-authz/codec"
)

// DefaultPRFSalt is evaluated when the caller does not supply a salt. It is
// fixed so the same credential always yields the same vault material.
var DefaultPRFSalt = func() []byte {
	sum := sha256.Sum256([]byte("geolink-authz vault kek v1"))
	return sum[:]
}()

// Config holds the relying party parameters for ceremonies.
type Config struct {
	RPID   string
	RPName string
	// Origin is compared against clientDataJSON when set.
	Origin string
	// LenientKeyParsing allows the best-effort SPKI scan for platforms
	// that return atypical encodings.
	LenientKeyParsing bool
	PRFSalt           []byte
	Random            io.Reader
	Now               func() time.Time
}

// Authenticator drives registration and assertion ceremonies.
type Authenticator struct {
	provider CredentialProvider
	store    CredentialStore
	cfg      Config
}

// New creates an Authenticator bound to a provider and credential store.
func New(provider CredentialProvider, store CredentialStore, cfg Config) (*Authenticator, error) {
	if provider == nil || store == nil {
		return nil, fmt.Errorf("passkey: provider and store are required")
	}
	if cfg.RPID == "" {
		return nil, fmt.Errorf("passkey: relying party ID is required")
	}
	if cfg.RPName == "" {
		cfg.RPName = cfg.RPID
	}
	if len(cfg.PRFSalt) == 0 {
		cfg.PRFSalt = DefaultPRFSalt
	}
	if cfg.Random == nil {
		cfg.Random = rand.Reader
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Authenticator{provider: provider, store: store, cfg: cfg}, nil
}

// RPID returns the relying party identifier ceremonies are bound to.
func (a *Authenticator) RPID() string {
	return a.cfg.RPID
}

// Register creates a new ES256 credential for userID.
func (a *Authenticator) Register(ctx context.Context, userID string, requestPRF bool) (*Registration, error) {
	if !a.provider.Available(ctx) {
		return nil, ErrCredentialUnavailable
	}
	challenge, err := a.newChallenge()
	if err != nil {
		return nil, err
	}

	opts := CreationOptions{
		RPID:       a.cfg.RPID,
		RPName:     a.cfg.RPName,
		UserHandle: []byte(userID),
		UserName:   userID,
		Challenge:  challenge,
		Algorithms: []int64{AlgES256},
	}
	if requestPRF {
		opts.PRFSalt = a.cfg.PRFSalt
	}

	resp, err := a.provider.Create(ctx, opts)
	if err != nil {
		return nil, ceremonyError(ctx, err, ErrRegistrationFailed)
	}
	if resp.PublicKeyAlgorithm != 0 && resp.PublicKeyAlgorithm != AlgES256 {
		return nil, fmt.Errorf("%w: algorithm %d", ErrUnsupportedAlgorithm, resp.PublicKeyAlgorithm)
	}
	if err := checkClientData(resp.ClientDataJSON, ClientDataCreate, challenge, a.cfg.Origin); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}

	obj, err := ParseAttestationObject(resp.AttestationObject)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}
	authData, err := ParseAuthenticatorData(obj.AuthData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}
	if err := checkRPIDHash(authData, sha256.Sum256([]byte(a.cfg.RPID))); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}
	if authData.PublicKey == nil {
		return nil, fmt.Errorf("%w: attestation carries no credential public key", ErrRegistrationFailed)
	}
	if authData.PublicKey.Alg != AlgES256 {
		return nil, fmt.Errorf("%w: COSE algorithm %d", ErrUnsupportedAlgorithm, authData.PublicKey.Alg)
	}
	if !bytes.Equal(authData.CredentialID, resp.CredentialID) {
		return nil, fmt.Errorf("%w: credential ID does not match attested data", ErrRegistrationFailed)
	}

	pub, err := a.publicKey(resp.PublicKeySPKI, authData.PublicKey)
	if err != nil {
		return nil, err
	}

	cred := Credential{
		ID:            append([]byte(nil), resp.CredentialID...),
		UserID:        userID,
		PublicKey65:   pub,
		PublicKeySPKI: append([]byte(nil), resp.PublicKeySPKI...),
		Counter:       authData.Counter,
		PRFEnabled:    requestPRF && resp.PRFEnabled,
		CreatedAt:     a.cfg.Now().UTC(),
	}
	if err := a.store.SaveCredential(ctx, &cred); err != nil {
		return nil, fmt.Errorf("failed to save credential: %w", err)
	}

	log.Info().
		Str("credential_id", shortID(cred.ID)).
		Str("user_id", userID).
		Bool("prf", cred.PRFEnabled).
		Msg("Credential registered")

	reg := &Registration{Credential: cred}
	if cred.PRFEnabled && len(resp.PRFOutput) > 0 {
		reg.PRFOutput = resp.PRFOutput
	}
	return reg, nil
}

// publicKey picks the SPKI form when the platform exposes it and checks it
// against the attested COSE key.
func (a *Authenticator) publicKey(spki []byte, cose *codec.COSEKey) ([65]byte, error) {
	fromCOSE, err := cose.Uncompressed()
	if err != nil {
		return fromCOSE, err
	}
	if len(spki) == 0 {
		return fromCOSE, nil
	}
	var fromSPKI [65]byte
	if a.cfg.LenientKeyParsing {
		fromSPKI, err = codec.ExtractUncompressedP256PublicKeyLenient(spki)
	} else {
		fromSPKI, err = codec.ExtractUncompressedP256PublicKey(spki)
	}
	if err != nil {
		return fromSPKI, err
	}
	if fromSPKI != fromCOSE {
		return fromSPKI, fmt.Errorf("%w: SPKI and attested key differ", ErrRegistrationFailed)
	}
	return fromSPKI, nil
}

// Authenticate runs an assertion over a 32-byte challenge. credentialID
// may be nil to let the platform choose among discoverable credentials.
func (a *Authenticator) Authenticate(ctx context.Context, credentialID, challenge []byte) (*Assertion, error) {
	assertion, _, err := a.assert(ctx, credentialID, challenge, nil)
	return assertion, err
}

// DerivePRF runs an assertion with the PRF extension and returns the
// credential-bound output for use as vault key material.
func (a *Authenticator) DerivePRF(ctx context.Context, credentialID, salt []byte) ([]byte, error) {
	if len(salt) == 0 {
		salt = a.cfg.PRFSalt
	}
	if credentialID != nil {
		cred, err := a.store.GetCredential(ctx, credentialID)
		if err != nil {
			return nil, err
		}
		if !cred.PRFEnabled {
			return nil, ErrPRFUnavailable
		}
	}
	challenge, err := a.newChallenge()
	if err != nil {
		return nil, err
	}
	_, prf, err := a.assert(ctx, credentialID, challenge, salt)
	if err != nil {
		return nil, err
	}
	if len(prf) == 0 {
		return nil, ErrPRFUnavailable
	}
	return prf, nil
}

// Revoke marks a credential as removed. Revoked credentials cannot assert.
func (a *Authenticator) Revoke(ctx context.Context, credentialID []byte) error {
	if err := a.store.RevokeCredential(ctx, credentialID, a.cfg.Now().UTC()); err != nil {
		return err
	}
	log.Info().Str("credential_id", shortID(credentialID)).Msg("Credential revoked")
	return nil
}

func (a *Authenticator) assert(ctx context.Context, credentialID, challenge, prfSalt []byte) (*Assertion, []byte, error) {
	if len(challenge) != ChallengeSize {
		return nil, nil, fmt.Errorf("%w: got %d", ErrInvalidChallenge, len(challenge))
	}
	if !a.provider.Available(ctx) {
		return nil, nil, ErrCredentialUnavailable
	}

	opts := RequestOptions{
		RPID:      a.cfg.RPID,
		Challenge: challenge,
		PRFSalt:   prfSalt,
	}
	if credentialID != nil {
		opts.AllowCredentials = [][]byte{credentialID}
	}

	resp, err := a.provider.Get(ctx, opts)
	if err != nil {
		return nil, nil, ceremonyError(ctx, err, ErrAuthenticationFailed)
	}
	if credentialID != nil && !bytes.Equal(resp.CredentialID, credentialID) {
		return nil, nil, fmt.Errorf("%w: platform answered with a different credential", ErrAuthenticationFailed)
	}

	cred, err := a.store.GetCredential(ctx, resp.CredentialID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	if cred.Revoked() {
		return nil, nil, fmt.Errorf("%w: credential revoked", ErrAuthenticationFailed)
	}

	raw, err := codec.DERSignatureToRaw64(resp.Signature)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	raw = codec.NormalizeLowS(raw)
	der, err := codec.Raw64ToDER(raw[:])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	assertion := &Assertion{
		CredentialID:      resp.CredentialID,
		SignatureDER:      der,
		SignatureRaw64:    raw,
		AuthenticatorData: resp.AuthenticatorData,
		ClientDataJSON:    resp.ClientDataJSON,
	}
	if err := VerifyAssertion(cred.PublicKey65, a.cfg.RPID, challenge, assertion); err != nil {
		return nil, nil, err
	}
	if a.cfg.Origin != "" {
		if err := checkClientData(resp.ClientDataJSON, ClientDataGet, challenge, a.cfg.Origin); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
		}
	}

	a.trackCounter(ctx, cred, assertion.Counter)
	return assertion, resp.PRFOutput, nil
}

// trackCounter mirrors the authenticator counter. A counter that fails to
// advance is logged; the authenticator owns the value.
func (a *Authenticator) trackCounter(ctx context.Context, cred *Credential, counter uint32) {
	if counter == 0 && cred.Counter == 0 {
		return
	}
	if counter <= cred.Counter {
		log.Warn().
			Str("credential_id", shortID(cred.ID)).
			Uint32("stored", cred.Counter).
			Uint32("received", counter).
			Msg("SECURITY: Signature counter did not advance, credential may be cloned")
		return
	}
	if err := a.store.UpdateCounter(ctx, cred.ID, counter); err != nil {
		log.Warn().Err(err).Str("credential_id", shortID(cred.ID)).Msg("Failed to update signature counter")
	}
}

func (a *Authenticator) newChallenge() ([]byte, error) {
	c := make([]byte, ChallengeSize)
	if _, err := io.ReadFull(a.cfg.Random, c); err != nil {
		return nil, fmt.Errorf("failed to generate challenge: %w", err)
	}
	return c, nil
}

// ceremonyError maps provider and context failures onto the typed kinds.
func ceremonyError(ctx context.Context, err, fallback error) error {
	switch {
	case errors.Is(err, ErrUserCancelled), errors.Is(err, ErrTimeout),
		errors.Is(err, ErrCredentialUnavailable), errors.Is(err, ErrUnsupportedAlgorithm):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrUserCancelled, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ceremonyError(context.Background(), ctxErr, fallback)
	}
	return fmt.Errorf("%w: %v", fallback, err)
}

func shortID(id []byte) string {
	if len(id) > 8 {
		id = id[:8]
	}
	return hex.EncodeToString(id)
}
