// Package softauth is a software platform authenticator. It answers
// registration and assertion ceremonies with real ES256 keys held in
// memory, a "none" attestation and an HMAC-based PRF extension. It backs
// dev mode, the CLI demo and tests.
package softauth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/mesmerverse/geolink-authz/codec"
	"github.com/mesmerverse/geolink-authz/passkey"
)

// Ceremony names passed to the Interact hook.
const (
	CeremonyCreate = "create"
	CeremonyGet    = "get"
)

type credential struct {
	id         []byte
	userHandle []byte
	rpID       string
	key        *ecdsa.PrivateKey
	prfSecret  []byte
	prf        bool
	counter    uint32
}

// Authenticator implements passkey.CredentialProvider.
type Authenticator struct {
	// Origin is written into clientDataJSON.
	Origin string
	// Interact stands in for the user gesture. Returning an error aborts
	// the ceremony with that error.
	Interact func(ctx context.Context, ceremony string) error
	// Disabled makes Available report false.
	Disabled bool
	// NoCounter leaves the signature counter at zero, as many platform
	// authenticators do.
	NoCounter bool
	Random    io.Reader

	mu    sync.Mutex
	creds []*credential
}

// New returns an authenticator that writes origin into client data.
func New(origin string) *Authenticator {
	return &Authenticator{Origin: origin, Random: rand.Reader}
}

func (a *Authenticator) Available(context.Context) bool {
	return !a.Disabled
}

func (a *Authenticator) Create(ctx context.Context, opts passkey.CreationOptions) (*passkey.CreationResponse, error) {
	if a.Disabled {
		return nil, passkey.ErrCredentialUnavailable
	}
	if !slices.Contains(opts.Algorithms, passkey.AlgES256) {
		return nil, passkey.ErrUnsupportedAlgorithm
	}
	if err := a.interact(ctx, CeremonyCreate); err != nil {
		return nil, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), a.random())
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	ecdhKey, err := key.PublicKey.ECDH()
	if err != nil {
		return nil, err
	}
	point := ecdhKey.Bytes()
	coseKey, err := codec.EncodeCOSEKey(point)
	if err != nil {
		return nil, err
	}
	spki, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	cred := &credential{
		id:         id[:],
		userHandle: append([]byte(nil), opts.UserHandle...),
		rpID:       opts.RPID,
		key:        key,
		prfSecret:  make([]byte, 32),
		prf:        opts.PRFSalt != nil,
	}
	if _, err := io.ReadFull(a.random(), cred.prfSecret); err != nil {
		return nil, err
	}

	authData := passkey.BuildAuthenticatorData(opts.RPID,
		passkey.FlagUserPresent|passkey.FlagUserVerified, 0, nil, cred.id, coseKey)
	attObj, err := cbor.Marshal(passkey.AttestationObject{
		Fmt:      "none",
		AttStmt:  cbor.RawMessage{0xa0},
		AuthData: authData,
	})
	if err != nil {
		return nil, err
	}

	resp := &passkey.CreationResponse{
		CredentialID:       cred.id,
		ClientDataJSON:     passkey.BuildClientDataJSON(passkey.ClientDataCreate, opts.Challenge, a.Origin),
		AttestationObject:  attObj,
		PublicKeySPKI:      spki,
		PublicKeyAlgorithm: passkey.AlgES256,
		PRFEnabled:         cred.prf,
	}
	if cred.prf {
		resp.PRFOutput = evalPRF(cred.prfSecret, opts.PRFSalt)
	}

	a.mu.Lock()
	a.creds = append(a.creds, cred)
	a.mu.Unlock()
	return resp, nil
}

func (a *Authenticator) Get(ctx context.Context, opts passkey.RequestOptions) (*passkey.AssertionResponse, error) {
	if a.Disabled {
		return nil, passkey.ErrCredentialUnavailable
	}
	if err := a.interact(ctx, CeremonyGet); err != nil {
		return nil, err
	}

	a.mu.Lock()
	cred := a.find(opts.RPID, opts.AllowCredentials)
	if cred == nil {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: no matching credential", passkey.ErrAuthenticationFailed)
	}
	if !a.NoCounter {
		cred.counter++
	}
	counter := cred.counter
	a.mu.Unlock()

	authData := passkey.BuildAuthenticatorData(opts.RPID,
		passkey.FlagUserPresent|passkey.FlagUserVerified, counter, nil, nil, nil)
	clientData := passkey.BuildClientDataJSON(passkey.ClientDataGet, opts.Challenge, a.Origin)
	digest := sha256.Sum256(passkey.SignedData(authData, clientData))
	sig, err := ecdsa.SignASN1(a.random(), cred.key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign assertion: %w", err)
	}

	resp := &passkey.AssertionResponse{
		CredentialID:      cred.id,
		AuthenticatorData: authData,
		ClientDataJSON:    clientData,
		Signature:         sig,
		UserHandle:        cred.userHandle,
	}
	if opts.PRFSalt != nil && cred.prf {
		resp.PRFOutput = evalPRF(cred.prfSecret, opts.PRFSalt)
	}
	return resp, nil
}

// Forget drops a credential, as if the user deleted the passkey.
func (a *Authenticator) Forget(id []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.creds = slices.DeleteFunc(a.creds, func(c *credential) bool {
		return string(c.id) == string(id)
	})
}

// find must be called with mu held.
func (a *Authenticator) find(rpID string, allow [][]byte) *credential {
	for _, c := range a.creds {
		if c.rpID != rpID {
			continue
		}
		if len(allow) == 0 {
			return c
		}
		for _, id := range allow {
			if string(id) == string(c.id) {
				return c
			}
		}
	}
	return nil
}

func (a *Authenticator) interact(ctx context.Context, ceremony string) error {
	if a.Interact != nil {
		if err := a.Interact(ctx, ceremony); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (a *Authenticator) random() io.Reader {
	if a.Random == nil {
		return rand.Reader
	}
	return a.Random
}

// evalPRF follows the WebAuthn PRF mapping onto hmac-secret: the salt is
// hashed with a fixed context prefix before the HMAC.
func evalPRF(secret, salt []byte) []byte {
	h := sha256.New()
	h.Write([]byte("WebAuthn PRF"))
	h.Write([]byte{0})
	h.Write(salt)
	mac := hmac.New(sha256.New, secret)
	mac.Write(h.Sum(nil))
	return mac.Sum(nil)
}
