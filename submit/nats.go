// Package submit carries packaged invocations to the ledger side over
// NATS request/reply and polls for their confirmation.
package submit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/geolink-authz/intent"
	"github.com/mesmerverse/geolink-authz/orchestrator"
)

// ErrRemote wraps an error reported by the remote handler.
var ErrRemote = errors.New("remote handler error")

// Requester is the request/reply subset of *nats.Conn.
type Requester interface {
	RequestWithContext(ctx context.Context, subject string, data []byte) (*nats.Msg, error)
}

// Subjects names the request subjects.
type Subjects struct {
	Simulate string `yaml:"simulate"`
	Submit   string `yaml:"submit"`
	Status   string `yaml:"status"`
}

// DefaultSubjects returns the subjects used when none are configured.
func DefaultSubjects() Subjects {
	return Subjects{
		Simulate: "geoauth.tx.simulate",
		Submit:   "geoauth.tx.submit",
		Status:   "geoauth.tx.status",
	}
}

// ConnectOptions configures Connect.
type ConnectOptions struct {
	URL             string
	CredentialsFile string
	ReconnectWait   time.Duration
	MaxReconnects   int
}

// Connect dials NATS with logging connection handlers.
func Connect(opts ConnectOptions) (*nats.Conn, error) {
	natsOpts := []nats.Option{
		nats.Name("geoauth"),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	}
	if opts.CredentialsFile != "" {
		if _, err := os.Stat(opts.CredentialsFile); err == nil {
			natsOpts = append(natsOpts, nats.UserCredentials(opts.CredentialsFile))
		} else {
			log.Warn().Str("path", opts.CredentialsFile).Msg("NATS credentials file not found, connecting without")
		}
	}

	conn, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// NATSSubmitter sends invocations to a remote simulator/submitter.
type NATSSubmitter struct {
	conn     Requester
	subjects Subjects
	timeout  time.Duration
}

var (
	_ orchestrator.Submitter = (*NATSSubmitter)(nil)
	_ orchestrator.Simulator = (*NATSSubmitter)(nil)
	_ StatusChecker          = (*NATSSubmitter)(nil)
)

// NewNATSSubmitter creates a submitter. Empty subjects take their defaults
// and a zero timeout means 10s per request.
func NewNATSSubmitter(conn Requester, subjects Subjects, timeout time.Duration) *NATSSubmitter {
	def := DefaultSubjects()
	if subjects.Simulate == "" {
		subjects.Simulate = def.Simulate
	}
	if subjects.Submit == "" {
		subjects.Submit = def.Submit
	}
	if subjects.Status == "" {
		subjects.Status = def.Status
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NATSSubmitter{conn: conn, subjects: subjects, timeout: timeout}
}

// Simulate asks the remote side to pre-flight inv.
func (s *NATSSubmitter) Simulate(ctx context.Context, inv *orchestrator.Invocation) (*orchestrator.SimulationResult, error) {
	msg, err := NewInvocationMessage(inv)
	if err != nil {
		return nil, err
	}
	var res orchestrator.SimulationResult
	if err := s.request(ctx, s.subjects.Simulate, msg, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Submit hands inv to the remote submitter.
func (s *NATSSubmitter) Submit(ctx context.Context, inv *orchestrator.Invocation) (*orchestrator.Submission, error) {
	msg, err := NewInvocationMessage(inv)
	if err != nil {
		return nil, err
	}
	var sub orchestrator.Submission
	if err := s.request(ctx, s.subjects.Submit, msg, &sub); err != nil {
		return nil, err
	}
	if sub.TxHash == "" {
		return nil, fmt.Errorf("%w: response carries no tx_hash", ErrRemote)
	}
	log.Debug().Str("tx_hash", sub.TxHash).Str("subject", s.subjects.Submit).Msg("Invocation submitted over NATS")
	return &sub, nil
}

// Status fetches the ledger status of a submitted transaction.
func (s *NATSSubmitter) Status(ctx context.Context, txHash string) (*TxStatus, error) {
	var st TxStatus
	if err := s.request(ctx, s.subjects.Status, map[string]string{"tx_hash": txHash}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *NATSSubmitter) request(ctx context.Context, subject string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	reply, err := s.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("request on %s failed: %w", subject, err)
	}

	var env responseEnvelope
	if err := json.Unmarshal(reply.Data, &env); err != nil {
		return fmt.Errorf("failed to parse response from %s: %w", subject, err)
	}
	if env.Error != "" {
		return fmt.Errorf("%w: %s", ErrRemote, env.Error)
	}
	if len(env.Result) == 0 {
		return fmt.Errorf("%w: empty result", ErrRemote)
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("failed to parse result from %s: %w", subject, err)
	}
	return nil
}

// responseEnvelope wraps every reply.
type responseEnvelope struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// WireArg is an argument on the wire.
type WireArg struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// InvocationMessage is the JSON request body for simulate and submit.
// Byte fields are base64, the two key fields hex.
type InvocationMessage struct {
	Network          string    `json:"network"`
	RPCEndpoint      string    `json:"rpc_url,omitempty"`
	ContractID       string    `json:"contract_id"`
	Function         string    `json:"fn_name"`
	Args             []WireArg `json:"args"`
	Signer           string    `json:"signer"`
	AuthMode         string    `json:"auth_mode"`
	Payload          []byte    `json:"payload"`
	ClassicSignature []byte    `json:"classic_signature,omitempty"`
	PasskeyPublicKey string    `json:"passkey_public_key,omitempty"`
	RPIDHash         string    `json:"rp_id_hash,omitempty"`
	ViaDispatcher    bool      `json:"via_dispatcher,omitempty"`
}

// NewInvocationMessage converts inv to its wire form.
func NewInvocationMessage(inv *orchestrator.Invocation) (*InvocationMessage, error) {
	msg := &InvocationMessage{
		Network:          inv.Network,
		RPCEndpoint:      inv.RPCEndpoint,
		ContractID:       inv.ContractID,
		Function:         inv.Function,
		Args:             make([]WireArg, 0, len(inv.Args)),
		Signer:           inv.Signer,
		AuthMode:         string(inv.Mode),
		Payload:          inv.Payload,
		ClassicSignature: inv.ClassicSignature,
		ViaDispatcher:    inv.ViaDispatcher,
	}
	for _, a := range inv.Args {
		w, err := a.Value.Wire()
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", a.Name, err)
		}
		msg.Args = append(msg.Args, WireArg{Name: a.Name, Type: string(a.Value.Kind()), Value: w})
	}
	if inv.Mode == intent.AuthModeWebAuthn {
		msg.PasskeyPublicKey = hex.EncodeToString(inv.PasskeyPublicKey[:])
		msg.RPIDHash = hex.EncodeToString(inv.RPIDHash[:])
	}
	return msg, nil
}
