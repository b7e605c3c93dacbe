package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/geolink-authz/config"
	"github.com/mesmerverse/geolink-authz/dispatcher"
	"github.com/mesmerverse/geolink-authz/orchestrator"
	"github.com/mesmerverse/geolink-authz/passkey"
	"github.com/mesmerverse/geolink-authz/storage"
	"github.com/mesmerverse/geolink-authz/submit"
	"github.com/mesmerverse/geolink-authz/vault"
)

// credentialCacheSize bounds the public credential cache.
const credentialCacheSize = 256

// app holds the collaborators shared by all commands.
type app struct {
	cfg         *config.Config
	vault       *vault.Vault
	credentials passkey.CredentialStore
	nonces      dispatcher.NonceRegistry
	dispatcher  *dispatcher.Dispatcher

	simulator orchestrator.Simulator
	submitter orchestrator.Submitter
	status    submit.StatusChecker

	registry *prometheus.Registry
	metrics  *orchestrator.Metrics

	sqlite *storage.SQLiteStorage
	nc     *nats.Conn
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	a.metrics = orchestrator.NewMetrics(a.registry)

	var secrets vault.Store
	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		db, err := storage.NewSQLiteStorage(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.sqlite = db
		secrets = db
		a.credentials = storage.NewCachedCredentialStore(db, credentialCacheSize)
		a.nonces = db
		if n, err := db.CleanupExpiredNonces(ctx, time.Now()); err != nil {
			log.Warn().Err(err).Msg("Failed to clean up expired nonces")
		} else if n > 0 {
			log.Debug().Int64("removed", n).Msg("Expired nonces removed")
		}
	case config.DriverS3:
		s3Store, err := storage.NewS3SecretStore(ctx, cfg.Storage.S3)
		if err != nil {
			return nil, err
		}
		secrets = s3Store
		// Credentials and nonces have no S3 table; they stay in-process.
		a.credentials = passkey.NewMemoryStore()
		a.nonces = dispatcher.NewMemoryNonceRegistry(nil)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	vaultCfg, err := cfg.VaultOptions()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.vault, err = vault.New(secrets, vaultCfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.dispatcher = dispatcher.New(dispatcher.Config{
		ContractID: cfg.Dispatcher.ContractID,
		Nonces:     a.nonces,
	})
	a.simulator, a.submitter, a.status = a.dispatcher, a.dispatcher, a.dispatcher

	if cfg.NATS.URL != "" && !cfg.DevMode {
		nc, err := submit.Connect(cfg.ConnectOptions())
		if err != nil {
			a.Close()
			return nil, err
		}
		a.nc = nc
		remote := submit.NewNATSSubmitter(nc, cfg.NATS.Subjects, time.Duration(cfg.NATS.TimeoutMS)*time.Millisecond)
		a.simulator, a.submitter, a.status = remote, remote, remote
		log.Info().Str("url", cfg.NATS.URL).Msg("Submitting over NATS")
	}
	return a, nil
}

// newOrchestrator builds an orchestrator over the app's collaborators.
func (a *app) newOrchestrator(credentials orchestrator.CredentialSigner) (*orchestrator.Orchestrator, error) {
	return orchestrator.New(orchestrator.Config{
		Secrets:         a.vault,
		Credentials:     credentials,
		CredentialStore: a.credentials,
		Simulator:       a.simulator,
		Submitter:       a.submitter,
		Metrics:         a.metrics,
		ClockSkew:       a.cfg.ClockSkew(),
	})
}

// waitForConfirmation polls the submitter's status endpoint.
func (a *app) waitForConfirmation(ctx context.Context, txHash string) (*submit.TxStatus, error) {
	return submit.NewPoller(a.status, a.cfg.PollConfig()).WaitForConfirmation(ctx, txHash)
}

func (a *app) Close() {
	a.logMetrics()
	if a.nc != nil {
		a.nc.Close()
	}
	if a.sqlite != nil {
		if err := a.sqlite.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}
}

// logMetrics writes the execution counters at debug level on exit.
func (a *app) logMetrics() {
	families, err := a.registry.Gather()
	if err != nil {
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			ev := log.Debug().Str("metric", mf.GetName())
			for _, l := range m.GetLabel() {
				ev = ev.Str(l.GetName(), l.GetValue())
			}
			if c := m.GetCounter(); c != nil {
				ev = ev.Float64("value", c.GetValue())
			}
			if h := m.GetHistogram(); h != nil {
				ev = ev.Uint64("count", h.GetSampleCount()).Float64("sum", h.GetSampleSum())
			}
			ev.Msg("Metric")
		}
	}
}
