package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/urfave/cli/v2"

	"snetpay/cmd/internal/passphrase"
	"snetpay/config"
	"snetpay/daemon"
	"snetpay/identity"
	"snetpay/ledger"
	"snetpay/observability"
	"snetpay/observability/logging"
	"snetpay/observability/otel"
	"snetpay/service"
	"snetpay/store"
)

const shutdownTimeout = 5 * time.Second

// env carries everything a subcommand needs. Fields are populated lazily so
// account commands never dial the service daemon.
type env struct {
	cfg      *config.Config
	logger   *slog.Logger
	backend  *ethclient.Client
	identity identity.Identity
	contract *ledger.MPEContract
	store    store.Store
	client   *service.ServiceClient

	closers []func(context.Context) error
}

func loadEnv(cctx *cli.Context) (*env, error) {
	cfg, err := config.Load(cctx.String("config"))
	if err != nil {
		return nil, err
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logOpts := []logging.Option{logging.WithLevel(level), logging.WithWriter(cctx.App.ErrWriter)}
	if cfg.Log.File != "" {
		logOpts = append(logOpts, logging.WithFile(logging.FileConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		}))
	}
	e := &env{cfg: cfg, logger: logging.Setup("snetpay", cfg.Log.Env, logOpts...)}

	if cfg.Telemetry.Enabled() {
		headers := cfg.Telemetry.Headers
		if len(headers) == 0 {
			headers = otel.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
		}
		shutdown, err := otel.Init(cctx.Context, otel.Config{
			ServiceName: "snetpay",
			Environment: cfg.Log.Env,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     headers,
			Traces:      cfg.Telemetry.Traces,
			Metrics:     cfg.Telemetry.Metrics,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, shutdown)
	}
	return e, nil
}

// connect dials the chain, unlocks the identity and binds the contract.
func (e *env) connect(ctx context.Context) error {
	backend, err := ledger.DialBackend(ctx, e.cfg.Ethereum.RPCURL)
	if err != nil {
		return err
	}
	e.backend = backend
	e.closers = append(e.closers, func(context.Context) error { backend.Close(); return nil })

	idOpts := []identity.Option{
		identity.WithLogger(e.logger),
		identity.WithReceiptPolicy(identity.ReceiptPolicy{
			Timeout:      e.cfg.Ethereum.ReceiptTimeout.Duration,
			PollInterval: e.cfg.Ethereum.ReceiptPollInterval.Duration,
		}),
	}
	if e.cfg.Ethereum.ChainID != 0 {
		idOpts = append(idOpts, identity.WithChainID(new(big.Int).SetUint64(e.cfg.Ethereum.ChainID)))
	}

	switch e.cfg.Identity.Type {
	case config.IdentityWalletRPC:
		wallet, err := identity.DialWallet(ctx, e.cfg.Identity.WalletRPCURL, e.cfg.Identity.WalletAccount(), idOpts...)
		if err != nil {
			return err
		}
		e.identity = wallet
	default:
		passEnv := e.cfg.Identity.PassphraseEnv
		if passEnv == "" {
			passEnv = defaultPassEnv
		}
		key, err := e.cfg.Identity.LoadKey(passphrase.NewSource(passEnv, "payment keystore").Get)
		if err != nil {
			return fmt.Errorf("load payment key: %w", err)
		}
		id, err := identity.NewPrivateKeyIdentity(key, backend, idOpts...)
		if err != nil {
			return err
		}
		e.identity = id
	}

	contractOpts := []ledger.Option{
		ledger.WithLogger(e.logger),
		ledger.WithMetrics(observability.Payment()),
	}
	if token := e.cfg.Ethereum.Token(); token != (common.Address{}) {
		contractOpts = append(contractOpts, ledger.WithTokenAddress(token))
	}
	contract, err := ledger.NewMPEContract(e.cfg.Ethereum.MPE(), backend, e.identity, contractOpts...)
	if err != nil {
		return err
	}
	e.contract = contract
	e.logger.Debug("connected",
		slog.String("address", e.identity.Address().Hex()),
		slog.String("component", "cli"))
	return nil
}

// serviceClient assembles the paid client for the configured group.
func (e *env) serviceClient(ctx context.Context) (*service.ServiceClient, error) {
	if e.client != nil {
		return e.client, nil
	}
	if e.contract == nil {
		if err := e.connect(ctx); err != nil {
			return nil, err
		}
	}
	md, err := service.LoadMetadata(e.cfg.Service.MetadataPath)
	if err != nil {
		return nil, err
	}
	if md.MPEAddress != "" && !strings.EqualFold(md.MPEAddress, e.cfg.Ethereum.MPEAddress) {
		return nil, fmt.Errorf("metadata escrow %s differs from configured %s", md.MPEAddress, e.cfg.Ethereum.MPEAddress)
	}

	if e.cfg.Channel.StorePath != "" {
		sqlite, err := store.OpenSQLite(e.cfg.Channel.StorePath)
		if err != nil {
			return nil, err
		}
		e.store = sqlite
		e.closers = append(e.closers, func(context.Context) error { return sqlite.Close() })
	} else {
		e.store = store.NewMemory()
	}

	var freeCall daemon.FreeCallUser
	if fc := e.cfg.Service.FreeCall; fc.Enabled() {
		token, err := fc.TokenBytes()
		if err != nil {
			return nil, err
		}
		freeCall = daemon.FreeCallUser{
			UserID:           fc.UserID,
			OrgID:            e.cfg.Service.OrgID,
			ServiceID:        e.cfg.Service.ServiceID,
			Token:            token,
			TokenExpiryBlock: fc.TokenExpiryBlock,
		}
	}

	client, err := service.NewServiceClient(ctx, md, e.contract, e.identity, service.Options{
		Group:                       e.cfg.Service.GroupName,
		Endpoint:                    e.cfg.Service.Endpoint,
		BlockOffset:                 e.cfg.Channel.BlockOffset,
		CallAllowance:               e.cfg.Channel.CallAllowance,
		FundingCalls:                e.cfg.Channel.FundingCalls,
		DeploymentBlock:             e.cfg.Ethereum.DeploymentBlock,
		RefreshInterval:             e.cfg.Channel.RefreshInterval.Duration,
		Prepaid:                     e.cfg.Channel.Prepaid,
		DisableBlockchainOperations: e.cfg.Channel.DisableBlockchainOperations,
		FreeCall:                    freeCall,
		Store:                       e.store,
		Logger:                      e.logger,
		Metrics:                     observability.Payment(),
	})
	if err != nil {
		return nil, err
	}
	e.client = client
	e.closers = append(e.closers, func(context.Context) error { return client.Close() })
	return client, nil
}

// Close runs closers in reverse order.
func (e *env) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// withEnv wraps a command action with config loading and teardown.
func withEnv(action func(*cli.Context, *env) error) cli.ActionFunc {
	return func(cctx *cli.Context) (err error) {
		e, err := loadEnv(cctx)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := e.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		return action(cctx, e)
	}
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount %q must be a positive integer in cogs", raw)
	}
	return amount, nil
}
