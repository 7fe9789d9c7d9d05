package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"google.golang.org/grpc"

	"snetpay/channel"
	"snetpay/daemon"
	"snetpay/identity"
	"snetpay/ledger"
	"snetpay/observability"
	"snetpay/payment"
	"snetpay/store"
	"snetpay/training"
)

// Options configure a ServiceClient.
type Options struct {
	// Group defaults to DefaultGroup.
	Group string
	// Endpoint overrides the group's first endpoint.
	Endpoint string

	BlockOffset     uint64
	CallAllowance   int64
	FundingCalls    int64
	DeploymentBlock uint64
	RefreshInterval time.Duration

	// Prepaid pays with daemon tokens instead of a claim per call.
	Prepaid bool
	// DisableBlockchainOperations sends calls without payment metadata.
	DisableBlockchainOperations bool
	// FreeCall spends the group's free calls for this user before paying.
	// An empty GroupID defaults to the selected group's id.
	FreeCall daemon.FreeCallUser

	Store       store.Store
	Logger      *slog.Logger
	Metrics     *observability.PaymentMetrics
	DialOptions []grpc.DialOption
}

// ServiceClient is a paid connection to one service group.
type ServiceClient struct {
	group    *Group
	price    *big.Int
	manager  *channel.Manager
	daemon   *daemon.Client
	training *training.Authorizer
	conn     *grpc.ClientConn
	control  *grpc.ClientConn
	logger   *slog.Logger
}

// NewServiceClient assembles the payment engine for the group named in opts
// and dials its endpoint. Calls made on Conn are paid automatically.
func NewServiceClient(ctx context.Context, md *Metadata, l ledger.Ledger, id identity.Signer, opts Options) (*ServiceClient, error) {
	if md == nil || l == nil || id == nil {
		return nil, errors.New("service: metadata, ledger and signer are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	group, err := md.Group(opts.Group)
	if err != nil {
		return nil, err
	}
	price, err := group.FixedPrice()
	if err != nil {
		return nil, err
	}
	groupID, err := group.ID()
	if err != nil {
		return nil, err
	}
	recipient, err := group.Recipient()
	if err != nil {
		return nil, err
	}
	endpoint, err := group.Endpoint(opts.Endpoint)
	if err != nil {
		return nil, err
	}

	control, err := Dial(ctx, endpoint, opts.DialOptions...)
	if err != nil {
		return nil, err
	}
	daemonClient := daemon.NewClient(control, id, l, l.Address())

	gate := channel.NewGate(l.Address(), id,
		channel.WithGateLogger(logger),
		channel.WithGateMetrics(opts.Metrics))
	managerOpts := []channel.ManagerOption{
		channel.WithLogger(logger),
		channel.WithMetrics(opts.Metrics),
	}
	if opts.Store != nil {
		managerOpts = append(managerOpts, channel.WithStore(opts.Store))
	}
	manager, err := channel.NewManager(l, daemonClient, gate, channel.Config{
		Sender:              id.Address(),
		Recipient:           recipient,
		GroupID:             groupID,
		ExpirationThreshold: group.Payment.PaymentExpirationThreshold,
		BlockOffset:         opts.BlockOffset,
		FundingCalls:        opts.FundingCalls,
		CallAllowance:       opts.CallAllowance,
		DeploymentBlock:     opts.DeploymentBlock,
		RefreshInterval:     opts.RefreshInterval,
	}, managerOpts...)
	if err != nil {
		control.Close()
		return nil, err
	}

	strategy, err := newStrategy(group, manager, daemonClient, price, opts, logger)
	if err != nil {
		control.Close()
		return nil, err
	}
	interceptorOpts := []payment.InterceptorOption{
		payment.WithInterceptorLogger(logger),
		payment.WithUserAddress(id.Address()),
		payment.WithChannelManager(manager),
	}
	if opts.DisableBlockchainOperations {
		interceptorOpts = append(interceptorOpts, payment.WithoutBlockchain())
	}
	interceptor := payment.NewInterceptor(strategy, interceptorOpts...)

	callOpts := append(append([]grpc.DialOption(nil), opts.DialOptions...),
		grpc.WithChainUnaryInterceptor(interceptor.Unary()),
		grpc.WithChainStreamInterceptor(interceptor.Stream()),
	)
	conn, err := Dial(ctx, endpoint, callOpts...)
	if err != nil {
		control.Close()
		return nil, err
	}

	trainer, err := training.NewAuthorizer(id, l,
		training.WithLogger(logger),
		training.WithMetrics(opts.Metrics))
	if err != nil {
		conn.Close()
		control.Close()
		return nil, err
	}

	logger.Info("service client ready",
		slog.String("component", "service"),
		slog.String("group", group.GroupName),
		slog.String("endpoint", endpoint),
		slog.String("amount", price.String()))

	return &ServiceClient{
		group:    group,
		price:    price,
		manager:  manager,
		daemon:   daemonClient,
		training: trainer,
		conn:     conn,
		control:  control,
		logger:   logger,
	}, nil
}

// newStrategy picks prepaid or escrow payment and puts free calls in front
// when a free-call user is configured.
func newStrategy(group *Group, manager *channel.Manager, daemonClient *daemon.Client, price *big.Int, opts Options, logger *slog.Logger) (payment.Strategy, error) {
	var (
		paid payment.Strategy
		err  error
	)
	if opts.Prepaid {
		paid, err = payment.NewPrepaidStrategy(manager, daemonClient, price, logger)
	} else {
		paid, err = payment.NewEscrowStrategy(manager, price)
	}
	if err != nil || opts.FreeCall.UserID == "" {
		return paid, err
	}
	user := opts.FreeCall
	if user.GroupID == "" {
		user.GroupID = group.GroupID
	}
	free, err := payment.NewFreeCallStrategy(daemonClient, user, group.FreeCalls, logger)
	if err != nil {
		return nil, err
	}
	return payment.NewDefaultStrategy(free, paid)
}

// WithTrainingPayment marks ctx so the next call on Conn pays amount for
// modelID instead of the group's fixed price.
func (c *ServiceClient) WithTrainingPayment(ctx context.Context, modelID string, amount *big.Int) context.Context {
	return payment.WithTrainingPayment(ctx, modelID, amount)
}

// Conn is the paid connection for generated service stubs.
func (c *ServiceClient) Conn() *grpc.ClientConn { return c.conn }

// Manager exposes the channel manager.
func (c *ServiceClient) Manager() *channel.Manager { return c.manager }

// Daemon exposes the daemon escrow client.
func (c *ServiceClient) Daemon() *daemon.Client { return c.daemon }

// Training returns the training-service authorizer.
func (c *ServiceClient) Training() *training.Authorizer { return c.training }

// Group returns the selected service group.
func (c *ServiceClient) Group() *Group { return c.group }

// Price returns the fixed price per call.
func (c *ServiceClient) Price() *big.Int { return new(big.Int).Set(c.price) }

// Close tears down both connections.
func (c *ServiceClient) Close() error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("service conn: %w", err))
		}
	}
	if c.control != nil {
		if err := c.control.Close(); err != nil {
			errs = append(errs, fmt.Errorf("daemon conn: %w", err))
		}
	}
	return errors.Join(errs...)
}
