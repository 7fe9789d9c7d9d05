package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"snetpay/ledger"
	"snetpay/observability"
	"snetpay/store"
)

const (
	tracerName = "snetpay/channel"

	// maxSelectAttempts bounds re-selection when a concurrent caller drained
	// the chosen channel between selection and signing.
	maxSelectAttempts = 3
	syncConcurrency   = 8
)

// Config scopes a Manager to one (sender, recipient, group) triple.
type Config struct {
	// Sender pays for channels and submits ledger transactions.
	Sender common.Address
	// Signer authorizes claims; defaults to Sender.
	Signer    common.Address
	Recipient common.Address
	GroupID   ledger.GroupID

	// ExpirationThreshold is the group's payment_expiration_threshold.
	ExpirationThreshold uint64
	// BlockOffset is extra headroom added to the target expiry.
	BlockOffset uint64
	// FundingCalls is how many calls' worth of funds a new or topped-up
	// channel receives. Defaults to 1.
	FundingCalls int64
	// CallAllowance bounds outstanding authorizations per channel.
	// Defaults to 1.
	CallAllowance int64
	// DeploymentBlock is where discovery starts on a fresh store.
	DeploymentBlock uint64
	// RefreshInterval throttles ledger and daemon refreshes during
	// selection. Zero refreshes on every selection.
	RefreshInterval time.Duration
}

func (c *Config) applyDefaults() {
	if (c.Signer == common.Address{}) {
		c.Signer = c.Sender
	}
	if c.FundingCalls <= 0 {
		c.FundingCalls = 1
	}
	if c.CallAllowance <= 0 {
		c.CallAllowance = 1
	}
}

func (c Config) validate() error {
	if (c.Sender == common.Address{}) {
		return errors.New("channel: sender address required")
	}
	if (c.Recipient == common.Address{}) {
		return errors.New("channel: recipient address required")
	}
	return nil
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithStore persists watermarks and discovery progress.
func WithStore(s store.Store) ManagerOption {
	return func(m *Manager) {
		if s != nil {
			m.store = s
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records selection branches and channel balances.
func WithMetrics(metrics *observability.PaymentMetrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// Manager owns the channels for one payment group. It discovers channels
// from ledger events, keeps their state fresh, picks a channel for each
// call and funds or extends it when needed. Selection and the ledger
// effects it triggers are serialized, so concurrent first calls open at
// most one channel.
type Manager struct {
	ledger ledger.Ledger
	remote StateSource
	gate   *Gate
	store  store.Store
	cfg    Config

	logger  *slog.Logger
	metrics *observability.PaymentMetrics
	tracer  trace.Tracer

	fundMu  sync.Mutex
	refresh singleflight.Group
	limiter *rate.Limiter
	fresh   atomic.Bool

	discoverMu    sync.Mutex
	loaded        bool
	lastReadBlock uint64

	mu       sync.RWMutex
	channels []*Channel
	byID     map[string]*Channel
}

// NewManager wires a manager. remote may be nil to skip daemon state reads.
func NewManager(l ledger.Ledger, remote StateSource, gate *Gate, cfg Config, opts ...ManagerOption) (*Manager, error) {
	if l == nil {
		return nil, errors.New("channel: ledger required")
	}
	if gate == nil {
		return nil, errors.New("channel: gate required")
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		ledger: l,
		remote: remote,
		gate:   gate,
		store:  store.NewMemory(),
		cfg:    cfg,
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
		byID:   make(map[string]*Channel),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.logger = m.logger.With(slog.String("component", "channel"))
	if cfg.RefreshInterval > 0 {
		m.limiter = rate.NewLimiter(rate.Every(cfg.RefreshInterval), 1)
	}
	return m, nil
}

// Gate returns the gate used to sign claims.
func (m *Manager) Gate() *Gate { return m.gate }

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Channels returns the known channels in discovery order.
func (m *Manager) Channels() []*Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Channel, len(m.channels))
	copy(out, m.channels)
	return out
}

// Channel returns a known channel by id.
func (m *Manager) Channel(id *big.Int) (*Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.byID[id.String()]
	return ch, ok
}

// TargetExpiry returns currentBlock + expiration threshold + block offset.
func (m *Manager) TargetExpiry(ctx context.Context) (*big.Int, error) {
	current, err := m.ledger.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("channel: block number: %w", err)
	}
	target := new(big.Int).SetUint64(current)
	target.Add(target, new(big.Int).SetUint64(m.cfg.ExpirationThreshold))
	target.Add(target, new(big.Int).SetUint64(m.cfg.BlockOffset))
	return target, nil
}

func (m *Manager) discoveryKey() string {
	return fmt.Sprintf("%s/%s/%s", m.cfg.Sender.Hex(), m.cfg.Recipient.Hex(), m.cfg.GroupID.Hex())
}

// Discover reads ChannelOpen events since the last scan and appends the
// channels not seen before. New channels are not synced.
func (m *Manager) Discover(ctx context.Context) error {
	m.discoverMu.Lock()
	defer m.discoverMu.Unlock()

	if err := m.loadLocked(ctx); err != nil {
		return err
	}
	current, err := m.ledger.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("channel: block number: %w", err)
	}
	from := m.lastReadBlock
	if from == 0 {
		from = m.cfg.DeploymentBlock
	}
	opened, err := m.ledger.ChannelsOpened(ctx, m.filter(from, 0))
	if err != nil {
		return err
	}
	added := m.addOpened(opened)
	m.lastReadBlock = current
	if added > 0 {
		m.logger.Info("discovered channels", slog.Int("count", added), slog.Uint64("block", current))
	}
	return m.saveDiscoveryLocked(ctx)
}

func (m *Manager) filter(from, to uint64) ledger.ChannelFilter {
	return ledger.ChannelFilter{
		Sender:    m.cfg.Sender,
		Signer:    m.cfg.Signer,
		Recipient: m.cfg.Recipient,
		GroupID:   m.cfg.GroupID,
		FromBlock: from,
		ToBlock:   to,
	}
}

func (m *Manager) loadLocked(ctx context.Context) error {
	if m.loaded {
		return nil
	}
	d, err := m.store.Discovery(ctx, m.discoveryKey())
	if err != nil {
		return fmt.Errorf("channel: load discovery: %w", err)
	}
	m.mu.Lock()
	for _, id := range d.ChannelIDs {
		m.addLocked(id)
	}
	m.mu.Unlock()
	m.lastReadBlock = d.LastBlock
	m.loaded = true
	return nil
}

func (m *Manager) saveDiscoveryLocked(ctx context.Context) error {
	channels := m.Channels()
	ids := make([]*big.Int, len(channels))
	for i, ch := range channels {
		ids[i] = ch.id
	}
	if err := m.store.SaveDiscovery(ctx, m.discoveryKey(), store.Discovery{LastBlock: m.lastReadBlock, ChannelIDs: ids}); err != nil {
		return fmt.Errorf("channel: save discovery: %w", err)
	}
	return nil
}

func (m *Manager) addOpened(opened []ledger.OpenedChannel) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	added := 0
	for _, ev := range opened {
		if ev.Signer != m.cfg.Signer {
			continue
		}
		if _, ok := m.byID[ev.ChannelID.String()]; ok {
			continue
		}
		m.addLocked(ev.ChannelID)
		added++
	}
	return added
}

func (m *Manager) addLocked(id *big.Int) *Channel {
	if ch, ok := m.byID[id.String()]; ok {
		return ch
	}
	ch := NewChannel(id, m.ledger, m.remote, m.store, m.cfg.CallAllowance, m.logger)
	m.channels = append(m.channels, ch)
	m.byID[id.String()] = ch
	return ch
}

// Refresh discovers new channels and re-syncs every known channel. Calls
// that overlap share one refresh. With a RefreshInterval, refreshes after a
// successful one are rate limited.
func (m *Manager) Refresh(ctx context.Context) error {
	if m.limiter != nil {
		if allowed := m.limiter.Allow(); !allowed && m.fresh.Load() {
			return nil
		}
	}
	_, err, _ := m.refresh.Do("refresh", func() (any, error) {
		err := m.refreshAll(ctx)
		m.fresh.Store(err == nil)
		return nil, err
	})
	return err
}

func (m *Manager) refreshAll(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "channel.refresh")
	defer span.End()

	if err := m.Discover(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "discover")
		return err
	}
	channels := m.Channels()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(syncConcurrency)
	for _, ch := range channels {
		g.Go(func() error {
			return ch.SyncState(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sync")
		return err
	}
	for _, ch := range channels {
		m.metrics.SetChannelAvailable(ch.id.String(), ch.AvailableAmount())
	}
	span.SetAttributes(attribute.Int("channels", len(channels)))
	return nil
}

// Select returns a channel that can pay price before the target expiry,
// opening, funding or extending one on the ledger when necessary.
func (m *Manager) Select(ctx context.Context, price *big.Int) (*Channel, Branch, error) {
	if price == nil || price.Sign() <= 0 {
		return nil, "", ErrInvalidPrice
	}
	m.fundMu.Lock()
	defer m.fundMu.Unlock()

	ctx, span := m.tracer.Start(ctx, "channel.select", trace.WithAttributes(attribute.String("price", price.String())))
	defer span.End()

	if err := m.Refresh(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh")
		return nil, "", err
	}
	target, err := m.TargetExpiry(ctx)
	if err != nil {
		return nil, "", err
	}

	decision := Choose(m.Channels(), price, target)
	funding := new(big.Int).Mul(price, big.NewInt(m.cfg.FundingCalls))
	ch := decision.Channel
	switch decision.Branch {
	case BranchReady:
	case BranchOpen:
		ch, err = m.open(ctx, funding, target)
	case BranchExtend:
		_, err = ch.ExtendExpiration(ctx, target)
	case BranchAddFunds:
		_, err = ch.AddFunds(ctx, funding)
	case BranchExtendAndAddFunds:
		_, err = ch.ExtendAndAddFunds(ctx, target, funding)
	}
	span.SetAttributes(attribute.String("branch", string(decision.Branch)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(decision.Branch))
		m.logger.Error("channel selection failed",
			slog.String("branch", string(decision.Branch)),
			slog.Any("error", err))
		return nil, decision.Branch, err
	}
	m.metrics.RecordSelection(string(decision.Branch))
	m.logger.Debug("channel selected",
		slog.String("branch", string(decision.Branch)),
		slog.String("channel_id", ch.id.String()))
	return ch, decision.Branch, nil
}

func (m *Manager) open(ctx context.Context, amount, expiration *big.Int) (*Channel, error) {
	balance, err := m.ledger.Balance(ctx, m.cfg.Sender)
	if err != nil {
		return nil, fmt.Errorf("channel: escrow balance: %w", err)
	}
	req := ledger.OpenRequest{
		Signer:     m.cfg.Signer,
		Recipient:  m.cfg.Recipient,
		GroupID:    m.cfg.GroupID,
		Amount:     amount,
		Expiration: expiration,
	}
	var receipt *ledger.Receipt
	if balance.Cmp(amount) >= 0 {
		receipt, err = m.ledger.OpenChannel(ctx, req)
	} else {
		receipt, err = m.ledger.DepositAndOpenChannel(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	m.discoverMu.Lock()
	defer m.discoverMu.Unlock()
	if err := m.loadLocked(ctx); err != nil {
		return nil, err
	}
	opened, err := m.ledger.ChannelsOpened(ctx, m.filter(receipt.BlockNumber, receipt.BlockNumber))
	if err != nil {
		return nil, err
	}
	var created *Channel
	m.mu.Lock()
	for _, ev := range opened {
		if ev.Signer != m.cfg.Signer {
			continue
		}
		created = m.addLocked(ev.ChannelID)
	}
	m.mu.Unlock()
	if created == nil {
		return nil, fmt.Errorf("%w: tx %s", ErrChannelNotDiscovered, receipt.TxHash.Hex())
	}
	if err := m.saveDiscoveryLocked(ctx); err != nil {
		return nil, err
	}
	m.logger.Info("channel opened",
		slog.String("channel_id", created.id.String()),
		slog.String("amount", amount.String()),
		slog.String("tx_hash", receipt.TxHash.Hex()),
		slog.Uint64("block", receipt.BlockNumber))
	if err := created.SyncState(ctx); err != nil {
		return nil, err
	}
	return created, nil
}

// Authorize selects a channel for amount and signs the next step on it.
// If another caller drains the channel between selection and signing, the
// selection is repeated.
func (m *Manager) Authorize(ctx context.Context, amount *big.Int) (*Authorization, error) {
	var lastErr error
	for attempt := 0; attempt < maxSelectAttempts; attempt++ {
		ch, _, err := m.Select(ctx, amount)
		if err != nil {
			return nil, err
		}
		auth, err := m.gate.Authorize(ctx, ch, amount)
		if err == nil {
			return auth, nil
		}
		if !errors.Is(err, ErrInsufficientFunds) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
