package identity

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"snetpay/crypto"
)

type fakeBackend struct {
	mu       sync.Mutex
	chainID  *big.Int
	nonce    uint64
	sent     []*gethtypes.Transaction
	notFound int
	calls    int
	status   uint64
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 90_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	f.nonce++
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.notFound {
		return nil, ethereum.NotFound
	}
	return &gethtypes.Receipt{TxHash: hash, Status: f.status, BlockNumber: big.NewInt(42)}, nil
}

var fastPolicy = ReceiptPolicy{Timeout: time.Second, PollInterval: time.Millisecond}

func newKeyIdentity(t *testing.T, backend Backend) *PrivateKeyIdentity {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	id, err := NewPrivateKeyIdentity(key, backend, WithReceiptPolicy(fastPolicy))
	require.NoError(t, err)
	return id
}

func TestPrivateKeyIdentitySignMessage(t *testing.T) {
	id := newKeyIdentity(t, nil)
	digest := common.HexToHash("0x034e11b64d9bad30e444bca858fd55ea33cfe0e001503e7dc62a5f3ca1624205")

	sig, err := id.SignMessage(context.Background(), digest)
	require.NoError(t, err)
	signer, err := crypto.RecoverPersonal(digest, sig)
	require.NoError(t, err)
	require.Equal(t, id.Address(), signer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = id.SignMessage(ctx, digest)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPrivateKeyIdentitySendTransaction(t *testing.T) {
	backend := &fakeBackend{chainID: big.NewInt(11155111), nonce: 7, notFound: 2, status: gethtypes.ReceiptStatusSuccessful}
	id := newKeyIdentity(t, backend)
	to := common.HexToAddress("0x5e592F9b1d303183d963635f895f0f0C48284f4e")

	receipt, err := id.SendTransaction(context.Background(), TxRequest{To: to, Data: []byte{0x01, 0x02}})
	require.NoError(t, err)
	require.Equal(t, uint64(42), receipt.BlockNumber.Uint64())
	require.Equal(t, 3, backend.calls)

	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	require.Equal(t, uint64(7), tx.Nonce())
	require.Equal(t, uint64(90_000), tx.Gas())
	require.Equal(t, to, *tx.To())
	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(backend.chainID), tx)
	require.NoError(t, err)
	require.Equal(t, id.Address(), sender)
}

func TestWaitForReceiptTimesOut(t *testing.T) {
	backend := &fakeBackend{notFound: 1 << 30}
	_, err := WaitForReceipt(context.Background(), backend, common.Hash{0x1}, ReceiptPolicy{
		Timeout:      20 * time.Millisecond,
		PollInterval: time.Millisecond,
	})
	require.ErrorIs(t, err, ErrReceiptTimeout)
}

type failingFetcher struct{ calls int }

func (f *failingFetcher) TransactionReceipt(context.Context, common.Hash) (*gethtypes.Receipt, error) {
	f.calls++
	return nil, errors.New("connection reset")
}

func TestWaitForReceiptStopsOnHardError(t *testing.T) {
	fetcher := &failingFetcher{}
	_, err := WaitForReceipt(context.Background(), fetcher, common.Hash{0x2}, fastPolicy)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrReceiptTimeout)
	require.Equal(t, 1, fetcher.calls)
}

type fakeWallet struct {
	key     *crypto.PrivateKey
	methods []string
	lastTx  walletTx
}

func (w *fakeWallet) CallContext(_ context.Context, result any, method string, args ...any) error {
	w.methods = append(w.methods, method)
	switch method {
	case "personal_sign":
		data := args[0].(hexutil.Bytes)
		sig, err := w.key.SignPersonal(common.BytesToHash(data))
		if err != nil {
			return err
		}
		// Mimic wallets returning 0/1 recovery ids.
		sig[64] -= 27
		*result.(*hexutil.Bytes) = sig
	case "eth_sendTransaction":
		w.lastTx = args[0].(walletTx)
		*result.(*common.Hash) = common.HexToHash("0xabc")
	default:
		return errors.New("method not found")
	}
	return nil
}

func TestWalletRPCIdentity(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	wallet := &fakeWallet{key: key}
	backend := &fakeBackend{status: gethtypes.ReceiptStatusSuccessful}

	id, err := NewWalletRPCIdentity(wallet, backend, key.Address(), WithReceiptPolicy(fastPolicy))
	require.NoError(t, err)

	digest := common.HexToHash("0xe8ce5786b776a725f2be8409129b4968275339aea8a7f317eab33deaddd28e71")
	sig, err := id.SignMessage(context.Background(), digest)
	require.NoError(t, err)
	require.Contains(t, []byte{27, 28}, sig[64])
	signer, err := crypto.RecoverPersonal(digest, sig)
	require.NoError(t, err)
	require.Equal(t, key.Address(), signer)

	to := common.HexToAddress("0x01")
	receipt, err := id.SendTransaction(context.Background(), TxRequest{To: to, Data: []byte{0xaa}, Value: big.NewInt(5)})
	require.NoError(t, err)
	require.Equal(t, common.HexToHash("0xabc"), receipt.TxHash)
	require.Equal(t, key.Address(), wallet.lastTx.From)
	require.Equal(t, int64(5), wallet.lastTx.Value.ToInt().Int64())
	require.Equal(t, []string{"personal_sign", "eth_sendTransaction"}, wallet.methods)
}
