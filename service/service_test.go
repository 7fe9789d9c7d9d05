package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"snetpay/crypto"
	"snetpay/daemon"
	"snetpay/daemon/daemontest"
	"snetpay/identity"
	"snetpay/ledger"
	"snetpay/ledger/ledgertest"
	"snetpay/mpe"
	"snetpay/store"
)

const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	testMPE       = common.HexToAddress("0x5e592f9b1d303183d963635f895f0f0c48284f4e")
	testRecipient = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	testGroupID   = bytes.Repeat([]byte{0x07}, 32)
)

func metadataJSON(price string) string {
	return fmt.Sprintf(`{
  "version": 1,
  "display_name": "Example",
  "encoding": "proto",
  "service_type": "grpc",
  "mpe_address": %q,
  "groups": [{
    "group_name": "default_group",
    "group_id": %q,
    "free_calls": 0,
    "payment": {
      "payment_address": %q,
      "payment_expiration_threshold": 40320,
      "payment_channel_storage_type": "etcd"
    },
    "pricing": [{"price_model": "fixed_price", "price_in_cogs": %s, "default": true}],
    "endpoints": ["http://bufnet:7000"]
  }]
}`, testMPE.Hex(), base64.StdEncoding.EncodeToString(testGroupID), testRecipient.Hex(), price)
}

func TestParseMetadataJSON(t *testing.T) {
	md, err := ParseMetadata([]byte(metadataJSON("10")))
	require.NoError(t, err)

	group, err := md.Group("")
	require.NoError(t, err)
	require.Equal(t, uint64(40320), group.Payment.PaymentExpirationThreshold)

	price, err := group.FixedPrice()
	require.NoError(t, err)
	require.Equal(t, "10", price.String())

	id, err := group.ID()
	require.NoError(t, err)
	require.Equal(t, testGroupID, id[:])

	recipient, err := group.Recipient()
	require.NoError(t, err)
	require.Equal(t, testRecipient, recipient)

	endpoint, err := group.Endpoint("")
	require.NoError(t, err)
	require.Equal(t, "http://bufnet:7000", endpoint)
	endpoint, err = group.Endpoint("https://override:443")
	require.NoError(t, err)
	require.Equal(t, "https://override:443", endpoint)
}

func TestParseMetadataYAML(t *testing.T) {
	doc := `
groups:
  - group_name: premium
    group_id: ` + base64.StdEncoding.EncodeToString(testGroupID) + `
    payment:
      payment_address: "` + testRecipient.Hex() + `"
      payment_expiration_threshold: 100
    pricing:
      - price_model: method_price
        price_in_cogs: 1
      - price_model: fixed_price
        price_in_cogs: "340282366920938463463374607431768211456"
`
	path := filepath.Join(t.TempDir(), "service.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	md, err := LoadMetadata(path)
	require.NoError(t, err)

	_, err = md.Group("")
	require.ErrorIs(t, err, ErrGroupNotFound)

	group, err := md.Group("premium")
	require.NoError(t, err)
	price, err := group.FixedPrice()
	require.NoError(t, err)
	require.Equal(t, "340282366920938463463374607431768211456", price.String())

	_, err = group.Endpoint("")
	require.ErrorIs(t, err, ErrNoEndpoint)
}

func TestMetadataErrors(t *testing.T) {
	_, err := ParseMetadata([]byte(`{"groups": []}`))
	require.Error(t, err)

	_, err = ParseMetadata([]byte(metadataJSON(`"-5"`)))
	require.Error(t, err)

	group := &Group{GroupName: "g", Pricing: []Pricing{{PriceModel: "method_price"}}}
	_, err = group.FixedPrice()
	require.ErrorIs(t, err, ErrNoFixedPrice)

	group.GroupID = base64.StdEncoding.EncodeToString([]byte("short"))
	_, err = group.ID()
	require.Error(t, err)

	group.Payment.PaymentAddress = "not-an-address"
	_, err = group.Recipient()
	require.Error(t, err)
}

func TestTarget(t *testing.T) {
	cases := []struct {
		endpoint string
		target   string
		security string
		err      error
	}{
		{endpoint: "https://example.ai", target: "example.ai:443", security: "tls"},
		{endpoint: "https://example.ai:8443", target: "example.ai:8443", security: "tls"},
		{endpoint: "http://localhost:7000", target: "localhost:7000", security: "insecure"},
		{endpoint: "http://localhost", target: "localhost:80", security: "insecure"},
		{endpoint: "grpc://localhost:7000", err: ErrUnsupportedScheme},
		{endpoint: "localhost:7000", err: ErrUnsupportedScheme},
	}
	for _, tc := range cases {
		t.Run(tc.endpoint, func(t *testing.T) {
			target, creds, err := Target(tc.endpoint)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.target, target)
			require.Equal(t, tc.security, creds.Info().SecurityProtocol)
		})
	}
}

type echoMsg struct{ body []byte }

func (m *echoMsg) MarshalWire() []byte { return m.body }

func (m *echoMsg) UnmarshalWire(b []byte) error {
	m.body = append([]byte(nil), b...)
	return nil
}

type recorder interface{ record(metadata.MD) }

type echoServer struct {
	mu   sync.Mutex
	seen []metadata.MD
}

func (s *echoServer) record(md metadata.MD) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, md)
}

var echoDesc = grpc.ServiceDesc{
	ServiceName: "example.Service",
	HandlerType: (*recorder)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Predict",
		Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			in := new(echoMsg)
			if err := dec(in); err != nil {
				return nil, err
			}
			md, _ := metadata.FromIncomingContext(ctx)
			srv.(recorder).record(md)
			return in, nil
		},
	}},
}

func TestServiceClientPaysCalls(t *testing.T) {
	key, err := crypto.PrivateKeyFromHex(testKeyHex)
	require.NoError(t, err)
	signer, err := identity.NewPrivateKeyIdentity(key, nil)
	require.NoError(t, err)

	l := ledgertest.New(testMPE, signer.Address())
	l.SetTokenBalance(signer.Address(), 1000)

	d := daemontest.New(testMPE)
	d.Signer = signer.Address()
	echo := &echoServer{}
	lis := daemontest.Listen(t, d, func(s *grpc.Server) { s.RegisterService(&echoDesc, echo) })

	md, err := ParseMetadata([]byte(metadataJSON("10")))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := NewServiceClient(ctx, md, l, signer, Options{
		FundingCalls: 5,
		Store:        store.NewMemory(),
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	require.Equal(t, "10", client.Price().String())

	for i := 0; i < 2; i++ {
		err := client.Conn().Invoke(ctx, "/example.Service/Predict", &echoMsg{body: []byte("x")}, new(echoMsg),
			grpc.ForceCodec(daemon.Codec{}))
		require.NoError(t, err)
	}

	calls := l.Calls()
	require.Equal(t, 1, l.CallCount(ledger.OpDepositAndOpenChannel))
	require.Equal(t, ledger.OpDepositAndOpenChannel, calls[0].Op)
	require.Equal(t, "50", calls[0].Amount.String())

	require.Len(t, echo.seen, 2)
	require.Equal(t, []string{"20"}, echo.seen[1].Get(mpe.PaymentChannelAmountHeader))
	require.Equal(t, []string{mpe.PaymentTypeEscrow}, echo.seen[1].Get(mpe.PaymentTypeHeader))
	require.NotEmpty(t, d.StateRequests())
	require.Len(t, client.Manager().Channels(), 1)
	require.Equal(t, big.NewInt(50).String(), client.Manager().Channels()[0].State().Total.String())
}

func TestServiceClientSpendsFreeCallsThenPays(t *testing.T) {
	key, err := crypto.PrivateKeyFromHex(testKeyHex)
	require.NoError(t, err)
	signer, err := identity.NewPrivateKeyIdentity(key, nil)
	require.NoError(t, err)

	l := ledgertest.New(testMPE, signer.Address())
	l.SetTokenBalance(signer.Address(), 1000)
	l.SetBlock(12)

	user := daemon.FreeCallUser{
		UserID:           "user@example.com",
		OrgID:            "snet",
		ServiceID:        "example-service",
		Token:            []byte{0xf0, 0x0d},
		TokenExpiryBlock: 9000,
	}
	d := daemontest.New(testMPE)
	d.Signer = signer.Address()
	scope := user
	scope.GroupID = base64.StdEncoding.EncodeToString(testGroupID)
	d.FreeCallScope = scope
	d.SetFreeCalls(user.UserID, 1)
	echo := &echoServer{}
	lis := daemontest.Listen(t, d, func(s *grpc.Server) { s.RegisterService(&echoDesc, echo) })

	doc := bytes.Replace([]byte(metadataJSON("10")), []byte(`"free_calls": 0`), []byte(`"free_calls": 1`), 1)
	md, err := ParseMetadata(doc)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := NewServiceClient(ctx, md, l, signer, Options{
		FundingCalls: 5,
		FreeCall:     user,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	invoke := func(ctx context.Context) {
		err := client.Conn().Invoke(ctx, "/example.Service/Predict", &echoMsg{body: []byte("x")}, new(echoMsg),
			grpc.ForceCodec(daemon.Codec{}))
		require.NoError(t, err)
	}
	invoke(ctx)
	require.Empty(t, l.Calls())
	d.UseFreeCall(user.UserID)
	invoke(client.WithTrainingPayment(ctx, "model-1", big.NewInt(15)))

	require.Len(t, echo.seen, 2)
	require.Equal(t, []string{mpe.PaymentTypeFreeCall}, echo.seen[0].Get(mpe.PaymentTypeHeader))
	require.Equal(t, []string{"12"}, echo.seen[0].Get(mpe.CurrentBlockNumberHeader))

	require.Equal(t, []string{mpe.PaymentTypeEscrow}, echo.seen[1].Get(mpe.PaymentTypeHeader))
	require.Equal(t, []string{"model-1"}, echo.seen[1].Get(mpe.TrainingModelIDHeader))
	require.Equal(t, []string{"15"}, echo.seen[1].Get(mpe.PaymentChannelAmountHeader))
}
