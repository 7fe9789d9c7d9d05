package mpe

import (
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var testMPE = common.HexToAddress("0x5e592F9b1d303183d963635f895f0f0C48284f4e")

func TestClaimMessageWireCompatibility(t *testing.T) {
	msg, err := ClaimMessage(testMPE, big.NewInt(7), big.NewInt(2), big.NewInt(150))
	require.NoError(t, err)

	want := strings.Join([]string{
		"5f5f4d50455f636c61696d5f6d657373616765", // "__MPE_claim_message"
		"5e592f9b1d303183d963635f895f0f0c48284f4e",
		"0000000000000000000000000000000000000000000000000000000000000007",
		"0000000000000000000000000000000000000000000000000000000000000002",
		"0000000000000000000000000000000000000000000000000000000000000096",
	}, "")
	require.Equal(t, want, hex.EncodeToString(msg))
	require.Equal(t,
		"0xe8ce5786b776a725f2be8409129b4968275339aea8a7f317eab33deaddd28e71",
		msg.Digest().Hex())
}

func TestChannelStateMessageDigest(t *testing.T) {
	msg, err := ChannelStateMessage(testMPE, big.NewInt(7), 1000)
	require.NoError(t, err)
	require.Len(t, msg, len(ChannelStatePrefix)+20+64)
	require.Equal(t,
		"0xdeb49085fbeca2b363a2eab3c976b962d4efc4c51322e25f893f5144944f9527",
		msg.Digest().Hex())
}

func TestActionMessage(t *testing.T) {
	caller := common.HexToAddress("0x94d04332C4f5273feF69c4a52D24f42a3aF1F207")
	msg, err := ActionMessage(ActionUnified, caller, 1000)
	require.NoError(t, err)
	require.Equal(t,
		"756e696669656494d04332c4f5273fef69c4a52d24f42a3af1f20700000000000000000000000000000000000000000000000000000000000003e8",
		hex.EncodeToString(msg))
	require.Equal(t,
		"0x034e11b64d9bad30e444bca858fd55ea33cfe0e001503e7dc62a5f3ca1624205",
		msg.Digest().Hex())

	_, err = ActionMessage(Action("drop_tables"), caller, 1000)
	require.True(t, errors.Is(err, ErrUnknownAction))
}

func TestPackRejectsOutOfRange(t *testing.T) {
	tooBig := new(big.Int).Lsh(big.NewInt(1), 256)
	_, err := Pack(Uint256(tooBig))
	require.ErrorIs(t, err, ErrUint256Range)

	_, err = Pack(Uint256(big.NewInt(-1)))
	require.ErrorIs(t, err, ErrUint256Range)

	_, err = Pack(Uint256(nil))
	require.ErrorIs(t, err, ErrUint256Range)
}

func TestTokenMessage(t *testing.T) {
	sig := []byte{0xde, 0xad, 0xbe, 0xef}
	msg, err := TokenMessage(sig, 1)
	require.NoError(t, err)
	require.Equal(t, "deadbeef"+strings.Repeat("0", 63)+"1", hex.EncodeToString(msg))
}

func TestFreeCallMessage(t *testing.T) {
	msg, err := FreeCallMessage("a@b.c", "org", "svc", "default_group", 2, []byte{0xab})
	require.NoError(t, err)
	want := hex.EncodeToString([]byte("__prefix_free_triala@b.corgsvcdefault_group")) +
		strings.Repeat("0", 63) + "2" + "ab"
	require.Equal(t, want, hex.EncodeToString(msg))
}

func TestActionReadOnly(t *testing.T) {
	require.True(t, ActionGetModel.ReadOnly())
	require.True(t, ActionUnified.ReadOnly())
	require.False(t, ActionDeleteModel.ReadOnly())
	require.False(t, ActionTrainModel.ReadOnly())
	require.False(t, Action("nope").ReadOnly())
}
