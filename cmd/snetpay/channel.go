package main

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"snetpay/mpe"
	"snetpay/payment"
)

var channelCmd = &cli.Command{
	Name:  "channel",
	Usage: "payment channels of the configured service group",
	Subcommands: []*cli.Command{
		{
			Name:   "list",
			Usage:  "discover and sync channels, then print their state",
			Action: withEnv(listChannels),
		},
		{
			Name:      "state",
			Usage:     "print the daemon's view of a channel",
			ArgsUsage: "<channel-id>",
			Action:    withEnv(channelState),
		},
		{
			Name:  "authorize",
			Usage: "sign the next claim and print the payment headers",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "amount", Usage: "claim increment in cogs; defaults to the group price"},
			},
			Action: withEnv(authorize),
		},
	},
}

func listChannels(cctx *cli.Context, e *env) error {
	client, err := e.serviceClient(cctx.Context)
	if err != nil {
		return err
	}
	if err := client.Manager().Refresh(cctx.Context); err != nil {
		return err
	}
	w := tabwriter.NewWriter(cctx.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CHANNEL\tNONCE\tTOTAL\tSIGNED\tAVAILABLE\tEXPIRATION")
	for _, ch := range client.Manager().Channels() {
		st := ch.State()
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			st.ChannelID, orZero(st.Nonce), orZero(st.Total), orZero(st.Signed), orZero(st.Available), orZero(st.Expiration))
	}
	return w.Flush()
}

func channelState(cctx *cli.Context, e *env) error {
	if cctx.NArg() != 1 {
		return cli.ShowSubcommandHelp(cctx)
	}
	id, ok := new(big.Int).SetString(cctx.Args().First(), 10)
	if !ok || id.Sign() < 0 {
		return fmt.Errorf("invalid channel id %q", cctx.Args().First())
	}
	client, err := e.serviceClient(cctx.Context)
	if err != nil {
		return err
	}
	reply, err := client.Daemon().ChannelState(cctx.Context, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(cctx.App.Writer, "nonce:             %s\nsigned amount:     %s\nold nonce amount:  %s\nplanned:           %d\nused:              %d\n",
		orZero(reply.CurrentNonce), orZero(reply.CurrentSignedAmount), orZero(reply.OldNonceSignedAmount),
		reply.PlannedAmount, reply.UsedAmount)
	return nil
}

func authorize(cctx *cli.Context, e *env) error {
	client, err := e.serviceClient(cctx.Context)
	if err != nil {
		return err
	}
	amount := client.Price()
	if raw := cctx.String("amount"); raw != "" {
		if amount, err = parseAmount(raw); err != nil {
			return err
		}
	}
	auth, err := client.Manager().Authorize(cctx.Context, amount)
	if err != nil {
		return err
	}
	defer auth.Release()

	md := payment.EscrowMetadata(auth)
	for _, key := range []string{
		mpe.PaymentTypeHeader,
		mpe.PaymentMPEAddressHeader,
		mpe.PaymentChannelIDHeader,
		mpe.PaymentChannelNonceHeader,
		mpe.PaymentChannelAmountHeader,
	} {
		fmt.Fprintf(cctx.App.Writer, "%s: %s\n", key, md.Get(key)[0])
	}
	fmt.Fprintf(cctx.App.Writer, "%s: %s\n", mpe.PaymentChannelSignatureHeader, hex.EncodeToString(auth.Signature))
	return nil
}

func orZero(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
