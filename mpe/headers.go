package mpe

// gRPC metadata keys understood by the service daemon.
const (
	// PaymentTypeHeader selects the payment scheme for the call.
	PaymentTypeHeader = "snet-payment-type"
	// PaymentChannelIDHeader is the escrow channel id as a decimal string.
	PaymentChannelIDHeader = "snet-payment-channel-id"
	// PaymentChannelNonceHeader is the channel nonce as a decimal string.
	PaymentChannelNonceHeader = "snet-payment-channel-nonce"
	// PaymentChannelAmountHeader is the cumulative authorized amount as a decimal string.
	PaymentChannelAmountHeader = "snet-payment-channel-amount"
	// PaymentChannelSignatureHeader carries the raw claim signature. The -bin
	// suffix makes gRPC base64 the value on the wire.
	PaymentChannelSignatureHeader = "snet-payment-channel-signature-bin"
	// PaymentMPEAddressHeader is the escrow contract address the signature commits to.
	PaymentMPEAddressHeader = "snet-payment-mpe-address"
	// PrepaidAuthTokenHeader carries a token issued by the daemon token service.
	PrepaidAuthTokenHeader = "snet-prepaid-auth-token-bin"
	// CurrentBlockNumberHeader lets the daemon check signature freshness.
	CurrentBlockNumberHeader = "snet-current-block-number"
	// ClientTypeHeader identifies the calling SDK.
	ClientTypeHeader = "snet-client-type"
	// UserInfoHeader carries the caller address.
	UserInfoHeader = "snet-user-info"
	// TrainingModelIDHeader scopes a call to a trained model.
	TrainingModelIDHeader = "snet-train-model-id"

	// FreeCallUserIDHeader names the user a free-call token was issued to.
	FreeCallUserIDHeader = "snet-free-call-user-id"
	// FreeCallAuthTokenHeader carries the free-call token issued by the marketplace.
	FreeCallAuthTokenHeader = "snet-free-call-auth-token-bin"
	// FreeCallTokenExpiryHeader is the block after which the free-call token is void.
	FreeCallTokenExpiryHeader = "snet-free-call-token-expiry-block"
)

// Payment types.
const (
	PaymentTypeEscrow      = "escrow"
	PaymentTypePrepaidCall = "prepaid-call"
	PaymentTypeFreeCall    = "free-call"
)

// ClientType is reported in ClientTypeHeader.
const ClientType = "snet-sdk-go"
