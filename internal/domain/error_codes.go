package domain

// ErrorCode values are part of the wire contract.
type ErrorCode int

const (
	CodeOK                      ErrorCode = 0
	CodeSendFailed              ErrorCode = 10
	CodeMissingArguments        ErrorCode = 100
	CodeMissingWalletID         ErrorCode = 101
	CodeInvalidAccountForWallet ErrorCode = 102
	CodeWalletFileNotFound      ErrorCode = 103
	CodeMissingPassphrase       ErrorCode = 104
	CodeSessionIDMismatch       ErrorCode = 105
	CodeNoSessionForAccount     ErrorCode = 106
	CodeUnparsableMessage       ErrorCode = 107
	CodeWalletAlreadyOpen       ErrorCode = 108
	CodeWalletNotOpen           ErrorCode = 109
	CodeUnknownCommand          ErrorCode = 110
	CodeInvalidAddress          ErrorCode = 111
	CodeNonPositiveAmount       ErrorCode = 112
	CodeCreateWalletFailed      ErrorCode = 113
	CodeRateLimited             ErrorCode = 114
)

var codeMessages = map[ErrorCode]string{
	CodeOK:                      "",
	CodeSendFailed:              "Error sending coins.",
	CodeMissingArguments:        "No arguments supplied.",
	CodeMissingWalletID:         "No Wallet ID supplied in arguments array.",
	CodeInvalidAccountForWallet: "Invalid Account ID for given Wallet ID.",
	CodeWalletFileNotFound:      "Wallet file does not exist on WalletServer.",
	CodeMissingPassphrase:       "No passphrase supplied in arguments array.",
	CodeSessionIDMismatch:       "Session ID does not match the active session for this account.",
	CodeNoSessionForAccount:     "No active session for account.",
	CodeUnparsableMessage:       "Message could not be parsed.",
	CodeWalletAlreadyOpen:       "Wallet already open for this session.",
	CodeWalletNotOpen:           "No wallet open for this session.",
	CodeUnknownCommand:          "Unknown command.",
	CodeInvalidAddress:          "Invalid CasinoCoin address.",
	CodeNonPositiveAmount:       "Amount of coins to sent to address must be greater than 0.",
	CodeCreateWalletFailed:      "Wallet could not be created.",
	CodeRateLimited:             "Too many requests for this account, retry later.",
}

func (c ErrorCode) Message() string {
	if msg, ok := codeMessages[c]; ok {
		return msg
	}
	return "Unknown error."
}

func (c ErrorCode) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeSendFailed:
		return "SendFailed"
	case CodeMissingArguments:
		return "MissingArguments"
	case CodeMissingWalletID:
		return "MissingWalletId"
	case CodeInvalidAccountForWallet:
		return "InvalidAccountForWallet"
	case CodeWalletFileNotFound:
		return "WalletFileNotFound"
	case CodeMissingPassphrase:
		return "MissingPassphrase"
	case CodeSessionIDMismatch:
		return "SessionIdMismatch"
	case CodeNoSessionForAccount:
		return "NoSessionForAccount"
	case CodeUnparsableMessage:
		return "UnparsableMessage"
	case CodeWalletAlreadyOpen:
		return "WalletAlreadyOpen"
	case CodeWalletNotOpen:
		return "WalletNotOpen"
	case CodeUnknownCommand:
		return "UnknownCommand"
	case CodeInvalidAddress:
		return "InvalidAddress"
	case CodeNonPositiveAmount:
		return "NonPositiveAmount"
	case CodeCreateWalletFailed:
		return "CreateWalletFailed"
	case CodeRateLimited:
		return "RateLimited"
	default:
		return "Unknown"
	}
}
