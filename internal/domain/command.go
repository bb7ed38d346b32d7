package domain

import "strings"

type CommandName string

const (
	CommandOpenWallet     CommandName = "openwallet"
	CommandCloseWallet    CommandName = "closewallet"
	CommandGetInfo        CommandName = "getinfo"
	CommandGetAddressList CommandName = "getaddresslist"
	CommandSendToAddress  CommandName = "sendtoaddress"
	CommandCloseSession   CommandName = "closesession"
	CommandCreateWallet   CommandName = "createwallet"

	// Outbound-only names.
	CommandTransaction CommandName = "transaction"

	// Internal, never accepted from the wire.
	CommandBlocksChanged CommandName = "blockschanged"
)

func ParseCommandName(raw string) CommandName {
	return CommandName(strings.ToLower(strings.TrimSpace(raw)))
}

// Routed reports whether the name is handled by a session worker.
func (n CommandName) Routed() bool {
	switch n {
	case CommandOpenWallet, CommandCloseWallet, CommandGetInfo, CommandGetAddressList, CommandSendToAddress, CommandCloseSession:
		return true
	default:
		return false
	}
}

type CommandOrigin int

const (
	OriginClient CommandOrigin = iota
	OriginChain
	OriginShutdown
)

func (o CommandOrigin) String() string {
	switch o {
	case OriginClient:
		return "client"
	case OriginChain:
		return "chain"
	case OriginShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

type Command struct {
	AccountID     AccountID
	SessionID     SessionID
	CorrelationID string
	Name          CommandName
	// RawName is the command name exactly as received, echoed in replies.
	RawName   string
	Arguments map[string]string
	Origin    CommandOrigin
	Tip       Checkpoint
}

func NewCommand(accountID AccountID, sessionID SessionID, correlationID, name string, arguments map[string]string) Command {
	args := make(map[string]string, len(arguments))
	for k, v := range arguments {
		args[k] = v
	}

	return Command{
		AccountID:     accountID,
		SessionID:     sessionID,
		CorrelationID: correlationID,
		Name:          ParseCommandName(name),
		RawName:       name,
		Arguments:     args,
		Origin:        OriginClient,
	}
}

func CloseSessionCommand(session Session, origin CommandOrigin) Command {
	return Command{
		AccountID:     session.AccountID,
		SessionID:     session.ID,
		CorrelationID: string(session.ID),
		Name:          CommandCloseSession,
		RawName:       string(CommandCloseSession),
		Arguments:     map[string]string{},
		Origin:        origin,
	}
}

func BlocksChangedCommand(session Session, tip Checkpoint) Command {
	return Command{
		AccountID: session.AccountID,
		SessionID: session.ID,
		Name:      CommandBlocksChanged,
		RawName:   string(CommandBlocksChanged),
		Origin:    OriginChain,
		Tip:       tip,
	}
}

// Argument returns the trimmed value for key; ok is false for missing or blank values.
func (c Command) Argument(key string) (string, bool) {
	value, ok := c.Arguments[key]
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func (c Command) ReplyName() string {
	if c.RawName != "" {
		return c.RawName
	}
	return string(c.Name)
}

type OpenWalletArgs struct {
	WalletID WalletID
}

func (c Command) OpenWalletArgs() (OpenWalletArgs, bool) {
	walletID, ok := c.Argument("walletid")
	if !ok {
		return OpenWalletArgs{}, false
	}
	return OpenWalletArgs{WalletID: WalletID(walletID)}, true
}

type SendToAddressArgs struct {
	Address string
	Amount  string
	Comment string
}

func (c Command) SendToAddressArgs() SendToAddressArgs {
	address, _ := c.Argument("address")
	amount, _ := c.Argument("amount")
	comment, _ := c.Argument("comment")
	return SendToAddressArgs{Address: address, Amount: amount, Comment: comment}
}

type CreateWalletArgs struct {
	Passphrase string
}

func (c Command) CreateWalletArgs() (CreateWalletArgs, bool) {
	// Passphrases are not trimmed.
	passphrase, ok := c.Arguments["passphrase"]
	if !ok || passphrase == "" {
		return CreateWalletArgs{}, false
	}
	return CreateWalletArgs{Passphrase: passphrase}, true
}
