package solana

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Well-known mints that never count as a purchase.
const (
	SOLMint  = "So11111111111111111111111111111111111111112"
	USDCMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDTMint = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"
)

var skipMints = map[string]bool{
	SOLMint:  true,
	USDCMint: true,
	USDTMint: true,
}

// IsSkippedMint reports whether mint is wrapped SOL or a stablecoin.
func IsSkippedMint(mint string) bool {
	return skipMints[mint]
}

var lamportsPerSOL = decimal.NewFromInt(1_000_000_000)

// ---------------------------------------------------------------------------
// JSON-RPC 2.0
// ---------------------------------------------------------------------------

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcEnvelope covers responses and subscription notifications.
type rpcEnvelope struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
	Params *struct {
		Subscription int64           `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params,omitempty"`
}

// isEntitlementError reports whether an RPC error means the plan or key is
// not allowed to use the method. Those are never retried.
func isEntitlementError(e *rpcError) bool {
	if e == nil {
		return false
	}
	if e.Code == 401 || e.Code == 403 {
		return true
	}
	msg := strings.ToLower(e.Message)
	for _, marker := range []string{"forbidden", "unauthorized", "paid plan", "business plan", "upgrade your plan", "not available on"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// transactionSubscribe notification (jsonParsed, full details)
// ---------------------------------------------------------------------------

type txNotification struct {
	Signature   string `json:"signature"`
	Slot        uint64 `json:"slot"`
	Transaction struct {
		Transaction struct {
			Signatures []string `json:"signatures"`
			Message    struct {
				AccountKeys []accountKey `json:"accountKeys"`
			} `json:"message"`
		} `json:"transaction"`
		Meta *txMeta `json:"meta"`
	} `json:"transaction"`
}

type txMeta struct {
	Err               json.RawMessage `json:"err"`
	PreBalances       []uint64        `json:"preBalances"`
	PostBalances      []uint64        `json:"postBalances"`
	PreTokenBalances  []tokenBalance  `json:"preTokenBalances"`
	PostTokenBalances []tokenBalance  `json:"postTokenBalances"`
}

func (m *txMeta) failed() bool {
	return len(m.Err) > 0 && string(m.Err) != "null"
}

// accountKey is an object under jsonParsed encoding and a bare string otherwise.
type accountKey struct {
	Pubkey string `json:"pubkey"`
}

func (k *accountKey) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &k.Pubkey)
	}
	type plain accountKey
	return json.Unmarshal(data, (*plain)(k))
}

type uiTokenAmount struct {
	Amount         string `json:"amount"`
	Decimals       int32  `json:"decimals"`
	UIAmountString string `json:"uiAmountString"`
}

func (a uiTokenAmount) value() decimal.Decimal {
	if a.UIAmountString != "" {
		if d, err := decimal.NewFromString(a.UIAmountString); err == nil {
			return d
		}
	}
	raw, err := decimal.NewFromString(a.Amount)
	if err != nil {
		return decimal.Zero
	}
	return raw.Shift(-a.Decimals)
}

type tokenBalance struct {
	AccountIndex  int           `json:"accountIndex"`
	Mint          string        `json:"mint"`
	Owner         string        `json:"owner"`
	UITokenAmount uiTokenAmount `json:"uiTokenAmount"`
}

func (b tokenBalance) amount() decimal.Decimal {
	return b.UITokenAmount.value()
}

// tokenAccount is one entry of getTokenAccountsByOwner under jsonParsed.
type tokenAccount struct {
	Pubkey  string `json:"pubkey"`
	Account struct {
		Data struct {
			Parsed struct {
				Info struct {
					Mint        string        `json:"mint"`
					Owner       string        `json:"owner"`
					TokenAmount uiTokenAmount `json:"tokenAmount"`
				} `json:"info"`
			} `json:"parsed"`
		} `json:"data"`
	} `json:"account"`
}

// ---------------------------------------------------------------------------
// Enhanced transactions API (/v0/addresses/{a}/transactions)
// ---------------------------------------------------------------------------

type enhancedTx struct {
	Signature       string           `json:"signature"`
	Timestamp       int64            `json:"timestamp"`
	Type            string           `json:"type"`
	Source          string           `json:"source"`
	TokenTransfers  []tokenTransfer  `json:"tokenTransfers"`
	NativeTransfers []nativeTransfer `json:"nativeTransfers"`
}

type tokenTransfer struct {
	FromUserAccount string          `json:"fromUserAccount"`
	ToUserAccount   string          `json:"toUserAccount"`
	Mint            string          `json:"mint"`
	TokenAmount     decimal.Decimal `json:"tokenAmount"`
}

type nativeTransfer struct {
	FromUserAccount string `json:"fromUserAccount"`
	ToUserAccount   string `json:"toUserAccount"`
	Amount          int64  `json:"amount"` // lamports
}

type signatureInfo struct {
	Signature string          `json:"signature"`
	BlockTime int64           `json:"blockTime"`
	Err       json.RawMessage `json:"err"`
}
