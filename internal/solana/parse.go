package solana

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nexus-trading/alphawatch/internal/copytrade"
)

// parseNotification turns a transactionNotification result into buys by
// watched owners. A buy is a positive token balance change for an owner in
// watched on a mint that is not skipped. Failed transactions yield nothing.
func parseNotification(raw json.RawMessage, watched map[string]copytrade.WatchTarget, now time.Time) ([]copytrade.BuyEvent, error) {
	var n txNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	meta := n.Transaction.Meta
	if meta == nil || meta.failed() {
		return nil, nil
	}

	sig := n.Signature
	if sig == "" && len(n.Transaction.Transaction.Signatures) > 0 {
		sig = n.Transaction.Transaction.Signatures[0]
	}

	pre := make(map[int]decimal.Decimal, len(meta.PreTokenBalances))
	for _, b := range meta.PreTokenBalances {
		pre[b.AccountIndex] = b.amount()
	}

	var events []copytrade.BuyEvent
	seen := make(map[string]bool)
	for _, b := range meta.PostTokenBalances {
		if b.Owner == "" || IsSkippedMint(b.Mint) {
			continue
		}
		target, ok := watched[copytrade.NormalizeAddress(b.Owner)]
		if !ok {
			continue
		}
		delta := b.amount().Sub(pre[b.AccountIndex])
		if !delta.IsPositive() {
			continue
		}
		key := b.Owner + "|" + b.Mint
		if seen[key] {
			continue
		}
		seen[key] = true

		events = append(events, copytrade.BuyEvent{
			Wallet:      target.Address,
			WalletLabel: target.Label,
			WalletTier:  target.Tier,
			Chain:       "solana",
			Token:       b.Mint,
			Amount:      delta,
			SpentNative: lamportsSpent(n.Transaction.Transaction.Message.AccountKeys, meta, b.Owner),
			Signature:   sig,
			ObservedAt:  now,
			Source:      copytrade.SourceStream,
		})
	}
	return events, nil
}

// lamportsSpent returns the SOL decrease of owner's system account, zero
// when it cannot be determined or the balance grew.
func lamportsSpent(keys []accountKey, meta *txMeta, owner string) decimal.Decimal {
	for i, k := range keys {
		if k.Pubkey != owner {
			continue
		}
		if i >= len(meta.PreBalances) || i >= len(meta.PostBalances) {
			return decimal.Zero
		}
		before, after := meta.PreBalances[i], meta.PostBalances[i]
		if after >= before {
			return decimal.Zero
		}
		return decimal.NewFromInt(int64(before - after)).Div(lamportsPerSOL)
	}
	return decimal.Zero
}

// parseEnhancedSwap extracts the buy made by target in a parsed swap. The
// last token transfer received by the wallet wins. Transactions older than
// lookback, or without a timestamp, are ignored.
func parseEnhancedSwap(tx enhancedTx, target copytrade.WatchTarget, now time.Time, lookback time.Duration) (copytrade.BuyEvent, bool) {
	if tx.Timestamp == 0 {
		return copytrade.BuyEvent{}, false
	}
	txTime := time.Unix(tx.Timestamp, 0)
	if lookback > 0 && now.Sub(txTime) > lookback {
		return copytrade.BuyEvent{}, false
	}

	var (
		mint   string
		amount decimal.Decimal
	)
	for _, t := range tx.TokenTransfers {
		if t.ToUserAccount == target.Address && t.Mint != "" {
			mint, amount = t.Mint, t.TokenAmount
		}
	}
	if mint == "" || IsSkippedMint(mint) {
		return copytrade.BuyEvent{}, false
	}

	var lamports int64
	for _, t := range tx.NativeTransfers {
		if t.FromUserAccount == target.Address {
			lamports += t.Amount
		}
	}

	return copytrade.BuyEvent{
		Wallet:      target.Address,
		WalletLabel: target.Label,
		WalletTier:  target.Tier,
		Chain:       "solana",
		Token:       mint,
		Amount:      amount,
		SpentNative: decimal.NewFromInt(lamports).Div(lamportsPerSOL),
		Signature:   tx.Signature,
		ObservedAt:  txTime,
		Source:      copytrade.SourcePoll,
	}, true
}
