package writer

import (
	"context"
	"encoding/json"

	"github.com/devblac/ledger-sink/internal/chain"
	"github.com/devblac/ledger-sink/internal/storage"
)

// DefaultTokenContract is the token contract projected when none is configured.
const DefaultTokenContract = "eosio.token"

const (
	tokenCreate   = "create"
	tokenIssue    = "issue"
	tokenTransfer = "transfer"
)

type tokenPayload struct {
	Issuer        string `json:"issuer"`
	MaximumSupply string `json:"maximum_supply"`
	From          string `json:"from"`
	To            string `json:"to"`
	Quantity      string `json:"quantity"`
	Memo          string `json:"memo"`
}

func (w *Writer) tracksToken(account string) bool {
	_, ok := w.tokenContracts[account]
	return ok
}

// projectToken folds a token contract action into the token registry and the
// movement ledger. Movements are keyed by global sequence.
func (w *Writer) projectToken(ctx context.Context, tt chain.TransactionTrace, at chain.ActionTrace, data string) {
	act := at.Action
	if act.Name != tokenCreate && act.Name != tokenIssue && act.Name != tokenTransfer {
		return
	}
	var p tokenPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		w.logger.Warn("malformed token payload", "contract", act.Account, "action", act.Name, "error", err)
		return
	}

	if act.Name == tokenCreate {
		if p.Issuer == "" || p.MaximumSupply == "" {
			w.logger.Debug("token create without decodable payload", "contract", act.Account, "transaction", tt.ID)
			return
		}
		supply, err := chain.ParseAsset(p.MaximumSupply)
		if err != nil {
			w.logger.Warn("bad token maximum supply", "contract", act.Account, "error", err)
			return
		}
		tok := storage.Token{
			Contract:  act.Account,
			Symbol:    supply.Symbol,
			Precision: supply.Precision,
			MaxSupply: supply.Amount,
			Issuer:    p.Issuer,
		}
		if err := w.sink.UpsertToken(ctx, tok); err != nil {
			w.logger.Error("register token", "contract", act.Account, "symbol", supply.Symbol, "error", err)
		}
		return
	}

	if at.GlobalSequence == 0 {
		w.logger.Debug("token movement without global sequence", "contract", act.Account, "transaction", tt.ID)
		return
	}
	if p.Quantity == "" {
		w.logger.Debug("token movement without decodable payload", "contract", act.Account, "transaction", tt.ID)
		return
	}
	qty, err := chain.ParseAsset(p.Quantity)
	if err != nil {
		w.logger.Warn("bad token quantity", "contract", act.Account, "transaction", tt.ID, "error", err)
		return
	}

	m := storage.TokenMovement{
		GlobalSequence: at.GlobalSequence,
		TransactionID:  tt.ID,
		BlockNum:       tt.BlockNum,
		Contract:       act.Account,
		Symbol:         qty.Symbol,
		Precision:      qty.Precision,
		Kind:           storage.MovementTransfer,
		From:           p.From,
		To:             p.To,
		Amount:         qty.Amount,
		Memo:           p.Memo,
	}
	if act.Name == tokenIssue {
		// new supply lands with the issuer; the contract forwards it with an inline transfer
		m.Kind = storage.MovementIssue
		m.From = ""
		m.To = w.issuer(ctx, act, qty.Symbol, p.To)
	}
	if err := w.sink.RecordTokenMovement(ctx, m); err != nil {
		w.logger.Error("record token movement", "transaction", tt.ID, "global_sequence", at.GlobalSequence, "error", err)
	}
}

// issuer resolves who receives an issue: the registered issuer, else the
// first authorizer, else the payload recipient.
func (w *Writer) issuer(ctx context.Context, act chain.Action, symbol, to string) string {
	tok, ok, err := w.sink.GetToken(ctx, act.Account, symbol)
	if err != nil {
		w.logger.Error("get token", "contract", act.Account, "symbol", symbol, "error", err)
	} else if ok {
		return tok.Issuer
	}
	if len(act.Authorization) > 0 {
		return act.Authorization[0].Actor
	}
	return to
}
