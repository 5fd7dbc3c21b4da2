package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/yukia3e/trading-agent-signer/internal/domain/model"
	"github.com/yukia3e/trading-agent-signer/internal/util"
)

const exportTimeLayout = "2006-01-02 15:04:05"

var exportHeader = []string{"Timestamp (ISO)", "Action", "Venue", "Instrument", "Amount", "Side", "TxHash/OrderID"}

// ExportReport writes successful signing and order rows as CSV, oldest
// first. It reads rows as stored and does not verify the chain.
func (l *Ledger) ExportReport(ctx context.Context, w io.Writer) error {
	funcName := util.FuncName()

	events, err := l.Events(ctx)
	if err != nil {
		return util.WrapErrorForLog(packageName, funcName, err)
	}
	if err := WriteReport(w, events); err != nil {
		return util.WrapErrorForLog(packageName, funcName, err)
	}
	return nil
}

func WriteReport(w io.Writer, events []model.AuditEvent) error {
	rows := make([]model.AuditEvent, 0, len(events))
	for _, e := range events {
		if e.OK && exported(e.Action) {
			rows = append(rows, e)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].TimestampMs < rows[j].TimestampMs
	})

	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, e := range rows {
		if err := cw.Write(reportRow(e)); err != nil {
			return fmt.Errorf("failed to write csv row %d: %w", e.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func exported(action model.ActionKind) bool {
	switch action {
	case model.ActionSwapTokens, model.ActionPlaceCexOrder, model.ActionTransferNative, model.ActionSignTransaction:
		return true
	}
	return false
}

func reportRow(e model.AuditEvent) []string {
	var data map[string]any
	if err := json.Unmarshal([]byte(e.SummaryJSON), &data); err != nil || data == nil {
		data = map[string]any{}
	}

	venue := firstNonEmpty(str(data["venue"]), str(data["exchange"]), "unknown")
	instrument, amount, side, id := "N/A", "0", "N/A", "N/A"
	switch e.Action {
	case model.ActionSwapTokens:
		instrument = fmt.Sprintf("%s -> %s", str(data["from_token"]), str(data["to_token"]))
		amount = normalizeAmount(data["amount"])
		side = "SWAP"
		id = firstNonEmpty(str(data["tx_hash"]), "see_logs")
	case model.ActionPlaceCexOrder:
		instrument = str(data["symbol"])
		amount = normalizeAmount(data["amount"])
		side = strings.ToUpper(str(data["side"]))
		var orderID string
		if order, ok := data["order"].(map[string]any); ok {
			orderID = str(order["id"])
		}
		id = firstNonEmpty(orderID, str(data["order_id"]), "see_logs")
	case model.ActionTransferNative:
		instrument = firstNonEmpty(str(data["chain"]), "ETH")
		amount = normalizeAmount(data["amount"])
		side = "SEND"
		id = firstNonEmpty(str(data["tx_hash"]), "see_logs")
	case model.ActionSignTransaction:
		instrument = firstNonEmpty(str(data["chain"]), "ETH")
		amount = normalizeAmount(data["value"])
		side = "SIGN"
		id = firstNonEmpty(str(data["tx_hash"]), "see_logs")
	}
	return []string{e.Timestamp().Format(exportTimeLayout), string(e.Action), venue, instrument, amount, side, id}
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return decimal.NewFromFloat(t).String()
	default:
		return fmt.Sprint(t)
	}
}

func normalizeAmount(v any) string {
	s := str(v)
	if s == "" {
		return "0"
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return s
	}
	return d.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
