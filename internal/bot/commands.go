// Package bot implements the chat command surface: parsing slash commands,
// mutating the position store, and replying through the messaging client.
package bot

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/premiumpilot/bot/internal/models"
	"github.com/premiumpilot/bot/internal/report"
	"github.com/premiumpilot/bot/internal/storage"
	"github.com/premiumpilot/bot/internal/telegram"
	"github.com/premiumpilot/bot/internal/tradelog"
)

// Handler routes chat commands. Validation errors are surfaced to the chat
// and abort the operation; unknown position IDs answer "not found"; nothing
// in here can crash the process on bad input.
type Handler struct {
	storage    storage.Interface
	trades     *tradelog.Log
	builder    *report.Builder
	dispatcher *report.Dispatcher
	client     *telegram.Client
	logger     *log.Logger
}

// NewHandler wires the command surface.
func NewHandler(st storage.Interface, trades *tradelog.Log, builder *report.Builder, dispatcher *report.Dispatcher, client *telegram.Client, logger *log.Logger) *Handler {
	return &Handler{
		storage:    st,
		trades:     trades,
		builder:    builder,
		dispatcher: dispatcher,
		client:     client,
		logger:     logger,
	}
}

// Handle implements telegram.Handler.
func (h *Handler) Handle(ctx context.Context, cmd telegram.Command) {
	fields := strings.Fields(cmd.Text)
	if len(fields) == 0 {
		return
	}
	name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Commands may arrive as /list@BotName in group chats.
	if at := strings.Index(name, "@"); at >= 0 {
		name = name[:at]
	}
	args := fields[1:]

	var reply string
	switch name {
	case "addcc":
		reply = h.addPosition(cmd.UserID, models.KindCoveredCall, args)
	case "addcsp":
		reply = h.addPosition(cmd.UserID, models.KindCashSecuredPut, args)
	case "list":
		reply = h.list(cmd.UserID)
	case "update":
		reply = h.builder.UserSummary(ctx, cmd.UserID)
	case "edit":
		reply = h.edit(cmd.UserID, args)
	case "rm":
		reply = h.remove(cmd.UserID, args)
	case "close":
		reply = h.close(cmd.UserID, args)
	case "log":
		reply = h.showLog(cmd.UserID, args)
	case "export":
		h.export(ctx, cmd)
		return
	case "eod":
		h.dispatcher.DispatchEOD(ctx)
		reply = "EoD dispatched."
	case "help", "start":
		reply = helpText
	default:
		reply = fmt.Sprintf("Unknown command /%s. Try /help.", name)
	}

	if reply == "" {
		return
	}
	if err := h.client.SendMessage(ctx, cmd.ChatID, reply); err != nil {
		h.logger.Printf("reply to chat %d failed: %v", cmd.ChatID, err)
	}
}

func (h *Handler) addPosition(userID string, kind models.PositionKind, args []string) string {
	if len(args) != 5 {
		verb := "addcc"
		if kind == models.KindCashSecuredPut {
			verb = "addcsp"
		}
		return fmt.Sprintf("Usage: /%s TICKER STRIKE CONTRACTS EXPIRY CREDIT\nExample: /%s SOFI 30 2 11-15-2025 0.66", verb, verb)
	}

	strike, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Sprintf("Bad strike %q: must be a number.", args[1])
	}
	contracts, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Sprintf("Bad contract count %q: must be an integer.", args[2])
	}
	credit, err := strconv.ParseFloat(args[4], 64)
	if err != nil {
		return fmt.Sprintf("Bad entry credit %q: must be a number.", args[4])
	}

	pos := models.Position{
		Ticker:      args[0],
		Strike:      strike,
		Contracts:   contracts,
		Expiry:      args[3],
		EntryCredit: credit,
	}
	id, err := h.storage.Add(userID, kind, pos)
	if err != nil {
		return fmt.Sprintf("Failed: %v", err)
	}

	saved, _ := h.storage.Find(userID, id)
	if saved != nil {
		if err := h.trades.LogOpen(userID, kind, *saved); err != nil {
			h.logger.Printf("trade log append failed for user %s: %v", userID, err)
		}
	}

	return fmt.Sprintf("Added %s (ID %d): %s %.2f%s x%d exp %s credit $%.2f",
		kindShort(kind), id, strings.ToUpper(args[0]), strike, kind.OptionType(),
		contracts, args[3], credit)
}

func (h *Handler) list(userID string) string {
	ccs := h.storage.ListOpen(userID, models.KindCoveredCall)
	csps := h.storage.ListOpen(userID, models.KindCashSecuredPut)
	if len(ccs) == 0 && len(csps) == 0 {
		return "No open positions."
	}

	var sb strings.Builder
	for _, p := range ccs {
		fmt.Fprintf(&sb, "[%d] %s %.2fC x%d exp %s credit %.2f\n",
			p.ID, p.Ticker, p.Strike, p.Contracts, models.DisplayExpiry(p.Expiry), p.EntryCredit)
	}
	for _, p := range csps {
		fmt.Fprintf(&sb, "[%d] %s %.2fP x%d exp %s credit %.2f\n",
			p.ID, p.Ticker, p.Strike, p.Contracts, models.DisplayExpiry(p.Expiry), p.EntryCredit)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (h *Handler) edit(userID string, args []string) string {
	if len(args) < 2 {
		return "Usage: /edit ID field=value ...\nFields: ticker, strike, contracts, expiry, credit"
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Sprintf("Bad position ID %q.", args[0])
	}

	var patch models.PositionPatch
	for _, kv := range args[1:] {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || parts[1] == "" {
			return fmt.Sprintf("Bad field %q: expected field=value.", kv)
		}
		key, val := strings.ToLower(parts[0]), parts[1]
		switch key {
		case "ticker":
			patch.Ticker = &val
		case "strike":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return fmt.Sprintf("Bad strike %q.", val)
			}
			patch.Strike = &f
		case "contracts":
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Sprintf("Bad contract count %q.", val)
			}
			patch.Contracts = &n
		case "expiry":
			patch.Expiry = &val
		case "credit":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return fmt.Sprintf("Bad credit %q.", val)
			}
			patch.EntryCredit = &f
		default:
			return fmt.Sprintf("Unknown field %q.", key)
		}
	}

	ok, err := h.storage.Edit(userID, id, patch)
	if err != nil {
		return fmt.Sprintf("Failed: %v", err)
	}
	if !ok {
		return fmt.Sprintf("ID %d not found.", id)
	}
	return "Updated."
}

func (h *Handler) remove(userID string, args []string) string {
	if len(args) != 1 {
		return "Usage: /rm ID"
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Sprintf("Bad position ID %q.", args[0])
	}
	ok, err := h.storage.Remove(userID, id)
	if err != nil {
		return fmt.Sprintf("Failed: %v", err)
	}
	if !ok {
		return fmt.Sprintf("ID %d not found.", id)
	}
	return "Removed."
}

func (h *Handler) close(userID string, args []string) string {
	if len(args) < 1 || len(args) > 2 {
		return "Usage: /close ID [btc_price]"
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Sprintf("Bad position ID %q.", args[0])
	}
	var btcPrice *float64
	if len(args) == 2 {
		f, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Sprintf("Bad buy-to-close price %q.", args[1])
		}
		btcPrice = &f
	}

	closed, err := h.storage.Close(userID, id, btcPrice)
	if err != nil {
		return fmt.Sprintf("Failed: %v", err)
	}
	if closed == nil {
		return fmt.Sprintf("ID %d not found.", id)
	}

	if err := h.trades.LogClose(userID, *closed); err != nil {
		h.logger.Printf("trade log close append failed for user %s: %v", userID, err)
	}

	msg := fmt.Sprintf("Closed ID %d: %s %.2f%s x%d exp %s",
		closed.ID, closed.Ticker, closed.Strike, closed.Kind.OptionType(),
		closed.Contracts, models.DisplayExpiry(closed.Expiry))
	if closed.BTCPrice != nil && closed.PnLPct != nil {
		msg += fmt.Sprintf(" | BTC $%.2f | PnL ~%.1f%%", *closed.BTCPrice, *closed.PnLPct)
	}
	return msg
}

func (h *Handler) showLog(userID string, args []string) string {
	limit := 10
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Sprintf("Bad limit %q.", args[0])
		}
		limit = n
	}

	entries, err := h.trades.Tail(userID, limit)
	if err != nil {
		h.logger.Printf("trade log read failed for user %s: %v", userID, err)
		return "Could not read the trade log."
	}
	if len(entries) == 0 {
		return "No trades logged yet."
	}

	var sb strings.Builder
	for _, e := range entries {
		ts := e["timestamp_local"]
		if ts == "" {
			ts = e["timestamp_utc"]
		}
		fmt.Fprintf(&sb, "%-9s id:%-4s %s %s %s%s exp %s cr %s db %s pnl %s\n",
			e["event"], e["trade_id"], ts, e["ticker"], e["option_type"],
			e["strike"], e["expiration"], e["premium_credit"], e["premium_debit"], e["pnl"])
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (h *Handler) export(ctx context.Context, cmd telegram.Command) {
	path, err := h.trades.Path(cmd.UserID)
	if err != nil {
		h.logger.Printf("trade log export failed for user %s: %v", cmd.UserID, err)
		_ = h.client.SendMessage(ctx, cmd.ChatID, "Could not prepare the trade log export.")
		return
	}
	filename := fmt.Sprintf("premium_pilot_trades_%s.csv", cmd.UserID)
	if err := h.client.SendDocument(ctx, cmd.ChatID, path, filename); err != nil {
		h.logger.Printf("trade log upload failed for user %s: %v", cmd.UserID, err)
		_ = h.client.SendMessage(ctx, cmd.ChatID, "Upload failed, try again later.")
		return
	}
	_ = h.client.SendMessage(ctx, cmd.ChatID, "Here is your trade log CSV.")
}

func kindShort(kind models.PositionKind) string {
	if kind == models.KindCashSecuredPut {
		return "CSP"
	}
	return "CC"
}

const helpText = `Premium Pilot — Quick Guide

Add positions
  /addcc TICKER STRIKE CONTRACTS EXPIRY CREDIT
  /addcsp TICKER STRIKE CONTRACTS EXPIRY CREDIT

Manage positions
  /list — open positions
  /update — live summary with prices and recommendations
  /edit ID field=value ... — fields: ticker, strike, contracts, expiry, credit
  /rm ID — remove without archiving
  /close ID [btc_price] — close and archive

Trade log
  /log [n] — preview the last n entries
  /export — receive the full CSV

Reports
  /eod — run the end-of-day dispatch now

Rules: BTC at 50% profit and <=7 DTE; roll-watch within 4% of strike;
otherwise hold and let theta decay.`
