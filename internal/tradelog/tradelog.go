// Package tradelog maintains one append-only CSV trade log per user with a
// fixed, spreadsheet-friendly column schema. Files written with the older,
// narrower schema are migrated in place the first time they are touched.
package tradelog

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/premiumpilot/bot/internal/models"
	"github.com/premiumpilot/bot/internal/util"
)

// Event names for log rows.
const (
	EventOpenCC   = "OPEN_CC"
	EventCloseCC  = "CLOSE_CC"
	EventOpenCSP  = "OPEN_CSP"
	EventCloseCSP = "CLOSE_CSP"
)

// fields is the current schema. trade_id duplicates position_id for now: it
// is the stable key for an open/close pair and survives future splits of the
// position row.
var fields = []string{
	"event",
	"trade_id",
	"user_id",
	"position_id",
	"timestamp_utc",
	"timestamp_local",
	"ticker",
	"option_type",
	"strike",
	"contracts",
	"expiration",
	"premium_credit",
	"premium_debit",
	"pnl",
	"delta",
	"gamma",
	"theta",
	"vega",
	"iv",
}

// oldFieldVariants are prior schemas we know how to migrate from.
var oldFieldVariants = [][]string{
	{
		"event", "user_id", "position_id", "timestamp_utc", "ticker",
		"option_type", "strike", "contracts", "expiration",
		"premium_credit", "premium_debit", "pnl",
		"delta", "gamma", "theta", "vega", "iv",
	},
}

// greeks is a placeholder snapshot. Greeks capture is not wired to a data
// source yet; the columns exist so historical exports keep a stable shape.
type greeks struct {
	Delta, Gamma, Theta, Vega, IV string
}

func greeksSnapshot() greeks {
	return greeks{}
}

// Log writes and reads per-user trade logs under a single directory.
type Log struct {
	mu     sync.Mutex
	dir    string
	loc    *time.Location
	logger *log.Logger
	now    func() time.Time
}

// New creates a trade log rooted at dir, creating the directory if needed.
// loc is the timezone used for the human-readable timestamp column.
func New(dir string, loc *time.Location, logger *log.Logger) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating trade log dir: %w", err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Log{dir: dir, loc: loc, logger: logger, now: time.Now}, nil
}

// Path returns the user's log file path, creating the file with the current
// header (or migrating an old one) if necessary.
func (l *Log) Path(userID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ensureFile(userID)
}

// ensureFile creates or upgrades the user's log file. Caller holds l.mu.
func (l *Log) ensureFile(userID string) (string, error) {
	path := filepath.Join(l.dir, userID+"_trades.csv")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.Create(path)
		if err != nil {
			return "", fmt.Errorf("creating trade log: %w", err)
		}
		w := csv.NewWriter(f)
		_ = w.Write(fields)
		w.Flush()
		if err := f.Close(); err != nil {
			return "", err
		}
		return path, nil
	}
	l.migrate(path)
	return path, nil
}

// migrate upgrades a file written with an old header to the current schema.
// Unknown headers are left alone and migration failures are swallowed - the
// trade log must never block a position operation.
func (l *Log) migrate(path string) {
	header, rows, err := readAll(path)
	if err != nil || equalHeader(header, fields) {
		return
	}

	matched := false
	for _, old := range oldFieldVariants {
		if equalHeader(header, old) {
			matched = true
			break
		}
	}
	if !matched {
		return
	}

	migrated := make([][]string, 0, len(rows))
	for _, r := range rows {
		row := map[string]string{}
		for i, col := range header {
			if i < len(r) {
				row[col] = r[i]
			}
		}
		row["trade_id"] = row["position_id"]
		row["timestamp_local"] = "" // unknown historically
		row["expiration"] = normalizeExpiration(row["expiration"])
		migrated = append(migrated, projectRow(row))
	}

	if err := writeAll(path, migrated); err != nil {
		l.logger.Printf("trade log migration failed for %s: %v", path, err)
		return
	}
	l.logger.Printf("trade log %s migrated to %d-column schema", path, len(fields))
}

// normalizeExpiration maps legacy expiration spellings (compact YYYYMMDD or
// any accepted date format) to ISO form, passing unknown values through.
func normalizeExpiration(raw string) string {
	if raw == "" {
		return ""
	}
	if len(raw) == 8 {
		if _, err := strconv.Atoi(raw); err == nil {
			return raw[0:4] + "-" + raw[4:6] + "-" + raw[6:8]
		}
	}
	if iso, err := models.CanonicalExpiry(raw); err == nil {
		return iso
	}
	return raw
}

func projectRow(row map[string]string) []string {
	out := make([]string, len(fields))
	for i, col := range fields {
		out[i] = row[col]
	}
	return out
}

func equalHeader(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func readAll(path string) ([]string, [][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil || len(records) == 0 {
		return nil, nil, err
	}
	return records[0], records[1:], nil
}

func writeAll(path string, rows [][]string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.Write(fields); err != nil {
		_ = f.Close()
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		_ = f.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (l *Log) append(userID string, row map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	path, err := l.ensureFile(userID)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening trade log: %w", err)
	}
	defer func() { _ = f.Close() }()

	w := csv.NewWriter(f)
	if err := w.Write(projectRow(row)); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func (l *Log) timestamps() (utc, local string) {
	now := l.now()
	return now.UTC().Format(time.RFC3339),
		now.In(l.loc).Format("2006-01-02 03:04:05 PM MST")
}

// LogOpen appends an open event for a freshly added position.
func (l *Log) LogOpen(userID string, kind models.PositionKind, pos models.Position) error {
	event := EventOpenCC
	if kind == models.KindCashSecuredPut {
		event = EventOpenCSP
	}
	utc, local := l.timestamps()
	g := greeksSnapshot()
	return l.append(userID, map[string]string{
		"event":           event,
		"trade_id":        strconv.Itoa(pos.ID),
		"user_id":         userID,
		"position_id":     strconv.Itoa(pos.ID),
		"timestamp_utc":   utc,
		"timestamp_local": local,
		"ticker":          pos.Ticker,
		"option_type":     kind.OptionType(),
		"strike":          formatFloat(pos.Strike),
		"contracts":       strconv.Itoa(pos.Contracts),
		"expiration":      pos.Expiry,
		"premium_credit":  formatFloat(pos.EntryCredit),
		"delta":           g.Delta,
		"gamma":           g.Gamma,
		"theta":           g.Theta,
		"vega":            g.Vega,
		"iv":              g.IV,
	})
}

// LogClose appends a close event. pnl is dollars per share
// (credit - debit), left blank when the buy-to-close price is unknown.
func (l *Log) LogClose(userID string, closed models.ClosedPosition) error {
	event := EventCloseCC
	if closed.Kind == models.KindCashSecuredPut {
		event = EventCloseCSP
	}
	utc, local := l.timestamps()
	g := greeksSnapshot()

	debit, pnl := "", ""
	if closed.BTCPrice != nil {
		debit = formatFloat(*closed.BTCPrice)
		pnl = formatFloat(util.RoundToTick(closed.EntryCredit-*closed.BTCPrice, 0.01))
	}

	return l.append(userID, map[string]string{
		"event":           event,
		"trade_id":        strconv.Itoa(closed.ID),
		"user_id":         userID,
		"position_id":     strconv.Itoa(closed.ID),
		"timestamp_utc":   utc,
		"timestamp_local": local,
		"ticker":          closed.Ticker,
		"option_type":     closed.Kind.OptionType(),
		"strike":          formatFloat(closed.Strike),
		"contracts":       strconv.Itoa(closed.Contracts),
		"expiration":      closed.Expiry,
		"premium_credit":  formatFloat(closed.EntryCredit),
		"premium_debit":   debit,
		"pnl":             pnl,
		"delta":           g.Delta,
		"gamma":           g.Gamma,
		"theta":           g.Theta,
		"vega":            g.Vega,
		"iv":              g.IV,
	})
}

// Entry is a parsed trade-log row keyed by column name.
type Entry map[string]string

// Tail returns the last n entries of a user's log, oldest first. A missing
// file yields an empty slice.
func (l *Log) Tail(userID string, n int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := filepath.Join(l.dir, userID+"_trades.csv")
	header, rows, err := readAll(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if n > 0 && len(rows) > n {
		rows = rows[len(rows)-n:]
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		e := Entry{}
		for i, col := range header {
			if i < len(r) {
				e[col] = r[i]
			}
		}
		out = append(out, e)
	}
	return out, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
