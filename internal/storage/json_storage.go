package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/premiumpilot/bot/internal/models"
	"github.com/premiumpilot/bot/internal/util"
)

// legacyUser is the bucket key used when migrating a pre-multi-user document.
// The first real user to touch the store claims it.
const legacyUser = "legacy"

// Bucket holds one user's positions. NextID is a monotonic counter that
// survives deletions so IDs are never reused; when absent (older files) it is
// recomputed as max(existing IDs) + 1 across all three collections.
type Bucket struct {
	CC     []models.Position       `json:"cc"`
	CSP    []models.Position       `json:"csp"`
	Closed []models.ClosedPosition `json:"closed"`
	NextID int                     `json:"_next_id,omitempty"`
}

type document struct {
	Users map[string]*Bucket `json:"users"`
}

// legacyDocument is the original single-bucket schema.
type legacyDocument struct {
	CC     []models.Position       `json:"cc"`
	Closed []models.ClosedPosition `json:"closed"`
}

// JSONStorage persists the store as one pretty-printed JSON file.
type JSONStorage struct {
	mu       sync.Mutex
	filepath string
	onChange func()
	now      func() time.Time
}

// NewJSONStorage creates a store backed by the given file path. The file is
// not created until the first mutation.
func NewJSONStorage(filepath string) *JSONStorage {
	return &JSONStorage{
		filepath: filepath,
		now:      time.Now,
	}
}

// OnChange registers the post-mutation hook. Must be called before the store
// is shared across goroutines.
func (s *JSONStorage) OnChange(fn func()) {
	s.onChange = fn
}

// load reads and parses the backing file. Any failure - missing file, empty
// file, malformed JSON, wrong top-level shape - yields an empty document.
// Positions are user-re-enterable, so availability wins over strictness here.
func (s *JSONStorage) load() *document {
	doc := &document{Users: map[string]*Bucket{}}

	raw, err := os.ReadFile(s.filepath)
	if err != nil {
		return doc
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return doc
	}

	var parsed document
	if err := json.Unmarshal([]byte(text), &parsed); err == nil && parsed.Users != nil {
		for uid, bucket := range parsed.Users {
			if bucket == nil {
				bucket = &Bucket{}
			}
			normalizeBucket(bucket)
			doc.Users[uid] = bucket
		}
		return doc
	}

	// Legacy single-bucket schema: wrap it under a placeholder user.
	var legacy legacyDocument
	if err := json.Unmarshal([]byte(text), &legacy); err == nil && (legacy.CC != nil || legacy.Closed != nil) {
		b := &Bucket{CC: legacy.CC, Closed: legacy.Closed}
		normalizeBucket(b)
		doc.Users[legacyUser] = b
	}
	return doc
}

func normalizeBucket(b *Bucket) {
	if b.CC == nil {
		b.CC = []models.Position{}
	}
	if b.CSP == nil {
		b.CSP = []models.Position{}
	}
	if b.Closed == nil {
		b.Closed = []models.ClosedPosition{}
	}
}

// save writes the document with the write-temp-then-rename discipline so no
// reader can ever observe a partial file.
func (s *JSONStorage) save(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling store: %w", err)
	}

	tmp := s.filepath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing temp store file: %w", err)
	}
	if err := os.Rename(tmp, s.filepath); err != nil {
		return fmt.Errorf("replacing store file: %w", err)
	}
	return nil
}

// bucket returns the user's bucket, creating it lazily. An unclaimed legacy
// bucket is handed to the first user that references the store.
func (s *JSONStorage) bucket(doc *document, userID string) *Bucket {
	if b, ok := doc.Users[userID]; ok {
		return b
	}
	if b, ok := doc.Users[legacyUser]; ok && userID != legacyUser {
		delete(doc.Users, legacyUser)
		doc.Users[userID] = b
		return b
	}
	b := &Bucket{}
	normalizeBucket(b)
	doc.Users[userID] = b
	return b
}

// nextID allocates the next position ID for a bucket. The persisted counter
// is authoritative; when it is missing or invalid we fall back to scanning
// every collection so IDs are never reused even after deletions.
func nextID(b *Bucket) int {
	id := b.NextID
	if id < 1 {
		max := 0
		for _, p := range b.CC {
			if p.ID > max {
				max = p.ID
			}
		}
		for _, p := range b.CSP {
			if p.ID > max {
				max = p.ID
			}
		}
		for _, p := range b.Closed {
			if p.ID > max {
				max = p.ID
			}
		}
		id = max + 1
	}
	b.NextID = id + 1
	return id
}

func (s *JSONStorage) notify() {
	if s.onChange != nil {
		s.onChange()
	}
}

// Add validates, canonicalizes and appends a new open position.
func (s *JSONStorage) Add(userID string, kind models.PositionKind, pos models.Position) (int, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("invalid position kind %q", kind)
	}
	pos.Ticker = strings.ToUpper(strings.TrimSpace(pos.Ticker))
	iso, err := models.CanonicalExpiry(pos.Expiry)
	if err != nil {
		return 0, err
	}
	pos.Expiry = iso
	if err := pos.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	b := s.bucket(doc, userID)
	pos.ID = nextID(b)
	if pos.CreatedAt.IsZero() {
		pos.CreatedAt = s.now().UTC()
	}
	if kind == models.KindCoveredCall {
		b.CC = append(b.CC, pos)
	} else {
		b.CSP = append(b.CSP, pos)
	}
	if err := s.save(doc); err != nil {
		return 0, err
	}
	s.notify()
	return pos.ID, nil
}

// findOpen locates an open position by ID across both open collections.
// Returns the slice it lives in, its index and kind.
func findOpen(b *Bucket, id int) (*[]models.Position, int, models.PositionKind) {
	for i := range b.CC {
		if b.CC[i].ID == id {
			return &b.CC, i, models.KindCoveredCall
		}
	}
	for i := range b.CSP {
		if b.CSP[i].ID == id {
			return &b.CSP, i, models.KindCashSecuredPut
		}
	}
	return nil, -1, ""
}

// Remove deletes an open position without archiving it.
func (s *JSONStorage) Remove(userID string, id int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	b := s.bucket(doc, userID)
	list, i, _ := findOpen(b, id)
	if list == nil {
		return false, nil
	}
	*list = append((*list)[:i], (*list)[i+1:]...)
	if err := s.save(doc); err != nil {
		return false, err
	}
	s.notify()
	return true, nil
}

// Edit applies a partial update. Unspecified fields keep their prior values.
func (s *JSONStorage) Edit(userID string, id int, patch models.PositionPatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	b := s.bucket(doc, userID)
	list, i, _ := findOpen(b, id)
	if list == nil {
		return false, nil
	}
	if err := patch.Apply(&(*list)[i]); err != nil {
		return false, err
	}
	if err := s.save(doc); err != nil {
		return false, err
	}
	s.notify()
	return true, nil
}

// Close archives an open position with its closure timestamp. When a
// buy-to-close price is supplied the profit percentage is
// (credit - btc) / credit * 100, rounded to two decimals; otherwise nil.
func (s *JSONStorage) Close(userID string, id int, btcPrice *float64) (*models.ClosedPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	b := s.bucket(doc, userID)
	list, i, kind := findOpen(b, id)
	if list == nil {
		return nil, nil
	}

	pos := (*list)[i]
	*list = append((*list)[:i], (*list)[i+1:]...)

	closed := models.ClosedPosition{
		Position: pos,
		Kind:     kind,
		ClosedAt: s.now().UTC(),
		BTCPrice: btcPrice,
	}
	if btcPrice != nil && pos.EntryCredit != 0 {
		pct := util.RoundToTick((pos.EntryCredit-*btcPrice)/pos.EntryCredit*100, 0.01)
		closed.PnLPct = &pct
	}
	b.Closed = append(b.Closed, closed)

	if err := s.save(doc); err != nil {
		return nil, err
	}
	s.notify()
	return &closed, nil
}

// Find returns a copy of an open position and its kind, or nil.
func (s *JSONStorage) Find(userID string, id int) (*models.Position, models.PositionKind) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	b := s.bucket(doc, userID)
	list, i, kind := findOpen(b, id)
	if list == nil {
		return nil, ""
	}
	pos := (*list)[i]
	return &pos, kind
}

// ListOpen returns the ordered open positions of the given kind.
func (s *JSONStorage) ListOpen(userID string, kind models.PositionKind) []models.Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	b, ok := doc.Users[userID]
	if !ok {
		return nil
	}
	var src []models.Position
	if kind == models.KindCashSecuredPut {
		src = b.CSP
	} else {
		src = b.CC
	}
	out := make([]models.Position, len(src))
	copy(out, src)
	return out
}

// ListClosed returns the most recent closed positions, oldest first,
// truncated to the last limit entries. limit <= 0 returns everything.
func (s *JSONStorage) ListClosed(userID string, limit int) []models.ClosedPosition {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	b, ok := doc.Users[userID]
	if !ok {
		return nil
	}
	src := b.Closed
	if limit > 0 && len(src) > limit {
		src = src[len(src)-limit:]
	}
	out := make([]models.ClosedPosition, len(src))
	copy(out, src)
	return out
}

// Users returns every user ID in the store, sorted for stable iteration.
func (s *JSONStorage) Users() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	out := make([]string, 0, len(doc.Users))
	for uid := range doc.Users {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a deep copy of every bucket.
func (s *JSONStorage) Snapshot() map[string]Bucket {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	out := make(map[string]Bucket, len(doc.Users))
	for uid, b := range doc.Users {
		copied := Bucket{
			CC:     make([]models.Position, len(b.CC)),
			CSP:    make([]models.Position, len(b.CSP)),
			Closed: make([]models.ClosedPosition, len(b.Closed)),
			NextID: b.NextID,
		}
		copy(copied.CC, b.CC)
		copy(copied.CSP, b.CSP)
		copy(copied.Closed, b.Closed)
		out[uid] = copied
	}
	return out
}
