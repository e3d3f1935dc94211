package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"log/slog"
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Entry is one immutable ledger record. Its checksum folds in the previous
// entry's checksum, so editing any historical field breaks the chain from
// that point and is detectable.
type Entry struct {
	ID        int64             `json:"id"`
	UserID    string            `json:"user_id"`
	Action    string            `json:"action"`
	Resource  string            `json:"resource"`
	IP        string            `json:"ip,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Checksum  string            `json:"checksum"`
}

func (e *Entry) clone() *Entry {
	cp := *e
	if e.Metadata != nil {
		cp.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// RequestMeta carries boundary request context into an entry.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// Ledger is the append-only, hash-chained action log. Appends are strictly
// serialized; the chain is meaningless otherwise.
type Ledger struct {
	mu         sync.Mutex
	store      Store
	node       *snowflake.Node
	lastSum    string
	anchor     string
	signingKey []byte
	logger     *slog.Logger
	Clock      Clock
}

func NewLedger(ctx context.Context, store Store, nodeID int64, signingKey []byte, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node: %w", err)
	}

	l := &Ledger{
		store:      store,
		node:       node,
		signingKey: signingKey,
		logger:     logger,
		Clock:      systemClock{},
	}

	// Recover the archive anchor and the chain head from whatever is
	// already persisted, so verification survives restarts.
	anchor, err := store.LoadAnchor(ctx)
	if err != nil {
		return nil, fmt.Errorf("load audit anchor: %w", err)
	}
	l.anchor = anchor
	l.lastSum = anchor

	entries, err := store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load audit chain: %w", err)
	}
	if len(entries) > 0 {
		l.lastSum = entries[len(entries)-1].Checksum
	}
	return l, nil
}

func (l *Ledger) Log(ctx context.Context, userID, action, resource string, metadata map[string]string, req *RequestMeta) (*Entry, error) {
	if action == "" {
		return nil, fmt.Errorf("action is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Timestamps feed the checksum and survive a timestamptz round trip,
	// which keeps microsecond precision only.
	entry := &Entry{
		ID:        l.node.Generate().Int64(),
		UserID:    userID,
		Action:    action,
		Resource:  resource,
		Timestamp: l.Clock.Now().UTC().Truncate(time.Microsecond),
		Metadata:  metadata,
	}
	if req != nil {
		entry.IP = req.IP
		entry.UserAgent = req.UserAgent
	}
	entry.Checksum = computeChecksum(entry, l.lastSum)

	if err := l.store.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("append audit entry: %w", err)
	}
	l.lastSum = entry.Checksum
	return entry.clone(), nil
}

func computeChecksum(e *Entry, prev string) string {
	h := sha256.New()
	io.WriteString(h, strconv.FormatInt(e.ID, 10))
	io.WriteString(h, "|")
	io.WriteString(h, e.UserID)
	io.WriteString(h, "|")
	io.WriteString(h, e.Action)
	io.WriteString(h, "|")
	io.WriteString(h, e.Resource)
	io.WriteString(h, "|")
	io.WriteString(h, strconv.FormatInt(e.Timestamp.UnixNano(), 10))
	io.WriteString(h, "|")
	io.WriteString(h, canonicalMetadata(e.Metadata))
	io.WriteString(h, "|")
	io.WriteString(h, prev)
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalMetadata(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m[k])
	}
	return b.String()
}

// VerifyEntry recomputes one entry's checksum against the given predecessor
// checksum.
func VerifyEntry(e *Entry, prev string) bool {
	return computeChecksum(e, prev) == e.Checksum
}

type ChainReport struct {
	Valid       bool
	Checked     int
	TamperedIDs []int64
}

// VerifyChain walks the whole stored chain. Mismatches are reported for
// operator action, never auto-healed.
func (l *Ledger) VerifyChain(ctx context.Context) (ChainReport, error) {
	l.mu.Lock()
	anchor := l.anchor
	l.mu.Unlock()

	entries, err := l.store.Snapshot(ctx)
	if err != nil {
		return ChainReport{}, fmt.Errorf("load audit chain: %w", err)
	}

	report := ChainReport{Valid: true, Checked: len(entries)}
	prev := anchor
	for i := range entries {
		if !VerifyEntry(&entries[i], prev) {
			report.Valid = false
			report.TamperedIDs = append(report.TamperedIDs, entries[i].ID)
		}
		prev = entries[i].Checksum
	}
	return report, nil
}

type Query struct {
	UserID   string
	Action   string
	Resource string
	IP       string
	From     time.Time
	To       time.Time
	Offset   int
	Limit    int
}

// Search filters the snapshot, newest first, paginated. Total is the match
// count before pagination.
func (l *Ledger) Search(ctx context.Context, q Query) ([]Entry, int, error) {
	entries, err := l.store.Snapshot(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("load audit chain: %w", err)
	}

	var matched []Entry
	for i := range entries {
		if matches(&entries[i], q) {
			matched = append(matched, entries[i])
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	total := len(matched)
	if q.Offset > 0 {
		if q.Offset >= total {
			return nil, total, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, total, nil
}

func matches(e *Entry, q Query) bool {
	if q.UserID != "" && e.UserID != q.UserID {
		return false
	}
	if q.Action != "" && e.Action != q.Action {
		return false
	}
	if q.Resource != "" && e.Resource != q.Resource {
		return false
	}
	if q.IP != "" && e.IP != q.IP {
		return false
	}
	if !q.From.IsZero() && e.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.Timestamp.After(q.To) {
		return false
	}
	return true
}

// Export bundles filtered entries with a signature over the export metadata.
// Individual entries are already protected by the chain.
type Export struct {
	GeneratedAt time.Time `json:"generated_at"`
	ExportedBy  string    `json:"exported_by"`
	Format      string    `json:"format"`
	Count       int       `json:"count"`
	Entries     []Entry   `json:"entries"`
	Signature   string    `json:"signature"`
}

func (l *Ledger) Export(ctx context.Context, q Query, format, exportedBy string) (*Export, error) {
	if format != "json" && format != "csv" {
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
	entries, _, err := l.Search(ctx, q)
	if err != nil {
		return nil, err
	}

	exp := &Export{
		GeneratedAt: l.Clock.Now().UTC(),
		ExportedBy:  exportedBy,
		Format:      format,
		Count:       len(entries),
		Entries:     entries,
	}
	exp.Signature = l.signExport(exp)
	return exp, nil
}

func (l *Ledger) signExport(exp *Export) string {
	mac := hmac.New(sha256.New, l.signingKey)
	io.WriteString(mac, exp.ExportedBy)
	io.WriteString(mac, "|")
	io.WriteString(mac, exp.Format)
	io.WriteString(mac, "|")
	io.WriteString(mac, strconv.Itoa(exp.Count))
	io.WriteString(mac, "|")
	io.WriteString(mac, strconv.FormatInt(exp.GeneratedAt.UnixNano(), 10))
	return hex.EncodeToString(mac.Sum(nil))
}

func (l *Ledger) VerifyExport(exp *Export) bool {
	expected := l.signExport(exp)
	return hmac.Equal([]byte(expected), []byte(exp.Signature))
}

// Archive removes entries past the retention cutoff and re-anchors the chain
// root to the last archived checksum, so VerifyChain stays meaningful for
// the remainder.
func (l *Ledger) Archive(ctx context.Context, olderThan time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.store.Snapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("load audit chain: %w", err)
	}

	newAnchor := l.anchor
	for i := range entries {
		if entries[i].Timestamp.Before(olderThan) {
			newAnchor = entries[i].Checksum
		}
	}

	removed, err := l.store.DeleteBefore(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("archive audit entries: %w", err)
	}
	if removed > 0 {
		l.anchor = newAnchor
		if err := l.store.SaveAnchor(ctx, newAnchor); err != nil {
			return removed, fmt.Errorf("save audit anchor: %w", err)
		}
		l.logger.Info("audit entries archived", "removed", removed, "cutoff", olderThan)
	}
	return removed, nil
}

// StartArchiver applies the retention policy on the given interval until ctx
// is cancelled.
func (l *Ledger) StartArchiver(ctx context.Context, interval, retention time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := l.Clock.Now().Add(-retention)
				if _, err := l.Archive(ctx, cutoff); err != nil {
					l.logger.Error("audit archival failed", "error", err)
				}
			}
		}
	}()
}
