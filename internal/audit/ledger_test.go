package audit

import (
	"context"
	"testing"
	"time"
)

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

func newTestLedger(t *testing.T) (*Ledger, *MemoryStore, *fixedClock) {
	t.Helper()
	store := NewMemoryStore()
	ledger, err := NewLedger(context.Background(), store, 1, []byte("test-signing-key"), nil)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	clock := &fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	ledger.Clock = clock
	return ledger, store, clock
}

func TestChainVerifies(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	for _, action := range []string{"key.issue", "key.verify", "withdrawal.create"} {
		if _, err := ledger.Log(ctx, "user-1", action, "security", nil, nil); err != nil {
			t.Fatalf("log: %v", err)
		}
	}

	report, err := ledger.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if !report.Valid || report.Checked != 3 || len(report.TamperedIDs) != 0 {
		t.Fatalf("untouched chain must verify, got %+v", report)
	}
}

func TestChainDetectsTampering(t *testing.T) {
	ledger, store, _ := newTestLedger(t)
	ctx := context.Background()

	var ids []int64
	for _, action := range []string{"first", "second", "third"} {
		entry, err := ledger.Log(ctx, "user-1", action, "security", map[string]string{"k": "v"}, nil)
		if err != nil {
			t.Fatalf("log: %v", err)
		}
		ids = append(ids, entry.ID)
	}

	if !store.Corrupt(ids[1], func(e *Entry) { e.Action = "forged" }) {
		t.Fatalf("corrupt entry not found")
	}

	report, err := ledger.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if report.Valid {
		t.Fatalf("tampered chain must not verify")
	}
	if len(report.TamperedIDs) != 1 || report.TamperedIDs[0] != ids[1] {
		t.Fatalf("expected exactly the edited entry flagged, got %v", report.TamperedIDs)
	}
}

func TestChainDetectsMetadataEdit(t *testing.T) {
	ledger, store, _ := newTestLedger(t)
	ctx := context.Background()

	entry, err := ledger.Log(ctx, "user-1", "withdrawal.approve", "withdrawal", map[string]string{"amount": "100"}, nil)
	if err != nil {
		t.Fatalf("log: %v", err)
	}

	store.Corrupt(entry.ID, func(e *Entry) { e.Metadata["amount"] = "1000000" })

	report, _ := ledger.VerifyChain(ctx)
	if report.Valid || len(report.TamperedIDs) != 1 {
		t.Fatalf("metadata edit must be detected, got %+v", report)
	}
}

func TestSearch(t *testing.T) {
	ledger, _, clock := newTestLedger(t)
	ctx := context.Background()

	meta := &RequestMeta{IP: "10.0.0.1", UserAgent: "cli"}
	ledger.Log(ctx, "alice", "key.issue", "apikey", nil, meta)
	clock.now = clock.now.Add(time.Minute)
	ledger.Log(ctx, "bob", "key.revoke", "apikey", nil, nil)
	clock.now = clock.now.Add(time.Minute)
	ledger.Log(ctx, "alice", "withdrawal.create", "withdrawal", nil, nil)

	res, total, err := ledger.Search(ctx, Query{UserID: "alice"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if total != 2 || len(res) != 2 {
		t.Fatalf("expected 2 alice entries, got %d", total)
	}
	if res[0].Action != "withdrawal.create" {
		t.Fatalf("results must be newest first, got %s", res[0].Action)
	}

	res, total, _ = ledger.Search(ctx, Query{IP: "10.0.0.1"})
	if total != 1 || res[0].Action != "key.issue" {
		t.Fatalf("ip filter failed, got %+v", res)
	}

	res, total, _ = ledger.Search(ctx, Query{Limit: 1, Offset: 1})
	if total != 3 || len(res) != 1 || res[0].Action != "key.revoke" {
		t.Fatalf("pagination failed, got total %d, %+v", total, res)
	}

	from := clock.now.Add(-30 * time.Second)
	res, total, _ = ledger.Search(ctx, Query{From: from})
	if total != 1 || res[0].Action != "withdrawal.create" {
		t.Fatalf("date filter failed, got %+v", res)
	}
}

func TestExportSignature(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	ledger.Log(ctx, "alice", "key.issue", "apikey", nil, nil)
	ledger.Log(ctx, "alice", "key.rotate", "apikey", nil, nil)

	exp, err := ledger.Export(ctx, Query{UserID: "alice"}, "json", "operator-7")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if exp.Count != 2 || exp.Signature == "" {
		t.Fatalf("unexpected export %+v", exp)
	}
	if !ledger.VerifyExport(exp) {
		t.Fatalf("export signature must verify")
	}

	exp.Count = 99
	if ledger.VerifyExport(exp) {
		t.Fatalf("edited export metadata must fail verification")
	}

	if _, err := ledger.Export(ctx, Query{}, "xml", "operator-7"); err == nil {
		t.Fatalf("unsupported format must be rejected")
	}
}

func TestChainSurvivesTimestampRoundTrip(t *testing.T) {
	ledger, store, clock := newTestLedger(t)
	ctx := context.Background()

	clock.now = time.Date(2026, 3, 1, 12, 0, 0, 987654321, time.UTC)
	entry, err := ledger.Log(ctx, "alice", "key.issue", "apikey", nil, nil)
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if entry.Timestamp.Nanosecond()%1000 != 0 {
		t.Fatalf("timestamp must be microsecond-aligned, got %v", entry.Timestamp)
	}

	// A timestamptz column keeps microseconds only; verification must not
	// depend on precision the store cannot hold.
	store.Corrupt(entry.ID, func(e *Entry) {
		e.Timestamp = e.Timestamp.Truncate(time.Microsecond)
	})

	report, err := ledger.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if !report.Valid || len(report.TamperedIDs) != 0 {
		t.Fatalf("microsecond round trip must still verify, got %+v", report)
	}
}

func TestArchiveAnchorSurvivesRestart(t *testing.T) {
	ledger, store, clock := newTestLedger(t)
	ctx := context.Background()

	ledger.Log(ctx, "alice", "old", "security", nil, nil)
	clock.now = clock.now.Add(2 * time.Hour)
	ledger.Log(ctx, "alice", "recent", "security", nil, nil)

	if removed, err := ledger.Archive(ctx, clock.now.Add(-time.Hour)); err != nil || removed != 1 {
		t.Fatalf("archive: removed %d, err %v", removed, err)
	}

	// A fresh ledger over the same store must pick up the persisted anchor.
	reopened, err := NewLedger(ctx, store, 1, []byte("test-signing-key"), nil)
	if err != nil {
		t.Fatalf("reopen ledger: %v", err)
	}
	reopened.Clock = clock

	report, err := reopened.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if !report.Valid || report.Checked != 1 {
		t.Fatalf("reopened chain must verify from the saved anchor, got %+v", report)
	}

	// Archive everything, reopen again: the next append chains from the
	// anchor, not from an empty root.
	clock.now = clock.now.Add(2 * time.Hour)
	if removed, err := reopened.Archive(ctx, clock.now.Add(-time.Hour)); err != nil || removed != 1 {
		t.Fatalf("archive all: removed %d, err %v", removed, err)
	}
	reopened, err = NewLedger(ctx, store, 1, []byte("test-signing-key"), nil)
	if err != nil {
		t.Fatalf("reopen ledger: %v", err)
	}
	reopened.Clock = clock
	if _, err := reopened.Log(ctx, "alice", "post-restart", "security", nil, nil); err != nil {
		t.Fatalf("log: %v", err)
	}
	report, _ = reopened.VerifyChain(ctx)
	if !report.Valid || report.Checked != 1 {
		t.Fatalf("chain must continue from the anchor after restart, got %+v", report)
	}
}

func TestArchiveReanchorsChain(t *testing.T) {
	ledger, _, clock := newTestLedger(t)
	ctx := context.Background()

	ledger.Log(ctx, "alice", "old-1", "security", nil, nil)
	clock.now = clock.now.Add(time.Hour)
	ledger.Log(ctx, "alice", "old-2", "security", nil, nil)
	clock.now = clock.now.Add(time.Hour)
	ledger.Log(ctx, "alice", "recent", "security", nil, nil)

	cutoff := clock.now.Add(-30 * time.Minute)
	removed, err := ledger.Archive(ctx, cutoff)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 archived, got %d", removed)
	}

	report, err := ledger.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if !report.Valid || report.Checked != 1 {
		t.Fatalf("remainder must verify against the re-anchored root, got %+v", report)
	}

	// Appends after archival continue the chain.
	if _, err := ledger.Log(ctx, "alice", "post-archive", "security", nil, nil); err != nil {
		t.Fatalf("log: %v", err)
	}
	report, _ = ledger.VerifyChain(ctx)
	if !report.Valid || report.Checked != 2 {
		t.Fatalf("chain must stay valid after archival, got %+v", report)
	}
}
