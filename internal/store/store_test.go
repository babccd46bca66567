package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Layout{Root: filepath.Join(t.TempDir(), "data")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestPrepareCreatesRestrictedTree(t *testing.T) {
	root := filepath.Join(t.TempDir(), "data")
	layout := Layout{Root: root}
	if err := layout.Prepare(); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	for _, dir := range []string{root, layout.MediaInbox(), layout.MediaOutbox(), layout.LogDir()} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("stat %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("%s is not a directory", dir)
		}
	}
	info, err := os.Stat(root)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o700 {
		t.Fatalf("root mode = %o, want 0700", perm)
	}
}

func TestPrepareRefusesSymlinkRoot(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks unavailable")
	}
	base := t.TempDir()
	target := filepath.Join(base, "real")
	if err := os.MkdirAll(target, 0o700); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(base, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlink: %v", err)
	}
	if err := (Layout{Root: link}).Prepare(); err == nil {
		t.Fatal("prepare accepted a symlinked root")
	}
}

func TestOpenTightensDatabaseMode(t *testing.T) {
	layout := Layout{Root: filepath.Join(t.TempDir(), "data")}
	st, err := Open(layout)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	st.Close()

	info, err := os.Stat(layout.DBPath())
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		t.Fatalf("database mode = %o, want no group/other bits", perm)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	layout := Layout{Root: filepath.Join(t.TempDir(), "data")}
	st, err := Open(layout)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	st.Close()

	st, err = Open(layout)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	st.Close()
}

func TestBanRoundTrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	banned, err := st.IsBanned(ctx, "chat-1")
	if err != nil || banned {
		t.Fatalf("IsBanned before ban = %v, %v", banned, err)
	}

	if err := st.BanChat(ctx, "chat-1", "spam"); err != nil {
		t.Fatalf("ban: %v", err)
	}
	banned, err = st.IsBanned(ctx, "chat-1")
	if err != nil || !banned {
		t.Fatalf("IsBanned after ban = %v, %v", banned, err)
	}

	bans, err := st.ListBans(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(bans) != 1 || bans[0].ChatID != "chat-1" || bans[0].Reason != "spam" {
		t.Fatalf("unexpected bans: %+v", bans)
	}

	removed, err := st.UnbanChat(ctx, "chat-1")
	if err != nil || !removed {
		t.Fatalf("unban = %v, %v", removed, err)
	}
	removed, err = st.UnbanChat(ctx, "chat-1")
	if err != nil || removed {
		t.Fatalf("second unban = %v, %v", removed, err)
	}
}

func TestLinkCodeIsOneShot(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	code, err := st.NewLinkCode(ctx, "alice")
	if err != nil {
		t.Fatalf("new code: %v", err)
	}
	if len(code) != 9 || code[4] != '-' {
		t.Fatalf("code format %q", code)
	}

	link, err := st.ConsumeLinkCode(ctx, code, "chat-7")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if link.LocalUserID != "alice" || link.ChatID != "chat-7" {
		t.Fatalf("unexpected link: %+v", link)
	}

	if _, err := st.ConsumeLinkCode(ctx, code, "chat-8"); !errors.Is(err, ErrLinkCodeInvalid) {
		t.Fatalf("second consume: %v, want ErrLinkCodeInvalid", err)
	}

	got, err := st.GetLink(ctx, "chat-7")
	if err != nil {
		t.Fatalf("get link: %v", err)
	}
	if got.LocalUserID != "alice" {
		t.Fatalf("link user = %q", got.LocalUserID)
	}
}

func TestConsumeLinkCodeNormalizesInput(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	code, err := st.NewLinkCode(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	// Leading whitespace and lowercase are both tolerated.
	lowered := "  " + strings.ToLower(code) + " "
	if _, err := st.ConsumeLinkCode(ctx, lowered, "chat-9"); err != nil {
		t.Fatalf("consume normalized code: %v", err)
	}
}

func TestConsumeUnknownLinkCode(t *testing.T) {
	st := testStore(t)
	if _, err := st.ConsumeLinkCode(context.Background(), "ZZZZ-ZZZZ", "chat-1"); !errors.Is(err, ErrLinkCodeInvalid) {
		t.Fatalf("err = %v, want ErrLinkCodeInvalid", err)
	}
}

func TestRelinkReplacesPreviousLink(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.PutLink(ctx, "chat-1", "alice", "operator"); err != nil {
		t.Fatal(err)
	}
	if err := st.PutLink(ctx, "chat-1", "bob", "operator"); err != nil {
		t.Fatal(err)
	}
	link, err := st.GetLink(ctx, "chat-1")
	if err != nil {
		t.Fatal(err)
	}
	if link.LocalUserID != "bob" {
		t.Fatalf("link user = %q, want bob", link.LocalUserID)
	}

	if err := st.DeleteLink(ctx, "chat-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.GetLink(ctx, "chat-1"); !errors.Is(err, ErrNoLink) {
		t.Fatalf("err = %v, want ErrNoLink", err)
	}
}

func TestAuditLogNewestFirst(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	entries := []AuditEntry{
		{RequestID: "r1", ChatID: "c1", Classification: "ALLOW", Confidence: 0.9, Tier: "READ_ONLY", Outcome: OutcomeSuccess, DurationMS: 12},
		{RequestID: "r2", ChatID: "c1", Classification: "BLOCK", Confidence: 1, Tier: "READ_ONLY", Outcome: OutcomeBlocked, DurationMS: 3},
	}
	for _, e := range entries {
		if err := st.WriteAudit(ctx, e); err != nil {
			t.Fatalf("write audit: %v", err)
		}
	}

	got, err := st.GetAuditLog(ctx, 10)
	if err != nil {
		t.Fatalf("get audit: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].RequestID != "r2" || got[1].RequestID != "r1" {
		t.Fatalf("order = %s, %s; want r2, r1", got[0].RequestID, got[1].RequestID)
	}
	if got[0].Outcome != OutcomeBlocked || got[0].Confidence != 1 {
		t.Fatalf("unexpected entry: %+v", got[0])
	}
}

func TestPruneLinkCodes(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	code, err := st.NewLinkCode(ctx, "carol")
	if err != nil {
		t.Fatal(err)
	}
	// Force the code into the past.
	if _, err := st.DB().ExecContext(ctx,
		`UPDATE link_codes SET expires_at_ms = ? WHERE code = ?`, NowMS()-1, code); err != nil {
		t.Fatal(err)
	}
	if err := st.PruneLinkCodes(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if _, err := st.ConsumeLinkCode(ctx, code, "chat-1"); !errors.Is(err, ErrLinkCodeInvalid) {
		t.Fatalf("err = %v, want ErrLinkCodeInvalid", err)
	}
}
