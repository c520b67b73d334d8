package trust

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trust.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestLookupMissingReturnsErrNotFound(t *testing.T) {
	st := openTestStore(t)
	_, err := st.Lookup(context.Background(), "agent-1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestIssueThenLookupRoundTrips(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	token, err := st.Issue(ctx, "agent-1", "Stage Left", 1000)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	got, err := st.Lookup(ctx, "agent-1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != token {
		t.Fatalf("Lookup = %q, want %q", got, token)
	}
}

func TestMatchesAcceptsIssuedTokenOnly(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	token, err := st.Issue(ctx, "agent-1", "", 1000)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if !st.Matches(ctx, "agent-1", token) {
		t.Error("Matches(correct token) = false, want true")
	}
	if st.Matches(ctx, "agent-1", "wrong-token") {
		t.Error("Matches(wrong token) = true, want false")
	}
	if st.Matches(ctx, "agent-2", token) {
		t.Error("Matches(unknown agent) = true, want false")
	}
	if st.Matches(ctx, "agent-1", "") {
		t.Error("Matches(empty token) = true, want false")
	}
}

func TestIssueReplacesPriorToken(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	first, err := st.Issue(ctx, "agent-1", "Name A", 1000)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	second, err := st.Issue(ctx, "agent-1", "Name B", 2000)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if first == second {
		t.Fatal("expected a fresh token on re-issue")
	}
	if st.Matches(ctx, "agent-1", first) {
		t.Error("stale token should no longer match")
	}
	if !st.Matches(ctx, "agent-1", second) {
		t.Error("fresh token should match")
	}
}

func TestRevokeRemovesEntry(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.Issue(ctx, "agent-1", "", 1000); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := st.Revoke(ctx, "agent-1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := st.Lookup(ctx, "agent-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup after revoke err = %v, want ErrNotFound", err)
	}
}
