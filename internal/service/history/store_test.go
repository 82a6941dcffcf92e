package history

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"avatarchat/internal/models"
	"avatarchat/internal/storage"
)

func TestAppendAndHistoryKeepInsertionOrder(t *testing.T) {
	store := NewStore(openTestDB(t))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := store.Append(ctx, "u1", models.RoleUser, fmt.Sprintf("msg-%d", i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if _, err := store.Append(ctx, "u2", models.RoleUser, "other user"); err != nil {
		t.Fatalf("append other: %v", err)
	}

	history, err := store.History(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(history))
	}
	for i, msg := range history {
		if msg.Content != fmt.Sprintf("msg-%d", i) {
			t.Fatalf("message %d out of order: %q", i, msg.Content)
		}
		if i > 0 && msg.ID <= history[i-1].ID {
			t.Fatalf("ids not increasing: %d after %d", msg.ID, history[i-1].ID)
		}
	}
}

func TestHistoryTruncatesToMostRecent(t *testing.T) {
	store := NewStore(openTestDB(t))
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		if _, err := store.Append(ctx, "u1", models.RoleUser, fmt.Sprintf("msg-%d", i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	history, err := store.History(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Content != "msg-4" || history[1].Content != "msg-5" {
		t.Fatalf("unexpected truncated history: %+v", history)
	}
}

func TestHistoryDoesNotDeduplicate(t *testing.T) {
	store := NewStore(openTestDB(t))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := store.Append(ctx, "u1", models.RoleUser, "hello"); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	history, err := store.History(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 identical messages, got %d", len(history))
	}
}

func TestCountTodayIgnoresYesterday(t *testing.T) {
	now := time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)
	clock := now
	store := NewStore(openTestDB(t)).WithClock(func() time.Time { return clock })
	ctx := context.Background()

	clock = time.Date(2026, 10, 15, 23, 59, 59, 999000000, time.UTC)
	if _, err := store.Append(ctx, "u1", models.RoleUser, "late yesterday"); err != nil {
		t.Fatalf("append yesterday: %v", err)
	}
	clock = time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	if _, err := store.Append(ctx, "u1", models.RoleUser, "exactly midnight"); err != nil {
		t.Fatalf("append midnight: %v", err)
	}
	clock = now
	if _, err := store.Append(ctx, "u1", models.RoleAssistant, "morning"); err != nil {
		t.Fatalf("append today: %v", err)
	}

	count, err := store.CountToday(ctx, "u1")
	if err != nil {
		t.Fatalf("count today: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 messages today, got %d", count)
	}

	since, err := store.CountSince(ctx, "u1", time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("count since: %v", err)
	}
	if since != 3 {
		t.Fatalf("expected 3 messages since yesterday, got %d", since)
	}
}

func TestCountTurnsTodaySkipsReplies(t *testing.T) {
	store := NewStore(openTestDB(t))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := store.Append(ctx, "u1", models.RoleUser, "question"); err != nil {
			t.Fatalf("append user: %v", err)
		}
		if _, err := store.Append(ctx, "u1", models.RoleAssistant, "answer"); err != nil {
			t.Fatalf("append reply: %v", err)
		}
	}
	turns, err := store.CountTurnsToday(ctx, "u1")
	if err != nil {
		t.Fatalf("count turns: %v", err)
	}
	if turns != 3 {
		t.Fatalf("expected 3 turns, got %d", turns)
	}
	all, err := store.CountToday(ctx, "u1")
	if err != nil {
		t.Fatalf("count today: %v", err)
	}
	if all != 6 {
		t.Fatalf("expected 6 messages, got %d", all)
	}
}

func TestStartOfDayUsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	got := StartOfDay(time.Date(2026, 10, 16, 3, 0, 0, 0, loc))
	want := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("want %v got %v", want, got)
	}
}

func TestConcurrentAppendsAssignUniqueIncreasingIDs(t *testing.T) {
	store := NewStore(openTestDB(t))
	ctx := context.Background()

	const writers = 40
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := store.Append(ctx, "u1", models.RoleUser, fmt.Sprintf("c-%d", i)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent append: %v", err)
	}

	history, err := store.History(ctx, "u1", writers*2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != writers {
		t.Fatalf("expected %d messages, got %d", writers, len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i].ID <= history[i-1].ID {
			t.Fatalf("ids not strictly increasing at %d", i)
		}
		if history[i].CreatedAt.Before(history[i-1].CreatedAt) {
			t.Fatalf("timestamps regress at %d", i)
		}
	}
}

func TestAppendValidatesInput(t *testing.T) {
	store := NewStore(openTestDB(t))
	if _, err := store.Append(context.Background(), " ", models.RoleUser, "x"); err == nil {
		t.Fatalf("expected error for empty user id")
	}
	if _, err := store.Append(context.Background(), "u1", models.Role("system"), "x"); err == nil {
		t.Fatalf("expected error for unsupported role")
	}
}

func TestExportWritesJSONLines(t *testing.T) {
	store := NewStore(openTestDB(t))
	ctx := context.Background()
	if _, err := store.Append(ctx, "u1", models.RoleUser, "hi"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.Append(ctx, "u2", models.RoleAssistant, "hey <there>"); err != nil {
		t.Fatalf("append: %v", err)
	}

	var buf bytes.Buffer
	n, err := store.Export(ctx, &buf)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 exported rows, got %d", n)
	}
	sc := bufio.NewScanner(&buf)
	var got []models.Message
	for sc.Scan() {
		var msg models.Message
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		got = append(got, msg)
	}
	if len(got) != 2 || got[0].UserID != "u1" || got[1].Content != "hey <there>" {
		t.Fatalf("unexpected export: %+v", got)
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "history.sqlite3"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, storage.DriverSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}
