package sqlstore_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jrsteele09/tg-chat-gateway/chat"
	"github.com/jrsteele09/tg-chat-gateway/identity"
	apperrors "github.com/jrsteele09/tg-chat-gateway/internal/errors"
	"github.com/jrsteele09/tg-chat-gateway/storage/sqlstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var createdAt = time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)

type testFixture struct {
	store      *sqlstore.Store
	identities *sqlstore.IdentityRepo
	chats      *sqlstore.ChatRepo
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "gateway.db")
	store, err := sqlstore.Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return &testFixture{
		store:      store,
		identities: store.Identities(),
		chats:      store.Chats(),
	}
}

func (f *testFixture) ensure(t *testing.T, id int64) *identity.Identity {
	t.Helper()
	ident, err := f.identities.Ensure(context.Background(),
		identity.New(identity.Profile{ID: id, DisplayName: "User", Username: "user"}, identity.PlanFree, 100, createdAt))
	require.NoError(t, err)
	return ident
}

func TestOpen_UnsupportedScheme(t *testing.T) {
	_, err := sqlstore.Open(context.Background(), "mysql://localhost/db")
	require.Error(t, err)
	_, err = sqlstore.Open(context.Background(), "sqlite://")
	require.Error(t, err)
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "twice.db")
	first, err := sqlstore.Open(context.Background(), dsn)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := sqlstore.Open(context.Background(), dsn)
	require.NoError(t, err)
	require.NoError(t, second.Ping(context.Background()))
	require.NoError(t, second.Close())
}

func TestIdentityRepo_EnsureInsertsThenRefreshesNames(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	first := f.ensure(t, 555)
	require.Equal(t, int64(555), first.ID)
	require.Equal(t, identity.PlanFree, first.Plan)
	require.Equal(t, 100, first.DailyLimit)
	require.Empty(t, first.LastReset)
	require.True(t, createdAt.Equal(first.CreatedAt))

	_, err := f.identities.AddUsage(ctx, 555, "2026-04-01", 2)
	require.NoError(t, err)

	again, err := f.identities.Ensure(ctx, identity.New(identity.Profile{ID: 555, DisplayName: "Renamed"}, identity.PlanPro, 1000, time.Now()))
	require.NoError(t, err)
	require.Equal(t, "Renamed", again.DisplayName)
	require.Equal(t, "user", again.Username, "empty names do not overwrite")
	require.Equal(t, identity.PlanFree, again.Plan, "existing plan is kept")
	require.Equal(t, 2, again.UsedToday)
	require.True(t, createdAt.Equal(again.CreatedAt))
}

func TestIdentityRepo_GetUnknown(t *testing.T) {
	f := setupTestFixture(t)
	_, err := f.identities.Get(context.Background(), 1)
	require.ErrorIs(t, err, apperrors.ErrIdentityNotFound)
	_, err = f.identities.AddUsage(context.Background(), 1, "2026-04-01", 1)
	require.ErrorIs(t, err, apperrors.ErrIdentityNotFound)
	require.ErrorIs(t, f.identities.SetBlocked(context.Background(), 1, true), apperrors.ErrIdentityNotFound)
}

func TestIdentityRepo_ResetUsage(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	f.ensure(t, 9)

	ident, err := f.identities.ResetUsage(ctx, 9, "2026-04-02")
	require.NoError(t, err)
	require.Equal(t, "2026-04-02", ident.LastReset)

	_, err = f.identities.AddUsage(ctx, 9, "2026-04-02", 5)
	require.NoError(t, err)

	same, err := f.identities.ResetUsage(ctx, 9, "2026-04-02")
	require.NoError(t, err)
	require.Equal(t, 5, same.UsedToday)

	next, err := f.identities.ResetUsage(ctx, 9, "2026-04-03")
	require.NoError(t, err)
	require.Zero(t, next.UsedToday)
	require.Equal(t, int64(5), next.TotalMessages)
	require.Equal(t, "2026-04-03", next.LastReset)
}

func TestIdentityRepo_AddUsageRollsOverDay(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	f.ensure(t, 11)

	_, err := f.identities.AddUsage(ctx, 11, "2026-04-02", 10)
	require.NoError(t, err)

	next, err := f.identities.AddUsage(ctx, 11, "2026-04-03", 1)
	require.NoError(t, err)
	require.Equal(t, 1, next.UsedToday)
	require.Equal(t, "2026-04-03", next.LastReset)
	require.Equal(t, int64(11), next.TotalMessages)
}

func TestIdentityRepo_ConcurrentAddUsage(t *testing.T) {
	f := setupTestFixture(t)
	f.ensure(t, 42)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.identities.AddUsage(context.Background(), 42, "2026-04-01", 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	ident, err := f.identities.Get(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, 20, ident.UsedToday)
	require.Equal(t, int64(20), ident.TotalMessages)
}

func TestIdentityRepo_BlockAndPlan(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	f.ensure(t, 3)

	require.NoError(t, f.identities.SetBlocked(ctx, 3, true))
	require.NoError(t, f.identities.SetPlan(ctx, 3, identity.PlanPro, 1000))

	ident, err := f.identities.Get(ctx, 3)
	require.NoError(t, err)
	require.True(t, ident.Blocked)
	require.Equal(t, identity.PlanPro, ident.Plan)
	require.Equal(t, 1000, ident.DailyLimit)
}

func TestChatRepo_ConversationsAndMessages(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	f.ensure(t, 7)

	older := &chat.Conversation{ID: chat.NewID(), IdentityID: 7, Source: chat.SourceTelegram, CreatedAt: createdAt, UpdatedAt: createdAt}
	newer := &chat.Conversation{ID: chat.NewID(), IdentityID: 7, Title: "web", Source: chat.SourceWeb, CreatedAt: createdAt, UpdatedAt: createdAt.Add(time.Minute)}
	require.NoError(t, f.chats.CreateConversation(ctx, older))
	require.NoError(t, f.chats.CreateConversation(ctx, newer))

	convs, err := f.chats.ListConversations(ctx, 7)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	require.Equal(t, newer.ID, convs[0].ID)

	latest, err := f.chats.LatestConversation(ctx, 7, chat.SourceTelegram)
	require.NoError(t, err)
	require.Equal(t, older.ID, latest.ID)

	require.NoError(t, f.chats.TouchConversation(ctx, older.ID, createdAt.Add(time.Hour)))
	require.NoError(t, f.chats.RenameConversation(ctx, older.ID, "renamed"))
	got, err := f.chats.GetConversation(ctx, older.ID)
	require.NoError(t, err)
	require.Equal(t, "renamed", got.Title)
	require.True(t, createdAt.Add(time.Hour).Equal(got.UpdatedAt))

	convs, err = f.chats.ListConversations(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, older.ID, convs[0].ID)

	var ids []string
	for i, content := range []string{"q1", "a1", "q2", "a2"} {
		role := chat.RoleUser
		if i%2 == 1 {
			role = chat.RoleAssistant
		}
		msg := &chat.Message{ID: chat.NewID(), ConversationID: older.ID, Role: role, Content: content, CreatedAt: createdAt}
		require.NoError(t, f.chats.AddMessage(ctx, msg))
		ids = append(ids, msg.ID)
	}

	all, err := f.chats.ListMessages(ctx, older.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.Equal(t, "q1", all[0].Content)
	require.Equal(t, chat.RoleAssistant, all[3].Role)

	recent, err := f.chats.ListMessages(ctx, older.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, ids[2], recent[0].ID)
	require.Equal(t, ids[3], recent[1].ID)
}

func TestChatRepo_NotFound(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	_, err := f.chats.GetConversation(ctx, "nope")
	require.ErrorIs(t, err, apperrors.ErrConversationNotFound)
	_, err = f.chats.LatestConversation(ctx, 1, chat.SourceWeb)
	require.ErrorIs(t, err, apperrors.ErrConversationNotFound)
	require.ErrorIs(t, f.chats.TouchConversation(ctx, "nope", time.Now()), apperrors.ErrConversationNotFound)
}
