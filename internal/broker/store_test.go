package broker

import (
	"testing"
	"time"

	"chatkit/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedUsers(t *testing.T, store *Store, names ...string) map[string]models.User {
	t.Helper()
	users := make(map[string]models.User, len(names))
	for _, name := range names {
		user, err := store.CreateUser(name, "hunter2-"+name, "")
		require.NoError(t, err)
		users[name] = user
	}
	return users
}

func TestStore_AuthenticateChecksPassword(t *testing.T) {
	store := NewStore()
	users := seedUsers(t, store, "alice")

	user, err := store.Authenticate("alice", "hunter2-alice")
	require.NoError(t, err)
	assert.Equal(t, users["alice"].ID, user.ID)

	_, err = store.Authenticate("alice", "wrong")
	assert.ErrorIs(t, err, models.ErrUnauthorized)

	_, err = store.Authenticate("nobody", "hunter2-alice")
	assert.ErrorIs(t, err, models.ErrUnauthorized)
}

func TestStore_DuplicateUsernameRefused(t *testing.T) {
	store := NewStore()
	seedUsers(t, store, "alice")

	_, err := store.CreateUser("alice", "other", "")
	require.Error(t, err)
}

func TestStore_PrivateConversationIsIdempotent(t *testing.T) {
	store := NewStore()
	users := seedUsers(t, store, "alice", "bob")

	first, err := store.PrivateConversation(users["alice"].ID, users["bob"].ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConversationPrivate, first.Kind)

	// repeat from either side yields the same conversation
	again, err := store.PrivateConversation(users["bob"].ID, users["alice"].ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
}

func TestStore_CreateGroupRequiresName(t *testing.T) {
	store := NewStore()
	users := seedUsers(t, store, "alice", "bob")

	_, err := store.CreateGroup(users["alice"].ID, "  ", []string{users["bob"].ID})
	require.Error(t, err)

	conv, err := store.CreateGroup(users["alice"].ID, "plans", []string{users["bob"].ID})
	require.NoError(t, err)
	assert.Equal(t, models.ConversationGroup, conv.Kind)
	assert.Len(t, conv.Participants, 2)
}

func TestStore_AppendMessageUpdatesSummary(t *testing.T) {
	store := NewStore()
	users := seedUsers(t, store, "alice", "bob")
	conv, err := store.PrivateConversation(users["alice"].ID, users["bob"].ID)
	require.NoError(t, err)

	msg, err := store.AppendMessage(conv.ID, users["alice"].ID, "hi", "", "")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, models.MessageText, msg.Type)
	assert.False(t, msg.CreatedAt.IsZero())

	summaries := store.ConversationsFor(users["bob"].ID)
	require.Len(t, summaries, 1)
	assert.Equal(t, "hi", summaries[0].LastMessage)
	assert.Equal(t, msg.CreatedAt, summaries[0].LastMessageAt)
	assert.Equal(t, 1, summaries[0].UnreadCount)

	// sender's own unread count is unaffected
	assert.Equal(t, 0, store.ConversationsFor(users["alice"].ID)[0].UnreadCount)
}

func TestStore_AppendMessageRequiresParticipant(t *testing.T) {
	store := NewStore()
	users := seedUsers(t, store, "alice", "bob", "mallory")
	conv, err := store.PrivateConversation(users["alice"].ID, users["bob"].ID)
	require.NoError(t, err)

	_, err = store.AppendMessage(conv.ID, users["mallory"].ID, "let me in", "", "")
	require.Error(t, err)
}

func TestStore_MarkReadReturnsOnlyNewMarks(t *testing.T) {
	store := NewStore()
	users := seedUsers(t, store, "alice", "bob")
	conv, err := store.PrivateConversation(users["alice"].ID, users["bob"].ID)
	require.NoError(t, err)

	m1, err := store.AppendMessage(conv.ID, users["alice"].ID, "one", "", "")
	require.NoError(t, err)
	m2, err := store.AppendMessage(conv.ID, users["alice"].ID, "two", "", "")
	require.NoError(t, err)
	mine, err := store.AppendMessage(conv.ID, users["bob"].ID, "mine", "", "")
	require.NoError(t, err)

	at := time.Now()
	marked := store.MarkRead(conv.ID, users["bob"].ID, []string{m1.ID, m2.ID, mine.ID}, at)
	assert.ElementsMatch(t, []string{m1.ID, m2.ID}, marked)

	// replay marks nothing
	assert.Empty(t, store.MarkRead(conv.ID, users["bob"].ID, []string{m1.ID, m2.ID}, at))
	assert.Equal(t, 0, store.ConversationsFor(users["bob"].ID)[0].UnreadCount)
}

func TestStore_EditAndDeleteEnforceOwnership(t *testing.T) {
	store := NewStore()
	users := seedUsers(t, store, "alice", "bob")
	conv, err := store.PrivateConversation(users["alice"].ID, users["bob"].ID)
	require.NoError(t, err)

	msg, err := store.AppendMessage(conv.ID, users["alice"].ID, "draft", "", "")
	require.NoError(t, err)

	_, err = store.EditMessage(msg.ID, users["bob"].ID, "not yours")
	require.Error(t, err)

	edited, err := store.EditMessage(msg.ID, users["alice"].ID, "final")
	require.NoError(t, err)
	assert.Equal(t, "final", edited.Content)
	require.NotNil(t, edited.EditedAt)

	_, err = store.DeleteMessage(msg.ID, users["bob"].ID)
	require.Error(t, err)

	deleted, err := store.DeleteMessage(msg.ID, users["alice"].ID)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)
	assert.Empty(t, deleted.Content)
}

func TestStore_MessagesSortedAscending(t *testing.T) {
	store := NewStore()
	users := seedUsers(t, store, "alice", "bob")
	conv, err := store.PrivateConversation(users["alice"].ID, users["bob"].ID)
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{base.Add(2 * time.Second), base, base.Add(time.Second)}
	i := 0
	store.now = func() time.Time { t := times[i%len(times)]; i++; return t }

	for _, content := range []string{"third", "first", "second"} {
		_, err := store.AppendMessage(conv.ID, users["alice"].ID, content, "", "")
		require.NoError(t, err)
	}

	msgs, ok := store.Messages(conv.ID, users["bob"].ID)
	require.True(t, ok)
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
	assert.Equal(t, "third", msgs[2].Content)
}

func TestStore_SearchUsersExcludesSearcher(t *testing.T) {
	store := NewStore()
	users := seedUsers(t, store, "alice", "alina", "bob")

	found := store.SearchUsers("ali", users["alice"].ID)
	require.Len(t, found, 1)
	assert.Equal(t, users["alina"].ID, found[0].ID)
}
