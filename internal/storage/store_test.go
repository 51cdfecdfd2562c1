package storage

import (
	"context"
	"os"
	"sync"
	"testing"

	mytesting "chat-backend/internal/testing"

	"github.com/caarlos0/env/v6"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// bootstrap connects to the partitions named by the usual DB_* environment
// variables. The schema must already exist. Set CHAT_TEST_DB to run.
func bootstrap(t *testing.T) *Cluster {
	if os.Getenv("CHAT_TEST_DB") == "" {
		t.Skip("CHAT_TEST_DB is not set")
	}

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	cfg := Config{}
	require.NoError(t, env.Parse(&cfg))

	c, err := NewCluster(context.Background(), logger.Sugar(), cfg)
	require.NoError(t, err)

	return c
}

func newUser(t *testing.T, c *Cluster) (int64, string) {
	username := mytesting.RandString()
	id, err := c.CreateUser(context.Background(), username, "hash", username)
	require.NoError(t, err)
	return id, username
}

func TestCreateUserExists(t *testing.T) {
	c := bootstrap(t)

	username := mytesting.RandString()
	_, err := c.CreateUser(context.Background(), username, "hash", username)
	require.NoError(t, err)
	_, err = c.CreateUser(context.Background(), username, "hash", username)
	require.Equal(t, ErrUserExists, err)
}

func TestSetBanned(t *testing.T) {
	c := bootstrap(t)

	_, username := newUser(t, c)
	require.NoError(t, c.SetBanned(context.Background(), username, true))

	user, err := c.UserByUsername(context.Background(), username)
	require.NoError(t, err)
	require.True(t, user.Banned)

	require.NoError(t, c.SetBanned(context.Background(), username, false))
	user, err = c.UserByUsername(context.Background(), username)
	require.NoError(t, err)
	require.False(t, user.Banned)
}

func TestResolveDirectSymmetricIdempotent(t *testing.T) {
	c := bootstrap(t)

	alice, _ := newUser(t, c)
	bob, _ := newUser(t, c)

	first, err := c.ResolveDirect(context.Background(), alice, bob)
	require.NoError(t, err)

	reversed, err := c.ResolveDirect(context.Background(), bob, alice)
	require.NoError(t, err)
	require.Equal(t, first, reversed)

	again, err := c.ResolveDirect(context.Background(), alice, bob)
	require.NoError(t, err)
	require.Equal(t, first, again)
}

// Simultaneous first messages between the same pair must converge on one
// conversation; the loser of the insert race falls back to the winner's row.
func TestResolveDirectConcurrentCreate(t *testing.T) {
	c := bootstrap(t)

	alice, _ := newUser(t, c)
	bob, _ := newUser(t, c)

	const workers = 8
	ids := make([]int64, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = c.ResolveDirect(context.Background(), alice, bob)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		require.NotZero(t, ids[i])
		require.Equal(t, ids[0], ids[i])
	}
}

func TestMessagesOrderedByInsertion(t *testing.T) {
	c := bootstrap(t)

	alice, _ := newUser(t, c)
	bob, _ := newUser(t, c)

	conv, err := c.ResolveDirect(context.Background(), alice, bob)
	require.NoError(t, err)

	var inserted []int64
	for _, text := range []string{"one", "two", "three"} {
		id, err := c.InsertMessage(context.Background(), conv, alice, TypeText, text)
		require.NoError(t, err)
		inserted = append(inserted, id)
	}

	messages, err := c.MessagesByConversation(context.Background(), conv, 200)
	require.NoError(t, err)
	require.Len(t, messages, 3)

	var got []int64
	for i, m := range messages {
		got = append(got, m.ID)
		if i > 0 {
			require.Greater(t, m.ID, messages[i-1].ID)
		}
	}
	require.Equal(t, inserted, got)
	require.NotEqual(t, mytesting.ReverseIDs(inserted), got)
}

func TestDeleteMessageOnlySender(t *testing.T) {
	c := bootstrap(t)

	alice, _ := newUser(t, c)
	bob, _ := newUser(t, c)

	conv, err := c.ResolveDirect(context.Background(), alice, bob)
	require.NoError(t, err)

	id, err := c.InsertMessage(context.Background(), conv, alice, TypeText, "mine")
	require.NoError(t, err)

	require.Equal(t, ErrMessageNotFound, c.DeleteMessage(context.Background(), conv, id, bob))

	// the message survived the rejected attempt
	m, err := c.MessageByID(context.Background(), conv, id)
	require.NoError(t, err)
	require.Equal(t, "mine", m.Content)

	require.NoError(t, c.DeleteMessage(context.Background(), conv, id, alice))
	_, err = c.MessageByID(context.Background(), conv, id)
	require.Equal(t, ErrMessageNotFound, err)
}

func TestGroupOwnerRules(t *testing.T) {
	c := bootstrap(t)

	owner, _ := newUser(t, c)
	member, _ := newUser(t, c)

	groupID, err := c.CreateGroup(context.Background(), mytesting.RandString(), owner, []int64{member})
	require.NoError(t, err)

	require.Equal(t, ErrOwnerLeave, c.LeaveGroup(context.Background(), groupID, owner))
	require.Equal(t, ErrNotOwner, c.DeleteGroup(context.Background(), groupID, member))

	// member may leave freely and be re-added
	require.NoError(t, c.LeaveGroup(context.Background(), groupID, member))
	require.NoError(t, c.AddMember(context.Background(), groupID, member))
	require.Equal(t, ErrAlreadyMember, c.AddMember(context.Background(), groupID, member))
}

func TestDeleteGroupCascades(t *testing.T) {
	c := bootstrap(t)

	owner, _ := newUser(t, c)
	member, _ := newUser(t, c)

	groupID, err := c.CreateGroup(context.Background(), mytesting.RandString(), owner, []int64{member})
	require.NoError(t, err)

	_, err = c.InsertMessage(context.Background(), groupID, member, TypeText, "yo")
	require.NoError(t, err)

	require.NoError(t, c.DeleteGroup(context.Background(), groupID, owner))

	_, err = c.GroupByID(context.Background(), groupID)
	require.Equal(t, ErrGroupNotFound, err)

	messages, err := c.MessagesByConversation(context.Background(), groupID, 200)
	require.NoError(t, err)
	require.Empty(t, messages)

	ok, err := c.IsMember(context.Background(), groupID, member)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGroupByTitleAmbiguous(t *testing.T) {
	c := bootstrap(t)

	owner, _ := newUser(t, c)
	title := mytesting.RandString()

	_, err := c.CreateGroup(context.Background(), title, owner, nil)
	require.NoError(t, err)

	g, err := c.GroupByTitle(context.Background(), title)
	require.NoError(t, err)
	require.Equal(t, title, g.Title)

	_, err = c.CreateGroup(context.Background(), title, owner, nil)
	require.NoError(t, err)

	_, err = c.GroupByTitle(context.Background(), title)
	require.Equal(t, ErrGroupNameAmbiguous, err)
}
