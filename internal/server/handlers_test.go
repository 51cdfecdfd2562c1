package server

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"chat-backend/internal/blob"
	"chat-backend/internal/storage"
	mytesting "chat-backend/internal/testing"

	"github.com/caarlos0/env/v6"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// bootstrapHandler wires a full handler against live storage partitions and a
// throwaway attachment root. Set CHAT_TEST_DB to run.
func bootstrapHandler(t *testing.T) (*handler, string) {
	if os.Getenv("CHAT_TEST_DB") == "" {
		t.Skip("CHAT_TEST_DB is not set")
	}

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	sugar := logger.Sugar()

	cfg := storage.Config{}
	require.NoError(t, env.Parse(&cfg))

	store, err := storage.NewCluster(context.Background(), sugar, cfg)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	root, err := ioutil.TempDir("", "attachments")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(root) })

	blobs, err := blob.New(sugar, root)
	require.NoError(t, err)

	return newHandler(sugar, store, blobs, NewRegistry()), root
}

// jsonNumber renders a decoded JSON number back into its wire form.
func jsonNumber(t *testing.T, v interface{}) string {
	t.Helper()
	f, ok := v.(float64)
	require.True(t, ok)
	return strconv.FormatInt(int64(f), 10)
}

func do(h *handler, peer *testPeer, action, data string) {
	h.dispatch(context.Background(), peer.c, []byte(`{"action":"`+action+`","data":`+data+`}`))
}

// registerAndLogin creates a fresh user and logs the peer in as them.
func registerAndLogin(t *testing.T, h *handler, peer *testPeer) string {
	t.Helper()

	username := mytesting.RandString()
	do(h, peer, "register", `{"username":"`+username+`","password":"pw"}`)
	e := peer.await(t, "register_result")
	require.Equal(t, true, e.Data["ok"])

	do(h, peer, "login", `{"username":"`+username+`","password":"pw"}`)
	e = peer.await(t, "login_result")
	require.Equal(t, true, e.Data["ok"])

	return username
}

func TestDirectTextDelivery(t *testing.T) {
	h, _ := bootstrapHandler(t)

	alice := newTestPeer(t)
	bob := newTestPeer(t)
	registerAndLogin(t, h, alice)
	bobName := registerAndLogin(t, h, bob)

	do(h, alice, "send_text", `{"to":"`+bobName+`","content":"hi"}`)

	push := bob.await(t, "incoming_text")
	require.Equal(t, "hi", push.Data["content"])

	result := alice.await(t, "send_text_result")
	require.Equal(t, true, result.Data["ok"])
	require.Equal(t, "hi", result.Data["content"])
	require.Equal(t, push.Data["message_id"], result.Data["message_id"])
}

func TestWrongPassword(t *testing.T) {
	h, _ := bootstrapHandler(t)

	peer := newTestPeer(t)
	username := registerAndLogin(t, h, peer)

	other := newTestPeer(t)
	do(h, other, "login", `{"username":"`+username+`","password":"nope"}`)
	e := other.await(t, "login_result")
	require.Equal(t, false, e.Data["ok"])
	require.Equal(t, "Wrong password", e.Data["error"])
}

func TestDuplicateLoginSupersedes(t *testing.T) {
	h, _ := bootstrapHandler(t)

	first := newTestPeer(t)
	username := registerAndLogin(t, h, first)

	second := newTestPeer(t)
	do(h, second, "login", `{"username":"`+username+`","password":"pw"}`)
	e := second.await(t, "login_result")
	require.Equal(t, true, e.Data["ok"])

	// the superseded connection is told and force-closed
	kicked := first.await(t, "kicked")
	require.NotEmpty(t, kicked.Data["reason"])

	got, online := h.registry.Lookup(username)
	require.True(t, online)
	require.Same(t, second.c, got)
}

func TestReloginReleasesPreviousName(t *testing.T) {
	h, _ := bootstrapHandler(t)

	peer := newTestPeer(t)
	first := registerAndLogin(t, h, peer)
	second := registerAndLogin(t, h, peer)

	// the connection now answers only to its new name
	_, online := h.registry.Lookup(first)
	require.False(t, online)

	got, online := h.registry.Lookup(second)
	require.True(t, online)
	require.Same(t, peer.c, got)
}

func TestAdminOnlineUsersListsSessions(t *testing.T) {
	h, _ := bootstrapHandler(t)

	admin := newTestPeer(t)
	target := newTestPeer(t)
	adminName := registerAndLogin(t, h, admin)
	targetName := registerAndLogin(t, h, target)

	do(h, admin, "admin_get_online_users", `{}`)
	e := admin.await(t, "admin_online_users")
	require.Equal(t, true, e.Data["ok"])

	users, ok := e.Data["users"].([]interface{})
	require.True(t, ok)

	found := make(map[string]map[string]interface{})
	for _, u := range users {
		item, ok := u.(map[string]interface{})
		require.True(t, ok)
		found[item["username"].(string)] = item
	}

	require.Contains(t, found, adminName)
	require.Contains(t, found, targetName)
	// the display name is served from the user record, not the session
	require.Equal(t, targetName, found[targetName]["display_name"])
	require.Equal(t, false, found[targetName]["banned"])
}

func TestGroupTextFanout(t *testing.T) {
	h, _ := bootstrapHandler(t)

	alice := newTestPeer(t)
	bob := newTestPeer(t)
	registerAndLogin(t, h, alice)
	bobName := registerAndLogin(t, h, bob)

	do(h, alice, "create_group", `{"title":"`+mytesting.RandString()+`","members":["`+bobName+`"]}`)
	created := alice.await(t, "create_group_result")
	require.Equal(t, true, created.Data["ok"])
	groupID := created.Data["group_id"]

	invite := bob.await(t, "added_to_group")
	require.Equal(t, groupID, invite.Data["group_id"])

	do(h, bob, "send_group_text", `{"group_id":`+jsonNumber(t, groupID)+`,"content":"yo"}`)

	result := bob.await(t, "send_group_text_result")
	require.Equal(t, true, result.Data["ok"])

	push := alice.await(t, "incoming_group_text")
	require.Equal(t, "yo", push.Data["content"])
	require.Equal(t, bobName, push.Data["from"])

	// the sender never receives their own message through the push channel
	bob.awaitNothing(t)
}

func TestDeleteGroupRequiresOwner(t *testing.T) {
	h, _ := bootstrapHandler(t)

	alice := newTestPeer(t)
	bob := newTestPeer(t)
	registerAndLogin(t, h, alice)
	bobName := registerAndLogin(t, h, bob)

	do(h, alice, "create_group", `{"title":"`+mytesting.RandString()+`","members":["`+bobName+`"]}`)
	created := alice.await(t, "create_group_result")
	groupID := jsonNumber(t, created.Data["group_id"])
	bob.await(t, "added_to_group")

	do(h, bob, "delete_group", `{"group_id":`+groupID+`}`)
	result := bob.await(t, "delete_group_result")
	require.Equal(t, false, result.Data["ok"])
	require.Equal(t, "Only the owner can delete the group", result.Data["error"])

	// the group survived the rejected attempt
	do(h, bob, "load_group_history", `{"group_id":`+groupID+`}`)
	history := bob.await(t, "group_history_result")
	require.Equal(t, true, history.Data["ok"])
}

func TestInvalidBase64WritesNothing(t *testing.T) {
	h, root := bootstrapHandler(t)

	alice := newTestPeer(t)
	bob := newTestPeer(t)
	registerAndLogin(t, h, alice)
	bobName := registerAndLogin(t, h, bob)

	do(h, alice, "send_image", `{"to":"`+bobName+`","filename":"x.png","data":"%%%not-base64%%%"}`)
	result := alice.await(t, "send_image_result")
	require.Equal(t, false, result.Data["ok"])
	require.Equal(t, "Invalid base64 data", result.Data["error"])

	entries, err := ioutil.ReadDir(filepath.Join(root, "images"))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestBanBlocksLogin(t *testing.T) {
	h, _ := bootstrapHandler(t)

	admin := newTestPeer(t)
	target := newTestPeer(t)
	registerAndLogin(t, h, admin)
	targetName := registerAndLogin(t, h, target)

	do(h, admin, "admin_ban", `{"username":"`+targetName+`"}`)

	kicked := target.await(t, "kicked")
	require.NotEmpty(t, kicked.Data["reason"])

	result := admin.await(t, "admin_ban_result")
	require.Equal(t, true, result.Data["ok"])

	retry := newTestPeer(t)
	do(h, retry, "login", `{"username":"`+targetName+`","password":"pw"}`)
	e := retry.await(t, "login_result")
	require.Equal(t, false, e.Data["ok"])
	require.Equal(t, "Account is banned", e.Data["error"])

	do(h, admin, "admin_unban", `{"username":"`+targetName+`"}`)
	result = admin.await(t, "admin_unban_result")
	require.Equal(t, true, result.Data["ok"])

	do(h, retry, "login", `{"username":"`+targetName+`","password":"pw"}`)
	e = retry.await(t, "login_result")
	require.Equal(t, true, e.Data["ok"])
}
