package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"chat-backend/internal/storage"

	"github.com/valyala/fastjson"
	"golang.org/x/crypto/bcrypt"
)

const (
	maxAvatarBytes = 2 * 1024 * 1024
	historyLimit   = 200
	searchLimit    = 20
)

// str pulls a trimmed string field out of the data object.
func str(data *fastjson.Value, key string) string {
	return strings.TrimSpace(string(data.GetStringBytes(key)))
}

// userByName loads a user record, answering resultAction with a NotFound
// failure when the username is unknown.
func (h *handler) userByName(ctx context.Context, c *client, resultAction, username string) (storage.User, bool) {
	user, err := h.store.UserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			c.send(resultAction, failure("User not found"))
		} else {
			h.logger.Errorf("loading user %q: %v", username, err)
			c.send(resultAction, failure("Internal error"))
		}
		return storage.User{}, false
	}

	return user, true
}

// internalError logs an unexpected storage failure and answers with a generic
// failed result so nothing leaks across the connection boundary.
func (h *handler) internalError(c *client, resultAction string, err error) {
	h.logger.Errorf("handling %s for connection %s: %v", resultAction, c.id, err)
	c.send(resultAction, failure("Internal error"))
}

// ========== auth ==========

func (h *handler) register(ctx context.Context, c *client, data *fastjson.Value) {
	username := str(data, "username")
	password := string(data.GetStringBytes("password"))
	displayName := str(data, "display_name")
	if displayName == "" {
		displayName = username
	}

	if username == "" || password == "" {
		c.send("register_result", failure("Username and password must not be empty"))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		h.internalError(c, "register_result", err)
		return
	}

	if _, err := h.store.CreateUser(ctx, username, string(hash), displayName); err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			c.send("register_result", failure("Username already exists"))
			return
		}
		h.internalError(c, "register_result", err)
		return
	}

	c.send("register_result", payload{"ok": true})
}

func (h *handler) login(ctx context.Context, c *client, data *fastjson.Value) {
	username := str(data, "username")
	password := string(data.GetStringBytes("password"))

	user, ok := h.userByName(ctx, c, "login_result", username)
	if !ok {
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		c.send("login_result", failure("Wrong password"))
		return
	}

	if user.Banned {
		c.send("login_result", failure("Account is banned"))
		return
	}

	// logging in again under another name on the same connection must release
	// the old entry, or it would outlive the connection with no way to clear it
	if c.authenticated() && c.username != user.Username {
		h.registry.Unregister(c.username, c)
	}

	c.username = user.Username
	c.userID = user.ID

	// a second login for the same username supersedes the old session and
	// force-closes its socket so it can not linger
	if prev := h.registry.Register(user.Username, c); prev != nil {
		prev.send("kicked", payload{"reason": "signed in from another connection"})
		prev.shutdown()
	}

	result := payload{
		"ok":           true,
		"user_id":      user.ID,
		"display_name": user.DisplayName,
	}
	if len(user.Avatar) > 0 {
		result["avatar_b64"] = base64.StdEncoding.EncodeToString(user.Avatar)
	}
	c.send("login_result", result)

	h.logger.Infof("User %s logged in on connection %s", user.Username, c.id)
}

func (h *handler) logout(_ context.Context, c *client, _ *fastjson.Value) {
	h.registry.Unregister(c.username, c)
	h.logger.Infof("User %s logged out on connection %s", c.username, c.id)

	c.username = ""
	c.userID = 0

	c.send("logout_result", payload{"ok": true})
}

// ========== direct messaging ==========

func (h *handler) sendText(ctx context.Context, c *client, data *fastjson.Value) {
	to := str(data, "to")
	content := string(data.GetStringBytes("content"))

	if content == "" {
		c.send("send_text_result", failure("Message text must not be empty"))
		return
	}

	recipient, ok := h.userByName(ctx, c, "send_text_result", to)
	if !ok {
		return
	}

	convID, err := h.store.ResolveDirect(ctx, c.userID, recipient.ID)
	if err != nil {
		h.internalError(c, "send_text_result", err)
		return
	}

	msgID, err := h.store.InsertMessage(ctx, convID, c.userID, storage.TypeText, content)
	if err != nil {
		h.internalError(c, "send_text_result", err)
		return
	}

	if peer, online := h.registry.Lookup(recipient.Username); online {
		peer.send("incoming_text", payload{
			"from":       c.username,
			"content":    content,
			"message_id": msgID,
		})
	}

	c.send("send_text_result", payload{
		"ok":         true,
		"to":         recipient.Username,
		"content":    content,
		"message_id": msgID,
	})
}

func (h *handler) sendImage(ctx context.Context, c *client, data *fastjson.Value) {
	h.sendAttachment(ctx, c, data, "send_image_result", "incoming_image", storage.TypeImage)
}

func (h *handler) sendFile(ctx context.Context, c *client, data *fastjson.Value) {
	msgType := storage.TypeFile
	switch str(data, "file_type") {
	case "image":
		msgType = storage.TypeImage
	case "video":
		msgType = storage.TypeVideo
	}

	h.sendAttachment(ctx, c, data, "send_file_result", "incoming_file", msgType)
}

// sendAttachment is the shared path of send_image and send_file: decode the
// base64 payload, store it under a collision-safe name, then record only that
// name as the message content.
func (h *handler) sendAttachment(ctx context.Context, c *client, data *fastjson.Value, resultAction, pushAction, msgType string) {
	to := str(data, "to")
	filename := filepath.Base(str(data, "filename"))
	b64 := string(data.GetStringBytes("data"))

	if filename == "" || filename == "." {
		c.send(resultAction, failure("Filename must not be empty"))
		return
	}

	recipient, ok := h.userByName(ctx, c, resultAction, to)
	if !ok {
		return
	}

	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		c.send(resultAction, failure("Invalid base64 data"))
		return
	}

	safeName := fmt.Sprintf("%d_%d_%s", c.userID, recipient.ID, filename)
	if err := h.blobs.Save(msgType, safeName, raw); err != nil {
		h.logger.Errorf("storing attachment %s: %v", safeName, err)
		c.send(resultAction, failure("Could not store attachment"))
		return
	}

	convID, err := h.store.ResolveDirect(ctx, c.userID, recipient.ID)
	if err != nil {
		h.discardAttachment(msgType, safeName)
		h.internalError(c, resultAction, err)
		return
	}

	msgID, err := h.store.InsertMessage(ctx, convID, c.userID, msgType, safeName)
	if err != nil {
		h.discardAttachment(msgType, safeName)
		h.internalError(c, resultAction, err)
		return
	}

	c.send(resultAction, payload{
		"ok":         true,
		"to":         recipient.Username,
		"filename":   safeName,
		"file_type":  msgType,
		"message_id": msgID,
	})

	if peer, online := h.registry.Lookup(recipient.Username); online {
		peer.send(pushAction, payload{
			"from":       c.username,
			"filename":   safeName,
			"file_type":  msgType,
			"message_id": msgID,
		})
	}
}

func (h *handler) loadHistory(ctx context.Context, c *client, data *fastjson.Value) {
	partnerName := str(data, "partner")
	if partnerName == "" {
		// older clients send the partner as "to"
		partnerName = str(data, "to")
	}

	partner, ok := h.userByName(ctx, c, "history_result", partnerName)
	if !ok {
		return
	}

	convID, err := h.store.ResolveDirect(ctx, c.userID, partner.ID)
	if err != nil {
		h.internalError(c, "history_result", err)
		return
	}

	messages, err := h.store.MessagesByConversation(ctx, convID, historyLimit)
	if err != nil {
		h.internalError(c, "history_result", err)
		return
	}

	c.send("history_result", payload{
		"ok":       true,
		"with":     partner.Username,
		"messages": messages,
	})
}

func (h *handler) deleteMessage(ctx context.Context, c *client, data *fastjson.Value) {
	messageID := data.GetInt64("message_id")
	if messageID < 1 {
		c.send("delete_result", failure("Invalid message id"))
		return
	}

	partner, ok := h.userByName(ctx, c, "delete_result", str(data, "partner"))
	if !ok {
		return
	}

	convID, err := h.store.ResolveDirect(ctx, c.userID, partner.ID)
	if err != nil {
		h.internalError(c, "delete_result", err)
		return
	}

	// fetch first so an attachment's backing file can be removed after the row
	msg, err := h.store.MessageByID(ctx, convID, messageID)
	if err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			c.send("delete_result", failure("Message not found or not owner"))
			return
		}
		h.internalError(c, "delete_result", err)
		return
	}

	if err := h.store.DeleteMessage(ctx, convID, messageID, c.userID); err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			c.send("delete_result", failure("Message not found or not owner"))
			return
		}
		h.internalError(c, "delete_result", err)
		return
	}

	h.removeAttachment(msg)

	c.send("delete_result", payload{"ok": true, "message_id": messageID})
}

// removeAttachment deletes the blob behind an attachment message. A file that
// is already gone is fine; any other failure is logged and swallowed since the
// row is deleted either way.
func (h *handler) removeAttachment(msg storage.Message) {
	if msg.Type == storage.TypeText {
		return
	}
	if err := h.blobs.Remove(msg.Type, msg.Content); err != nil {
		h.logger.Errorf("removing attachment %s: %v", msg.Content, err)
	}
}

// discardAttachment rolls back a stored blob whose message row never made it
// into the database.
func (h *handler) discardAttachment(msgType, name string) {
	if err := h.blobs.Remove(msgType, name); err != nil {
		h.logger.Errorf("discarding attachment %s: %v", name, err)
	}
}

func (h *handler) deleteConversation(ctx context.Context, c *client, data *fastjson.Value) {
	partner, ok := h.userByName(ctx, c, "delete_conversation_result", str(data, "partner"))
	if !ok {
		return
	}

	err := h.store.DeleteDirect(ctx, c.userID, partner.ID)
	if err != nil {
		if errors.Is(err, storage.ErrConversationMissing) {
			c.send("delete_conversation_result", failure("Conversation not found"))
			return
		}
		h.internalError(c, "delete_conversation_result", err)
		return
	}

	c.send("delete_conversation_result", payload{"ok": true, "partner": partner.Username})
}

// ========== directory & metadata ==========

func (h *handler) listConversations(ctx context.Context, c *client, _ *fastjson.Value) {
	previews, err := h.store.DirectPreviews(ctx, c.userID)
	if err != nil {
		h.internalError(c, "conversations_result", err)
		return
	}

	items := make([]payload, 0, len(previews))
	for _, p := range previews {
		item := payload{
			"conversation_id":      p.ConversationID,
			"partner_username":     p.PartnerUsername,
			"partner_display_name": p.PartnerDisplayName,
		}
		if p.LastTime != nil {
			item["last_time"] = p.LastTime.Format("2006-01-02 15:04:05")
		}
		if len(p.PartnerAvatar) > 0 {
			item["avatar_b64"] = base64.StdEncoding.EncodeToString(p.PartnerAvatar)
		}
		items = append(items, item)
	}

	c.send("conversations_result", payload{"ok": true, "items": items})
}

func (h *handler) searchUsers(ctx context.Context, c *client, data *fastjson.Value) {
	query := str(data, "query")
	if query == "" {
		c.send("search_users_result", payload{"ok": true, "items": []payload{}})
		return
	}

	users, err := h.store.SearchUsers(ctx, query, searchLimit)
	if err != nil {
		h.internalError(c, "search_users_result", err)
		return
	}

	items := make([]payload, 0, len(users))
	for _, u := range users {
		if u.Username == c.username {
			continue
		}
		items = append(items, payload{
			"username":     u.Username,
			"display_name": u.DisplayName,
		})
	}

	c.send("search_users_result", payload{"ok": true, "items": items})
}

func (h *handler) updateAvatar(ctx context.Context, c *client, data *fastjson.Value) {
	raw, err := base64.StdEncoding.DecodeString(string(data.GetStringBytes("image_b64")))
	if err != nil {
		c.send("update_avatar_result", failure("Invalid image data"))
		return
	}
	if len(raw) > maxAvatarBytes {
		c.send("update_avatar_result", failure("Image too large (>2MB)"))
		return
	}

	if err := h.store.UpdateAvatar(ctx, c.userID, raw); err != nil {
		h.internalError(c, "update_avatar_result", err)
		return
	}

	b64 := base64.StdEncoding.EncodeToString(raw)
	c.send("update_avatar_result", payload{"ok": true, "avatar_b64": b64})

	for _, online := range h.registry.Snapshot() {
		online.send("avatar_changed", payload{
			"username":   c.username,
			"avatar_b64": b64,
		})
	}
}

func (h *handler) listAttachments(ctx context.Context, c *client, data *fastjson.Value) {
	filter := str(data, "filter")
	if filter == "" {
		filter = "media"
	}

	partner, ok := h.userByName(ctx, c, "attachments_result", str(data, "partner"))
	if !ok {
		return
	}

	convID, err := h.store.ResolveDirect(ctx, c.userID, partner.ID)
	if err != nil {
		h.internalError(c, "attachments_result", err)
		return
	}

	messages, err := h.store.MessagesByConversation(ctx, convID, 1000)
	if err != nil {
		h.internalError(c, "attachments_result", err)
		return
	}

	items := make([]storage.Message, 0)
	for _, m := range messages {
		if matchesAttachmentFilter(m, filter) {
			items = append(items, m)
		}
	}

	c.send("attachments_result", payload{
		"ok":      true,
		"filter":  filter,
		"partner": partner.Username,
		"items":   items,
	})
}

func matchesAttachmentFilter(m storage.Message, filter string) bool {
	switch filter {
	case "media":
		return m.Type == storage.TypeImage || m.Type == storage.TypeVideo
	case "files":
		return m.Type == storage.TypeFile
	case "links":
		lower := strings.ToLower(m.Content)
		return m.Type == storage.TypeText &&
			(strings.Contains(lower, "http://") || strings.Contains(lower, "https://"))
	}
	return false
}
