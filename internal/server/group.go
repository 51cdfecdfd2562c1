package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"

	"chat-backend/internal/storage"

	"github.com/valyala/fastjson"
)

// memberGroup loads the group named by data's group_id and verifies the
// requester is a member. Failures are answered on resultAction.
func (h *handler) memberGroup(ctx context.Context, c *client, resultAction string, data *fastjson.Value) (storage.Group, bool) {
	groupID := data.GetInt64("group_id")
	if groupID < 1 {
		c.send(resultAction, failure("Invalid group id"))
		return storage.Group{}, false
	}

	g, err := h.store.GroupByID(ctx, groupID)
	if err != nil {
		if errors.Is(err, storage.ErrGroupNotFound) {
			c.send(resultAction, failure("Group not found"))
			return storage.Group{}, false
		}
		h.internalError(c, resultAction, err)
		return storage.Group{}, false
	}

	member, err := h.store.IsMember(ctx, g.ID, c.userID)
	if err != nil {
		h.internalError(c, resultAction, err)
		return storage.Group{}, false
	}
	if !member {
		c.send(resultAction, failure("Not a member of this group"))
		return storage.Group{}, false
	}

	return g, true
}

// pushGroup delivers a push to every currently-online member of a group except
// the acting user, who already got a result envelope.
func (h *handler) pushGroup(ctx context.Context, groupID, exceptUserID int64, action string, data payload) {
	members, err := h.store.GroupMembers(ctx, groupID)
	if err != nil {
		h.logger.Errorf("resolving members of group %d for %s push: %v", groupID, action, err)
		return
	}

	for _, m := range members {
		if m.UserID == exceptUserID {
			continue
		}
		if peer, online := h.registry.Lookup(m.Username); online {
			peer.send(action, data)
		}
	}
}

func (h *handler) createGroup(ctx context.Context, c *client, data *fastjson.Value) {
	title := str(data, "title")
	if title == "" {
		c.send("create_group_result", failure("Group title must not be empty"))
		return
	}

	var memberIDs []int64
	for _, v := range data.GetArray("members") {
		username, err := v.StringBytes()
		if err != nil {
			c.send("create_group_result", failure("Each member must be a username string"))
			return
		}
		user, ok := h.userByName(ctx, c, "create_group_result", string(username))
		if !ok {
			return
		}
		memberIDs = append(memberIDs, user.ID)
	}

	groupID, err := h.store.CreateGroup(ctx, title, c.userID, memberIDs)
	if err != nil {
		h.internalError(c, "create_group_result", err)
		return
	}

	c.send("create_group_result", payload{
		"ok":       true,
		"group_id": groupID,
		"title":    title,
	})

	h.pushGroup(ctx, groupID, c.userID, "added_to_group", payload{
		"group_id": groupID,
		"title":    title,
		"by":       c.username,
	})
}

func (h *handler) sendGroupText(ctx context.Context, c *client, data *fastjson.Value) {
	content := string(data.GetStringBytes("content"))
	if content == "" {
		c.send("send_group_text_result", failure("Message text must not be empty"))
		return
	}

	g, ok := h.memberGroup(ctx, c, "send_group_text_result", data)
	if !ok {
		return
	}

	msgID, err := h.store.InsertMessage(ctx, g.ID, c.userID, storage.TypeText, content)
	if err != nil {
		h.internalError(c, "send_group_text_result", err)
		return
	}

	c.send("send_group_text_result", payload{
		"ok":         true,
		"group_id":   g.ID,
		"content":    content,
		"message_id": msgID,
	})

	h.pushGroup(ctx, g.ID, c.userID, "incoming_group_text", payload{
		"from":       c.username,
		"group_id":   g.ID,
		"content":    content,
		"message_id": msgID,
	})
}

func (h *handler) sendGroupImage(ctx context.Context, c *client, data *fastjson.Value) {
	h.sendGroupAttachment(ctx, c, data, "send_group_image_result", "incoming_group_image", storage.TypeImage)
}

func (h *handler) sendGroupFile(ctx context.Context, c *client, data *fastjson.Value) {
	msgType := storage.TypeFile
	switch str(data, "file_type") {
	case "image":
		msgType = storage.TypeImage
	case "video":
		msgType = storage.TypeVideo
	}

	h.sendGroupAttachment(ctx, c, data, "send_group_file_result", "incoming_group_file", msgType)
}

func (h *handler) sendGroupAttachment(ctx context.Context, c *client, data *fastjson.Value, resultAction, pushAction, msgType string) {
	filename := filepath.Base(str(data, "filename"))
	if filename == "" || filename == "." {
		c.send(resultAction, failure("Filename must not be empty"))
		return
	}

	g, ok := h.memberGroup(ctx, c, resultAction, data)
	if !ok {
		return
	}

	raw, err := base64.StdEncoding.DecodeString(string(data.GetStringBytes("data")))
	if err != nil {
		c.send(resultAction, failure("Invalid base64 data"))
		return
	}

	safeName := fmt.Sprintf("g%d_%d_%s", g.ID, c.userID, filename)
	if err := h.blobs.Save(msgType, safeName, raw); err != nil {
		h.logger.Errorf("storing attachment %s: %v", safeName, err)
		c.send(resultAction, failure("Could not store attachment"))
		return
	}

	msgID, err := h.store.InsertMessage(ctx, g.ID, c.userID, msgType, safeName)
	if err != nil {
		h.discardAttachment(msgType, safeName)
		h.internalError(c, resultAction, err)
		return
	}

	c.send(resultAction, payload{
		"ok":         true,
		"group_id":   g.ID,
		"filename":   safeName,
		"file_type":  msgType,
		"message_id": msgID,
	})

	h.pushGroup(ctx, g.ID, c.userID, pushAction, payload{
		"from":       c.username,
		"group_id":   g.ID,
		"filename":   safeName,
		"file_type":  msgType,
		"message_id": msgID,
	})
}

func (h *handler) loadGroupHistory(ctx context.Context, c *client, data *fastjson.Value) {
	g, ok := h.memberGroup(ctx, c, "group_history_result", data)
	if !ok {
		return
	}

	messages, err := h.store.MessagesByConversation(ctx, g.ID, historyLimit)
	if err != nil {
		h.internalError(c, "group_history_result", err)
		return
	}

	c.send("group_history_result", payload{
		"ok":       true,
		"group_id": g.ID,
		"title":    g.Title,
		"messages": messages,
	})
}

// addGroupMember lets any current member add a user. This mirrors the source
// behavior; ownership is not required here.
func (h *handler) addGroupMember(ctx context.Context, c *client, data *fastjson.Value) {
	g, ok := h.memberGroup(ctx, c, "add_group_member_result", data)
	if !ok {
		return
	}

	user, ok := h.userByName(ctx, c, "add_group_member_result", str(data, "username"))
	if !ok {
		return
	}

	if err := h.store.AddMember(ctx, g.ID, user.ID); err != nil {
		if errors.Is(err, storage.ErrAlreadyMember) {
			c.send("add_group_member_result", failure("User is already a member"))
			return
		}
		h.internalError(c, "add_group_member_result", err)
		return
	}

	c.send("add_group_member_result", payload{
		"ok":       true,
		"group_id": g.ID,
		"username": user.Username,
	})

	if peer, online := h.registry.Lookup(user.Username); online {
		peer.send("added_to_group", payload{
			"group_id": g.ID,
			"title":    g.Title,
			"by":       c.username,
		})
	}
}

func (h *handler) leaveGroup(ctx context.Context, c *client, data *fastjson.Value) {
	groupID := data.GetInt64("group_id")
	if groupID < 1 {
		c.send("leave_group_result", failure("Invalid group id"))
		return
	}

	if err := h.store.LeaveGroup(ctx, groupID, c.userID); err != nil {
		switch {
		case errors.Is(err, storage.ErrGroupNotFound):
			c.send("leave_group_result", failure("Group not found"))
		case errors.Is(err, storage.ErrOwnerLeave):
			c.send("leave_group_result", failure("Owner can not leave the group"))
		case errors.Is(err, storage.ErrNotMember):
			c.send("leave_group_result", failure("Not a member of this group"))
		default:
			h.internalError(c, "leave_group_result", err)
		}
		return
	}

	c.send("leave_group_result", payload{"ok": true, "group_id": groupID})

	h.pushGroup(ctx, groupID, c.userID, "group_member_left", payload{
		"group_id": groupID,
		"username": c.username,
	})
}

func (h *handler) deleteGroup(ctx context.Context, c *client, data *fastjson.Value) {
	groupID := data.GetInt64("group_id")
	if groupID < 1 {
		c.send("delete_group_result", failure("Invalid group id"))
		return
	}

	// capture members and attachment names before the rows disappear; a failed
	// capture still lets the delete proceed, minus notifications and cleanup
	members, err := h.store.GroupMembers(ctx, groupID)
	if err != nil {
		h.logger.Errorf("capturing members of group %d before delete: %v", groupID, err)
	}
	messages, err := h.store.MessagesByConversation(ctx, groupID, 10000)
	if err != nil {
		h.logger.Errorf("capturing messages of group %d before delete: %v", groupID, err)
	}

	if err := h.store.DeleteGroup(ctx, groupID, c.userID); err != nil {
		switch {
		case errors.Is(err, storage.ErrGroupNotFound):
			c.send("delete_group_result", failure("Group not found"))
		case errors.Is(err, storage.ErrNotOwner):
			c.send("delete_group_result", failure("Only the owner can delete the group"))
		default:
			h.internalError(c, "delete_group_result", err)
		}
		return
	}

	for _, m := range messages {
		h.removeAttachment(m)
	}

	c.send("delete_group_result", payload{"ok": true, "group_id": groupID})

	for _, m := range members {
		if m.UserID == c.userID {
			continue
		}
		if peer, online := h.registry.Lookup(m.Username); online {
			peer.send("group_deleted", payload{
				"group_id": groupID,
				"by":       c.username,
			})
		}
	}
}

func (h *handler) joinGroupByName(ctx context.Context, c *client, data *fastjson.Value) {
	title := str(data, "title")
	if title == "" {
		c.send("join_group_result", failure("Group title must not be empty"))
		return
	}

	g, err := h.store.GroupByTitle(ctx, title)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrGroupNotFound):
			c.send("join_group_result", failure("Group not found"))
		case errors.Is(err, storage.ErrGroupNameAmbiguous):
			c.send("join_group_result", failure("Group name is not unique"))
		default:
			h.internalError(c, "join_group_result", err)
		}
		return
	}

	if err := h.store.AddMember(ctx, g.ID, c.userID); err != nil {
		if errors.Is(err, storage.ErrAlreadyMember) {
			c.send("join_group_result", failure("Already a member"))
			return
		}
		h.internalError(c, "join_group_result", err)
		return
	}

	c.send("join_group_result", payload{
		"ok":       true,
		"group_id": g.ID,
		"title":    g.Title,
	})

	h.pushGroup(ctx, g.ID, c.userID, "group_member_joined", payload{
		"group_id": g.ID,
		"username": c.username,
	})
}

func (h *handler) updateGroupAvatar(ctx context.Context, c *client, data *fastjson.Value) {
	g, ok := h.memberGroup(ctx, c, "update_group_avatar_result", data)
	if !ok {
		return
	}

	raw, err := base64.StdEncoding.DecodeString(string(data.GetStringBytes("image_b64")))
	if err != nil {
		c.send("update_group_avatar_result", failure("Invalid image data"))
		return
	}
	if len(raw) > maxAvatarBytes {
		c.send("update_group_avatar_result", failure("Image too large (>2MB)"))
		return
	}

	if err := h.store.UpdateGroupAvatar(ctx, g.ID, raw); err != nil {
		h.internalError(c, "update_group_avatar_result", err)
		return
	}

	b64 := base64.StdEncoding.EncodeToString(raw)
	c.send("update_group_avatar_result", payload{"ok": true, "group_id": g.ID, "avatar_b64": b64})

	h.pushGroup(ctx, g.ID, c.userID, "group_avatar_changed", payload{
		"group_id":   g.ID,
		"avatar_b64": b64,
	})
}

func (h *handler) listGroups(ctx context.Context, c *client, _ *fastjson.Value) {
	groups, err := h.store.GroupsForUser(ctx, c.userID)
	if err != nil {
		h.internalError(c, "groups_result", err)
		return
	}

	items := make([]payload, 0, len(groups))
	for _, g := range groups {
		item := payload{
			"group_id": g.ID,
			"title":    g.Title,
			"owner_id": g.OwnerID,
		}
		if len(g.Avatar) > 0 {
			item["avatar_b64"] = base64.StdEncoding.EncodeToString(g.Avatar)
		}
		items = append(items, item)
	}

	c.send("groups_result", payload{"ok": true, "items": items})
}
