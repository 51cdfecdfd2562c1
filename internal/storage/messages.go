package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
)

// Message types. Attachment types store a blob-store filename as content, text
// stores the literal text.
const (
	TypeText  = "text"
	TypeImage = "image"
	TypeVideo = "video"
	TypeFile  = "file"
)

// InsertMessage appends a message to the partition owning the conversation and
// returns its id. Ids are assigned by the partition in arrival order, so
// history reads come back in insertion order per conversation.
func (c *Cluster) InsertMessage(ctx context.Context, conversationID, senderID int64, msgType, content string) (int64, error) {
	c.logger.Debugf("Inserting %s message from user %d into conversation %d", msgType, senderID, conversationID)

	var id int64
	sql := "insert into messages (conversation_id, sender_id, msg_type, content, created_at) values ($1, $2, $3, $4, $5) returning id"
	err := c.messagePool(conversationID).QueryRow(ctx, sql, conversationID, senderID, msgType, content, time.Now()).Scan(&id)
	if err != nil {
		return 0, err
	}

	return id, nil
}

// MessagesByConversation returns up to limit messages of a conversation sorted
// by id ascending, with sender usernames resolved from the primary partition.
func (c *Cluster) MessagesByConversation(ctx context.Context, conversationID int64, limit int) ([]Message, error) {
	c.logger.Debugf("Retrieving messages for conversation (id: %d)", conversationID)

	sql := `select id, conversation_id, sender_id, msg_type, content, created_at
			  from messages
			 where conversation_id = $1
			 order by id asc
			 limit $2`

	rows, err := c.messagePool(conversationID).Query(ctx, sql, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Type, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	senderIDs := make([]int64, 0, len(messages))
	seen := make(map[int64]bool)
	for _, m := range messages {
		if !seen[m.SenderID] {
			seen[m.SenderID] = true
			senderIDs = append(senderIDs, m.SenderID)
		}
	}

	names, err := c.usernamesByIDs(ctx, senderIDs)
	if err != nil {
		return nil, err
	}
	for i := range messages {
		messages[i].SenderUsername = names[messages[i].SenderID]
	}

	c.logger.Debugf("Retrieved %d messages", len(messages))

	return messages, nil
}

// MessageByID fetches a single message of a conversation. Used to learn the
// type and content of an attachment before deleting its backing file.
func (c *Cluster) MessageByID(ctx context.Context, conversationID, messageID int64) (Message, error) {
	var m Message
	sql := "select id, conversation_id, sender_id, msg_type, content, created_at from messages where id = $1 and conversation_id = $2"
	err := c.messagePool(conversationID).QueryRow(ctx, sql, messageID, conversationID).Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Type, &m.Content, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrMessageNotFound
		}
		return Message{}, err
	}

	return m, nil
}

// DeleteMessage removes a message only when senderID is its original sender.
func (c *Cluster) DeleteMessage(ctx context.Context, conversationID, messageID, senderID int64) error {
	sql := "delete from messages where id = $1 and conversation_id = $2 and sender_id = $3"
	tag, err := c.messagePool(conversationID).Exec(ctx, sql, messageID, conversationID, senderID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}

	return nil
}
