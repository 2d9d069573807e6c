// Package msgbus implements broadcast and direct messaging between agents
// through the coordination database. Delivery is pull-based: senders
// insert rows, receivers drain unread unexpired rows in priority-weighted
// FIFO order (priority desc, created_at asc). Rows past their expiry are
// excluded from reads and garbage-collected later.
package msgbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"harbor/pkg/protocol"

	"github.com/google/uuid"
)

// Bus provides messaging operations over the coordination database.
type Bus struct {
	db *sql.DB

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Bus over an open coordination database.
func New(db *sql.DB) *Bus {
	return &Bus{db: db, nowFunc: time.Now}
}

// SetNowFunc overrides the clock. Test hook.
func (b *Bus) SetNowFunc(f func() time.Time) { b.nowFunc = f }

// SendOpts holds the optional fields of a message.
type SendOpts struct {
	// Type defaults to notification.
	Type protocol.MessageType

	// Priority defaults to protocol.DefaultMessagePriority. Higher
	// delivers first.
	Priority int

	// TTL, when positive, sets the message expiry.
	TTL time.Duration
}

// Broadcast publishes a message on a channel, visible to every agent
// except the sender. Payload is JSON-encoded.
func (b *Bus) Broadcast(ctx context.Context, from string, channel protocol.Channel, payload any, opts SendOpts) (*protocol.AgentMessage, error) {
	if channel == protocol.ChannelDirect {
		return nil, fmt.Errorf("broadcast on the direct channel requires an addressee; use Send")
	}
	return b.insert(ctx, from, "", channel, payload, opts)
}

// Send delivers a message directly to one agent.
func (b *Bus) Send(ctx context.Context, from, to string, payload any, opts SendOpts) (*protocol.AgentMessage, error) {
	if to == "" {
		return nil, fmt.Errorf("direct message requires an addressee")
	}
	return b.insert(ctx, from, to, protocol.ChannelDirect, payload, opts)
}

func (b *Bus) insert(ctx context.Context, from, to string, channel protocol.Channel, payload any, opts SendOpts) (*protocol.AgentMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal message payload: %w", err)
	}

	msgType := opts.Type
	if msgType == "" {
		msgType = protocol.MessageNotification
	}
	priority := opts.Priority
	if priority <= 0 {
		priority = protocol.DefaultMessagePriority
	}

	now := b.nowFunc()
	msg := &protocol.AgentMessage{
		ID:        uuid.NewString(),
		Channel:   channel,
		FromAgent: from,
		ToAgent:   to,
		Type:      msgType,
		Payload:   data,
		Priority:  priority,
		CreatedAt: protocol.FormatTime(now),
	}
	if opts.TTL > 0 {
		msg.ExpiresAt = protocol.FormatTime(now.Add(opts.TTL))
	}

	_, err = b.db.ExecContext(ctx,
		`INSERT INTO agent_messages (id, channel, from_agent, to_agent, type, payload, priority, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.Channel, msg.FromAgent, msg.ToAgent, msg.Type,
		string(msg.Payload), msg.Priority, msg.CreatedAt, msg.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// ReceiveOpts filters a Receive call.
type ReceiveOpts struct {
	// Channel, when set, restricts delivery to one channel.
	Channel protocol.Channel

	// MarkRead controls whether delivered messages are marked read
	// atomically with the read. Peeking leaves them for the next call.
	MarkRead bool

	// Limit restricts the number of messages (0 = no limit).
	Limit int
}

// Receive drains unread, unexpired messages visible to agentID: direct
// messages addressed to it plus broadcasts from other agents. Order is
// priority desc, created_at asc.
func (b *Bus) Receive(ctx context.Context, agentID string, opts ReceiveOpts) ([]protocol.AgentMessage, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("receive for %s: %w", agentID, err)
	}
	defer func() { _ = tx.Rollback() }()

	nowStr := protocol.FormatTime(b.nowFunc())
	query := `SELECT id, channel, from_agent, to_agent, type, payload, priority, created_at, read_at, expires_at
	          FROM agent_messages
	          WHERE read_at = ''
	            AND (expires_at = '' OR expires_at > ?)
	            AND (to_agent = ? OR (channel != 'direct' AND to_agent = '' AND from_agent != ?))`
	args := []any{nowStr, agentID, agentID}
	if opts.Channel != "" {
		query += ` AND channel = ?`
		args = append(args, opts.Channel)
	}
	query += ` ORDER BY priority DESC, created_at ASC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages for %s: %w", agentID, err)
	}
	msgs, err := scanMessages(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	if opts.MarkRead && len(msgs) > 0 {
		for i := range msgs {
			if _, err := tx.ExecContext(ctx,
				`UPDATE agent_messages SET read_at = ? WHERE id = ?`, nowStr, msgs[i].ID); err != nil {
				return nil, fmt.Errorf("mark message %s read: %w", msgs[i].ID, err)
			}
			msgs[i].ReadAt = nowStr
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("receive for %s: %w", agentID, err)
	}
	return msgs, nil
}

// PendingCount reports how many unread, unexpired messages await agentID
// without consuming them. Cheap polling support.
func (b *Bus) PendingCount(ctx context.Context, agentID string) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_messages
		 WHERE read_at = ''
		   AND (expires_at = '' OR expires_at > ?)
		   AND (to_agent = ? OR (channel != 'direct' AND to_agent = '' AND from_agent != ?))`,
		protocol.FormatTime(b.nowFunc()), agentID, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending count for %s: %w", agentID, err)
	}
	return n, nil
}

// DeleteExpired garbage-collects messages past their expiry.
func (b *Bus) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM agent_messages WHERE expires_at != '' AND expires_at <= ?`,
		protocol.FormatTime(b.nowFunc()))
	if err != nil {
		return 0, fmt.Errorf("delete expired messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired messages: %w", err)
	}
	return n, nil
}

func scanMessages(rows *sql.Rows) ([]protocol.AgentMessage, error) {
	var msgs []protocol.AgentMessage
	for rows.Next() {
		var m protocol.AgentMessage
		var payload string
		if err := rows.Scan(&m.ID, &m.Channel, &m.FromAgent, &m.ToAgent, &m.Type,
			&payload, &m.Priority, &m.CreatedAt, &m.ReadAt, &m.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Payload = json.RawMessage(payload)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}
