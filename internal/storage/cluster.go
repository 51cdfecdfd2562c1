package storage

import (
	"context"
	"errors"

	"chat-backend/internal/storage/zapadapter"

	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"
)

var (
	ErrUserExists          = errors.New("user already exists")
	ErrUserNotFound        = errors.New("user does not exist")
	ErrConversationMissing = errors.New("conversation does not exist")
	ErrGroupNotFound       = errors.New("group does not exist")
	ErrGroupNameAmbiguous  = errors.New("group name is not unique")
	ErrNotMember           = errors.New("user is not a member")
	ErrAlreadyMember       = errors.New("user is already a member")
	ErrNotOwner            = errors.New("user is not the owner")
	ErrOwnerLeave          = errors.New("owner can not leave own group")
	ErrMessageNotFound     = errors.New("message does not exist or belongs to another sender")
)

// Cluster holds one pgxpool.Pool per storage partition. Message rows live on
// the partition selected by PartitionIndex; user, conversation and membership
// rows always live on partition 0.
type Cluster struct {
	logger     *zap.SugaredLogger
	partitions []*pgxpool.Pool
}

// PartitionIndex maps a conversation id onto one of n partitions. It is a pure
// function of the id, so every message of one conversation lands on the same
// partition for the lifetime of the cluster.
func PartitionIndex(conversationID int64, n int) int {
	return int(conversationID % int64(n))
}

// NewCluster connects a pool per configured partition and pings each one.
func NewCluster(ctx context.Context, logger *zap.SugaredLogger, cfg Config, opts ...Option) (*Cluster, error) {
	if len(cfg.Databases) == 0 {
		return nil, errors.New("storage: at least one partition must be configured")
	}

	partitions := make([]*pgxpool.Pool, 0, len(cfg.Databases))
	for i := range cfg.Databases {
		poolConfig, err := pgxpool.ParseConfig(cfg.DSN(i))
		if err != nil {
			return nil, err
		}
		poolConfig.ConnConfig.Logger = zapadapter.NewLogger(logger.Desugar())

		for _, opt := range opts {
			opt.apply(poolConfig)
		}

		pool, err := pgxpool.ConnectConfig(ctx, poolConfig)
		if err != nil {
			for _, p := range partitions {
				p.Close()
			}
			return nil, err
		}
		partitions = append(partitions, pool)
	}

	logger.Infof("Connected to %d storage partitions", len(partitions))

	return &Cluster{
		logger:     logger,
		partitions: partitions,
	}, nil
}

// Partitions reports the number of configured partitions.
func (c *Cluster) Partitions() int {
	return len(c.partitions)
}

// primary returns the partition holding users, conversations and membership.
func (c *Cluster) primary() *pgxpool.Pool {
	return c.partitions[0]
}

// messagePool returns the partition owning the messages of a conversation.
func (c *Cluster) messagePool(conversationID int64) *pgxpool.Pool {
	return c.partitions[PartitionIndex(conversationID, len(c.partitions))]
}

// Close closes every partition pool.
func (c *Cluster) Close() {
	for _, p := range c.partitions {
		p.Close()
	}
}
