package storage

import (
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
)

// Config defines connection parameters shared by all storage partitions.
// Partition i lives in Databases[i]; index 0 is the primary partition holding
// users, conversations and membership rows.
type Config struct {
	User      string   `env:"DB_USER" envDefault:"postgres"`
	Password  string   `env:"DB_PASSWORD" envDefault:"postgres"`
	Host      string   `env:"DB_HOST" envDefault:"127.0.0.1"`
	Port      uint16   `env:"DB_PORT" envDefault:"5432"`
	Databases []string `env:"DB_NAMES" envSeparator:"," envDefault:"chat_node0,chat_node1"`
}

// DSN builds a connection string for partition i.
func (c Config) DSN(i int) string {
	parts := []string{
		"user=" + c.User,
		"password=" + c.Password,
		"host=" + c.Host,
		"port=" + strconv.FormatUint(uint64(c.Port), 10),
		"dbname=" + c.Databases[i],
		"sslmode=disable",
	}
	return strings.Join(parts, " ")
}

// Option alters the default configuration of each partition's pgxpool.Config
// during Cluster construction
type Option interface {
	apply(*pgxpool.Config)
}

type optionFunc func(c *pgxpool.Config)

func (f optionFunc) apply(c *pgxpool.Config) { f(c) }

// ConnectionTimeout sets timeout for connection to be established
func ConnectionTimeout(d time.Duration) Option {
	return optionFunc(func(c *pgxpool.Config) {
		c.ConnConfig.ConnectTimeout = d
	})
}
