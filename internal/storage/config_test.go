package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	config := Config{
		User:      "a",
		Password:  "b",
		Host:      "c",
		Port:      5432,
		Databases: []string{"d", "e"},
	}
	require.Equal(t, "user=a password=b host=c port=5432 dbname=d sslmode=disable", config.DSN(0))
	require.Equal(t, "user=a password=b host=c port=5432 dbname=e sslmode=disable", config.DSN(1))
}
