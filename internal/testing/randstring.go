// Package testing holds helpers shared by the storage and server tests.
package testing

import (
	"math/rand"
	"time"
)

const charSet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func init() {
	rand.Seed(time.Now().UnixNano())
}

// RandString generates a random 12-symbol string, used for usernames and
// group titles so repeated test runs never collide on unique columns.
func RandString() string {
	out := make([]byte, 12)
	for i := range out {
		out[i] = charSet[rand.Intn(len(charSet))]
	}
	return string(out)
}
