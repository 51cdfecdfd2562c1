package server

import "strconv"

type Option interface {
	apply(*config)
}

type optionFunc func(c *config)

func (f optionFunc) apply(c *config) { f(c) }

// config defines fields used for configuring Server instance
type config struct {
	addr         string
	maxLineBytes int
}

// EnvConfig defines fields used for parsing from environment variables
type EnvConfig struct {
	Host       string `env:"HOST" envDefault:"0.0.0.0"`
	Port       uint16 `env:"PORT" envDefault:"5555"`
	StorageDir string `env:"STORAGE_DIR" envDefault:"storage"`
}

// WithEnvConfig lets the exported EnvConfig struct act as a source of the
// listen address.
func WithEnvConfig(cfg EnvConfig) Option {
	return optionFunc(func(c *config) {
		c.addr = cfg.Host + ":" + strconv.FormatUint(uint64(cfg.Port), 10)
	})
}

// MaxLineBytes caps one protocol line. Attachment envelopes carry base64
// payloads inline, so the default is generous.
func MaxLineBytes(n int) Option {
	return optionFunc(func(c *config) {
		c.maxLineBytes = n
	})
}
