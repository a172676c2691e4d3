package env

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	DebugHTTP bool `env:"DOCSYNC_DEBUG_HTTP"`

	LogLevel    string `env:"DOCSYNC_LOG_LEVEL,default=info"`
	LogEncoding string `env:"DOCSYNC_LOG_ENCODING,default=json"`

	// URL is the server the client commands connect to
	URL             string `env:"DOCSYNC_URL,default=ws://127.0.0.1:5006/ws"`
	SessionID       string `env:"DOCSYNC_SESSION_ID"`
	ProtocolVersion string `env:"DOCSYNC_PROTOCOL_VERSION,default=1.0"`

	ReadTimeout    time.Duration `env:"DOCSYNC_READ_TIMEOUT"`
	WriteTimeout   time.Duration `env:"DOCSYNC_WRITE_TIMEOUT,default=10s"`
	MaxMessageSize int64         `env:"DOCSYNC_MAX_MESSAGE_SIZE,default=20971520"`
}

// LoadConfig reads the configuration from the environment, after loading .env.local if
// there is one.
func LoadConfig(ctx context.Context) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("Failed to load .env.local: %w", err)
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
