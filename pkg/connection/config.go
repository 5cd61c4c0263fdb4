package connection

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/agencyops/opsync/internal/codec"
	"github.com/agencyops/opsync/pkg/constants"
	"github.com/agencyops/opsync/pkg/logger"
)

// Config carries what a Connection needs to reach the store.
type Config struct {
	URL         url.URL
	BaseURL     string
	Marshaler   codec.Marshaler
	Unmarshaler codec.Unmarshaler
	Logger      logger.Logger
	// Timeout bounds each Send. Zero leaves it to the caller's context.
	Timeout time.Duration
}

// NewConfig creates a Config for the store endpoint at u, such as
// "ws://localhost:8000" or "mem://local".
func NewConfig(u *url.URL) *Config {
	c := codec.New()
	return &Config{
		URL:         *u,
		Marshaler:   c,
		Unmarshaler: c,
		BaseURL:     fmt.Sprintf("%s://%s", u.Scheme, u.Host),
		Logger:      logger.New(slog.NewTextHandler(os.Stdout, nil)),
		Timeout:     constants.DefaultWSTimeout,
	}
}
