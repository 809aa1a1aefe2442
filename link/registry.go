package link

import (
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/Lazloian/EMI-Analyzer/config"
)

// Factory creates a dialer from the configuration
type Factory func(conf *config.Config, logger *slog.Logger) (Dialer, error)

var registeredFactories = map[string]Factory{}

// Register registers a dialer factory under a link kind.
// Transport packages call it from init().
func Register(kind string, factory Factory) {
	if _, ok := registeredFactories[kind]; ok {
		panic(fmt.Sprintf("link kind %q registered twice", kind))
	}
	registeredFactories[kind] = factory
}

// NewDialer returns a dialer for the configured link kind
func NewDialer(conf *config.Config, logger *slog.Logger) (Dialer, error) {
	kind := conf.Link.Kind
	factory, ok := registeredFactories[kind]
	if !ok {
		return nil, fmt.Errorf("link kind %q is not supported (available: %v)", kind, Kinds())
	}
	if logger == nil {
		logger = discardLogger()
	}
	return factory(conf, logger.With(slog.String("link", kind)))
}

// Kinds returns the registered link kinds in sorted order
func Kinds() []string {
	kinds := make([]string, 0, len(registeredFactories))
	for kind := range registeredFactories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
