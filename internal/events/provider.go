package events

import (
	"fmt"
	"strings"

	"github.com/cocdev/coc/internal/common/config"
	"github.com/cocdev/coc/internal/common/logger"
	"github.com/cocdev/coc/internal/events/bus"
)

// Provide builds the configured event bus implementation. An empty NATS URL
// selects the in-process bus. The returned cleanup closes whichever
// implementation was built.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		return natsBus, func() error { natsBus.Close(); return nil }, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	return memBus, func() error { memBus.Close(); return nil }, nil
}
