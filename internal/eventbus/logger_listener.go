package eventbus

import (
	"context"

	"github.com/annel0/claim-engine/internal/logging"
)

// StartLoggingListener подписывается на все события претензий и пишет их
// в стандартный лог. Функция неблокирующая.
func StartLoggingListener(bus EventBus) error {
	_, err := bus.Subscribe(context.Background(), Filter{}, func(ctx context.Context, ev *Envelope) {
		logging.Debug("[ClaimBus] %s %s src=%s prio=%d size=%dB", ev.ID, ev.EventType, ev.Source, ev.Priority, len(ev.Payload))
	})
	if err != nil {
		return err
	}
	logging.Info("🪵 LoggingListener: подписка на события претензий активирована")
	return nil
}
