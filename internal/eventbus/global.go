package eventbus

import "context"

// Глобальная шина процесса. Компоненты, которым шина не была внедрена
// явно, публикуют события через неё.
var globalBus EventBus

// Init устанавливает глобальную шину. Вызывается один раз при старте сервера.
func Init(bus EventBus) { globalBus = bus }

// Publish отправляет событие в глобальную шину.
// До инициализации публикация — тихий no-op.
func Publish(ctx context.Context, ev *Envelope) error {
	if globalBus == nil {
		return nil
	}
	return globalBus.Publish(ctx, ev)
}
