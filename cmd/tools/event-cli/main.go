package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/annel0/claim-engine/internal/eventbus"
	"github.com/annel0/claim-engine/internal/logging"
)

// event-cli — консольный хвост шины событий претензий.
// Подключается к NATS JetStream и печатает события по мере поступления.
//
//	event-cli -nats nats://localhost:4222 -types ClaimCreated,ClaimDeleted
func main() {
	var (
		natsURL = flag.String("nats", "nats://localhost:4222", "адрес NATS сервера")
		stream  = flag.String("stream", "CLAIMS", "имя JetStream стрима")
		types   = flag.String("types", "", "фильтр типов событий (через запятую)")
		sources = flag.String("sources", "", "фильтр узлов-источников (через запятую)")
	)
	flag.Parse()

	if err := logging.InitDefaultLogger("event-cli"); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()

	bus, err := eventbus.NewJetStreamBus(*natsURL, *stream, 24*time.Hour)
	if err != nil {
		log.Fatalf("❌ Не удалось подключиться к NATS: %v", err)
	}
	defer bus.Close()

	filter := eventbus.Filter{
		Types:   parseStringList(*types),
		Sources: parseStringList(*sources),
	}

	sub, err := bus.Subscribe(context.Background(), filter, printEvent)
	if err != nil {
		log.Fatalf("❌ Ошибка подписки: %v", err)
	}
	defer sub.Unsubscribe()

	fmt.Printf("🎬 Слушаем события %s (stream=%s, types=%v)\n", *natsURL, *stream, filter.Types)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\n👋 Завершение")
}

// printEvent выводит событие в читаемом формате.
func printEvent(ctx context.Context, env *eventbus.Envelope) {
	timestamp := env.Timestamp.Local().Format("15:04:05")
	fmt.Printf("[%s] %s [%s] %s\n", timestamp, env.Source, env.EventType, env.ID)

	ev, err := eventbus.DecodeClaimEvent(env)
	if err != nil {
		fmt.Printf("  (payload не декодирован: %v)\n", err)
		return
	}

	if ev.ClaimID != "" {
		fmt.Printf("  Claim: %s", ev.ClaimID)
		if ev.Name != "" {
			fmt.Printf(" (%s)", ev.Name)
		}
		fmt.Println()
	}
	if ev.Owner != "" {
		if ev.NewOwner != "" {
			fmt.Printf("  Owner: %s → %s\n", ev.Owner, ev.NewOwner)
		} else {
			fmt.Printf("  Owner: %s\n", ev.Owner)
		}
	}
	if ev.Player != "" {
		fmt.Printf("  Player: %s\n", ev.Player)
	}
	if ev.Cells > 0 {
		fmt.Printf("  Cells: %d\n", ev.Cells)
	}
	if ev.Price > 0 {
		fmt.Printf("  Price: %.2f\n", ev.Price)
	}
}

// parseStringList парсит строку с разделителями-запятыми.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
