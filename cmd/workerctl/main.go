// Workerctl — инструмент командной строки для операторов воркеров.
//
// Использование:
//
//	workerctl [--amqp-url URL] [--redis-url URL] [--json] <command> [flags]
//
// Команды:
//
//	task       Публикация задач
//	queue      Глубина очередей и DLQ
//	health     Health-документы воркеров
//	cache      Инвалидация общего кэша
//	ratelimit  Остаток общего лимита
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaiso/workerkit/internal/cli"
	"github.com/shaiso/workerkit/internal/config"
	"github.com/shaiso/workerkit/internal/telemetry"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var (
		amqpURL     string
		redisURL    string
		cachePrefix string
		jsonOutput  bool
	)

	// CLI по умолчанию пишет в лог только предупреждения
	logLevel := slog.LevelWarn
	if os.Getenv("LOG_LEVEL") != "" {
		logLevel = telemetry.LogLevel()
	}

	clientFn := func() (*cli.Client, error) {
		return cli.NewClient(cli.Options{
			RabbitMQURL: amqpURL,
			RedisURL:    redisURL,
			CachePrefix: cachePrefix,
			Logger:      telemetry.NewLogger(os.Stderr, "text", logLevel),
		})
	}
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd := cli.NewRootCmd(version, clientFn, outputFn)

	defaultAMQP := os.Getenv("RABBITMQ_URL")
	if defaultAMQP == "" {
		defaultAMQP = config.DefaultRabbitMQURL
	}
	rootCmd.PersistentFlags().StringVar(&amqpURL, "amqp-url", defaultAMQP, "RabbitMQ URL")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis-url", os.Getenv("REDIS_URL"), "Redis URL")
	rootCmd.PersistentFlags().StringVar(&cachePrefix, "cache-prefix", "", "Cache key prefix")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
