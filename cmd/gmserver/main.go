package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/jddlt/arboris-novel/internal/db"
	"github.com/jddlt/arboris-novel/internal/server"
)

func main() {
	addr := flag.String("addr", ":8700", "listen address")
	dbPath := flag.String("db", "arboris.db", "sqlite database path")
	model := flag.String("model", "google/gemini-3-flash-preview", "model id")
	confirmTimeout := flag.Duration("confirm-timeout", 5*time.Minute, "how long a round waits for an in-band confirmation")
	outOfBand := flag.Bool("out-of-band", false, "finish rounds immediately; confirmations settle over HTTP")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	apiKey := os.Getenv("OPENROUTER_API_KEY")
	if apiKey == "" {
		log.Error("OPENROUTER_API_KEY environment variable not set")
		os.Exit(1)
	}
	ai := openai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL("https://openrouter.ai/api/v1"),
	)

	dbh, err := db.Open(*dbPath)
	if err != nil {
		log.Error("could not open database", "path", *dbPath, "error", err)
		os.Exit(1)
	}
	defer dbh.Close()

	srv := server.New(server.Config{
		DB:             dbh,
		AI:             ai,
		Model:          *model,
		ConfirmTimeout: *confirmTimeout,
		InlineConfirm:  !*outOfBand,
		Logger:         log,
	})

	log.Info("gm server listening", "addr", *addr, "model", *model)
	if err := http.ListenAndServe(*addr, srv.Handler()); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
