package main

import (
	"log"
	"net/http"
	"os"
	"time"

	"mocktest-ai/internal/api"
	"mocktest-ai/internal/config"
	"mocktest-ai/internal/db"
	"mocktest-ai/internal/keypool"
	"mocktest-ai/internal/services"
)

func main() {
	cfg := config.Load()

	pool, err := keypool.LoadFile(cfg.KeysFile)
	if err != nil {
		log.Fatalf("load api keys: %v", err)
	}
	log.Printf("loaded %d api keys from %s", pool.Size(), cfg.KeysFile)

	conn, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer conn.Close()

	syllabusService := services.NewSyllabusService(conn, cfg.UploadDir)
	generatorService := services.NewGeneratorService(pool, cfg.OpenAIModel, cfg.OpenAIEndpoint, cfg.MaxTransportRetries)
	mockTestService := services.NewMockTestService(
		conn,
		generatorService,
		syllabusService,
		cfg.OutputDir,
		cfg.BatchSize,
		cfg.MaxContinuationRounds,
	)

	server := api.NewServer(mockTestService, syllabusService, pool)
	mux := http.NewServeMux()

	outputFS := http.FileServer(http.Dir(cfg.OutputDir))
	mux.Handle("/output/", http.StripPrefix("/output/", outputFS))

	mux.Handle("/api", server.Handler())
	mux.Handle("/api/", server.Handler())

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	log.Printf("listening on :%s", port)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
}
