package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"edu-rag/internal/db"
	"edu-rag/internal/handlers"
	"edu-rag/internal/materials"
	"edu-rag/internal/personalization"
	"edu-rag/internal/pipeline"
	"edu-rag/internal/retrieval"
	"edu-rag/internal/vectorstore"
	"edu-rag/services/embed"
	"edu-rag/services/qdrant"
)

func main() {
	schedule := flag.Bool("schedule", false, "run the embedding pipeline on an interval instead of serving HTTP")
	interval := flag.Duration("interval", pipeline.DefaultInterval, "pipeline interval when running with -schedule")
	flag.Parse()

	logrus.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logrus.SetLevel(level)
	}

	if err := godotenv.Load(); err != nil {
		logrus.Warn("no .env file found, using system environment variables")
	}

	conn, err := db.Open()
	if err != nil {
		logrus.WithError(err).Fatal("failed to connect to database")
	}
	defer conn.Close()

	embedClient, err := embed.NewClient()
	if err != nil {
		logrus.WithError(err).Fatal("failed to initialize embedding client")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var annIndex vectorstore.ANNIndex
	if os.Getenv("VECTOR_BACKEND") == "qdrant" {
		idx, err := qdrant.NewIndex(ctx, embedClient.Dimension())
		if err != nil {
			logrus.WithError(err).Fatal("failed to connect to Qdrant")
		}
		defer idx.Close()
		annIndex = idx
	}

	store := vectorstore.NewStore(conn, embedClient.Dimension(), annIndex)
	if err := store.EnsureVectorCapability(ctx); err != nil {
		logrus.WithError(err).Fatal("vector capability unavailable")
	}

	materialStore := materials.NewPostgresStore(conn)
	pipelineService := pipeline.NewService(materialStore, store, embedClient)

	if *schedule {
		pipelineService.RunScheduled(ctx, *interval, 100)
		return
	}

	engine := &retrieval.Engine{
		Embedder:  embedClient,
		Searcher:  store,
		Completer: embedClient,
		Reranker: &personalization.Reranker{
			History: personalization.NewPostgresHistoryStore(conn),
		},
		Formatter: &retrieval.Formatter{Titles: materialStore},
	}

	retrievalHandler := &handlers.RetrievalHandler{Engine: engine}
	pipelineHandler := &handlers.PipelineHandler{Pipeline: pipelineService}

	r := chi.NewRouter()
	r.Post("/search", retrievalHandler.Search)
	r.Post("/search/hybrid", retrievalHandler.HybridSearch)
	r.Post("/search/materials", retrievalHandler.RelatedMaterials)
	r.Post("/context", retrievalHandler.Context)
	r.Get("/materials/{materialID}/context", retrievalHandler.MaterialContext)
	r.Post("/pipeline/run", pipelineHandler.Run)
	r.Get("/pipeline/stats", pipelineHandler.Stats)

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	server := &http.Server{Addr: addr, Handler: r}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Error("server shutdown failed")
		}
	}()

	logrus.WithField("address", addr).Info("server starting")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logrus.WithError(err).Fatal("server failed to start")
	}
}
