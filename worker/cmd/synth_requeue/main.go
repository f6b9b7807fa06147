package main

import (
	"context"
	"flag"
	"log"
	"time"

	"revoice/worker/internal/config"
	"revoice/worker/internal/database"
	"revoice/worker/internal/queue"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	limit := flag.Int("limit", 100, "maximum number of tasks to scan for missing clips")
	quality := flag.String("quality", "", "optional synthesis quality override when requeueing")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	db, err := database.New(cfg.Database)
	if err != nil {
		log.Fatalf("failed to init database: %v", err)
	}
	defer db.Close()

	conn, err := queue.NewConnection(cfg.RabbitMQ)
	if err != nil {
		log.Fatalf("failed to connect to RabbitMQ: %v", err)
	}
	defer conn.Close()

	pub := queue.NewPublisher(conn)
	ctx := context.Background()

	rows, err := db.QueryContext(ctx, `
		SELECT s.task_id, COUNT(*) as pending
		FROM segments s
		JOIN tasks t ON t.id = s.task_id
		WHERE (s.clip_key IS NULL OR s.clip_key = '')
		  AND COALESCE(s.text, '') <> ''
		  AND t.status NOT IN ('completed', 'failed', 'cancelled')
		GROUP BY s.task_id
		ORDER BY MAX(s.updated_at) DESC
		LIMIT $1
	`, *limit)
	if err != nil {
		log.Fatalf("failed to query pending segments: %v", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var taskID uuid.UUID
		var pending int
		if err := rows.Scan(&taskID, &pending); err != nil {
			continue
		}

		msg := map[string]interface{}{
			"task_id":    taskID.String(),
			"step":       "synthesize",
			"attempt":    1,
			"trace_id":   uuid.New().String(),
			"created_at": time.Now().Format(time.RFC3339),
			"payload": map[string]interface{}{
				"task_id": taskID.String(),
				"quality": *quality,
			},
		}

		if err := pub.Publish(ctx, "task.synthesize", msg); err != nil {
			logger.Error("failed to requeue synthesis", zap.String("task_id", taskID.String()), zap.Error(err))
			continue
		}
		logger.Info("requeued synthesis batch", zap.String("task_id", taskID.String()), zap.Int("pending_segments", pending))
		count++
	}

	log.Printf("requeued %d synthesis batches\n", count)
}
