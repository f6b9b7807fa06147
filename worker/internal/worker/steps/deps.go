package steps

import (
	"context"

	"revoice/worker/internal/batch"
	"revoice/worker/internal/config"
	"revoice/worker/internal/database"
	"revoice/worker/internal/ledger"
	"revoice/worker/internal/stitch"
	"revoice/worker/internal/storage"
	"revoice/worker/internal/synth"

	"go.uber.org/zap"
)

// Publisher defines the minimal behaviour for publishing next-step messages.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, message interface{}) error
}

// Deps groups common dependencies shared across step processors.
type Deps struct {
	DB          *database.DB
	Storage     storage.ObjectStorage
	Publisher   Publisher
	Config      *config.Config
	Logger      *zap.Logger
	SynthClient *synth.Client
	Ledger      *ledger.Ledger
	Coordinator *batch.Coordinator
	Engine      *stitch.Engine
}
