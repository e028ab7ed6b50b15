package pipeline

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/model"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/resilience"
)

// --- Ledger Mock ---

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) RecordAttempt(ctx context.Context, a model.Attempt) error {
	args := m.Called(ctx, a)
	return args.Error(0)
}

func (m *mockLedger) EnqueueDLQ(ctx context.Context, e resilience.DLQEntry) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}

func (m *mockLedger) ResolveDLQ(ctx context.Context, unitID string) error {
	args := m.Called(ctx, unitID)
	return args.Error(0)
}
