// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/cartography/internal/client"
)

// -- Neo4j Session Mock --

// MockSession mocks the client.Session interface.
type MockSession struct {
	mock.Mock
}

var _ client.Session = (*MockSession)(nil)

func (m *MockSession) Write(ctx context.Context, query string, params map[string]any) (client.Summary, error) {
	select {
	case <-ctx.Done():
		return client.Summary{}, ctx.Err()
	default:
	}
	args := m.Called(ctx, query, params)
	return args.Get(0).(client.Summary), args.Error(1)
}

func (m *MockSession) Read(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	args := m.Called(ctx, query, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]map[string]any), args.Error(1)
}

// -- Run Ledger Mock --

// MockRecorder mocks the engine.Recorder interface.
type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) StartRun(ctx context.Context, updateTag int64, startedAt time.Time) (string, error) {
	args := m.Called(ctx, updateTag, startedAt)
	return args.String(0), args.Error(1)
}

func (m *MockRecorder) RecordStage(ctx context.Context, runID, stage string, startedAt time.Time, duration time.Duration, stageErr error) error {
	args := m.Called(ctx, runID, stage, startedAt, duration, stageErr)
	return args.Error(0)
}

func (m *MockRecorder) FinishRun(ctx context.Context, runID string, finishedAt time.Time, runErr error) error {
	args := m.Called(ctx, runID, finishedAt, runErr)
	return args.Error(0)
}
