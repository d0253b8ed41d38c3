package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"pgcluster/pkg/cluster"
	"pgcluster/pkg/orchestrator"
)

// MockLifecycle is a mock implementation of lifecycle
type MockLifecycle struct {
	mock.Mock
}

func (m *MockLifecycle) Setup(ctx context.Context) (orchestrator.Report, error) {
	args := m.Called()
	return args.Get(0).(orchestrator.Report), args.Error(1)
}

func (m *MockLifecycle) Teardown(ctx context.Context) orchestrator.Report {
	args := m.Called()
	return args.Get(0).(orchestrator.Report)
}

func testReport() orchestrator.Report {
	return orchestrator.Report{RunID: "run-1", Nodes: []orchestrator.NodeReport{
		{Node: cluster.Node{ID: "n1", Address: "10.0.0.1", Role: cluster.RoleLeader}, Phase: cluster.PhaseRunning},
	}}
}

func TestRunSetupTearsDownOnEveryExit(t *testing.T) {
	logger = zerolog.Nop()
	tests := []struct {
		name     string
		setupErr error
	}{
		{"success", nil},
		{"incomplete", orchestrator.ErrIncomplete},
		{"other error", errors.New("apply faketime: connection reset")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := new(MockLifecycle)
			m.On("Setup").Return(testReport(), tt.setupErr)
			m.On("Teardown").Return(testReport()).Once()

			var out bytes.Buffer
			err := runSetup(context.Background(), m, &out, false, true, time.Second)
			if tt.setupErr == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tt.setupErr)
			}
			assert.Contains(t, out.String(), "run: run-1")
			m.AssertExpectations(t)
		})
	}
}

func TestRunSetupWithoutTeardownFlag(t *testing.T) {
	logger = zerolog.Nop()
	m := new(MockLifecycle)
	m.On("Setup").Return(testReport(), errors.New("boom"))

	err := runSetup(context.Background(), m, &bytes.Buffer{}, false, false, time.Second)
	require.Error(t, err)
	m.AssertNotCalled(t, "Teardown")
}
