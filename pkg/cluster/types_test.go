package cluster

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "uninstalled", PhaseUninstalled.String())
	assert.Equal(t, "bootstrapped", PhaseBootstrapped.String())
	assert.Equal(t, "torn-down", PhaseTornDown.String())
	assert.Equal(t, "phase(42)", Phase(42).String())
	assert.Len(t, Phases(), 7)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		role Role
		from Phase
		to   Phase
		want bool
	}{
		{"install", RoleLeader, PhaseUninstalled, PhaseInstalled, true},
		{"leader init", RoleLeader, PhaseInstalled, PhaseInitialized, true},
		{"leader start", RoleLeader, PhaseInitialized, PhaseRunning, true},
		{"leader cannot bootstrap", RoleLeader, PhaseInstalled, PhaseBootstrapped, false},
		{"replica bootstrap", RoleReplica, PhaseInstalled, PhaseBootstrapped, true},
		{"replica start", RoleReplica, PhaseBootstrapped, PhaseRunning, true},
		{"stop", RoleReplica, PhaseRunning, PhaseStopped, true},
		{"restart", RoleReplica, PhaseStopped, PhaseRunning, true},
		{"no reinstall", RoleLeader, PhaseRunning, PhaseInstalled, false},
		{"no self loop", RoleLeader, PhaseRunning, PhaseRunning, false},
		{"teardown from failure", RoleReplica, PhaseInstalled, PhaseTornDown, true},
		{"teardown twice", RoleReplica, PhaseTornDown, PhaseTornDown, true},
		{"nothing after teardown", RoleLeader, PhaseTornDown, PhaseRunning, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.role, tt.from, tt.to))
		})
	}
}

func TestPhasesOnlyMoveForward(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("backward moves are illegal except stop/start and teardown", prop.ForAll(
		func(from, to int, leader bool) bool {
			role := RoleReplica
			if leader {
				role = RoleLeader
			}
			f, d := Phase(from), Phase(to)
			if d >= f || d == PhaseTornDown || (f == PhaseStopped && d == PhaseRunning) {
				return true
			}
			return !CanTransition(role, f, d)
		},
		gen.IntRange(0, int(PhaseTornDown)),
		gen.IntRange(0, int(PhaseTornDown)),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestGate(t *testing.T) {
	assert.NoError(t, Gate(RoleLeader, IntentRead))
	assert.NoError(t, Gate(RoleLeader, IntentWrite))
	assert.NoError(t, Gate(RoleReplica, IntentRead))
	assert.ErrorIs(t, Gate(RoleReplica, IntentWrite), ErrNotLeader)
	assert.ErrorIs(t, Gate(RoleLeader, Intent(9)), ErrUnknownIntent)

	assert.Equal(t, "read", IntentRead.String())
	assert.Equal(t, "write", IntentWrite.String())
}
