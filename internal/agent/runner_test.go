package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconiq/quote-engine/internal/memstore"
	"github.com/reconiq/quote-engine/internal/models"
)

func newRunner() (*Runner, *memstore.AgentRunStore, *memstore.AgentMemoryStore) {
	runs := memstore.NewAgentRunStore()
	memory := memstore.NewAgentMemoryStore()
	return NewRunner(runs, memory, NewToolRegistry()), runs, memory
}

func echoAgent(name string) Definition {
	return Definition{
		Name: name,
		Execute: func(_ context.Context, _ *RunContext, input json.RawMessage) (json.RawMessage, error) {
			return input, nil
		},
	}
}

// --- ToolRegistry ---

func TestToolRegistry_DuplicateRegistrationFails(t *testing.T) {
	reg := NewToolRegistry()
	h := func(context.Context, json.RawMessage) (json.RawMessage, error) { return nil, nil }

	require.NoError(t, reg.Register("decode_vin", h))
	err := reg.Register("decode_vin", h)

	assert.ErrorIs(t, err, ErrDuplicateTool)
	assert.Panics(t, func() { reg.MustRegister("decode_vin", h) })
	assert.Equal(t, []string{"decode_vin"}, reg.Names())
}

func TestToolRegistry_UnknownTool(t *testing.T) {
	reg := NewToolRegistry()

	_, err := reg.Invoke(context.Background(), "missing", nil)

	assert.ErrorIs(t, err, ErrUnknownTool)
}

// --- Runner ---

func TestRun_SuccessWritesOneTerminalRecord(t *testing.T) {
	runner, runs, _ := newRunner()
	tenantID := uuid.New()

	result, err := runner.Run(context.Background(), tenantID, echoAgent("echo"), json.RawMessage(`{"vin":"X"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"vin":"X"}`, string(result.Output))

	run, err := runs.GetByID(context.Background(), tenantID, result.RunID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, models.AgentRunSucceeded, run.Status)
	assert.Nil(t, run.LastError)
	assert.NotNil(t, run.CompletedAt)
	assert.NotNil(t, run.DurationMs)
	assert.Equal(t, 1, runs.TerminalWrites(result.RunID))
}

func TestRun_FailureIsRecordedAndReturned(t *testing.T) {
	runner, runs, _ := newRunner()
	tenantID := uuid.New()
	boom := errors.New("  vision provider\n returned 503  ")

	var runID uuid.UUID
	def := Definition{
		Name: "pricing",
		Execute: func(_ context.Context, rc *RunContext, _ json.RawMessage) (json.RawMessage, error) {
			runID = rc.RunID
			return nil, boom
		},
	}

	result, err := runner.Run(context.Background(), tenantID, def, nil)

	assert.Nil(t, result)
	assert.ErrorIs(t, err, boom, "Agent errors are returned to the caller")

	run, getErr := runs.GetByID(context.Background(), tenantID, runID)
	require.NoError(t, getErr)
	require.NotNil(t, run)
	assert.Equal(t, models.AgentRunFailed, run.Status)
	require.NotNil(t, run.LastError)
	assert.Equal(t, "vision provider returned 503", *run.LastError)
	assert.Equal(t, 1, runs.TerminalWrites(runID))
}

func TestRun_UnknownToolFailsRun(t *testing.T) {
	runner, runs, _ := newRunner()
	tenantID := uuid.New()

	var runID uuid.UUID
	def := Definition{
		Name: "triage",
		Execute: func(ctx context.Context, rc *RunContext, _ json.RawMessage) (json.RawMessage, error) {
			runID = rc.RunID
			return rc.Invoke(ctx, "not_registered", map[string]string{})
		},
	}

	_, err := runner.Run(context.Background(), tenantID, def, nil)

	assert.ErrorIs(t, err, ErrUnknownTool)
	run, _ := runs.GetByID(context.Background(), tenantID, runID)
	require.NotNil(t, run)
	assert.Equal(t, models.AgentRunFailed, run.Status)
}

func TestRun_PanicBecomesFailure(t *testing.T) {
	runner, runs, _ := newRunner()
	tenantID := uuid.New()

	var runID uuid.UUID
	def := Definition{
		Name: "delivery",
		Execute: func(_ context.Context, rc *RunContext, _ json.RawMessage) (json.RawMessage, error) {
			runID = rc.RunID
			panic("nil channel")
		},
	}

	_, err := runner.Run(context.Background(), tenantID, def, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil channel")
	assert.Equal(t, 1, runs.TerminalWrites(runID))
}

func TestRun_InvokesRegisteredTool(t *testing.T) {
	runner, _, _ := newRunner()
	runner.Tools().MustRegister("double", func(_ context.Context, in json.RawMessage) (json.RawMessage, error) {
		var n int
		if err := json.Unmarshal(in, &n); err != nil {
			return nil, err
		}
		return json.Marshal(n * 2)
	})

	def := Definition{
		Name: "math",
		Execute: func(ctx context.Context, rc *RunContext, _ json.RawMessage) (json.RawMessage, error) {
			return rc.Invoke(ctx, "double", 21)
		},
	}

	result, err := runner.Run(context.Background(), uuid.New(), def, nil)

	require.NoError(t, err)
	assert.Equal(t, "42", string(result.Output))
}

func TestRun_InvalidDefinition(t *testing.T) {
	runner, _, _ := newRunner()

	_, err := runner.Run(context.Background(), uuid.New(), Definition{Name: "empty"}, nil)
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	_, err = runner.Run(context.Background(), uuid.Nil, echoAgent("echo"), nil)
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

// --- Memory ---

func TestRun_MemoryIsTenantIsolated(t *testing.T) {
	runner, _, _ := newRunner()
	ctx := context.Background()
	tenantA, tenantB := uuid.New(), uuid.New()

	require.NoError(t, runner.Remember(ctx, tenantA, "upsell", "last_offer", "ceramic"))
	require.NoError(t, runner.Remember(ctx, tenantB, "upsell", "last_offer", "headlights"))

	def := Definition{
		Name:      "upsell",
		Namespace: "upsell",
		Execute: func(_ context.Context, rc *RunContext, _ json.RawMessage) (json.RawMessage, error) {
			v, _ := rc.Recall("last_offer")
			return v, nil
		},
	}

	result, err := runner.Run(ctx, tenantA, def, nil)
	require.NoError(t, err)

	assert.JSONEq(t, `"ceramic"`, string(result.Output))
	require.Len(t, result.Memory, 1)
	assert.Equal(t, tenantA, result.Memory[0].TenantID)
	assert.Equal(t, Scope(tenantA, "upsell"), result.Memory[0].Scope)
}

func TestRun_MemoryLimitAndRemember(t *testing.T) {
	runner, _, memory := newRunner()
	ctx := context.Background()
	tenantID := uuid.New()

	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, runner.Remember(ctx, tenantID, "triage", key, key))
	}

	def := Definition{
		Name:        "triage",
		MemoryLimit: 2,
		Execute: func(ctx context.Context, rc *RunContext, _ json.RawMessage) (json.RawMessage, error) {
			if len(rc.Memory) != 2 {
				return nil, errors.New("memory limit not applied")
			}
			return nil, rc.Remember(ctx, "d", "fresh")
		},
	}

	result, err := runner.Run(ctx, tenantID, def, nil)
	require.NoError(t, err)
	assert.Len(t, result.Memory, 3)
	assert.Equal(t, "d", result.Memory[0].Key, "Newest entry comes first")

	stored, err := memory.ListRecent(ctx, tenantID, Scope(tenantID, "triage"), 0)
	require.NoError(t, err)
	assert.Len(t, stored, 4)
}

func TestNormalizeError(t *testing.T) {
	assert.Equal(t, "unknown error", NormalizeError(nil))
	assert.Equal(t, "unknown error", NormalizeError(errors.New("   ")))
	assert.Equal(t, "a b", NormalizeError(errors.New(" a \t b ")))

	long := NormalizeError(errors.New(strings.Repeat("x", 900)))
	assert.Len(t, long, 500)
}
