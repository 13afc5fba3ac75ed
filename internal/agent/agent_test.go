package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/countygis/agentcore/api/schemas"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuncAgent_RoutesByAction(t *testing.T) {
	ctx := context.Background()
	var gotAction string
	a := NewFuncAgent("validator-1", schemas.AgentDataValidation,
		func(ctx context.Context, req schemas.AgentRequest) (*schemas.AgentResponse, error) {
			gotAction = "fallback:" + req.Action
			return Success("fallback", nil), nil
		},
		WithAction("check_schema", func(ctx context.Context, req schemas.AgentRequest) (*schemas.AgentResponse, error) {
			gotAction = req.Action
			return Success("checked", map[string]interface{}{"valid": true}), nil
		}),
		WithCapabilities("schema", "topology"),
	)

	resp, err := a.HandleRequest(ctx, schemas.AgentRequest{Type: "validation_check", Action: "check_schema"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "check_schema", gotAction)

	resp, err = a.HandleRequest(ctx, schemas.AgentRequest{Type: "validation_check", Action: "other"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "fallback:other", gotAction)

	assert.Equal(t, []string{"schema", "topology"}, a.Capabilities())
	status := a.GetStatus(ctx)
	assert.Equal(t, int64(2), status["handled"])
	assert.Equal(t, int64(0), status["failed"])
}

func TestFuncAgent_UnknownActionWithoutFallback(t *testing.T) {
	a := NewFuncAgent("wf-1", schemas.AgentWorkflow, nil)

	resp, err := a.HandleRequest(context.Background(), schemas.AgentRequest{Action: "approve"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(ErrCodeUnknownAction), resp.Error.Code)
	assert.Equal(t, "approve", resp.Error.Details["action"])
}

func TestFuncAgent_InactiveRejects(t *testing.T) {
	called := false
	a := NewFuncAgent("v-1", schemas.AgentValuation,
		func(ctx context.Context, req schemas.AgentRequest) (*schemas.AgentResponse, error) {
			called = true
			return Success("", nil), nil
		}, Inactive())

	assert.False(t, a.IsActive())
	resp, err := a.HandleRequest(context.Background(), schemas.AgentRequest{})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, string(ErrCodeAgentInactive), resp.Error.Code)
	assert.False(t, called)

	a.SetActive(true)
	assert.True(t, a.IsActive())
}

func TestFuncAgent_ShutdownRunsHookOnce(t *testing.T) {
	calls := 0
	hookErr := errors.New("flush failed")
	a := NewEchoAgent("echo-1", schemas.AgentReporting, WithShutdown(func(ctx context.Context) error {
		calls++
		return hookErr
	}))

	assert.ErrorIs(t, a.Shutdown(context.Background()), hookErr)
	assert.ErrorIs(t, a.Shutdown(context.Background()), hookErr)
	assert.Equal(t, 1, calls)
	assert.False(t, a.IsActive(), "shutdown deactivates the agent")
}

func TestEchoAgent_ReturnsPayload(t *testing.T) {
	a := NewEchoAgent("echo-1", schemas.AgentSpatialAnalysis)
	payload := map[string]interface{}{"parcel": "12-345"}

	resp, err := a.HandleRequest(context.Background(), schemas.AgentRequest{Type: "map_overlay", Action: "render", Payload: payload})
	require.NoError(t, err)
	require.True(t, resp.Success)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "echo-1", data["agent"])
	assert.Equal(t, payload, data["payload"])
}

func TestFailure_BuildsStructuredError(t *testing.T) {
	resp := Failure(ErrCodeInvalidParameters, "missing parcel id", map[string]interface{}{"field": "parcel"})
	assert.False(t, resp.Success)
	assert.Equal(t, "missing parcel id", resp.Message)
	assert.Equal(t, "INVALID_PARAMETERS: missing parcel id", resp.Error.Error())
}
