package jobstream

import (
	"context"
	"strings"
)

// Client is the set of remote calls a Stream needs.
type Client interface {
	PullJobUpdate(ctx context.Context, req PullRequest) (*PullResponse, error)
	ConnectSession(ctx context.Context, jobID string) (port string, err error)
	DisconnectSession(ctx context.Context, jobID string) error
	PushInput(ctx context.Context, req PushInputRequest) error
}

// Caller performs one JSON call, applying the transport's response policy.
// transport.Client satisfies it.
type Caller interface {
	Call(ctx context.Context, path string, in, out any) error
}

// API implements Client over a Caller.
type API struct {
	caller Caller
}

// NewAPI creates an API.
func NewAPI(c Caller) *API {
	return &API{caller: c}
}

// PullJobUpdate fetches everything after the request cursors.
func (a *API) PullJobUpdate(ctx context.Context, req PullRequest) (*PullResponse, error) {
	var resp PullResponse
	if err := a.caller.Call(ctx, PathPullJobUpdate, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ConnectSession attaches an interactive session and returns its port, which
// is empty when the server did not report one.
func (a *API) ConnectSession(ctx context.Context, jobID string) (string, error) {
	var resp ConnectResponse
	if err := a.caller.Call(ctx, PathConnectSession, ConnectRequest{JobID: jobID}, &resp); err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Port), nil
}

// DisconnectSession detaches an interactive session.
func (a *API) DisconnectSession(ctx context.Context, jobID string) error {
	return a.caller.Call(ctx, PathDisconnectSession, DisconnectRequest{JobID: jobID}, nil)
}

// PushInput delivers one line of input.
func (a *API) PushInput(ctx context.Context, req PushInputRequest) error {
	return a.caller.Call(ctx, PathPushInput, req, nil)
}

var _ Client = (*API)(nil)
