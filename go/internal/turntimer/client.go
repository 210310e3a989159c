package turntimer

import (
	"context"
	"net/http"
	"strings"

	"connectrpc.com/connect"
)

// Client calls the TurnTimerService over Connect with the JSON codec.
type Client struct {
	initialize *connect.Client[InitializeTurnTimerRequest, InitializeTurnTimerResponse]
	getState   *connect.Client[GetTimerStateRequest, TimerStateResponse]
	updateTime *connect.Client[UpdatePlayerTimeRequest, SuccessResponse]
	passTurn   *connect.Client[PassTurnRequest, PassTurnResponse]
	disable    *connect.Client[DisableTurnTimerRequest, SuccessResponse]
}

// NewClient creates a client for the service hosted at baseURL.
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(JSONCodec{})}, opts...)
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		initialize: connect.NewClient[InitializeTurnTimerRequest, InitializeTurnTimerResponse](httpClient, baseURL+InitializeTurnTimerProcedure, opts...),
		getState:   connect.NewClient[GetTimerStateRequest, TimerStateResponse](httpClient, baseURL+GetTimerStateProcedure, opts...),
		updateTime: connect.NewClient[UpdatePlayerTimeRequest, SuccessResponse](httpClient, baseURL+UpdatePlayerTimeProcedure, opts...),
		passTurn:   connect.NewClient[PassTurnRequest, PassTurnResponse](httpClient, baseURL+PassTurnProcedure, opts...),
		disable:    connect.NewClient[DisableTurnTimerRequest, SuccessResponse](httpClient, baseURL+DisableTurnTimerProcedure, opts...),
	}
}

func (c *Client) InitializeTurnTimer(ctx context.Context, req InitializeTurnTimerRequest) (*InitializeTurnTimerResponse, error) {
	resp, err := c.initialize.CallUnary(ctx, connect.NewRequest(&req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) GetTimerState(ctx context.Context, req GetTimerStateRequest) (*TimerStateResponse, error) {
	resp, err := c.getState.CallUnary(ctx, connect.NewRequest(&req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) UpdatePlayerTime(ctx context.Context, req UpdatePlayerTimeRequest) (bool, error) {
	resp, err := c.updateTime.CallUnary(ctx, connect.NewRequest(&req))
	if err != nil {
		return false, err
	}
	return resp.Msg.Success, nil
}

func (c *Client) PassTurn(ctx context.Context, req PassTurnRequest) (*PassTurnResponse, error) {
	resp, err := c.passTurn.CallUnary(ctx, connect.NewRequest(&req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) DisableTurnTimer(ctx context.Context, req DisableTurnTimerRequest) (bool, error) {
	resp, err := c.disable.CallUnary(ctx, connect.NewRequest(&req))
	if err != nil {
		return false, err
	}
	return resp.Msg.Success, nil
}
