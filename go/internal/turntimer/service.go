package turntimer

import (
	"context"
	"errors"
	"net/http"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/mcdev12/tabletop/go/internal/models"
)

const (
	// TurnTimerServiceName is the fully-qualified name of the durable timer service.
	TurnTimerServiceName = "tabletop.turntimer.v1.TurnTimerService"

	InitializeTurnTimerProcedure = "/" + TurnTimerServiceName + "/InitializeTurnTimer"
	GetTimerStateProcedure       = "/" + TurnTimerServiceName + "/GetTimerState"
	UpdatePlayerTimeProcedure    = "/" + TurnTimerServiceName + "/UpdatePlayerTime"
	PassTurnProcedure            = "/" + TurnTimerServiceName + "/PassTurn"
	DisableTurnTimerProcedure    = "/" + TurnTimerServiceName + "/DisableTurnTimer"
)

// TurnTimerApp defines what the service layer needs. *App satisfies it directly; the gateway
// hands in the coordinator so RPC writes go through the live authority.
type TurnTimerApp interface {
	InitializeTurnTimer(ctx context.Context, req InitializeTurnTimerRequest) (*InitializeTurnTimerResponse, error)
	GetTimerState(ctx context.Context, sessionID uuid.UUID) (*models.TurnTimer, error)
	UpdatePlayerTime(ctx context.Context, req UpdatePlayerTimeRequest) error
	PassTurn(ctx context.Context, req PassTurnRequest) (*PassTurnResponse, error)
	DisableTurnTimer(ctx context.Context, sessionID uuid.UUID) error
}

// Service implements the TurnTimerService Connect handlers
type Service struct {
	app TurnTimerApp
}

// NewService creates a new turn timer Connect service
func NewService(app TurnTimerApp) *Service {
	return &Service{
		app: app,
	}
}

// NewHandler builds the HTTP handler for every procedure and returns the path prefix to mount it on.
func NewHandler(svc *Service, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(JSONCodec{})}, opts...)

	initialize := connect.NewUnaryHandler(InitializeTurnTimerProcedure, svc.InitializeTurnTimer, opts...)
	getState := connect.NewUnaryHandler(GetTimerStateProcedure, svc.GetTimerState, opts...)
	updateTime := connect.NewUnaryHandler(UpdatePlayerTimeProcedure, svc.UpdatePlayerTime, opts...)
	passTurn := connect.NewUnaryHandler(PassTurnProcedure, svc.PassTurn, opts...)
	disable := connect.NewUnaryHandler(DisableTurnTimerProcedure, svc.DisableTurnTimer, opts...)

	return "/" + TurnTimerServiceName + "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case InitializeTurnTimerProcedure:
			initialize.ServeHTTP(w, r)
		case GetTimerStateProcedure:
			getState.ServeHTTP(w, r)
		case UpdatePlayerTimeProcedure:
			updateTime.ServeHTTP(w, r)
		case PassTurnProcedure:
			passTurn.ServeHTTP(w, r)
		case DisableTurnTimerProcedure:
			disable.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

// InitializeTurnTimer enables the timer for a session
func (s *Service) InitializeTurnTimer(ctx context.Context, req *connect.Request[InitializeTurnTimerRequest]) (*connect.Response[InitializeTurnTimerResponse], error) {
	resp, err := s.app.InitializeTurnTimer(ctx, *req.Msg)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(resp), nil
}

// GetTimerState returns the durable timer state of a session
func (s *Service) GetTimerState(ctx context.Context, req *connect.Request[GetTimerStateRequest]) (*connect.Response[TimerStateResponse], error) {
	if req.Msg.SessionID == uuid.Nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("sessionId is required"))
	}

	timer, err := s.app.GetTimerState(ctx, req.Msg.SessionID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(TimerStateFromModel(timer)), nil
}

// UpdatePlayerTime overwrites one participant's budget
func (s *Service) UpdatePlayerTime(ctx context.Context, req *connect.Request[UpdatePlayerTimeRequest]) (*connect.Response[SuccessResponse], error) {
	if err := s.app.UpdatePlayerTime(ctx, *req.Msg); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&SuccessResponse{Success: true}), nil
}

// PassTurn moves the turn to the next player
func (s *Service) PassTurn(ctx context.Context, req *connect.Request[PassTurnRequest]) (*connect.Response[PassTurnResponse], error) {
	resp, err := s.app.PassTurn(ctx, *req.Msg)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(resp), nil
}

// DisableTurnTimer turns the timer off
func (s *Service) DisableTurnTimer(ctx context.Context, req *connect.Request[DisableTurnTimerRequest]) (*connect.Response[SuccessResponse], error) {
	if err := s.app.DisableTurnTimer(ctx, req.Msg.SessionID); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&SuccessResponse{Success: true}), nil
}

func toConnectError(err error) error {
	switch {
	case errors.Is(err, models.ErrValidation):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, models.ErrNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, models.ErrConcurrencyConflict):
		return connect.NewError(connect.CodeAborted, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}
