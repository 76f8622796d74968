package server_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"connectrpc.com/connect"

	"github.com/nvayro/gobfd/internal/server"
)

// echoMsg is a minimal payload used to drive connect.AnyRequest/AnyResponse
// through the interceptors without depending on any generated proto package.
type echoMsg struct {
	Value string
}

func okNext(_ context.Context, _ connect.AnyRequest) (connect.AnyResponse, error) {
	return connect.NewResponse(&echoMsg{Value: "ok"}), nil
}

func panicNext(_ context.Context, _ connect.AnyRequest) (connect.AnyResponse, error) {
	panic("intentional test panic")
}

func errNext(_ context.Context, _ connect.AnyRequest) (connect.AnyResponse, error) {
	return nil, connect.NewError(connect.CodeNotFound, errors.New("not found"))
}

func TestLoggingInterceptorSuccess(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)
	wrapped := server.LoggingInterceptor(logger)(okNext)

	resp, err := wrapped(context.Background(), connect.NewRequest(&echoMsg{}))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp == nil {
		t.Fatal("response is nil")
	}
}

func TestLoggingInterceptorError(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)
	wrapped := server.LoggingInterceptor(logger)(errNext)

	_, err := wrapped(context.Background(), connect.NewRequest(&echoMsg{}))
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var connectErr *connect.Error
	if !errors.As(err, &connectErr) {
		t.Fatalf("expected connect.Error, got %T: %v", err, err)
	}
	if connectErr.Code() != connect.CodeNotFound {
		t.Errorf("code = %s, want NotFound", connectErr.Code())
	}
}

func TestRecoveryInterceptorNoPanic(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)
	wrapped := server.RecoveryInterceptor(logger)(okNext)

	resp, err := wrapped(context.Background(), connect.NewRequest(&echoMsg{}))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp == nil {
		t.Fatal("response is nil")
	}
}

func TestRecoveryInterceptorPanic(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)
	wrapped := server.RecoveryInterceptor(logger)(panicNext)

	_, err := wrapped(context.Background(), connect.NewRequest(&echoMsg{}))
	if err == nil {
		t.Fatal("expected error after panic, got nil")
	}

	var connectErr *connect.Error
	if !errors.As(err, &connectErr) {
		t.Fatalf("expected connect.Error, got %T: %v", err, err)
	}
	if connectErr.Code() != connect.CodeInternal {
		t.Errorf("code = %s, want Internal", connectErr.Code())
	}
	if !errors.Is(err, server.ErrPanicRecovered) {
		t.Errorf("error = %v, want wrapping ErrPanicRecovered", err)
	}
}

func TestBothInterceptors(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)
	wrapped := server.LoggingInterceptor(logger)(server.RecoveryInterceptor(logger)(okNext))

	resp, err := wrapped(context.Background(), connect.NewRequest(&echoMsg{}))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp == nil {
		t.Fatal("response is nil")
	}
}

func TestInterceptorOptionsConstructHealthHandler(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)
	path, handler := server.NewHealthHandler(
		[]string{"gobfd.RequestAPI"},
		server.LoggingInterceptorOption(logger),
		server.RecoveryInterceptorOption(logger),
	)
	if path == "" {
		t.Error("expected non-empty health check path")
	}
	if handler == nil {
		t.Error("expected non-nil health check handler")
	}
}
