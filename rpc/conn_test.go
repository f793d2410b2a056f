package rpc_test

import (
	"context"
	"encoding/json"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.tabserve.dev/core/rpc"
	"go.tabserve.dev/core/stream"
	"go.tabserve.dev/core/teststub"
	"go.tabserve.dev/core/wire"
)

func drainChunks(t *testing.T, cs rpc.ChunkSource) []string {
	var out []string
	for {
		var c, err = cs.Next(context.Background())
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, string(c.(json.RawMessage)))
	}
}

func TestCallEchoesValue(t *testing.T) {
	var l = teststub.NewLoopback()
	defer l.Close()

	l.Server.CallHandler = func(_ context.Context, d rpc.StreamingData) (rpc.StreamingData, error) {
		return rpc.StreamingData{Value: d.Value}, nil
	}

	var res, err = l.Client.MakeCall(context.Background(),
		rpc.StreamingData{Value: json.RawMessage(`"hello world"`)})
	require.NoError(t, err)
	require.Equal(t, `"hello world"`, string(res.Value))
	require.Nil(t, res.Chunks)
}

func TestStreamingResponseDeliversChunksInOrder(t *testing.T) {
	var l = teststub.NewLoopback()
	defer l.Close()

	l.Server.CallHandler = func(_ context.Context, _ rpc.StreamingData) (rpc.StreamingData, error) {
		var it = stream.New(nil)
		for _, c := range []string{`1`, `2`, `3`} {
			it.SupplyChunk(json.RawMessage(c))
		}
		it.FinishOK()
		return rpc.StreamingData{Value: json.RawMessage(`"head"`), Chunks: it}, nil
	}

	var res, err = l.Client.MakeCall(context.Background(), rpc.StreamingData{})
	require.NoError(t, err)
	require.Equal(t, `"head"`, string(res.Value))
	require.NotNil(t, res.Chunks)
	require.Equal(t, []string{`1`, `2`, `3`}, drainChunks(t, res.Chunks))
}

func TestStreamingCallTailReachesHandler(t *testing.T) {
	var l = teststub.NewLoopback()
	defer l.Close()

	var gotCh = make(chan []string, 1)
	l.Server.CallHandler = func(ctx context.Context, d rpc.StreamingData) (rpc.StreamingData, error) {
		if d.Chunks == nil {
			return rpc.StreamingData{}, errors.New("expected a chunk tail")
		}
		var got []string
		for {
			var c, err = d.Chunks.Next(ctx)
			if err == io.EOF {
				break
			} else if err != nil {
				return rpc.StreamingData{}, err
			}
			got = append(got, string(c.(json.RawMessage)))
		}
		gotCh <- got
		return rpc.StreamingData{Value: json.RawMessage(`"ok"`)}, nil
	}

	var it = stream.New(nil)
	it.SupplyChunk(json.RawMessage(`"a"`))
	it.SupplyChunk(json.RawMessage(`"b"`))
	it.FinishOK()

	var res, err = l.Client.MakeCall(context.Background(),
		rpc.StreamingData{Value: json.RawMessage(`null`), Chunks: it})
	require.NoError(t, err)
	require.Equal(t, `"ok"`, string(res.Value))
	require.Equal(t, []string{`"a"`, `"b"`}, <-gotCh)
}

func TestSignalReachesHandler(t *testing.T) {
	var l = teststub.NewLoopback()
	defer l.Close()

	var gotCh = make(chan string, 1)
	l.Server.SignalHandler = func(_ context.Context, d rpc.StreamingData) {
		gotCh <- string(d.Value)
	}

	require.NoError(t, l.Client.SendSignal(rpc.StreamingData{Value: json.RawMessage(`["action",[]]`)}))
	require.Equal(t, `["action",[]]`, <-gotCh)
}

func TestHandlerErrorIsReturnedToCaller(t *testing.T) {
	var l = teststub.NewLoopback()
	defer l.Close()

	l.Server.CallHandler = func(_ context.Context, _ rpc.StreamingData) (rpc.StreamingData, error) {
		return rpc.StreamingData{}, errors.New("handler boom")
	}

	var _, err = l.Client.MakeCall(context.Background(), rpc.StreamingData{})
	require.EqualError(t, err, "handler boom")
}

func TestStreamingTailErrorTerminatesStream(t *testing.T) {
	var l = teststub.NewLoopback()
	defer l.Close()

	l.Server.CallHandler = func(_ context.Context, _ rpc.StreamingData) (rpc.StreamingData, error) {
		var it = stream.New(nil)
		it.SupplyChunk(json.RawMessage(`1`))
		it.SupplyError(errors.New("mid-stream boom"))
		return rpc.StreamingData{Chunks: it}, nil
	}

	var res, err = l.Client.MakeCall(context.Background(), rpc.StreamingData{})
	require.NoError(t, err)

	var c, err2 = res.Chunks.Next(context.Background())
	require.NoError(t, err2)
	require.Equal(t, `1`, string(c.(json.RawMessage)))

	_, err2 = res.Chunks.Next(context.Background())
	require.EqualError(t, err2, "mid-stream boom")

	_, err2 = res.Chunks.Next(context.Background())
	require.Equal(t, io.EOF, err2)
}

func TestAbortCancelsInFlightCall(t *testing.T) {
	var l = teststub.NewLoopback()
	defer l.Close()

	var handlerStarted = make(chan struct{})
	l.Server.CallHandler = func(ctx context.Context, _ rpc.StreamingData) (rpc.StreamingData, error) {
		close(handlerStarted)
		<-ctx.Done()
		return rpc.StreamingData{}, context.Cause(ctx)
	}

	var ctx, cancel = context.WithCancel(context.Background())
	go func() {
		<-handlerStarted
		cancel()
	}()

	var _, err = l.Client.MakeCall(ctx, rpc.StreamingData{})
	require.Error(t, err)
	require.True(t, errors.Is(err, rpc.ErrAborted), "expected aborted error, got %v", err)
}

func TestDisconnectRejectsPendingWork(t *testing.T) {
	var l = teststub.NewLoopback()

	var block = make(chan struct{})
	l.Server.CallHandler = func(ctx context.Context, _ rpc.StreamingData) (rpc.StreamingData, error) {
		<-block
		return rpc.StreamingData{}, nil
	}
	defer close(block)

	var errCh = make(chan error, 1)
	go func() {
		var _, err = l.Client.MakeCall(context.Background(), rpc.StreamingData{})
		errCh <- err
	}()
	time.Sleep(5 * time.Millisecond)

	var reason = errors.New("the network fell over")
	l.ClientPipe.Disconnect(reason)
	require.Equal(t, reason, <-errCh)
}

func TestDisconnectErrorsOpenStreams(t *testing.T) {
	var l = teststub.NewLoopback()

	l.Server.CallHandler = func(_ context.Context, _ rpc.StreamingData) (rpc.StreamingData, error) {
		var it = stream.New(nil)
		it.SupplyChunk(json.RawMessage(`1`))
		// The tail never finishes; disconnect must end it.
		return rpc.StreamingData{Chunks: it}, nil
	}

	var res, err = l.Client.MakeCall(context.Background(), rpc.StreamingData{})
	require.NoError(t, err)

	var c, err2 = res.Chunks.Next(context.Background())
	require.NoError(t, err2)
	require.Equal(t, `1`, string(c.(json.RawMessage)))

	var reason = errors.New("gone")
	l.ClientPipe.Disconnect(reason)
	l.ServerPipe.Disconnect(reason)

	_, err2 = res.Chunks.Next(context.Background())
	require.Equal(t, reason, err2)
}

func TestUnknownResponseFailsDispatch(t *testing.T) {
	var l = teststub.NewLoopback()
	defer l.Close()

	var hookErr error
	l.Client.DispatchErrorHook = func(_ wire.Message, err error) { hookErr = err }

	require.False(t, l.Client.Dispatch(wire.Message{MType: wire.Resp, ReqID: 999}))
	require.EqualError(t, hookErr, "no pending call for response 999")
}

func TestStreamingTailRespectsDrain(t *testing.T) {
	var l = teststub.NewLoopback()
	defer l.Close()

	var drainCalls int32
	l.ServerPipe.DrainFn = func() <-chan struct{} {
		atomic.AddInt32(&drainCalls, 1)
		var ch = make(chan struct{})
		go func() {
			time.Sleep(time.Millisecond)
			close(ch)
		}()
		return ch
	}

	l.Server.CallHandler = func(_ context.Context, _ rpc.StreamingData) (rpc.StreamingData, error) {
		var it = stream.New(nil)
		for _, c := range []string{`1`, `2`, `3`} {
			it.SupplyChunk(json.RawMessage(c))
		}
		it.FinishOK()
		return rpc.StreamingData{Chunks: it}, nil
	}

	var res, err = l.Client.MakeCall(context.Background(), rpc.StreamingData{})
	require.NoError(t, err)
	require.Equal(t, []string{`1`, `2`, `3`}, drainChunks(t, res.Chunks))
	require.NotZero(t, atomic.LoadInt32(&drainCalls))
}
