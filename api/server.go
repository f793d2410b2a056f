package api

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.tabserve.dev/core/engine"
	"go.tabserve.dev/core/protocol"
	"go.tabserve.dev/core/rpc"
)

// Server serves the engine's method surface over one RPC connection. It
// registers a per-connection action listener which forwards each applied
// action set to the peer as an ("action", actionSet) signal; the listener
// disposes itself when the connection disconnects.
type Server struct {
	eng  *engine.Engine
	conn *rpc.Conn
}

// NewServer binds |eng| to |conn| and returns the Server.
func NewServer(eng *engine.Engine, conn *rpc.Conn) *Server {
	var s = &Server{eng: eng, conn: conn}
	conn.CallHandler = s.handleCall
	eng.AddActionListener(conn.Context(), s.forwardActions)
	return s
}

func (s *Server) handleCall(ctx context.Context, data rpc.StreamingData) (rpc.StreamingData, error) {
	var method, args, err = unmarshalCall(data.Value)
	if err != nil {
		return rpc.StreamingData{}, err
	}

	switch method {
	case MethodFetchQuery:
		return s.serveFetchQuery(ctx, args)
	case MethodFetchQueryStreaming:
		return s.serveFetchQueryStreaming(ctx, args)
	case MethodApplyActions:
		return s.serveApplyActions(ctx, args)
	default:
		return rpc.StreamingData{}, errors.Errorf("unknown method %q", method)
	}
}

func (s *Server) serveFetchQuery(ctx context.Context, args []json.RawMessage) (rpc.StreamingData, error) {
	var q protocol.Query
	if err := unmarshalArg(args, 0, &q); err != nil {
		return rpc.StreamingData{}, err
	}
	var res, err = s.eng.FetchQuery(ctx, q)
	if err != nil {
		return rpc.StreamingData{}, err
	}
	return marshalValue(res)
}

func (s *Server) serveFetchQueryStreaming(ctx context.Context, args []json.RawMessage) (rpc.StreamingData, error) {
	var q protocol.Query
	var opts protocol.StreamingOptions
	if err := unmarshalArg(args, 0, &q); err != nil {
		return rpc.StreamingData{}, err
	}
	if err := unmarshalArg(args, 1, &opts); err != nil {
		return rpc.StreamingData{}, err
	}
	var res, err = s.eng.FetchQueryStreaming(ctx, q, opts)
	if err != nil {
		return rpc.StreamingData{}, err
	}
	var value, mErr = marshalValue(res.Value)
	if mErr != nil {
		res.Chunks.Close()
		return rpc.StreamingData{}, mErr
	}
	value.Chunks = res.Chunks
	return value, nil
}

func (s *Server) serveApplyActions(ctx context.Context, args []json.RawMessage) (rpc.StreamingData, error) {
	var set protocol.ActionSet
	if err := unmarshalArg(args, 0, &set); err != nil {
		return rpc.StreamingData{}, err
	}
	var res, err = s.eng.ApplyActions(ctx, set)
	if err != nil {
		return rpc.StreamingData{}, err
	}
	return marshalValue(res)
}

// forwardActions relays one applied action set to the peer.
func (s *Server) forwardActions(set protocol.ActionSet) {
	var payload, err = json.Marshal([]interface{}{SignalAction, set})
	if err != nil {
		log.WithField("err", err).Warn("failed to marshal action signal")
		return
	}
	if err = s.conn.SendSignal(rpc.StreamingData{Value: payload}); err != nil {
		log.WithField("err", err).Warn("failed to send action signal")
	}
}

func unmarshalArg(args []json.RawMessage, i int, out interface{}) error {
	if i >= len(args) {
		return errors.Errorf("call is missing argument %d", i)
	}
	if err := json.Unmarshal(args[i], out); err != nil {
		return errors.WithMessagef(err, "decoding argument %d", i)
	}
	return nil
}

func marshalValue(v interface{}) (rpc.StreamingData, error) {
	var b, err = json.Marshal(v)
	if err != nil {
		return rpc.StreamingData{}, errors.WithMessage(err, "marshaling result")
	}
	return rpc.StreamingData{Value: b}, nil
}
