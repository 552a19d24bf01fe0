package rpcserver

import (
	"encoding/json"

	"github.com/radiumce/microsandbox/internal/errs"
)

// request is a single JSON-RPC 2.0 request object.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

// response is a single JSON-RPC 2.0 response object. Result and Error are
// mutually exclusive, matching the wire spec.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

type rpcError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// methodFunc handles one JSON-RPC method. It receives the raw params and
// returns a JSON-serializable result or an *errs.Error.
type methodFunc func(ctx dispatchContext, params json.RawMessage) (any, error)

// errorToRPC maps an *errs.Error into the JSON-RPC error envelope's
// {code, message, data}; any other error is wrapped as InternalError first.
func errorToRPC(err error) *rpcError {
	if se, ok := err.(*errs.Error); ok {
		return &rpcError{Code: se.Code, Message: se.Message, Data: se.Data()}
	}
	ie := errs.InternalError(err)
	return &rpcError{Code: ie.Code, Message: ie.Message, Data: ie.Data()}
}

func decodeParams[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, errs.ConfigInvalid("invalid params: " + err.Error())
	}
	return v, nil
}
