package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/copyleftdev/rbdo/internal/errors"
	"github.com/copyleftdev/rbdo/internal/runner"
)

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type idParams struct {
	OptimizationID string `json:"optimization_id"`
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, codeParseError, "Parse error", nil)
		return
	}

	// Validate JSON-RPC 2.0 request
	if request.JSONRPC != "2.0" || request.Method == "" {
		s.respondWithError(w, codeInvalidRequest, "Invalid Request", request.ID)
		return
	}

	// Route to appropriate handler
	var result interface{}
	var err error

	switch request.Method {
	case "problems.list":
		result = s.deps.Problems.List()
	case "optimization.start":
		result, err = s.handleOptimizeStart(request.Params)
	case "optimization.status":
		result, err = s.handleOptimizationStatus(request.Params)
	case "optimization.cancel":
		result, err = s.handleOptimizationCancel(request.Params)
	default:
		s.respondWithError(w, codeMethodNotFound, "Method not found", request.ID)
		return
	}

	if err != nil {
		code := codeServerError
		if errors.StatusOf(err) == http.StatusBadRequest {
			code = codeInvalidParams
		}
		s.respondWithError(w, code, err.Error(), request.ID)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	})
}

// handleOptimizeStart starts a background run. Params are a run request,
// either as an object or as the single element of an array.
func (s *Server) handleOptimizeStart(params json.RawMessage) (interface{}, error) {
	obj, err := paramObject(params)
	if err != nil {
		return nil, err
	}
	req, err := runner.DecodeJSON(bytes.NewReader(obj))
	if err != nil {
		return nil, err
	}
	return s.startOptimization(req)
}

// handleOptimizationStatus expects {"optimization_id": "..."}.
func (s *Server) handleOptimizationStatus(params json.RawMessage) (interface{}, error) {
	id, err := optimizationID(params)
	if err != nil {
		return nil, err
	}
	return s.jobs.status(id)
}

// handleOptimizationCancel expects {"optimization_id": "..."}.
func (s *Server) handleOptimizationCancel(params json.RawMessage) (interface{}, error) {
	id, err := optimizationID(params)
	if err != nil {
		return nil, err
	}
	if err := s.jobs.cancel(id); err != nil {
		return nil, err
	}
	return map[string]string{"optimization_id": id, "status": StatusCancelled}, nil
}

func optimizationID(params json.RawMessage) (string, error) {
	obj, err := paramObject(params)
	if err != nil {
		return "", err
	}
	var p idParams
	if err := json.Unmarshal(obj, &p); err != nil {
		return "", errors.BadRequest(err, "invalid parameter format, expected object")
	}
	if p.OptimizationID == "" {
		return "", errors.BadRequest(fmt.Errorf("optimization_id is required"), "invalid params")
	}
	return p.OptimizationID, nil
}

// paramObject unwraps params given as [object].
func paramObject(params json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 {
		return nil, errors.BadRequest(fmt.Errorf("missing required parameters"), "invalid params")
	}
	if trimmed[0] != '[' {
		return trimmed, nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(trimmed, &list); err != nil {
		return nil, errors.BadRequest(err, "invalid params")
	}
	if len(list) == 0 {
		return nil, errors.BadRequest(fmt.Errorf("missing required parameters"), "invalid params")
	}
	return list[0], nil
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.logger.Warn("Request error", map[string]interface{}{
		"status":  code,
		"message": message,
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	})
}
