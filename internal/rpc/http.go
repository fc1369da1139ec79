package rpc

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// NewRouter builds the HTTP front end for the control contract: a single
// POST endpoint carrying a JSON-RPC-style {method, params} envelope,
// matching the teacher's gorilla/mux-based api.NewRouter wiring pattern.
func NewRouter(s *Server) *mux.Router {
	r := mux.NewRouter().StrictSlash(true)
	r.Methods("POST").Path("/v1/rpc").Handler(http.HandlerFunc(s.serveHTTP))
	return r
}

func (s *Server) serveHTTP(w http.ResponseWriter, req *http.Request) {
	var reqBody struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(req.Body).Decode(&reqBody); err != nil {
		writeResponse(w, Response{Error: &ErrorBody{Code: errnoEINVAL, Message: "malformed request body: " + err.Error()}})
		return
	}

	result, code, msg := s.Dispatch(req.Context(), reqBody.Method, reqBody.Params)
	if code != 0 {
		s.log.WithFields(logrus.Fields{"method": reqBody.Method, "code": code}).Warn(msg)
		writeResponse(w, Response{Error: &ErrorBody{Code: code, Message: msg}})
		return
	}
	writeResponse(w, Response{Result: result})
}

func writeResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	if resp.Error != nil {
		w.WriteHeader(http.StatusOK) // errno carried in the body, per spec.md §6
	}
	_ = json.NewEncoder(w).Encode(resp)
}
