// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Thermoquad/rpsplc/internal/plc"
	"github.com/Thermoquad/rpsplc/pkg/link"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody decodes an optional JSON body into v
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Snapshot())
}

type scramRequest struct {
	Reason string `json:"reason"`
}

func (h *Handlers) handleScram(w http.ResponseWriter, r *http.Request) {
	var req scramRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Reason == "" {
		req.Reason = "operator scram via api"
	}
	h.submit(w, r, plc.Command{Op: link.OpScram, Reason: req.Reason})
}

func (h *Handlers) handleReset(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, plc.Command{Op: link.OpReset})
}

type burnRateRequest struct {
	Rate *float64 `json:"rate"`
}

func (h *Handlers) handleBurnRate(w http.ResponseWriter, r *http.Request) {
	var req burnRateRequest
	if err := decodeBody(r, &req); err != nil || req.Rate == nil {
		writeError(w, http.StatusBadRequest, "rate is required")
		return
	}
	h.submit(w, r, plc.Command{Op: link.OpSetBurnRate, Value: *req.Rate})
}

type burnRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *Handlers) handleBurn(w http.ResponseWriter, r *http.Request) {
	var req burnRequest
	if err := decodeBody(r, &req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	cmd := plc.Command{Op: link.OpEnableBurn}
	if *req.Enabled {
		cmd.Value = 1
	}
	h.submit(w, r, cmd)
}

// submit forwards cmd to the controller. A refused command answers 409
// with the result body so callers can see held flags.
func (h *Handlers) submit(w http.ResponseWriter, r *http.Request, cmd plc.Command) {
	cmd.Source = plc.SourceAPI

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	res, err := h.ctrl.Submit(ctx, cmd)
	switch {
	case errors.Is(err, plc.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "controller did not answer in time")
		return
	case err != nil:
		h.log.Error("command failed", "op", cmd.Op, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusOK
	if !res.OK {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}
