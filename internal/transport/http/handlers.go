package http

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/snehjoshi/courier/internal/coordinator"
	"github.com/snehjoshi/courier/internal/dlq"
	"github.com/snehjoshi/courier/internal/netmon"
	"github.com/snehjoshi/courier/internal/types"
)

// Header limits enforced on submission.
const (
	headerMaxKeys     = 32
	headerMaxKeyBytes = 128
	headerMaxValBytes = 4096
)

// maxWait caps ?wait=true.
const maxWait = 5 * time.Minute

// validateHeaders returns a non-nil error if m violates any header limit.
func validateHeaders(m map[string]string) error {
	if len(m) > headerMaxKeys {
		return fmt.Errorf("headers: too many keys (max %d)", headerMaxKeys)
	}
	for k, v := range m {
		if k == "" {
			return errors.New("headers: key must not be empty")
		}
		if len(k) > headerMaxKeyBytes {
			return fmt.Errorf("headers: key too long (max %d bytes)", headerMaxKeyBytes)
		}
		if len(v) > headerMaxValBytes {
			return fmt.Errorf("headers: value too long (max %d bytes)", headerMaxValBytes)
		}
	}
	return nil
}

// Handler groups all HTTP request handlers around a Coordinator.
type Handler struct {
	coord *coordinator.Coordinator
	mon   *netmon.Monitor
	dlq   *dlq.Recorder // nil when the dead-letter log is disabled

	nodeID     string
	endpoint   string
	maxRetries int
	log        *zap.Logger
	started    time.Time
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type submitReq struct {
	ID             string            `json:"id"`
	Endpoint       string            `json:"endpoint"`
	Body           string            `json:"body"` // base64-encoded
	ContentType    string            `json:"content_type"`
	Priority       string            `json:"priority"`
	MaxRetries     *int              `json:"max_retries"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	Headers        map[string]string `json:"headers"`
}

type submitResp struct {
	RequestID string              `json:"request_id"`
	Result    *coordinator.Result `json:"result,omitempty"`
}

type cancelAllResp struct {
	Cancelled int `json:"cancelled"`
}

type queueResp struct {
	Stats    types.QueueStats   `json:"stats"`
	InFlight int                `json:"in_flight"`
	Entries  []types.QueueEntry `json:"entries,omitempty"`
}

type dlqResp struct {
	Total   int          `json:"total"`
	Records []dlq.Record `json:"records"`
}

type replayResp struct {
	Replayed int `json:"replayed"`
}

type networkReq struct {
	Connectivity *string `json:"connectivity"`
	LinkType     *string `json:"link_type"`
	LowPower     *bool   `json:"low_power"`
}

type healthResp struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	Version  string `json:"version"`
	Queued   int    `json:"queued"`
	InFlight int    `json:"in_flight"`
	Network  string `json:"network"`
}

// Version is reported by /health.
var Version = "1.0.0"

// ─── Health ───────────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(h.started)
	writeJSON(w, http.StatusOK, healthResp{
		Status:   "ok",
		NodeID:   h.nodeID,
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
		Version:  Version,
		Queued:   h.coord.QueueStats().CurrentSize,
		InFlight: h.coord.InFlight(),
		Network:  h.mon.Connectivity().String(),
	})
}

func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.coord.Ready():
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	default:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
	}
}

// ─── Requests ─────────────────────────────────────────────────────────────────

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if !decodeJSON(w, r, &req) {
		return
	}

	spec, err := h.toSpec(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	handle, err := h.coord.Submit(r.Context(), spec)
	if err != nil {
		writeError(w, submitStatus(err), err)
		return
	}

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		writeJSON(w, http.StatusAccepted, submitResp{RequestID: handle.ID()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), maxWait)
	defer cancel()
	res, err := handle.Wait(ctx)
	if err != nil {
		// The delivery keeps running; the caller can poll /v1/queue.
		writeJSON(w, http.StatusAccepted, submitResp{RequestID: handle.ID()})
		return
	}
	writeJSON(w, http.StatusOK, submitResp{RequestID: handle.ID(), Result: &res})
}

func (h *Handler) toSpec(req submitReq) (*types.RequestSpec, error) {
	body, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		return nil, fmt.Errorf("body must be base64: %w", err)
	}
	prio, err := types.ParsePriority(req.Priority)
	if err != nil {
		return nil, err
	}
	if err := validateHeaders(req.Headers); err != nil {
		return nil, err
	}

	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = h.endpoint
	}
	if endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if !validEndpointURL(endpoint) {
		return nil, errors.New("endpoint must be an http or https URL")
	}

	maxRetries := h.maxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	return &types.RequestSpec{
		ID:             req.ID,
		Endpoint:       endpoint,
		Payload:        types.Payload{Body: body, ContentType: req.ContentType},
		Priority:       prio,
		MaxRetries:     maxRetries,
		TimeoutSeconds: req.TimeoutSeconds,
		Headers:        req.Headers,
	}, nil
}

func submitStatus(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidSpec):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, coordinator.ErrNotStarted), errors.Is(err, coordinator.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.coord.Cancel(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "request not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) cancelAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, cancelAllResp{Cancelled: h.coord.CancelAll()})
}

// ─── Queue ────────────────────────────────────────────────────────────────────

func (h *Handler) flush(w http.ResponseWriter, r *http.Request) {
	report, err := h.coord.Flush(r.Context())
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, coordinator.ErrNotStarted) || errors.Is(err, coordinator.ErrStopped) {
			code = http.StatusServiceUnavailable
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) queue(w http.ResponseWriter, r *http.Request) {
	resp := queueResp{Stats: h.coord.QueueStats(), InFlight: h.coord.InFlight()}
	if v := r.URL.Query().Get("entries"); v != "false" && v != "0" {
		resp.Entries = h.coord.QueueSnapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ─── DLQ ──────────────────────────────────────────────────────────────────────

func (h *Handler) listDLQ(w http.ResponseWriter, r *http.Request) {
	if h.dlq == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "dead-letter log disabled"})
		return
	}
	limit := queryInt(r, "limit", 100)
	records := h.dlq.List(limit)
	if records == nil {
		records = []dlq.Record{}
	}
	writeJSON(w, http.StatusOK, dlqResp{Total: h.dlq.Len(), Records: records})
}

func (h *Handler) replayDLQ(w http.ResponseWriter, r *http.Request) {
	if h.dlq == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "dead-letter log disabled"})
		return
	}
	limit := queryInt(r, "limit", 10)
	n, err := h.dlq.Replay(r.Context(), limit, func(ctx context.Context, spec *types.RequestSpec) error {
		_, err := h.coord.Submit(ctx, spec)
		return err
	})
	if err != nil && n == 0 {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err != nil {
		h.log.Warn("partial dlq replay", zap.Int("replayed", n), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, replayResp{Replayed: n})
}

// ─── Network ──────────────────────────────────────────────────────────────────

func (h *Handler) network(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.mon.State())
}

func (h *Handler) setNetwork(w http.ResponseWriter, r *http.Request) {
	var req networkReq
	if !decodeJSON(w, r, &req) {
		return
	}

	// Parse everything before applying anything.
	var (
		conn netmon.Connectivity
		link netmon.LinkType
		err  error
	)
	if req.Connectivity != nil {
		if conn, err = netmon.ParseConnectivity(*req.Connectivity); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.LinkType != nil {
		if link, err = netmon.ParseLinkType(*req.LinkType); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	if req.LowPower != nil {
		h.mon.SetLowPower(*req.LowPower)
	}
	if req.LinkType != nil {
		h.mon.SetLinkType(link)
	}
	if req.Connectivity != nil {
		h.mon.SetConnectivity(conn)
	}
	writeJSON(w, http.StatusOK, h.mon.State())
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}

// validEndpointURL accepts plain http and https addresses only.
func validEndpointURL(raw string) bool {
	u, err := url.ParseRequestURI(raw)
	if err != nil || u.Host == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}
