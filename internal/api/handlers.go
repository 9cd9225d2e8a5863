package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"perp-risk-agent/internal/auth"
	"perp-risk-agent/internal/gate"
	"perp-risk-agent/internal/journal"
	"perp-risk-agent/internal/logging"
	"perp-risk-agent/internal/policy"
)

const (
	defaultJournalLimit = 100
	maxJournalLimit     = 1000
)

// ============================================================================
// STATUS
// ============================================================================

// handleStatus reports which loops are wired and whether this instance is
// the active one.
func (s *Server) handleStatus(c *gin.Context) {
	active := true
	if s.deps.Lease != nil {
		active = s.deps.Lease.Held()
	}
	successResponse(c, gin.H{
		"instance_id":    s.deps.InstanceID,
		"active":         active,
		"auth_enabled":   s.deps.JWT != nil,
		"heartbeat":      s.deps.Heartbeat != nil,
		"scan":           s.deps.Scan != nil,
		"stream_clients": s.hub.ClientCount(),
		"uptime_seconds": int64(s.now().Sub(s.started).Seconds()),
		"server_time":    s.now().UTC(),
		"gate_config":    s.deps.GateConfig,
	})
}

// ============================================================================
// POLICY HANDLERS
// ============================================================================

// handleGetPolicy returns the current policy, clearing an expired
// observation-only window on the way.
func (s *Server) handleGetPolicy(c *gin.Context) {
	if s.deps.Policy == nil {
		unavailable(c, "policy store")
		return
	}
	now := s.now()
	state, err := policy.Current(c.Request.Context(), s.deps.Policy, now)
	if err != nil {
		log := logging.FromContext(c.Request.Context())
		log.Error().Err(err).Msg("Failed to read policy")
		errorResponse(c, http.StatusInternalServerError, "POLICY_READ_FAILED", "failed to read policy state")
		return
	}
	successResponse(c, gin.H{
		"state":                   state,
		"observation_only_active": state.ObservationOnlyActive(now),
	})
}

// policyPatchRequest is a policy.Patch plus a relative observation window.
type policyPatchRequest struct {
	policy.Patch
	ObserveForMinutes *float64 `json:"observe_for_minutes,omitempty"`
}

// handlePatchPolicy merges the request into the policy in one upsert.
func (s *Server) handlePatchPolicy(c *gin.Context) {
	if s.deps.Policy == nil {
		unavailable(c, "policy store")
		return
	}

	var req policyPatchRequest
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid policy patch: "+err.Error())
		return
	}

	now := s.now()
	patch := req.Patch
	if req.ObserveForMinutes != nil {
		if patch.ObservationOnlyUntil != nil {
			errorResponse(c, http.StatusBadRequest, "INVALID_REQUEST", "observe_for_minutes and observation_only_until are exclusive")
			return
		}
		if *req.ObserveForMinutes <= 0 {
			errorResponse(c, http.StatusBadRequest, "INVALID_REQUEST", "observe_for_minutes must be positive")
			return
		}
		until := now.Add(time.Duration(*req.ObserveForMinutes * float64(time.Minute))).UTC()
		patch.ObservationOnlyUntil = &until
	}
	if patch.Empty() {
		errorResponse(c, http.StatusBadRequest, "INVALID_REQUEST", "policy patch changes nothing")
		return
	}

	state, err := s.deps.Policy.Upsert(c.Request.Context(), patch, now)
	if err != nil {
		if errors.Is(err, policy.ErrInvalidPatch) || errors.Is(err, policy.ErrUnknownField) {
			errorResponse(c, http.StatusBadRequest, "INVALID_PATCH", err.Error())
			return
		}
		log := logging.FromContext(c.Request.Context())
		log.Error().Err(err).Msg("Failed to update policy")
		errorResponse(c, http.StatusInternalServerError, "POLICY_WRITE_FAILED", "failed to update policy state")
		return
	}

	log := logging.FromContext(c.Request.Context())
	log.Info().
		Str("operator", auth.GetSubject(c)).
		Int64("version", state.Version).
		Msg("Autonomy policy updated")
	s.deps.EventBus.PublishPolicyUpdated(state.Version, state)

	successResponse(c, gin.H{"state": state})
}

// handleClearExpired nulls an observation-only window that has passed.
func (s *Server) handleClearExpired(c *gin.Context) {
	if s.deps.Policy == nil {
		unavailable(c, "policy store")
		return
	}
	state, cleared, err := s.deps.Policy.ClearExpired(c.Request.Context(), s.now())
	if err != nil {
		log := logging.FromContext(c.Request.Context())
		log.Error().Err(err).Msg("Failed to clear expired policy")
		errorResponse(c, http.StatusInternalServerError, "POLICY_WRITE_FAILED", "failed to clear expired policy")
		return
	}
	if cleared {
		s.deps.EventBus.PublishPolicyUpdated(state.Version, state)
	}
	successResponse(c, gin.H{"state": state, "cleared": cleared})
}

// ============================================================================
// GATE HANDLERS
// ============================================================================

// handleEvaluateGate runs the gate against the live policy without
// journaling anything.
func (s *Server) handleEvaluateGate(c *gin.Context) {
	if s.deps.Gate == nil || s.deps.Policy == nil {
		unavailable(c, "trade gate")
		return
	}
	var req gate.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid gate request: "+err.Error())
		return
	}
	d := s.deps.Gate.EvaluateCurrent(c.Request.Context(), s.deps.GateConfig, s.deps.Policy, req, s.now())
	successResponse(c, d)
}

// ============================================================================
// JOURNAL HANDLERS
// ============================================================================

// handleListJournal lists entries, newest first unless order=asc.
func (s *Server) handleListJournal(c *gin.Context) {
	if s.deps.Journal == nil {
		unavailable(c, "journal")
		return
	}
	q, err := parseJournalQuery(c)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	entries, err := s.deps.Journal.List(c.Request.Context(), q)
	if err != nil {
		log := logging.FromContext(c.Request.Context())
		log.Error().Err(err).Msg("Failed to list journal")
		errorResponse(c, http.StatusInternalServerError, "JOURNAL_READ_FAILED", "failed to list journal entries")
		return
	}
	successResponse(c, gin.H{"entries": entries, "count": len(entries)})
}

var errBadQuery = errors.New("invalid query")

func parseJournalQuery(c *gin.Context) (journal.Query, error) {
	q := journal.Query{Limit: defaultJournalLimit, Newest: c.Query("order") != "asc"}

	for _, k := range splitParam(c.QueryArray("kind")) {
		kind := journal.Kind(k)
		if !kind.Valid() {
			return q, errors.Join(errBadQuery, errors.New("unknown kind "+strconv.Quote(k)))
		}
		q.Kinds = append(q.Kinds, kind)
	}
	for _, o := range splitParam(c.QueryArray("outcome")) {
		q.Outcomes = append(q.Outcomes, journal.Outcome(o))
	}
	q.Symbol = strings.ToUpper(strings.TrimSpace(c.Query("symbol")))
	q.Fingerprint = strings.TrimSpace(c.Query("fingerprint"))

	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, errors.Join(errBadQuery, errors.New("since must be RFC3339"))
		}
		q.Since = t
	}
	if v := c.Query("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, errors.Join(errBadQuery, errors.New("until must be RFC3339"))
		}
		q.Until = t
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return q, errors.Join(errBadQuery, errors.New("limit must be a positive integer"))
		}
		if n > maxJournalLimit {
			n = maxJournalLimit
		}
		q.Limit = n
	}
	return q, nil
}

// splitParam accepts both repeated and comma separated values.
func splitParam(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// ============================================================================
// QUALITY / LOOP HANDLERS
// ============================================================================

func (s *Server) handleQualitySegments(c *gin.Context) {
	if s.deps.Quality == nil {
		unavailable(c, "decision quality")
		return
	}
	segments, err := s.deps.Quality.Segments(c.Request.Context())
	if err != nil {
		log := logging.FromContext(c.Request.Context())
		log.Error().Err(err).Msg("Failed to score segments")
		errorResponse(c, http.StatusInternalServerError, "QUALITY_READ_FAILED", "failed to score segments")
		return
	}
	successResponse(c, gin.H{"segments": segments})
}

func (s *Server) handleHeartbeatStatus(c *gin.Context) {
	if s.deps.Heartbeat == nil {
		unavailable(c, "heartbeat")
		return
	}
	successResponse(c, gin.H{"symbols": s.deps.Heartbeat.Status()})
}

func (s *Server) handleLastScan(c *gin.Context) {
	if s.deps.Scan == nil {
		unavailable(c, "scan loop")
		return
	}
	report, ok := s.deps.Scan.LastReport()
	if !ok {
		errorResponse(c, http.StatusNotFound, "NOT_FOUND", "no scan has run yet")
		return
	}
	successResponse(c, report)
}
