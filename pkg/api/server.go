package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/contracts"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/escalation"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/governance"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/intent"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/learning"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/lineage"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/reconciler"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/worldmodel"
)

// decisionRingSize bounds the in-memory decision history served by
// GET /governance/decisions.
const decisionRingSize = 200

// Deps wires the server to the kernel components.
type Deps struct {
	Intents     *intent.Store
	World       *worldmodel.Store
	Evaluator   *governance.Evaluator
	Authority   *intent.Authority
	Ledger      *lineage.Ledger
	Reconciler  *reconciler.Reconciler
	Escalations *escalation.Queue
	Learner     *learning.Engine
	// Keys signs lineage checkpoints; nil disables the endpoint.
	Keys lineage.KeyProvider
	// AuthSecret enables bearer auth when non-empty.
	AuthSecret string
	RateRPS    float64
	RateBurst  int
	Logger     *slog.Logger
}

// Server is the REST facade over the kernel.
type Server struct {
	deps Deps
	log  *slog.Logger

	mu        sync.Mutex
	decisions []contracts.GovernanceDecision

	now func() time.Time
}

// NewServer builds the facade. Logger defaults to slog.Default.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		deps: deps,
		log:  logger.With("component", "api"),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Handler assembles the route table behind rate-limit and auth
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /intents", s.handleCreateIntent)
	mux.HandleFunc("GET /intents", s.handleListIntents)
	mux.HandleFunc("GET /intents/{id}", s.handleGetIntent)
	mux.HandleFunc("PUT /intents/{id}", s.handleReplaceIntent)
	mux.HandleFunc("DELETE /intents/{id}", s.handleDeleteIntent)

	mux.HandleFunc("GET /world/state", s.handleWorldState)
	mux.HandleFunc("GET /world/entities/{id}", s.handleGetEntity)
	mux.HandleFunc("POST /world/ingest", s.handleIngest)

	mux.HandleFunc("GET /reconciler/status", s.handleReconcilerStatus)
	mux.HandleFunc("POST /reconciler/trigger", s.handleReconcilerTrigger)
	mux.HandleFunc("GET /reconciler/config", s.handleGetReconcilerConfig)
	mux.HandleFunc("PUT /reconciler/config", s.handlePutReconcilerConfig)

	mux.HandleFunc("GET /governance/policies", s.handlePolicies)
	mux.HandleFunc("POST /governance/evaluate", s.handleEvaluate)
	mux.HandleFunc("GET /governance/decisions", s.handleDecisions)
	mux.HandleFunc("GET /governance/action-types", s.handleListActionTypes)
	mux.HandleFunc("POST /governance/action-types", s.handleRegisterActionType)
	mux.HandleFunc("GET /governance/action-types/{id}", s.handleGetActionType)

	mux.HandleFunc("GET /lineage", s.handleLineageRecent)
	mux.HandleFunc("GET /lineage/verify", s.handleLineageVerify)
	mux.HandleFunc("GET /lineage/escalations", s.handleLineageEscalations)
	mux.HandleFunc("GET /lineage/checkpoint", s.handleLineageCheckpoint)
	mux.HandleFunc("GET /lineage/by-intent/{id}", s.handleLineageByIntent)
	mux.HandleFunc("GET /lineage/by-entity/{id}", s.handleLineageByEntity)
	mux.HandleFunc("GET /lineage/{cycle_id}", s.handleLineageByCycle)

	mux.HandleFunc("GET /learning/heuristics", s.handleHeuristics)
	mux.HandleFunc("GET /learning/proposals", s.handleProposals)
	mux.HandleFunc("POST /learning/proposals/{id}/approve", s.handleReviewProposal(true))
	mux.HandleFunc("POST /learning/proposals/{id}/reject", s.handleReviewProposal(false))

	mux.HandleFunc("GET /escalations/pending", s.handlePendingEscalations)
	mux.HandleFunc("POST /escalations/{id}/resolve", s.handleResolveEscalation)

	var handler http.Handler = mux
	handler = BearerAuth(s.deps.AuthSecret)(handler)
	rps, burst := s.deps.RateRPS, s.deps.RateBurst
	if rps <= 0 {
		rps = 50
	}
	if burst <= 0 {
		burst = 100
	}
	handler = NewRateLimiter(rps, burst).Middleware(handler)
	return handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"lineage_count": s.deps.Ledger.Count(),
		"entity_count":  s.deps.World.Count(),
		"reconciler":    s.deps.Reconciler.Status().Running,
		"time":          s.now().Format(time.RFC3339),
	})
}

// --- intents ---

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		WriteBadRequest(w, "cannot read body")
		return
	}
	if err := validateBody(intentSchema, raw); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	var in contracts.Intent
	if err := json.Unmarshal(raw, &in); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, s.deps.Intents.Create(in))
}

func (s *Server) handleListIntents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Intents.List())
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	in, err := s.deps.Intents.Get(r.PathValue("id"))
	if err != nil {
		WriteNotFound(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) handleReplaceIntent(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		WriteBadRequest(w, "cannot read body")
		return
	}
	if err := validateBody(intentSchema, raw); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	var in contracts.Intent
	if err := json.Unmarshal(raw, &in); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	replaced, err := s.deps.Intents.Replace(r.PathValue("id"), in)
	if err != nil {
		WriteNotFound(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, replaced)
}

func (s *Server) handleDeleteIntent(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Intents.Delete(r.PathValue("id")); err != nil {
		WriteNotFound(w, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- world model ---

func (s *Server) handleWorldState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.World.Snapshot())
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	entity, err := s.deps.World.Get(r.PathValue("id"))
	if err != nil {
		WriteNotFound(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		WriteBadRequest(w, "cannot read body")
		return
	}
	if err := validateBody(ingestSchema, raw); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	var entity contracts.Entity
	if err := json.Unmarshal(raw, &entity); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if entity.Confidence == 0 {
		entity.Confidence = 1.0
	}
	writeJSON(w, http.StatusCreated, s.deps.World.Upsert(entity))
}

// --- reconciler ---

func (s *Server) handleReconcilerStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Reconciler.Status())
}

func (s *Server) handleReconcilerTrigger(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Reconciler.Tick(r.Context())
	if err != nil {
		WriteInternal(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleGetReconcilerConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Reconciler.Config())
}

func (s *Server) handlePutReconcilerConfig(w http.ResponseWriter, r *http.Request) {
	var cfg contracts.ReconcilerConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Reconciler.SetConfig(cfg))
}

// --- governance ---

func (s *Server) handlePolicies(w http.ResponseWriter, _ *http.Request) {
	active := s.deps.Authority.ActiveConstraints(s.deps.Intents.Active(), s.now())
	writeJSON(w, http.StatusOK, map[string]any{
		"active_constraints": active,
		"count":              len(active),
	})
}

type evaluateRequest struct {
	Proposal     contracts.StrategyProposal `json:"proposal"`
	ActionTypeID string                     `json:"action_type_id,omitempty"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if len(req.Proposal.Actions) == 0 {
		WriteBadRequest(w, "proposal must contain at least one action")
		return
	}
	decision := s.deps.Evaluator.Evaluate(r.Context(), governance.EvalRequest{
		Proposal:     req.Proposal,
		Intents:      s.deps.Intents.Active(),
		World:        s.deps.World,
		Now:          s.now(),
		ActionTypeID: req.ActionTypeID,
	})
	s.recordDecision(decision)
	// Rejections and escalations are data, not transport errors.
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) recordDecision(d contracts.GovernanceDecision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
	if len(s.decisions) > decisionRingSize {
		s.decisions = s.decisions[len(s.decisions)-decisionRingSize:]
	}
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	out := []contracts.GovernanceDecision{}
	records, err := s.deps.Ledger.Recent(r.Context(), 50)
	if err == nil {
		for _, record := range records {
			out = append(out, record.GovernanceDecisions...)
		}
	}
	s.mu.Lock()
	out = append(out, s.decisions...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListActionTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Evaluator.Registry().List())
}

func (s *Server) handleRegisterActionType(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		WriteBadRequest(w, "cannot read body")
		return
	}
	if err := validateBody(actionTypeSchema, raw); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	var spec contracts.ActionTypeSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	registeredBy := spec.RegisteredBy
	if registeredBy == "" {
		registeredBy = "api"
	}
	registered, err := s.deps.Evaluator.Registry().Register(spec, registeredBy)
	if err != nil {
		if errors.Is(err, governance.ErrStaleVersion) {
			WriteConflict(w, err.Error())
			return
		}
		WriteUnprocessable(w, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, registered)
}

func (s *Server) handleGetActionType(w http.ResponseWriter, r *http.Request) {
	spec, err := s.deps.Evaluator.Registry().Get(r.PathValue("id"))
	if err != nil {
		WriteNotFound(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

// --- lineage ---

func (s *Server) handleLineageRecent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			WriteBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	records, err := s.deps.Ledger.Recent(r.Context(), limit)
	if err != nil {
		WriteInternal(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleLineageVerify(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Ledger.VerifyChainIntegrity(r.Context())
	if err != nil {
		WriteInternal(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleLineageEscalations(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Ledger.Escalations(r.Context(), nil)
	if err != nil {
		WriteInternal(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleLineageCheckpoint(w http.ResponseWriter, r *http.Request) {
	if s.deps.Keys == nil {
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable",
			"no checkpoint signing key configured")
		return
	}
	cp, err := s.deps.Ledger.Checkpoint(r.Context(), s.deps.Keys)
	if err != nil {
		WriteInternal(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handleLineageByIntent(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Ledger.ByIntent(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteInternal(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleLineageByEntity(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Ledger.ByEntity(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteInternal(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleLineageByCycle(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Ledger.ByCycle(r.Context(), r.PathValue("cycle_id"))
	if err != nil {
		WriteInternal(w, err.Error())
		return
	}
	if len(records) == 0 {
		WriteNotFound(w, "no lineage records for cycle "+r.PathValue("cycle_id"))
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// --- learning ---

func (s *Server) handleHeuristics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Learner.Heuristics())
}

func (s *Server) handleProposals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Learner.Proposals())
}

func (s *Server) handleReviewProposal(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Reviewer string `json:"reviewer"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Reviewer == "" {
			WriteBadRequest(w, "reviewer is required")
			return
		}
		reviewed, err := s.deps.Learner.ReviewProposal(r.PathValue("id"), approve, body.Reviewer)
		if err != nil {
			WriteNotFound(w, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, reviewed)
	}
}

// --- escalations ---

func (s *Server) handlePendingEscalations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Escalations.Pending())
}

func (s *Server) handleResolveEscalation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Resolution string `json:"resolution"`
		Resolver   string `json:"resolver"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	res, err := s.deps.Escalations.Resolve(r.PathValue("id"), body.Resolution, body.Resolver)
	if err != nil {
		switch {
		case errors.Is(err, escalation.ErrNotFound):
			WriteNotFound(w, err.Error())
		case errors.Is(err, escalation.ErrAlreadyResolved):
			WriteConflict(w, err.Error())
		default:
			WriteBadRequest(w, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"escalation":                res.Descriptor,
		"human_authorization_token": res.Token,
	})
}
