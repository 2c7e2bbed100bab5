package rewardd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"keeprewards/core/allocator"
	"keeprewards/core/distributor"
	"keeprewards/core/rewards"
	"keeprewards/services/rewardd/middleware"
)

const maxBodyBytes = 1 << 20

// ServerConfig captures the dependencies of the HTTP API.
type ServerConfig struct {
	Ledger        *rewards.Ledger
	Distributor   *distributor.Distributor
	Queue         *Queue
	Audit         *AuditStore
	Stream        *Broadcaster
	Auth          *middleware.Authenticator
	Limiter       *middleware.RateLimiter
	Observability *middleware.Observability
	Logger        *slog.Logger
}

// Server exposes the reward engine over HTTP.
type Server struct {
	ledger      *rewards.Ledger
	distributor *distributor.Distributor
	queue       *Queue
	audit       *AuditStore
	stream      *Broadcaster
	auth        *middleware.Authenticator
	limiter     *middleware.RateLimiter
	obs         *middleware.Observability
	logger      *slog.Logger

	router http.Handler
}

// NewServer constructs the router.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Ledger == nil || cfg.Distributor == nil || cfg.Queue == nil {
		return nil, errors.New("rewardd: ledger, distributor and queue are required")
	}
	srv := &Server{
		ledger:      cfg.Ledger,
		distributor: cfg.Distributor,
		queue:       cfg.Queue,
		audit:       cfg.Audit,
		stream:      cfg.Stream,
		auth:        cfg.Auth,
		limiter:     cfg.Limiter,
		obs:         cfg.Observability,
		logger:      cfg.Logger,
	}
	if srv.auth == nil {
		srv.auth = middleware.NewAuthenticator(middleware.AuthConfig{}, cfg.Logger)
	}
	if srv.limiter == nil {
		srv.limiter = middleware.NewRateLimiter(nil, cfg.Logger)
	}
	if srv.obs == nil {
		srv.obs = middleware.NewObservability("rewardd", false, cfg.Logger)
	}
	if srv.logger == nil {
		srv.logger = slog.Default()
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	operator := s.auth.Require(middleware.ScopeOperate)
	claims := s.limiter.Middleware("claims")
	route := s.obs.Middleware

	r.Route("/v1", func(v1 chi.Router) {
		v1.With(route("keeps.events"), operator).Post("/keeps/events", s.PostLifecycleEvent)
		v1.With(route("keeps.get")).Get("/keeps/{id}", s.GetKeep)
		v1.With(route("keeps.eligibility")).Get("/keeps/{id}/eligibility", s.GetEligibility)
		v1.With(route("keeps.claim"), claims).Post("/keeps/{id}/claim", s.ClaimKeep)
		v1.With(route("keeps.termination"), claims).Post("/keeps/{id}/termination", s.ReportTermination)

		v1.With(route("pool.get")).Get("/pool", s.GetPool)
		v1.With(route("pool.fund"), operator).Post("/pool/fund", s.FundPool)
		v1.With(route("intervals.get")).Get("/intervals/{n}", s.GetInterval)

		v1.With(route("distributor.roots")).Get("/distributor/roots", s.ListRoots)
		v1.With(route("distributor.root")).Get("/distributor/roots/{root}", s.GetRoot)
		v1.With(route("distributor.allocate"), operator).Post("/distributor/roots/{root}/allocations", s.AllocateRoot)
		v1.With(route("distributor.claim"), claims).Post("/distributor/roots/{root}/claims", s.ClaimMerkle)
		v1.With(route("distributor.status")).Get("/distributor/roots/{root}/claims/{index}", s.GetClaimStatus)

		v1.With(route("audit.list"), operator).Get("/audit", s.ListAudit)
		v1.With(route("audit.verify"), operator).Get("/audit/verify", s.VerifyAudit)
		v1.With(route("audit.export"), operator).Get("/audit/export", s.ExportAudit)

		// Long-lived; kept out of the latency histograms.
		v1.Get("/events/stream", s.StreamEvents)
	})
	return r
}

type lifecycleRequest struct {
	Kind      string   `json:"kind"`
	Keep      string   `json:"keep"`
	Members   []string `json:"members"`
	Timestamp uint64   `json:"timestamp"`
}

// PostLifecycleEvent enqueues a keep lifecycle fact.
func (s *Server) PostLifecycleEvent(w http.ResponseWriter, r *http.Request) {
	var req lifecycleRequest
	if !s.decode(w, r, &req) {
		return
	}
	kind, err := ParseFactKind(req.Kind)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, rewards.KindInvalid, err)
		return
	}
	keep, err := parseAddress(req.Keep)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, rewards.KindInvalid, fmt.Errorf("keep: %w", err))
		return
	}
	members := make([]common.Address, 0, len(req.Members))
	for _, raw := range req.Members {
		member, err := parseAddress(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, rewards.KindInvalid, fmt.Errorf("member: %w", err))
			return
		}
		members = append(members, member)
	}
	id, err := s.queue.Enqueue(Fact{Kind: kind, Keep: keep, Members: members, Timestamp: req.Timestamp})
	if err != nil {
		if errors.Is(err, ErrQueueFull) {
			w.Header().Set("Retry-After", "1")
			s.writeError(w, http.StatusServiceUnavailable, rewards.KindInternal, err)
			return
		}
		s.writeError(w, http.StatusBadRequest, rewards.KindInvalid, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": id.String()})
}

type keepView struct {
	ID            string   `json:"id"`
	State         string   `json:"state"`
	Members       []string `json:"members"`
	OpenedAt      uint64   `json:"openedAt"`
	ClosedAt      uint64   `json:"closedAt,omitempty"`
	Interval      *uint64  `json:"interval,omitempty"`
	RewardSettled bool     `json:"rewardSettled"`
}

// GetKeep returns the tracked keep record.
func (s *Server) GetKeep(w http.ResponseWriter, r *http.Request) {
	id, ok := s.keepParam(w, r)
	if !ok {
		return
	}
	keep, err := s.ledger.Keep(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	view := keepView{
		ID:            keep.ID.Hex(),
		State:         keep.State.String(),
		Members:       hexAddresses(keep.Members),
		OpenedAt:      keep.OpenedAt,
		ClosedAt:      keep.ClosedAt,
		RewardSettled: keep.RewardSettled,
	}
	if keep.State.Terminal() {
		if n, err := s.ledger.IntervalOf(id); err == nil {
			view.Interval = &n
		}
	}
	s.writeJSON(w, http.StatusOK, view)
}

// GetEligibility reports whether the keep can be claimed or reclaimed.
func (s *Server) GetEligibility(w http.ResponseWriter, r *http.Request) {
	id, ok := s.keepParam(w, r)
	if !ok {
		return
	}
	eligible, err := s.ledger.EligibleForReward(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	reclaimable, err := s.ledger.EligibleForReclamation(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	claimable, err := s.ledger.Claimable(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"keep":                   id.Hex(),
		"eligibleForReward":      eligible,
		"eligibleForReclamation": reclaimable,
		"claimable":              claimable,
	})
}

type paymentView struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// ClaimKeep pays a closed keep's reward.
func (s *Server) ClaimKeep(w http.ResponseWriter, r *http.Request) {
	id, ok := s.keepParam(w, r)
	if !ok {
		return
	}
	payout, err := s.ledger.Claim(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	payments := make([]paymentView, len(payout.Payments))
	for i, pay := range payout.Payments {
		payments[i] = paymentView{To: pay.To.Hex(), Amount: pay.Amount.String()}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"keep":      payout.Keep.Hex(),
		"interval":  payout.Interval,
		"share":     payout.Share.String(),
		"perMember": payout.PerMember.String(),
		"paid":      payout.Total().String(),
		"payments":  payments,
	})
}

// ReportTermination returns a terminated keep's share to the pool.
func (s *Server) ReportTermination(w http.ResponseWriter, r *http.Request) {
	id, ok := s.keepParam(w, r)
	if !ok {
		return
	}
	reclaimed, err := s.ledger.ReportTermination(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"keep": id.Hex(), "reclaimed": reclaimed.String()})
}

// GetPool returns the pool accounting snapshot.
func (s *Server) GetPool(w http.ResponseWriter, _ *http.Request) {
	totals, err := s.ledger.Totals()
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"funded":       totals.Funded.String(),
		"unallocated":  totals.Unallocated.String(),
		"outstanding":  totals.Outstanding.String(),
		"paid":         totals.Paid.String(),
		"reclaimed":    totals.Reclaimed.String(),
		"dust":         totals.Dust.String(),
		"nextInterval": totals.NextInterval,
		"balanced":     totals.Balanced(),
	})
}

type amountRequest struct {
	From   string `json:"from"`
	Amount string `json:"amount"`
}

func (s *Server) decodeAmount(w http.ResponseWriter, r *http.Request) (common.Address, *big.Int, bool) {
	var req amountRequest
	if !s.decode(w, r, &req) {
		return common.Address{}, nil, false
	}
	from, err := parseAddress(req.From)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, rewards.KindInvalid, fmt.Errorf("from: %w", err))
		return common.Address{}, nil, false
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, rewards.KindInvalid, err)
		return common.Address{}, nil, false
	}
	return from, amount, true
}

// FundPool moves tokens from an operator account into the unallocated pool.
func (s *Server) FundPool(w http.ResponseWriter, r *http.Request) {
	from, amount, ok := s.decodeAmount(w, r)
	if !ok {
		return
	}
	if err := s.ledger.Fund(r.Context(), from, amount); err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info("pool funded via api", slog.String("subject", middleware.Subject(r.Context())), slog.String("amount", amount.String()))
	s.GetPool(w, r)
}

// GetInterval returns interval n's bounds and, once allocated, its bookkeeping.
func (s *Server) GetInterval(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseUint(chi.URLParam(r, "n"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, rewards.KindInvalid, fmt.Errorf("interval: %w", err))
		return
	}
	schedule := s.ledger.Schedule()
	view := map[string]any{
		"interval":  n,
		"start":     schedule.StartOf(n),
		"end":       schedule.EndOf(n),
		"weight":    schedule.WeightOf(n),
		"keepCount": s.ledger.KeepsInInterval(n),
		"allocated": false,
	}
	alloc, err := s.ledger.Allocation(n)
	switch {
	case err == nil:
		view["allocated"] = true
		view["allocation"] = map[string]any{
			"keepCount":      alloc.KeepCount,
			"amount":         alloc.Allocated.String(),
			"share":          alloc.Share.String(),
			"claimedCount":   alloc.ClaimedCount,
			"reclaimedCount": alloc.ReclaimedCount,
			"dust":           alloc.Dust.String(),
		}
	case errors.Is(err, allocator.ErrNotAllocated):
	default:
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

type rootView struct {
	Root      string `json:"root"`
	Allocated string `json:"allocated"`
	Claimed   string `json:"claimed"`
	Remaining string `json:"remaining"`
}

func newRootView(alloc *distributor.RootAllocation) rootView {
	return rootView{
		Root:      alloc.Root.Hex(),
		Allocated: alloc.Allocated.String(),
		Claimed:   alloc.Claimed.String(),
		Remaining: alloc.Remaining().String(),
	}
}

// ListRoots returns every funded root.
func (s *Server) ListRoots(w http.ResponseWriter, _ *http.Request) {
	roots, err := s.distributor.Roots()
	if err != nil {
		s.fail(w, err)
		return
	}
	views := make([]rootView, 0, len(roots))
	for _, root := range roots {
		alloc, err := s.distributor.Allocation(root)
		if err != nil {
			s.fail(w, err)
			return
		}
		views = append(views, newRootView(alloc))
	}
	s.writeJSON(w, http.StatusOK, views)
}

// GetRoot returns one root's allocation.
func (s *Server) GetRoot(w http.ResponseWriter, r *http.Request) {
	root, ok := s.rootParam(w, r)
	if !ok {
		return
	}
	alloc, err := s.distributor.Allocation(root)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newRootView(alloc))
}

// AllocateRoot deposits tokens against a Merkle root.
func (s *Server) AllocateRoot(w http.ResponseWriter, r *http.Request) {
	root, ok := s.rootParam(w, r)
	if !ok {
		return
	}
	from, amount, ok := s.decodeAmount(w, r)
	if !ok {
		return
	}
	alloc, err := s.distributor.Allocate(r.Context(), from, root, amount)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newRootView(alloc))
}

type merkleClaimRequest struct {
	Index   uint64   `json:"index"`
	Account string   `json:"account"`
	Amount  string   `json:"amount"`
	Proof   []string `json:"proof"`
}

// ClaimMerkle pays a proven leaf of a funded root.
func (s *Server) ClaimMerkle(w http.ResponseWriter, r *http.Request) {
	root, ok := s.rootParam(w, r)
	if !ok {
		return
	}
	var req merkleClaimRequest
	if !s.decode(w, r, &req) {
		return
	}
	account, err := parseAddress(req.Account)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, rewards.KindInvalid, fmt.Errorf("account: %w", err))
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, rewards.KindInvalid, err)
		return
	}
	proof := make([]common.Hash, 0, len(req.Proof))
	for _, raw := range req.Proof {
		node, err := parseHash(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, rewards.KindInvalid, fmt.Errorf("proof: %w", err))
			return
		}
		proof = append(proof, node)
	}
	paid, err := s.distributor.Claim(r.Context(), root, req.Index, account, amount, proof)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"root":    root.Hex(),
		"index":   req.Index,
		"account": account.Hex(),
		"paid":    paid.String(),
	})
}

// GetClaimStatus reports whether a leaf index has been claimed.
func (s *Server) GetClaimStatus(w http.ResponseWriter, r *http.Request) {
	root, ok := s.rootParam(w, r)
	if !ok {
		return
	}
	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, rewards.KindInvalid, fmt.Errorf("index: %w", err))
		return
	}
	claimed, err := s.distributor.IsClaimed(root, index)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"root": root.Hex(), "index": index, "claimed": claimed})
}

// ListAudit returns recent audit records.
func (s *Server) ListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.writeError(w, http.StatusNotFound, rewards.KindLookup, errors.New("audit store disabled"))
		return
	}
	query := r.URL.Query()
	filter := AuditFilter{Type: query.Get("type"), Subject: query.Get("subject")}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, rewards.KindInvalid, fmt.Errorf("limit: %w", err))
			return
		}
		filter.Limit = limit
	}
	records, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

// VerifyAudit recomputes the audit digest chain.
func (s *Server) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.writeError(w, http.StatusNotFound, rewards.KindLookup, errors.New("audit store disabled"))
		return
	}
	checked, err := s.audit.Verify(r.Context())
	if err != nil {
		if errors.Is(err, ErrAuditTampered) {
			s.logger.Error("audit chain verification failed", slog.Int("checked", checked), slog.Any("error", err))
			s.writeJSON(w, http.StatusConflict, map[string]any{"valid": false, "checked": checked, "error": err.Error()})
			return
		}
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"valid": true, "checked": checked})
}

// ExportAudit streams matching audit records as a parquet file.
func (s *Server) ExportAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.writeError(w, http.StatusNotFound, rewards.KindLookup, errors.New("audit store disabled"))
		return
	}
	query := r.URL.Query()
	var buf bytes.Buffer
	rows, err := s.audit.ExportParquet(r.Context(), &buf, AuditFilter{Type: query.Get("type"), Subject: query.Get("subject")})
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apache.parquet")
	w.Header().Set("Content-Disposition", `attachment; filename="rewardd-audit.parquet"`)
	w.Header().Set("X-Audit-Rows", strconv.Itoa(rows))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) keepParam(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	id, err := parseAddress(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, rewards.KindInvalid, fmt.Errorf("keep: %w", err))
		return common.Address{}, false
	}
	return id, true
}

func (s *Server) rootParam(w http.ResponseWriter, r *http.Request) (common.Hash, bool) {
	root, err := parseHash(chi.URLParam(r, "root"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, rewards.KindInvalid, fmt.Errorf("root: %w", err))
		return common.Hash{}, false
	}
	return root, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, rewards.KindInvalid, fmt.Errorf("invalid payload: %w", err))
		return false
	}
	return true
}

// statusFor maps an engine error class onto an HTTP status.
func statusFor(kind rewards.ErrorKind) int {
	switch kind {
	case rewards.KindState, rewards.KindIdempotence:
		return http.StatusConflict
	case rewards.KindTiming:
		return http.StatusTooEarly
	case rewards.KindLookup:
		return http.StatusNotFound
	case rewards.KindProof:
		return http.StatusUnprocessableEntity
	case rewards.KindInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	kind := rewards.Kind(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", slog.Any("error", err))
		s.writeError(w, status, kind, errors.New("internal error"))
		return
	}
	s.writeError(w, status, kind, err)
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind rewards.ErrorKind, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error(), "kind": string(kind)})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("encode response", slog.Any("error", err))
	}
}

func parseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func parseHash(raw string) (common.Hash, error) {
	decoded, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil {
		return common.Hash{}, err
	}
	if len(decoded) != common.HashLength {
		return common.Hash{}, fmt.Errorf("expected %d bytes, got %d", common.HashLength, len(decoded))
	}
	return common.BytesToHash(decoded), nil
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be a positive integer, got %q", raw)
	}
	return amount, nil
}

func hexAddresses(addrs []common.Address) []string {
	out := make([]string, len(addrs))
	for i, addr := range addrs {
		out[i] = addr.Hex()
	}
	return out
}
