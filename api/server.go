// Package api is the sequencer's HTTP surface: a minimal net/http +
// ServeMux server with no framework dependency, grounded on the
// teacher's rpc.Server style (one mux, one handler per route, hand
// rolled JSON encode/decode).
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/worldcoin/signup-sequencer/field"
	"github.com/worldcoin/signup-sequencer/log"
	"github.com/worldcoin/signup-sequencer/merkletree"
	"github.com/worldcoin/signup-sequencer/prover"
	"github.com/worldcoin/signup-sequencer/semaphore"
	"github.com/worldcoin/signup-sequencer/sequencererr"
	"github.com/worldcoin/signup-sequencer/store"
)

// Server is the sequencer's HTTP API: identity insertion/deletion,
// inclusion proofs, Semaphore proof verification, and prover batch-size
// administration.
type Server struct {
	store    store.Store
	state    *merkletree.TreeState
	provers  *prover.Registry
	verifier semaphore.Verifier
	logger   *log.Logger

	httpServer *http.Server
}

// New builds a Server listening on addr. Routes are registered
// immediately; ListenAndServe starts accepting connections.
func New(st store.Store, state *merkletree.TreeState, provers *prover.Registry, logger *log.Logger, addr string) *Server {
	s := &Server{
		store:    st,
		state:    state,
		provers:  provers,
		verifier: semaphore.NotImplementedVerifier{},
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/insertIdentity", s.handleInsertIdentity)
	mux.HandleFunc("/deleteIdentity", s.handleDeleteIdentity)
	mux.HandleFunc("/inclusionProof", s.handleInclusionProof)
	mux.HandleFunc("/verifySemaphoreProof", s.handleVerifySemaphoreProof)
	mux.HandleFunc("/addBatchSize", s.handleAddBatchSize)
	mux.HandleFunc("/removeBatchSize", s.handleRemoveBatchSize)
	mux.HandleFunc("/listBatchSizes", s.handleListBatchSizes)
	mux.HandleFunc("/v2/identities/", s.handleV2Identity)

	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

// ListenAndServe blocks, serving until Shutdown is called.
func (s *Server) ListenAndServe() error { return s.httpServer.ListenAndServe() }

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error { return s.httpServer.Shutdown(ctx) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps a sequencererr.Kind to a transport status code, per
// §7's "Handlers at the API boundary map a Kind to a transport status
// code" contract.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case sequencererr.Is(err, sequencererr.KindValidation):
		status = http.StatusBadRequest
	case sequencererr.Is(err, sequencererr.KindConflict):
		status = http.StatusConflict
	case sequencererr.Is(err, sequencererr.KindAbsence):
		status = http.StatusNotFound
	case sequencererr.Is(err, sequencererr.KindGone):
		status = http.StatusGone
	case sequencererr.Is(err, sequencererr.KindRootAge):
		status = http.StatusBadRequest
	case sequencererr.Is(err, sequencererr.KindProof):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return sequencererr.Validation("invalid JSON body: %s", err)
	}
	return nil
}

func methodGuard(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

type identityRequest struct {
	IdentityCommitment string `json:"identityCommitment"`
}

func parseCommitment(s string) (field.Element, error) {
	el, reduced, err := field.ParseHex(s)
	if err != nil {
		return field.Element{}, sequencererr.Validation("invalid identity commitment: %s", err)
	}
	if !reduced {
		return field.Element{}, sequencererr.Validation("identity commitment is not reduced modulo the scalar field")
	}
	if el.IsZero() {
		return field.Element{}, sequencererr.Validation("identity commitment must not be zero")
	}
	return el, nil
}

func (s *Server) handleInsertIdentity(w http.ResponseWriter, r *http.Request) {
	if !methodGuard(w, r, http.MethodPost) {
		return
	}
	var req identityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	commitment, err := parseCommitment(req.IdentityCommitment)
	if err != nil {
		writeError(w, err)
		return
	}

	live, err := store.IsLive(r.Context(), s.store, commitment)
	if err != nil {
		writeError(w, sequencererr.Infrastructure(err, "check identity existence"))
		return
	}
	if live {
		writeError(w, sequencererr.Conflict("identity commitment already exists"))
		return
	}

	if err := s.store.InsertUnprocessedIdentity(r.Context(), commitment); err != nil {
		writeError(w, sequencererr.Infrastructure(err, "insert unprocessed identity"))
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

type deleteIdentityRequest struct {
	IdentityCommitment    string `json:"identityCommitment"`
	NewIdentityCommitment string `json:"newIdentityCommitment,omitempty"`
}

func (s *Server) handleDeleteIdentity(w http.ResponseWriter, r *http.Request) {
	if !methodGuard(w, r, http.MethodPost) {
		return
	}
	var req deleteIdentityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	commitment, err := parseCommitment(req.IdentityCommitment)
	if err != nil {
		writeError(w, err)
		return
	}

	item, err := s.store.GetTreeItem(r.Context(), commitment)
	if err != nil {
		writeError(w, sequencererr.Infrastructure(err, "look up identity"))
		return
	}
	if item == nil {
		writeError(w, sequencererr.Absence("identity commitment not found"))
		return
	}

	if req.NewIdentityCommitment != "" {
		newCommitment, err := parseCommitment(req.NewIdentityCommitment)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.store.InsertNewRecovery(r.Context(), commitment, newCommitment); err != nil {
			writeError(w, sequencererr.Infrastructure(err, "insert recovery"))
			return
		}
	}

	if err := s.store.InsertNewDeletion(r.Context(), item.LeafIndex, commitment); err != nil {
		writeError(w, sequencererr.Infrastructure(err, "insert deletion"))
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

type inclusionProofResponse struct {
	Status   string   `json:"status"`
	Root     string   `json:"root"`
	Siblings []string `json:"siblings,omitempty"`
	Message  string   `json:"message,omitempty"`
}

func (s *Server) inclusionProofFor(ctx context.Context, commitment field.Element) (inclusionProofResponse, error) {
	row, err := s.store.GetTreeItem(ctx, commitment)
	if err != nil {
		return inclusionProofResponse{}, sequencererr.Infrastructure(err, "look up identity")
	}
	if row == nil {
		return inclusionProofResponse{}, sequencererr.Absence("identity commitment not found")
	}

	item := merkletree.TreeItem{LeafIndex: row.LeafIndex, SequenceID: row.SequenceID, Element: commitment}
	_, proof := s.state.GetProofFor(item)

	resp := inclusionProofResponse{Status: proof.Status.String(), Root: proof.Root.Hex(), Message: proof.Message}
	if proof.Proof != nil {
		resp.Siblings = make([]string, len(proof.Proof.Siblings))
		for i, sib := range proof.Proof.Siblings {
			resp.Siblings[i] = sib.Hex()
		}
	}
	return resp, nil
}

func (s *Server) handleInclusionProof(w http.ResponseWriter, r *http.Request) {
	if !methodGuard(w, r, http.MethodGet) {
		return
	}
	commitment, err := parseCommitment(r.URL.Query().Get("identityCommitment"))
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.inclusionProofFor(r.Context(), commitment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleV2Identity serves GET /v2/identities/{commitment}, a path-param
// variant of /inclusionProof.
func (s *Server) handleV2Identity(w http.ResponseWriter, r *http.Request) {
	if !methodGuard(w, r, http.MethodGet) {
		return
	}
	const prefix = "/v2/identities/"
	hexCommitment := r.URL.Path[len(prefix):]
	commitment, err := parseCommitment(hexCommitment)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.inclusionProofFor(r.Context(), commitment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type verifySemaphoreProofRequest struct {
	Root                  string   `json:"root"`
	NullifierHash         string   `json:"nullifierHash"`
	SignalHash            string   `json:"signalHash"`
	ExternalNullifierHash string   `json:"externalNullifierHash"`
	Proof                 []string `json:"proof"`
}

func (s *Server) handleVerifySemaphoreProof(w http.ResponseWriter, r *http.Request) {
	if !methodGuard(w, r, http.MethodPost) {
		return
	}
	var req verifySemaphoreProofRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	err := s.verifier.Verify(r.Context(), semaphore.Proof{
		Root:                  req.Root,
		NullifierHash:         req.NullifierHash,
		SignalHash:            req.SignalHash,
		ExternalNullifierHash: req.ExternalNullifierHash,
		ProofData:             req.Proof,
	})
	if err != nil {
		writeError(w, sequencererr.Proof("%s", err))
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

type batchSizeRequest struct {
	URL       string `json:"url"`
	BatchSize int    `json:"batchSize"`
}

func (s *Server) handleAddBatchSize(w http.ResponseWriter, r *http.Request) {
	if !methodGuard(w, r, http.MethodPost) {
		return
	}
	var req batchSizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.BatchSize <= 0 {
		writeError(w, sequencererr.Validation("batchSize must be positive"))
		return
	}
	s.provers.Register(prover.NewHTTPProver(req.URL, req.BatchSize))
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleRemoveBatchSize(w http.ResponseWriter, r *http.Request) {
	if !methodGuard(w, r, http.MethodPost) {
		return
	}
	var req batchSizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.provers.Unregister(req.BatchSize)
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleListBatchSizes(w http.ResponseWriter, r *http.Request) {
	if !methodGuard(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, struct {
		BatchSizes []int `json:"batchSizes"`
	}{BatchSizes: s.provers.Sizes()})
}
