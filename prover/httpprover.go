package prover

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/worldcoin/signup-sequencer/sequencererr"
)

// HTTPProver calls a single external proving service over HTTP. The
// request/response wire format it uses is this module's own JSON
// encoding of InsertionProofRequest/DeletionProofRequest, not a
// specified external protocol (spec.md Non-goals).
type HTTPProver struct {
	url        string
	batchSize  int
	httpClient *http.Client
}

// NewHTTPProver builds a prover client against url that reports
// batchSize for registry selection.
func NewHTTPProver(url string, batchSize int) *HTTPProver {
	return &HTTPProver{
		url:        url,
		batchSize:  batchSize,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

var _ Prover = (*HTTPProver)(nil)

func (p *HTTPProver) BatchSize() int { return p.batchSize }

type identityWire struct {
	LeafIndex uint64   `json:"leafIndex"`
	Element   string   `json:"element"`
	Siblings  []string `json:"siblings"`
}

func toWire(identities []IdentityWithMerkleProof) []identityWire {
	out := make([]identityWire, len(identities))
	for i, id := range identities {
		siblings := make([]string, len(id.Siblings))
		for j, s := range id.Siblings {
			siblings[j] = s.Hex()
		}
		out[i] = identityWire{LeafIndex: id.LeafIndex, Element: id.Element.Hex(), Siblings: siblings}
	}
	return out
}

type insertionProofWireRequest struct {
	StartIndex uint64         `json:"startIndex"`
	PreRoot    string         `json:"preRoot"`
	PostRoot   string         `json:"postRoot"`
	Identities []identityWire `json:"identities"`
}

func (p *HTTPProver) GenerateInsertionProof(ctx context.Context, req InsertionProofRequest) (Proof, error) {
	wire := insertionProofWireRequest{
		StartIndex: req.StartIndex,
		PreRoot:    req.PreRoot.Hex(),
		PostRoot:   req.PostRoot.Hex(),
		Identities: toWire(req.Identities),
	}
	return p.call(ctx, "/prove/insertion", wire)
}

type deletionProofWireRequest struct {
	PreRoot       string         `json:"preRoot"`
	PostRoot      string         `json:"postRoot"`
	PackedIndices string         `json:"packedIndices"`
	Identities    []identityWire `json:"identities"`
}

func (p *HTTPProver) GenerateDeletionProof(ctx context.Context, req DeletionProofRequest) (Proof, error) {
	wire := deletionProofWireRequest{
		PreRoot:       req.PreRoot.Hex(),
		PostRoot:      req.PostRoot.Hex(),
		PackedIndices: "0x" + hex.EncodeToString(req.PackedIndices),
		Identities:    toWire(req.Identities),
	}
	return p.call(ctx, "/prove/deletion", wire)
}

type proofWireResponse struct {
	Proof string `json:"proof"`
}

func (p *HTTPProver) call(ctx context.Context, path string, wire any) (Proof, error) {
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, sequencererr.Infrastructure(err, "marshal prover request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+path, bytes.NewReader(body))
	if err != nil {
		return nil, sequencererr.Infrastructure(err, "build prover request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, sequencererr.Infrastructure(err, "call prover service")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, sequencererr.Proof("prover service returned status %d", resp.StatusCode)
	}

	var out proofWireResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, sequencererr.Proof("decompressing_proof_error: %s", err)
	}
	raw, err := hex.DecodeString(trimHexPrefix(out.Proof))
	if err != nil {
		return nil, sequencererr.Proof("decompressing_proof_error: %s", err)
	}
	return Proof(raw), nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
