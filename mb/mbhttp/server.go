// Package mbhttp serves a read-only JSON view of a chain over HTTP.
package mbhttp

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/gordian-engine/gmicro/gcrypto"
	"github.com/gordian-engine/gmicro/mb/mbchain"
	"github.com/gordian-engine/gmicro/mb/mbconsensus"
	"github.com/gordian-engine/gmicro/mb/mbstore"
	"github.com/gorilla/mux"
)

// Chain is the chain state served by [HTTPServer].
// [*mbchain.Blockchain] satisfies it.
type Chain interface {
	mbchain.Chain

	BlockByNumber(ctx context.Context, number uint32) (mbconsensus.Block, error)
}

type HTTPServerConfig struct {
	Listener net.Listener

	Chain Chain

	// Encodes validator public keys in the /validators response.
	// When nil, keys are reported by their own type name.
	CryptoRegistry *gcrypto.Registry
}

type HTTPServer struct {
	done chan struct{}
}

// NewHTTPServer starts serving on cfg.Listener.
// The server is closed when ctx is canceled.
func NewHTTPServer(ctx context.Context, log *slog.Logger, cfg HTTPServerConfig) *HTTPServer {
	srv := &http.Server{
		Handler: newMux(log, cfg),

		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	h := &HTTPServer{
		done: make(chan struct{}),
	}
	go h.serve(log, cfg.Listener, srv)
	go h.waitForShutdown(ctx, srv)

	return h
}

func (h *HTTPServer) Wait() {
	<-h.done
}

func (h *HTTPServer) waitForShutdown(ctx context.Context, srv *http.Server) {
	select {
	case <-h.done:
	case <-ctx.Done():
		_ = srv.Close()
	}
}

func (h *HTTPServer) serve(log *slog.Logger, ln net.Listener, srv *http.Server) {
	defer close(h.done)

	if err := srv.Serve(ln); err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
			log.Info("HTTP server shutting down")
		} else {
			log.Info("HTTP server shutting down due to error", "err", err)
		}
	}
}

func newMux(log *slog.Logger, cfg HTTPServerConfig) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/blocks/watermark", handleBlocksWatermark(log, cfg)).Methods("GET")
	r.HandleFunc("/blocks/{number:[0-9]+}", handleBlockByNumber(log, cfg)).Methods("GET")
	r.HandleFunc("/validators", handleValidators(log, cfg)).Methods("GET")

	return r
}

// Watermark is the response body of GET /blocks/watermark.
type Watermark struct {
	HeadNumber    uint32
	HeadHash      string
	HeadTimestamp uint64

	MacroNumber uint32
}

func handleBlocksWatermark(log *slog.Logger, cfg HTTPServerConfig) func(w http.ResponseWriter, req *http.Request) {
	c := cfg.Chain
	return func(w http.ResponseWriter, req *http.Request) {
		r := c.Read()
		head := r.Head()
		macro := r.MacroHead()
		r.Release()

		wm := Watermark{
			HeadNumber:    head.Number,
			HeadHash:      hex.EncodeToString(head.Hash),
			HeadTimestamp: head.Timestamp,

			MacroNumber: macro.Number,
		}

		if err := json.NewEncoder(w).Encode(wm); err != nil {
			log.Warn("Failed to marshal watermark", "err", err)
			return
		}
	}
}

// JSONBlock is the response body of GET /blocks/{number}.
type JSONBlock struct {
	Type      string
	Number    uint32
	Timestamp uint64

	ParentHash string
	Hash       string
	Seed       string

	Skip bool

	// Only set for micro blocks that are not skip blocks.
	ProposerSlot *uint16 `json:",omitempty"`

	ExtraData string `json:",omitempty"`

	Transactions       []JSONTransaction
	EquivocationProofs int

	// Number of attesting signatures in a skip block's proof.
	SkipSignatures int `json:",omitempty"`
}

type JSONTransaction struct {
	Hash    string
	Sender  string
	Fee     uint64
	Control bool
	Size    int
}

func handleBlockByNumber(log *slog.Logger, cfg HTTPServerConfig) func(w http.ResponseWriter, req *http.Request) {
	c := cfg.Chain
	return func(w http.ResponseWriter, req *http.Request) {
		n, err := strconv.ParseUint(mux.Vars(req)["number"], 10, 32)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid block number: %v", err), http.StatusBadRequest)
			return
		}

		b, err := c.BlockByNumber(req.Context(), uint32(n))
		if err != nil {
			var unknown mbstore.BlockUnknownError
			if errors.As(err, &unknown) {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			http.Error(w, fmt.Sprintf("failed to load block: %v", err), http.StatusInternalServerError)
			return
		}

		if err := json.NewEncoder(w).Encode(toJSONBlock(b)); err != nil {
			log.Warn("Failed to marshal block", "number", n, "err", err)
			return
		}
	}
}

func toJSONBlock(b mbconsensus.Block) JSONBlock {
	jb := JSONBlock{
		Type:      b.Type.String(),
		Number:    b.Number,
		Timestamp: b.Timestamp,

		ParentHash: hex.EncodeToString(b.ParentHash),
		Hash:       hex.EncodeToString(b.Hash),
		Seed:       hex.EncodeToString(b.Seed[:]),

		Skip: b.IsSkip(),

		ExtraData: hex.EncodeToString(b.ExtraData),

		Transactions:       make([]JSONTransaction, len(b.Transactions)),
		EquivocationProofs: len(b.EquivocationProofs),
	}

	if b.Type == mbconsensus.BlockTypeMicro && !b.IsSkip() {
		slot := b.ProposerSlot
		jb.ProposerSlot = &slot
	}
	if b.SkipProof != nil {
		jb.SkipSignatures = len(b.SkipProof.Signatures.Signatures)
	}

	for i, tx := range b.Transactions {
		jb.Transactions[i] = JSONTransaction{
			Hash:    hex.EncodeToString(tx.Hash()),
			Sender:  tx.Sender,
			Fee:     tx.Fee,
			Control: tx.Control,
			Size:    tx.Size(),
		}
	}

	return jb
}

// Validators is the response body of GET /validators.
type Validators struct {
	PubKeyHash  string
	TotalSlots  uint32
	QuorumSlots uint32

	Validators []JSONValidator
}

type JSONValidator struct {
	SlotBand uint16
	KeyType  string
	PubKey   []byte
	Slots    uint16
}

func handleValidators(log *slog.Logger, cfg HTTPServerConfig) func(w http.ResponseWriter, req *http.Request) {
	c := cfg.Chain
	reg := cfg.CryptoRegistry
	return func(w http.ResponseWriter, req *http.Request) {
		r := c.Read()
		vals := r.CurrentValidators()
		r.Release()

		resp := Validators{
			PubKeyHash:  vals.PubKeyHash,
			TotalSlots:  vals.TotalSlots(),
			QuorumSlots: vals.QuorumSlots(),

			Validators: make([]JSONValidator, len(vals.Validators)),
		}
		for i, v := range vals.Validators {
			typeName, b := v.PubKey.TypeName(), v.PubKey.PubKeyBytes()
			if reg != nil {
				typeName, b = reg.Encode(v.PubKey)
			}
			resp.Validators[i] = JSONValidator{
				SlotBand: uint16(i),
				KeyType:  typeName,
				PubKey:   b,
				Slots:    v.Slots,
			}
		}

		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Warn("Failed to marshal validators response", "err", err)
			return
		}
	}
}
