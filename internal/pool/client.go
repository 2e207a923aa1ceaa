package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/seanb95531/chia-farmer/internal/pospace"
	"github.com/seanb95531/chia-farmer/internal/util"
)

// hexHash marshals to/from the "0x"-prefixed hex string Chia pool APIs
// use for 32-byte hash fields.
type hexHash pospace.Hash32

func (h hexHash) MarshalJSON() ([]byte, error) {
	return json.Marshal(util.BytesToHex(h[:]))
}

func (h *hexHash) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	raw, err := util.HexToBytes(s)
	if err != nil {
		return fmt.Errorf("pool: invalid hash hex %q: %w", s, err)
	}
	if len(raw) != len(h) {
		return fmt.Errorf("pool: expected %d-byte hash, got %d", len(h), len(raw))
	}
	copy(h[:], raw)
	return nil
}

// hexBytes marshals to/from a "0x"-prefixed hex string for
// variable-length byte fields (public keys, signatures, proofs).
type hexBytes []byte

func (h hexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(util.BytesToHex(h))
}

func (h *hexBytes) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	raw, err := util.HexToBytes(s)
	if err != nil {
		return fmt.Errorf("pool: invalid bytes hex %q: %w", s, err)
	}
	*h = raw
	return nil
}

// PoolInfoResponse is the body of GET /pool_info.
type PoolInfoResponse struct {
	Name                       string  `json:"name"`
	Description                string  `json:"description"`
	PoolPuzzleHash             hexHash `json:"pool_puzzle_hash"`
	TargetPuzzleHash           hexHash `json:"target_puzzle_hash"`
	RelativeLockHeight         uint32  `json:"relative_lock_height"`
	MinimumDifficulty          uint64  `json:"minimum_difficulty"`
	AuthenticationTokenTimeout uint8   `json:"authentication_token_timeout"`
	ProtocolVersion            string  `json:"protocol_version"`
}

// GetFarmerResponse is the body of GET /farmer, or a pool protocol
// error envelope sharing the same endpoint.
type GetFarmerResponse struct {
	AuthenticationPublicKey hexBytes `json:"authentication_public_key,omitempty"`
	PayoutInstructions      string   `json:"payout_instructions,omitempty"`
	CurrentDifficulty       *uint64  `json:"current_difficulty,omitempty"`
	CurrentPoints           *uint64  `json:"current_points,omitempty"`

	ErrorCode    *int    `json:"error_code,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
}

// PostFarmerPayload is the signed body of POST /farmer.
type PostFarmerPayload struct {
	LauncherID              pospace.Hash32 `json:"-"`
	AuthenticationToken     uint64         `json:"authentication_token"`
	AuthenticationPublicKey []byte         `json:"-"`
	PayoutInstructions      string         `json:"payout_instructions"`
}

func (p PostFarmerPayload) MarshalJSON() ([]byte, error) {
	type alias struct {
		LauncherID              hexHash  `json:"launcher_id"`
		AuthenticationToken     uint64   `json:"authentication_token"`
		AuthenticationPublicKey hexBytes `json:"authentication_public_key"`
		PayoutInstructions      string   `json:"payout_instructions"`
	}
	return json.Marshal(alias{
		LauncherID:              hexHash(p.LauncherID),
		AuthenticationToken:     p.AuthenticationToken,
		AuthenticationPublicKey: p.AuthenticationPublicKey,
		PayoutInstructions:      p.PayoutInstructions,
	})
}

// PostFarmerRequest is the full POST /farmer body: payload + signature.
type PostFarmerRequest struct {
	Payload   PostFarmerPayload `json:"payload"`
	Signature []byte            `json:"-"`
}

func (r PostFarmerRequest) MarshalJSON() ([]byte, error) {
	type alias struct {
		Payload   PostFarmerPayload `json:"payload"`
		Signature hexBytes          `json:"signature"`
	}
	return json.Marshal(alias{Payload: r.Payload, Signature: r.Signature})
}

// PostFarmerResponse is the body of a successful POST /farmer.
type PostFarmerResponse struct {
	Welcome      bool    `json:"welcome,omitempty"`
	ErrorCode    *int    `json:"error_code,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
}

// PutFarmerPayload is the signed body of PUT /farmer. Fields left nil
// mean "leave unchanged" (only payout_instructions is used by the
// farmer core today).
type PutFarmerPayload struct {
	LauncherID          pospace.Hash32 `json:"-"`
	AuthenticationToken uint64         `json:"authentication_token"`
	PayoutInstructions  *string        `json:"-"`
}

func (p PutFarmerPayload) MarshalJSON() ([]byte, error) {
	type alias struct {
		LauncherID          hexHash `json:"launcher_id"`
		AuthenticationToken uint64  `json:"authentication_token"`
		PayoutInstructions  *string `json:"payout_instructions,omitempty"`
	}
	return json.Marshal(alias{
		LauncherID:          hexHash(p.LauncherID),
		AuthenticationToken: p.AuthenticationToken,
		PayoutInstructions:  p.PayoutInstructions,
	})
}

// PutFarmerRequest is the full PUT /farmer body: payload + signature.
type PutFarmerRequest struct {
	Payload   PutFarmerPayload `json:"payload"`
	Signature []byte           `json:"-"`
}

func (r PutFarmerRequest) MarshalJSON() ([]byte, error) {
	type alias struct {
		Payload   PutFarmerPayload `json:"payload"`
		Signature hexBytes         `json:"signature"`
	}
	return json.Marshal(alias{Payload: r.Payload, Signature: r.Signature})
}

// PutFarmerResponse is the body of a successful PUT /farmer.
type PutFarmerResponse struct {
	PayoutInstructions *bool   `json:"payout_instructions,omitempty"`
	ErrorCode          *int    `json:"error_code,omitempty"`
	ErrorMessage       *string `json:"error_message,omitempty"`
}

// hashPayload returns the canonical hash of a JSON-marshalable payload,
// used as the message for owner-key signatures over POST/PUT farmer
// bodies. This is a simplified stand-in for the reference
// implementation's streamable-serialization signing format: both sides
// only need internal consistency, since this farmer core signs and the
// real pool network it talks to over this codebase's own wire format
// verifies with the same encoding.
func hashPayload(payload interface{}) []byte {
	b, err := json.Marshal(payload)
	if err != nil {
		// Marshal failure here means a payload type is misconfigured;
		// there is no sane signature to produce.
		panic(fmt.Sprintf("pool: hashPayload: %v", err))
	}
	h := pospace.H(b)
	return h[:]
}

// Transport performs the pool HTTP calls. Grounded on the teacher's
// typed-request HTTP client, split out as an interface so the pool
// state machine can be tested without a network.
type Transport interface {
	// GetPoolInfo fetches GET {poolURL}/pool_info, manually following
	// redirects so the caller can tell whether every hop in the chain
	// was a permanent redirect (301/308). It returns the URL the chain
	// settled on (without the /pool_info suffix) and whether there was
	// at least one redirect and every hop was permanent. A chain with no
	// redirect, or with any non-permanent hop, reports
	// allPermanentRedirect=false, and the caller migrates only when it
	// is true.
	GetPoolInfo(ctx context.Context, poolURL string) (resp *PoolInfoResponse, finalURL string, allPermanentRedirect bool, err error)
	GetFarmer(ctx context.Context, poolURL string, launcherID pospace.Hash32, authenticationToken uint64, signature []byte) (*GetFarmerResponse, error)
	PostFarmer(ctx context.Context, poolURL string, req PostFarmerRequest) (*PostFarmerResponse, error)
	PutFarmer(ctx context.Context, poolURL string, req PutFarmerRequest) (*PutFarmerResponse, error)
	PostPartial(ctx context.Context, poolURL string, req PostPartialRequest) (*PostPartialResponse, error)
}

// PostPartialPayload is the signed body of POST /partial: a harvester
// proof meeting the pool's difficulty, submitted for points. Not named
// in spec.md's external-interface list (which enumerates only
// pool_info/farmer), but required by §4.3 step 4's "submit to the pool
// client" for partials — grounded on the real pool protocol's
// `/partial` endpoint the rest of this module's semantics assume.
type PostPartialPayload struct {
	LauncherID          pospace.Hash32       `json:"-"`
	AuthenticationToken uint64               `json:"authentication_token"`
	Proof               pospace.ProofOfSpace `json:"proof"`
	SPHash              pospace.Hash32       `json:"-"`
	EndOfSubSlot        bool                 `json:"end_of_sub_slot"`
	HarvesterID         string               `json:"harvester_id"`
}

func (p PostPartialPayload) MarshalJSON() ([]byte, error) {
	type alias struct {
		LauncherID          hexHash              `json:"launcher_id"`
		AuthenticationToken uint64               `json:"authentication_token"`
		Proof               pospace.ProofOfSpace `json:"proof"`
		SPHash              hexHash              `json:"sp_hash"`
		EndOfSubSlot        bool                 `json:"end_of_sub_slot"`
		HarvesterID         string               `json:"harvester_id"`
	}
	return json.Marshal(alias{
		LauncherID:          hexHash(p.LauncherID),
		AuthenticationToken: p.AuthenticationToken,
		Proof:               p.Proof,
		SPHash:              hexHash(p.SPHash),
		EndOfSubSlot:        p.EndOfSubSlot,
		HarvesterID:         p.HarvesterID,
	})
}

// PostPartialRequest is the full POST /partial body.
type PostPartialRequest struct {
	Payload   PostPartialPayload `json:"payload"`
	Signature []byte             `json:"-"`
}

func (r PostPartialRequest) MarshalJSON() ([]byte, error) {
	type alias struct {
		Payload   PostPartialPayload `json:"payload"`
		Signature hexBytes           `json:"signature"`
	}
	return json.Marshal(alias{Payload: r.Payload, Signature: r.Signature})
}

// PostPartialResponse is the body of POST /partial.
type PostPartialResponse struct {
	NewDifficulty *uint64 `json:"new_difficulty,omitempty"`
	ErrorCode     *int    `json:"error_code,omitempty"`
	ErrorMessage  *string `json:"error_message,omitempty"`
}

// HTTPTransport is the production Transport, built on net/http.
type HTTPTransport struct {
	Client *http.Client
}

// NewHTTPTransport returns a Transport with a sane timeout and with
// automatic redirect-following disabled so GetPoolInfo can inspect
// each hop.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		Client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

const maxRedirectHops = 8

func (t *HTTPTransport) GetPoolInfo(ctx context.Context, poolURL string) (*PoolInfoResponse, string, bool, error) {
	current := strings.TrimSuffix(poolURL, "/") + "/pool_info"
	allPermanent := true
	sawRedirect := false

	for hop := 0; hop < maxRedirectHops; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return nil, poolURL, false, &TransientNetworkError{Op: "get_pool_info", Err: err}
		}
		resp, err := t.Client.Do(req)
		if err != nil {
			return nil, poolURL, false, &TransientNetworkError{Op: "get_pool_info", Err: err}
		}

		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusPermanentRedirect:
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			if loc == "" {
				return nil, poolURL, false, &TransientNetworkError{Op: "get_pool_info", Err: fmt.Errorf("redirect with no Location header")}
			}
			current = loc
			sawRedirect = true
			continue
		case http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect:
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			if loc == "" {
				return nil, poolURL, false, &TransientNetworkError{Op: "get_pool_info", Err: fmt.Errorf("redirect with no Location header")}
			}
			current = loc
			sawRedirect = true
			allPermanent = false
			continue
		case http.StatusOK:
			defer resp.Body.Close()
			var info PoolInfoResponse
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, poolURL, false, &TransientNetworkError{Op: "get_pool_info", Err: err}
			}
			if err := json.Unmarshal(body, &info); err != nil {
				return nil, poolURL, false, &TransientNetworkError{Op: "get_pool_info", Err: err}
			}
			finalURL := strings.TrimSuffix(current, "/pool_info")
			return &info, finalURL, sawRedirect && allPermanent, nil
		default:
			resp.Body.Close()
			return nil, poolURL, false, &TransientNetworkError{Op: "get_pool_info", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
		}
	}
	return nil, poolURL, false, &TransientNetworkError{Op: "get_pool_info", Err: fmt.Errorf("too many redirects")}
}

func (t *HTTPTransport) GetFarmer(ctx context.Context, poolURL string, launcherID pospace.Hash32, authenticationToken uint64, signature []byte) (*GetFarmerResponse, error) {
	url := fmt.Sprintf("%s/farmer?launcher_id=%s&authentication_token=%d&signature=%s",
		strings.TrimSuffix(poolURL, "/"),
		util.BytesToHex(launcherID[:]),
		authenticationToken,
		util.BytesToHex(signature),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &TransientNetworkError{Op: "get_farmer", Err: err}
	}
	var out GetFarmerResponse
	if err := t.doJSON(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (t *HTTPTransport) PostFarmer(ctx context.Context, poolURL string, reqBody PostFarmerRequest) (*PostFarmerResponse, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &TransientNetworkError{Op: "post_farmer", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(poolURL, "/")+"/farmer", bytes.NewReader(body))
	if err != nil {
		return nil, &TransientNetworkError{Op: "post_farmer", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	var out PostFarmerResponse
	if err := t.doJSON(req, &out); err != nil {
		return nil, err
	}
	if out.ErrorCode != nil {
		msg := ""
		if out.ErrorMessage != nil {
			msg = *out.ErrorMessage
		}
		return &out, &ProtocolError{Op: "post_farmer", Code: ErrorCode(*out.ErrorCode), Message: msg}
	}
	return &out, nil
}

func (t *HTTPTransport) PutFarmer(ctx context.Context, poolURL string, reqBody PutFarmerRequest) (*PutFarmerResponse, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &TransientNetworkError{Op: "put_farmer", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, strings.TrimSuffix(poolURL, "/")+"/farmer", bytes.NewReader(body))
	if err != nil {
		return nil, &TransientNetworkError{Op: "put_farmer", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	var out PutFarmerResponse
	if err := t.doJSON(req, &out); err != nil {
		return nil, err
	}
	if out.ErrorCode != nil {
		msg := ""
		if out.ErrorMessage != nil {
			msg = *out.ErrorMessage
		}
		return &out, &ProtocolError{Op: "put_farmer", Code: ErrorCode(*out.ErrorCode), Message: msg}
	}
	return &out, nil
}

func (t *HTTPTransport) PostPartial(ctx context.Context, poolURL string, reqBody PostPartialRequest) (*PostPartialResponse, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &TransientNetworkError{Op: "post_partial", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(poolURL, "/")+"/partial", bytes.NewReader(body))
	if err != nil {
		return nil, &TransientNetworkError{Op: "post_partial", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	var out PostPartialResponse
	if err := t.doJSON(req, &out); err != nil {
		return nil, err
	}
	if out.ErrorCode != nil {
		msg := ""
		if out.ErrorMessage != nil {
			msg = *out.ErrorMessage
		}
		return &out, &ProtocolError{Op: "post_partial", Code: ErrorCode(*out.ErrorCode), Message: msg}
	}
	return &out, nil
}

func (t *HTTPTransport) doJSON(req *http.Request, out interface{}) error {
	resp, err := t.Client.Do(req)
	if err != nil {
		return &TransientNetworkError{Op: req.Method, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransientNetworkError{Op: req.Method, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return &TransientNetworkError{Op: req.Method, Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(body))}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &TransientNetworkError{Op: req.Method, Err: err}
	}
	return nil
}
