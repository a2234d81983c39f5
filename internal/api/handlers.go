package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"

	"price-oracle-aggregator/internal/oracle"
	"price-oracle-aggregator/internal/version"
)

type baseResponse struct {
	BaseCurrency     string `json:"base_currency"`
	BaseCurrencyUnit string `json:"base_currency_unit"`
}

type assetResponse struct {
	Asset  string `json:"asset"`
	Symbol string `json:"symbol,omitempty"`
}

type priceResponse struct {
	Asset        string `json:"asset"`
	Price        string `json:"price"`
	Display      string `json:"display"`
	BaseCurrency string `json:"base_currency"`
}

type rejectionResponse struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
	Detail string `json:"detail"`
}

type lastGoodResponse struct {
	Price     string    `json:"price"`
	Display   string    `json:"display"`
	UpdatedAt time.Time `json:"updated_at"`
}

type freezeResponse struct {
	Frozen   bool       `json:"frozen"`
	Override string     `json:"override,omitempty"`
	FrozenAt *time.Time `json:"frozen_at,omitempty"`
}

type infoResponse struct {
	priceResponse
	UpdatedAt  *time.Time          `json:"updated_at,omitempty"`
	IsAlive    bool                `json:"is_alive"`
	Outcome    string              `json:"outcome"`
	Source     string              `json:"source,omitempty"`
	Rejections []rejectionResponse `json:"rejections"`
	LastGood   *lastGoodResponse   `json:"last_good,omitempty"`
	Freeze     freezeResponse      `json:"freeze"`
}

type updateLastGoodRequest struct {
	Price     string     `json:"price"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

type freezeRequest struct {
	Override *string `json:"override,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"assets":  len(s.oracle.Assets()),
		"version": version.Get(),
	})
}

func (s *Server) handleBase(w http.ResponseWriter, _ *http.Request) {
	unit := s.oracle.BaseCurrencyUnit()
	writeJSON(w, http.StatusOK, baseResponse{
		BaseCurrency:     s.oracle.BaseCurrency(),
		BaseCurrencyUnit: unit.Dec(),
	})
}

func (s *Server) handleAssets(w http.ResponseWriter, _ *http.Request) {
	assets := s.oracle.Assets()
	out := make([]assetResponse, 0, len(assets))
	for _, a := range assets {
		out = append(out, assetResponse{Asset: a.Hex(), Symbol: s.symbols[a]})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	asset, ok := assetParam(w, r)
	if !ok {
		return
	}
	price, err := s.oracle.GetAssetPrice(r.Context(), asset)
	if err != nil {
		s.writeOracleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.price(asset, price))
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	asset, ok := assetParam(w, r)
	if !ok {
		return
	}
	info, err := s.oracle.GetPriceInfo(r.Context(), asset)
	if err != nil {
		s.writeOracleError(w, err)
		return
	}

	resp := infoResponse{
		priceResponse: s.price(asset, info.Price),
		IsAlive:       info.IsAlive,
		Outcome:       string(info.Outcome),
		Source:        info.Source,
		Rejections:    make([]rejectionResponse, 0, len(info.Rejections)),
	}
	if !info.UpdatedAt.IsZero() {
		ts := info.UpdatedAt.UTC()
		resp.UpdatedAt = &ts
	}
	for _, rej := range info.Rejections {
		detail := ""
		if rej.Err != nil {
			detail = rej.Err.Error()
		}
		resp.Rejections = append(resp.Rejections, rejectionResponse{Source: rej.Source, Reason: oracle.Reason(rej.Err), Detail: detail})
	}
	if lgp, ok := s.oracle.LastGoodPrice(asset); ok {
		resp.LastGood = &lastGoodResponse{
			Price:     lgp.Price.Dec(),
			Display:   s.display(lgp.Price),
			UpdatedAt: lgp.UpdatedAt.UTC(),
		}
	}
	if fs := s.oracle.FreezeState(asset); fs.Frozen {
		at := fs.FrozenAt.UTC()
		resp.Freeze = freezeResponse{Frozen: true, FrozenAt: &at}
		if fs.HasOverride {
			resp.Freeze.Override = fs.Override.Dec()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdateLastGoodPrice(w http.ResponseWriter, r *http.Request) {
	asset, ok := assetParam(w, r)
	if !ok {
		return
	}
	var req updateLastGoodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	price, err := oracle.ParseAmount(req.Price, s.oracle.BaseCurrencyUnit())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var updatedAt time.Time
	if req.UpdatedAt != nil {
		updatedAt = *req.UpdatedAt
	}

	if err := s.oracle.UpdateLastGoodPrice(r.Context(), principalFrom(r.Context()), asset, price, updatedAt); err != nil {
		s.writeOracleError(w, err)
		return
	}
	lgp, _ := s.oracle.LastGoodPrice(asset)
	writeJSON(w, http.StatusOK, lastGoodResponse{Price: lgp.Price.Dec(), Display: s.display(lgp.Price), UpdatedAt: lgp.UpdatedAt.UTC()})
}

func (s *Server) handleFreeze(w http.ResponseWriter, r *http.Request) {
	asset, ok := assetParam(w, r)
	if !ok {
		return
	}
	var req freezeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var override *uint256.Int
	if req.Override != nil {
		v, err := oracle.ParseAmount(*req.Override, s.oracle.BaseCurrencyUnit())
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		override = &v
	}

	if err := s.oracle.FreezeAsset(r.Context(), principalFrom(r.Context()), asset, override); err != nil {
		s.writeOracleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnfreeze(w http.ResponseWriter, r *http.Request) {
	asset, ok := assetParam(w, r)
	if !ok {
		return
	}
	if err := s.oracle.UnfreezeAsset(r.Context(), principalFrom(r.Context()), asset); err != nil {
		s.writeOracleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) price(asset common.Address, price uint256.Int) priceResponse {
	return priceResponse{
		Asset:        asset.Hex(),
		Price:        price.Dec(),
		Display:      s.display(price),
		BaseCurrency: s.oracle.BaseCurrency(),
	}
}

func (s *Server) display(price uint256.Int) string {
	return oracle.FormatAmount(price, s.oracle.BaseCurrencyUnit()).String()
}

func assetParam(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := mux.Vars(r)["asset"]
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "asset must be a hex address")
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, oracle.ErrAssetNotConfigured):
		return http.StatusNotFound
	case errors.Is(err, oracle.ErrPriceNotAlive), errors.Is(err, oracle.ErrFrozenNoOverride):
		return http.StatusServiceUnavailable
	case errors.Is(err, oracle.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, oracle.ErrAssetNotFrozen):
		return http.StatusConflict
	case errors.Is(err, oracle.ErrZeroAddress), oracle.IsDataQuality(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeOracleError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
