package web

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/hubclient/internal/clients/hub"
	"go.uber.org/zap"
)

type hubReader interface {
	FetchBalances(ctx context.Context, wallet common.Address) ([]hub.Balance, error)
	FetchOrders(ctx context.Context, wallet common.Address) ([]hub.Order, error)
	FetchOrder(ctx context.Context, approvalID string) (hub.Order, error)
	FetchOrderBook(ctx context.Context, base, quote common.Address) (hub.OrderBook, error)
	FetchTrades(ctx context.Context, base, quote common.Address) ([]hub.Trade, error)
}

func (s *Server) handleHubBalances(w http.ResponseWriter, r *http.Request) {
	wallet, ok := s.hubWallet(w)
	if !ok {
		return
	}
	balances, err := s.Hub.FetchBalances(r.Context(), wallet)
	s.writeHub(w, balances, err)
}

func (s *Server) handleHubOrders(w http.ResponseWriter, r *http.Request) {
	wallet, ok := s.hubWallet(w)
	if !ok {
		return
	}
	orders, err := s.Hub.FetchOrders(r.Context(), wallet)
	s.writeHub(w, orders, err)
}

func (s *Server) handleHubOrder(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		http.Error(w, "hub not available", http.StatusServiceUnavailable)
		return
	}
	order, err := s.Hub.FetchOrder(r.Context(), r.PathValue("id"))
	s.writeHub(w, order, err)
}

func (s *Server) handleHubOrderBook(w http.ResponseWriter, r *http.Request) {
	base, quote, ok := s.hubMarket(w, r)
	if !ok {
		return
	}
	book, err := s.Hub.FetchOrderBook(r.Context(), base, quote)
	s.writeHub(w, book, err)
}

func (s *Server) handleHubTrades(w http.ResponseWriter, r *http.Request) {
	base, quote, ok := s.hubMarket(w, r)
	if !ok {
		return
	}
	trades, err := s.Hub.FetchTrades(r.Context(), base, quote)
	s.writeHub(w, trades, err)
}

// hubWallet resolves the wallet the engine trades for.
func (s *Server) hubWallet(w http.ResponseWriter) (common.Address, bool) {
	if s.Hub == nil || s.Engine == nil {
		http.Error(w, "hub not available", http.StatusServiceUnavailable)
		return common.Address{}, false
	}
	return s.Engine.Status().Wallet, true
}

func (s *Server) hubMarket(w http.ResponseWriter, r *http.Request) (common.Address, common.Address, bool) {
	if s.Hub == nil {
		http.Error(w, "hub not available", http.StatusServiceUnavailable)
		return common.Address{}, common.Address{}, false
	}
	q := r.URL.Query()
	base, quote := q.Get("base"), q.Get("quote")
	if !common.IsHexAddress(base) || !common.IsHexAddress(quote) {
		http.Error(w, "base and quote must be token addresses", http.StatusBadRequest)
		return common.Address{}, common.Address{}, false
	}
	return common.HexToAddress(base), common.HexToAddress(quote), true
}

func (s *Server) writeHub(w http.ResponseWriter, v any, err error) {
	if err != nil {
		var statusErr *hub.StatusError
		if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
			http.Error(w, statusErr.Message, http.StatusNotFound)
			return
		}
		s.logger.Warn("hub request failed", zap.Error(err))
		http.Error(w, "hub request failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write hub response", zap.Error(err))
	}
}
