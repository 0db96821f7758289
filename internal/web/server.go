// Package web exposes the node over a small JSON API: account listings,
// transaction history, node info, and the same actions the stdin prompt
// offers. It is a thin view layer; all semantics live in the command and
// snapshot packages.
package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"meshbank/internal/cluster"
	"meshbank/internal/command"
	"meshbank/internal/snapshot"
	"meshbank/internal/store"
)

type Server struct {
	router     chi.Router
	httpServer *http.Server

	node *cluster.Node
	cmds *command.Commands
	db   *store.Store
}

func NewServer(addr string, node *cluster.Node, cmds *command.Commands, db *store.Store) *Server {
	s := &Server{router: chi.NewRouter(), node: node, cmds: cmds, db: db}
	s.routes()
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	return s
}

func (s *Server) Start() error { return s.httpServer.ListenAndServe() }

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.Use(requestLogger)
	s.router.Get("/api/info", s.handleInfo)
	s.router.Get("/api/users", s.handleUsers)
	s.router.Get("/api/users/{name}/transactions", s.handleUserTransactions)
	s.router.Get("/api/transactions", s.handleTransactions)
	s.router.Post("/api/users", s.handleCreateUser)
	s.router.Post("/api/deposit", s.handleDeposit)
	s.router.Post("/api/withdraw", s.handleWithdraw)
	s.router.Post("/api/transfer", s.handleTransfer)
	s.router.Post("/api/pay", s.handlePay)
	s.router.Post("/api/refund", s.handleRefund)
	s.router.Post("/api/snapshot", s.handleSnapshot)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Infof("%s %s %s", r.Method, r.RequestURI, time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the domain error kinds onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrInsufficientFunds):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrDuplicateKey):
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.node.Info())
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.db.Users()
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(users))
	for _, u := range users {
		out = append(out, map[string]any{"name": u.Name, "balance": u.Balance})
	}
	writeJSON(w, out)
}

func txView(t store.Transaction) map[string]any {
	return map[string]any{
		"from_user":    t.FromUser,
		"to_user":      t.ToUser,
		"amount":       t.Amount,
		"lamport_time": t.LamportTime,
		"source_node":  t.SourceNode,
		"optional_msg": t.OptionalMsg,
	}
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.db.ListTx()
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(txs))
	for _, t := range txs {
		out = append(out, txView(t))
	}
	writeJSON(w, out)
}

func (s *Server) handleUserTransactions(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	txs, err := s.db.ListTxForUser(name)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(txs))
	for _, t := range txs {
		out = append(out, txView(t))
	}
	writeJSON(w, out)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.cmds.CreateUser(req.Name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"created": req.Name})
}

type moneyReq struct {
	User   string  `json:"user"`
	To     string  `json:"to,omitempty"`
	Amount float64 `json:"amount"`
}

func decodeMoney(w http.ResponseWriter, r *http.Request) (moneyReq, bool) {
	var req moneyReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeMoney(w, r)
	if !ok {
		return
	}
	if err := s.cmds.Deposit(req.User, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeMoney(w, r)
	if !ok {
		return
	}
	if err := s.cmds.Withdraw(req.User, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeMoney(w, r)
	if !ok {
		return
	}
	if err := s.cmds.Transfer(req.User, req.To, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeMoney(w, r)
	if !ok {
		return
	}
	if err := s.cmds.Pay(req.User, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LamportTime int64  `json:"lamport_time"`
		SourceNode  string `json:"source_node"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.cmds.Refund(req.LamportTime, req.SourceNode); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	mode := snapshot.Mode(req.Mode)
	if mode != snapshot.ModeFile && mode != snapshot.ModeSync {
		http.Error(w, "mode must be \"file\" or \"sync\"", http.StatusBadRequest)
		return
	}
	if err := s.node.StartSnapshot(mode); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "started"})
}
