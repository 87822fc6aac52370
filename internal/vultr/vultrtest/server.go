// Package vultrtest provides an in-process fake of the Vultr v2 firewall API.
package vultrtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/bcnelson/vultr-fw-sync/internal/domain"
	"github.com/go-chi/chi/v5"
)

// Call is one request received by the fake.
type Call struct {
	Method string
	Path   string
}

// Server emulates the firewall endpoints of the Vultr v2 API.
type Server struct {
	*httptest.Server

	apiKey string

	mu              sync.Mutex
	groups          []domain.FirewallGroup
	rules           map[string][]domain.FirewallRule
	nextRule        map[string]int
	calls           []Call
	pageSize        int
	failCreateAfter int
	createCount     int
	failDelete      map[int]bool
}

// NewServer starts a fake that accepts apiKey as bearer token.
func NewServer(apiKey string) *Server {
	s := &Server{
		apiKey:          apiKey,
		rules:           map[string][]domain.FirewallRule{},
		nextRule:        map[string]int{},
		failCreateAfter: -1,
		failDelete:      map[int]bool{},
	}

	r := chi.NewRouter()
	r.Use(s.record)
	r.Use(s.auth)
	r.Get("/v2/firewalls", s.listGroups)
	r.Get("/v2/firewalls/{groupID}/rules", s.listRules)
	r.Post("/v2/firewalls/{groupID}/rules", s.createRule)
	r.Delete("/v2/firewalls/{groupID}/rules/{ruleNumber}", s.deleteRule)

	s.Server = httptest.NewServer(r)
	return s
}

// BaseURL is the API root to hand to vultr.ClientConfig.
func (s *Server) BaseURL() string {
	return s.URL + "/v2"
}

// AddGroup registers a firewall group.
func (s *Server) AddGroup(id, description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups = append(s.groups, domain.FirewallGroup{ID: id, Description: description})
}

// AddRule stores a rule in a group, numbering it when Number is zero.
func (s *Server) AddRule(groupID string, rule domain.FirewallRule) domain.FirewallRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addRule(groupID, rule)
}

// Rules returns a copy of the rules currently stored for a group.
func (s *Server) Rules(groupID string) []domain.FirewallRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.FirewallRule(nil), s.rules[groupID]...)
}

// Calls returns every request received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CountCalls returns how many requests used the given method.
func (s *Server) CountCalls(method string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

// SetPageSize makes list endpoints paginate. Zero disables pagination.
func (s *Server) SetPageSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageSize = n
}

// FailCreateAfter lets the first n creates succeed and fails the rest with 500.
func (s *Server) FailCreateAfter(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCreateAfter = n
}

// FailDelete makes deleting the given rule number fail with 500.
func (s *Server) FailDelete(ruleNumber int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDelete[ruleNumber] = true
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path})
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.apiKey {
			writeError(w, http.StatusUnauthorized, "Invalid API token.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	page, meta := paginate(s.groups, s.pageSize, r.URL.Query().Get("cursor"))
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"firewall_groups": page, "meta": meta})
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")

	s.mu.Lock()
	if !s.hasGroup(groupID) {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "Invalid firewall group.")
		return
	}
	page, meta := paginate(s.rules[groupID], s.pageSize, r.URL.Query().Get("cursor"))
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"firewall_rules": page, "meta": meta})
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")

	var req struct {
		IPType     string          `json:"ip_type"`
		Protocol   domain.Protocol `json:"protocol"`
		Subnet     string          `json:"subnet"`
		SubnetSize int             `json:"subnet_size"`
		Port       string          `json:"port"`
		Notes      string          `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body.")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasGroup(groupID) {
		writeError(w, http.StatusNotFound, "Invalid firewall group.")
		return
	}
	if s.failCreateAfter >= 0 && s.createCount >= s.failCreateAfter {
		writeError(w, http.StatusInternalServerError, "Unable to create firewall rule.")
		return
	}
	s.createCount++

	rule := s.addRule(groupID, domain.FirewallRule{
		Action:     "accept",
		IPType:     req.IPType,
		Protocol:   req.Protocol,
		Port:       req.Port,
		Subnet:     req.Subnet,
		SubnetSize: req.SubnetSize,
		Notes:      req.Notes,
	})
	writeJSON(w, http.StatusCreated, map[string]any{"firewall_rule": rule})
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	number, err := strconv.Atoi(chi.URLParam(r, "ruleNumber"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rule number.")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failDelete[number] {
		writeError(w, http.StatusInternalServerError, "Unable to delete firewall rule.")
		return
	}
	rules := s.rules[groupID]
	for i, rule := range rules {
		if rule.Number == number {
			s.rules[groupID] = append(rules[:i:i], rules[i+1:]...)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeError(w, http.StatusNotFound, "Invalid firewall rule.")
}

func (s *Server) hasGroup(id string) bool {
	for _, g := range s.groups {
		if g.ID == id {
			return true
		}
	}
	return false
}

func (s *Server) addRule(groupID string, rule domain.FirewallRule) domain.FirewallRule {
	if rule.Number == 0 {
		s.nextRule[groupID]++
		rule.Number = s.nextRule[groupID]
	} else if rule.Number > s.nextRule[groupID] {
		s.nextRule[groupID] = rule.Number
	}
	if rule.IPType == "" {
		rule.IPType = domain.IPTypeV4
	}
	s.rules[groupID] = append(s.rules[groupID], rule)
	return rule
}

type listMeta struct {
	Total int `json:"total"`
	Links struct {
		Next string `json:"next"`
		Prev string `json:"prev"`
	} `json:"links"`
}

func paginate[T any](items []T, size int, cursor string) ([]T, listMeta) {
	meta := listMeta{Total: len(items)}
	if size <= 0 {
		return append([]T{}, items...), meta
	}

	start, _ := strconv.Atoi(cursor)
	if start > len(items) {
		start = len(items)
	}
	end := start + size
	if end < len(items) {
		meta.Links.Next = strconv.Itoa(end)
	} else {
		end = len(items)
	}
	return append([]T{}, items[start:end]...), meta
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message, "status": status})
}
