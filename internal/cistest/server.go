// Package cistest provides an in-process fake of the CIS bulk job API.
package cistest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
)

const (
	DefaultUsername = "cis-user"
	DefaultPassword = "cis-pass"
)

// Bulk job status codes as CIS reports them.
const (
	statusRunning = 1
	statusSuccess = 2
	statusFailed  = 3
)

// Behavior tunes how the fake responds. The zero value completes every job on
// the first poll.
type Behavior struct {
	// PollsBeforeSuccess is the number of polls answered with a running status.
	PollsBeforeSuccess int
	// NeverComplete keeps every job running.
	NeverComplete bool
	// FailJobs reports every job as failed with FailureLog.
	FailJobs   bool
	FailureLog string
	// ShortRecords drops that many records from every job result.
	ShortRecords int
	// OmitJobID answers submissions without an id.
	OmitJobID bool
	// RejectLogin fails every login with 401.
	RejectLogin bool
	// StringIDs encodes job ids, statuses and sctids as JSON strings.
	StringIDs bool
	// RejectPartitions answers submissions for these partitions with 400.
	RejectPartitions []string
}

type job struct {
	id        int64
	quantity  int
	polls     int
	namespace int
	partition string
	ids       []int64
}

// Server is a fake CIS. Identifiers are unique and increase across jobs.
type Server struct {
	Username string
	Password string

	mu        sync.Mutex
	behavior  Behavior
	tokens    map[string]bool
	tokenSeq  int
	jobSeq    int64
	nextSCTID int64
	jobs      map[int64]*job

	logins      int
	authCalls   int
	submissions []int
	schemeNames []string
	statusPolls int
}

// NewServer returns a fake accepting DefaultUsername/DefaultPassword.
func NewServer(behavior Behavior) *Server {
	return &Server{
		Username:  DefaultUsername,
		Password:  DefaultPassword,
		behavior:  behavior,
		tokens:    map[string]bool{},
		nextSCTID: 100000,
		jobs:      map[int64]*job{},
	}
}

// SetBehavior replaces the behavior for subsequent requests.
func (s *Server) SetBehavior(behavior Behavior) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.behavior = behavior
}

// ExpireTokens invalidates every issued session token.
func (s *Server) ExpireTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = map[string]bool{}
}

func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

func (s *Server) AuthCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authCalls
}

func (s *Server) StatusPolls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusPolls
}

// Submissions returns the quantity of every bulk job submitted, in order.
func (s *Server) Submissions() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.submissions...)
}

// SchemeNames returns the schemeName query value of every submission.
func (s *Server) SchemeNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.schemeNames...)
}

// Handler exposes the CIS routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/authenticate", s.handleAuthenticate).Methods(http.MethodPost)
	r.HandleFunc("/sct/bulk/{operation}", s.withToken(s.handleSubmit)).Methods(http.MethodPost)
	r.HandleFunc("/bulk/jobs/{id}", s.withToken(s.handleStatus)).Methods(http.MethodGet)
	r.HandleFunc("/bulk/jobs/{id}/records", s.withToken(s.handleRecords)).Methods(http.MethodGet)
	return r
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.logins++
	if s.behavior.RejectLogin || req.Username != s.Username || req.Password != s.Password {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
		return
	}
	s.tokenSeq++
	token := fmt.Sprintf("token-%d", s.tokenSeq)
	s.tokens[token] = true
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.authCalls++
	if !s.tokens[req.Token] {
		http.Error(w, "token expired", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"username": s.Username})
}

func (s *Server) withToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		ok := s.tokens[r.URL.Query().Get("token")]
		s.mu.Unlock()
		if !ok {
			http.Error(w, "token expired", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Namespace   int    `json:"namespace"`
		PartitionID string `json:"partitionId"`
		Quantity    int    `json:"quantity"`
		Software    string `json:"software"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Quantity <= 0 || req.Software == "" {
		http.Error(w, "invalid bulk request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.behavior.RejectPartitions, req.PartitionID) {
		http.Error(w, "unknown partition", http.StatusBadRequest)
		return
	}
	s.submissions = append(s.submissions, req.Quantity)
	s.schemeNames = append(s.schemeNames, r.URL.Query().Get("schemeName"))

	s.jobSeq++
	j := &job{id: s.jobSeq, quantity: req.Quantity, namespace: req.Namespace, partition: req.PartitionID}
	for i := 0; i < req.Quantity; i++ {
		s.nextSCTID++
		j.ids = append(j.ids, s.nextSCTID)
	}
	s.jobs[j.id] = j

	if s.behavior.OmitJobID {
		writeJSON(w, http.StatusOK, map[string]any{"name": "bulk job"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": s.encode(j.id)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusPolls++

	j, ok := s.lookup(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	j.polls++

	status := int64(statusSuccess)
	log := ""
	switch {
	case s.behavior.FailJobs:
		status, log = statusFailed, s.behavior.FailureLog
	case s.behavior.NeverComplete || j.polls <= s.behavior.PollsBeforeSuccess:
		status = statusRunning
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": s.encode(status), "log": log})
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.lookup(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	ids := j.ids
	if drop := s.behavior.ShortRecords; drop > 0 {
		ids = ids[:max(len(ids)-drop, 0)]
	}
	records := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		records = append(records, map[string]any{"sctid": s.encode(id), "status": "Reserved"})
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) lookup(raw string) (*job, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, false
	}
	j, ok := s.jobs[id]
	return j, ok
}

func (s *Server) encode(n int64) any {
	if s.behavior.StringIDs {
		return strconv.FormatInt(n, 10)
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
