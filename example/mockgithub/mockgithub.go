// Package mockgithub serves a fake GitHub Actions "list workflow runs"
// endpoint whose runs progress over time, for demos and manual testing.
//
// Every repository is created on first request with a few completed runs.
// From then on, every 10 to 30 seconds its newest run advances one step
// (queued, in_progress, completed) or a new run is queued. Responses carry
// an ETag and honour If-None-Match, so the conditional-request path of a
// poller can be watched end to end.
package mockgithub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-github/v75/github"
)

const (
	seedRuns   = 3
	maxHistory = 20
	minStep    = 10 * time.Second
	stepJitter = 20
)

var (
	workflows   = []string{"CI", "Deploy", "Lint"}
	conclusions = []string{"success", "success", "success", "failure", "cancelled"}
)

// Option configures a [Server].
type Option func(*Server)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithSeed makes run progression deterministic.
func WithSeed(seed int64) Option {
	return func(s *Server) { s.rng = rand.New(rand.NewSource(seed)) }
}

// WithLogger logs every simulated transition.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// Server is an http.Handler simulating the workflow runs API.
type Server struct {
	router chi.Router
	now    func() time.Time
	logger *slog.Logger

	mu     sync.Mutex
	rng    *rand.Rand
	repos  map[string]*repoSim
	nextID int64
}

type repoSim struct {
	runs     []*github.WorkflowRun // most recent first
	version  int
	nextStep time.Time
}

// New returns a ready Server.
func New(opts ...Option) *Server {
	s := &Server{
		now:    time.Now,
		logger: slog.Default(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		repos:  make(map[string]*repoSim),
		nextID: 1000,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Get("/repos/{owner}/{repo}/actions/runs", s.handleRuns)
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "repo")

	limit := 30
	if v, err := strconv.Atoi(r.URL.Query().Get("per_page")); err == nil && v > 0 && v <= 100 {
		limit = v
	}

	s.mu.Lock()
	sim := s.repo(name)
	s.advance(name, sim)
	etag := fmt.Sprintf(`W/"%s-%d"`, name, sim.version)
	n := min(limit, len(sim.runs))
	page := &github.WorkflowRuns{
		TotalCount:   github.Ptr(len(sim.runs)),
		WorkflowRuns: append([]*github.WorkflowRun(nil), sim.runs[:n]...),
	}
	body, err := json.Marshal(page)
	s.mu.Unlock()

	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// repo returns the simulation for name, seeding it on first use.
func (s *Server) repo(name string) *repoSim {
	if sim, ok := s.repos[name]; ok {
		return sim
	}

	now := s.now().UTC()
	sim := &repoSim{nextStep: now.Add(s.stepDelay())}
	for i := seedRuns; i > 0; i-- {
		run := s.newRun(name, now.Add(-time.Duration(i)*time.Hour))
		s.complete(run, run.GetCreatedAt().Add(3*time.Minute))
		sim.runs = append([]*github.WorkflowRun{run}, sim.runs...)
	}
	s.repos[name] = sim
	return sim
}

// advance applies every step that is due.
func (s *Server) advance(name string, sim *repoSim) {
	now := s.now().UTC()
	for !now.Before(sim.nextStep) {
		at := sim.nextStep
		latest := sim.runs[0]

		switch latest.GetStatus() {
		case "queued":
			latest.Status = github.Ptr("in_progress")
			latest.UpdatedAt = &github.Timestamp{Time: at}
		case "in_progress":
			s.complete(latest, at)
		default:
			sim.runs = append([]*github.WorkflowRun{s.newRun(name, at)}, sim.runs...)
			if len(sim.runs) > maxHistory {
				sim.runs = sim.runs[:maxHistory]
			}
		}
		sim.version++
		sim.nextStep = at.Add(s.stepDelay())

		s.logger.Info("run transition",
			"repo", name,
			"run_id", sim.runs[0].GetID(),
			"status", sim.runs[0].GetStatus(),
			"conclusion", sim.runs[0].GetConclusion(),
		)
	}
}

func (s *Server) newRun(name string, at time.Time) *github.WorkflowRun {
	s.nextID++
	return &github.WorkflowRun{
		ID:        github.Ptr(s.nextID),
		Name:      github.Ptr(workflows[s.rng.Intn(len(workflows))]),
		Status:    github.Ptr("queued"),
		HTMLURL:   github.Ptr(fmt.Sprintf("https://github.com/%s/actions/runs/%d", name, s.nextID)),
		CreatedAt: &github.Timestamp{Time: at},
		UpdatedAt: &github.Timestamp{Time: at},
	}
}

func (s *Server) complete(run *github.WorkflowRun, at time.Time) {
	run.Status = github.Ptr("completed")
	run.Conclusion = github.Ptr(conclusions[s.rng.Intn(len(conclusions))])
	run.UpdatedAt = &github.Timestamp{Time: at}
}

func (s *Server) stepDelay() time.Duration {
	return minStep + time.Duration(s.rng.Intn(stepJitter+1))*time.Second
}
