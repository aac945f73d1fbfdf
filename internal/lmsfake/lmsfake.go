// Package lmsfake serves a scripted imitation of the LMS SIS Import API.
// It backs the client, runner and CLI tests, and `sisupload` can be pointed
// at it for dry runs.
//
// Endpoints:
//
//	POST /api/v1/accounts/self/sis_imports.json?import_type=instructure_csv   multipart "attachment"
//	GET  /api/v1/accounts/self/sis_imports/:id
package lmsfake

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Status is one scripted poll answer.
type Status struct {
	Progress      int    `json:"progress"`
	WorkflowState string `json:"workflow_state"`
}

// Upload is an attachment the server received.
type Upload struct {
	ID       int
	Filename string
	Content  string
}

type job struct {
	upload Upload
	polls  int
}

// Server is safe for concurrent use.
type Server struct {
	mu        sync.Mutex
	token     string
	nextID    int
	jobs      map[int]*job
	order     []int
	script    []Status
	failCode  int
	failBody  string
	failPolls bool
}

// New returns a server that accepts token as bearer credential. An empty
// token disables the check. Job ids start at firstID.
func New(token string, firstID int) *Server {
	return &Server{
		token:  token,
		nextID: firstID,
		jobs:   make(map[int]*job),
		script: []Status{{Progress: 100, WorkflowState: "imported"}},
	}
}

// Script sets the answers every job walks through, one per poll. The last
// answer repeats once the script is used up.
func (s *Server) Script(statuses ...Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(statuses) == 0 {
		statuses = []Status{{Progress: 100, WorkflowState: "imported"}}
	}
	s.script = append([]Status(nil), statuses...)
}

// Fail makes every request answer with code and body until Fail(0, "").
// With pollsOnly the upload endpoint keeps working.
func (s *Server) Fail(code int, body string, pollsOnly bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCode, s.failBody, s.failPolls = code, body, pollsOnly
}

// Uploads returns the received attachments in arrival order.
func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Upload, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.jobs[id].upload)
	}
	return out
}

// Polls reports how many times job id was polled.
func (s *Server) Polls(id int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		return j.polls
	}
	return 0
}

// Seed registers a job that was started by an earlier run.
func (s *Server) Seed(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		s.jobs[id] = &job{upload: Upload{ID: id}}
	}
}

// Handler returns an http.Handler powered by gin.
func (s *Server) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), s.auth)
	group := g.Group("/api/v1/accounts/self")
	group.POST("/sis_imports.json", s.handleStart)
	group.GET("/sis_imports/:id", s.handleStatus)
	return g
}

// ListenAndServe serves the fake on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func errorBody(msg string) gin.H {
	return gin.H{"errors": []gin.H{{"message": msg}}}
}

func (s *Server) auth(c *gin.Context) {
	if s.token == "" {
		c.Next()
		return
	}
	if c.GetHeader("Authorization") != "Bearer "+s.token {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("Invalid access token."))
		return
	}
	c.Next()
}

func (s *Server) injectedFailure(c *gin.Context, poll bool) bool {
	s.mu.Lock()
	code, body, pollsOnly := s.failCode, s.failBody, s.failPolls
	s.mu.Unlock()
	if code == 0 || (pollsOnly && !poll) {
		return false
	}
	c.Data(code, "application/json", []byte(body))
	return true
}

func (s *Server) handleStart(c *gin.Context) {
	if s.injectedFailure(c, false) {
		return
	}
	if c.Query("import_type") != "instructure_csv" {
		c.JSON(http.StatusBadRequest, errorBody("unsupported import_type"))
		return
	}
	fh, err := c.FormFile("attachment")
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("attachment is required"))
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	defer func() { _ = f.Close() }()
	content, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.jobs[id] = &job{upload: Upload{ID: id, Filename: fh.Filename, Content: string(content)}}
	s.order = append(s.order, id)
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"id":             id,
		"workflow_state": "created",
		"progress":       0,
		"created_at":     time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	if s.injectedFailure(c, true) {
		return
	}
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid id"))
		return
	}

	s.mu.Lock()
	j, ok := s.jobs[id]
	var st Status
	if ok {
		i := j.polls
		if i >= len(s.script) {
			i = len(s.script) - 1
		}
		st = s.script[i]
		j.polls++
	}
	s.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, errorBody("The specified resource does not exist."))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":             id,
		"progress":       st.Progress,
		"workflow_state": st.WorkflowState,
	})
}
