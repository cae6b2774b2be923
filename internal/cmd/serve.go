package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/adamancini/spool/internal/distrib"
)

const defaultServeAddr = "127.0.0.1:7878"

// server exposes install and update over HTTP for a launcher UI. One
// operation runs at a time; its progress is streamed on /progress.
type server struct {
	app *app
	ctx context.Context

	mu        sync.Mutex
	operation string
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// actionResponse is the reply to a start or cancel request.
type actionResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// statusResponse is the reply to GET /status.
type statusResponse struct {
	Running   bool   `json:"running"`
	Operation string `json:"operation,omitempty"`
	Clients   int    `json:"clients"`
}

// resultMessage is broadcast on /progress when an operation ends.
type resultMessage struct {
	Operation string      `json:"operation"`
	Status    string      `json:"status"`
	Error     string      `json:"error,omitempty"`
	ExitCode  int         `json:"exit_code"`
	Result    interface{} `json:"result,omitempty"`
}

type updateRequest struct {
	URL string `json:"url"`
}

type installRequest struct {
	ProjectID   string `json:"project_id"`
	Kind        string `json:"kind"`
	Loader      string `json:"loader"`
	GameVersion string `json:"game_version"`
	Force       bool   `json:"force"`
}

func (a *app) newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve install and update operations over HTTP",
		Long: `Serve runs a local HTTP server for a launcher front end:

  GET  /progress   websocket stream of progress and result messages
  GET  /status     whether an operation is running
  POST /update     {"url": "..."} (url defaults to update.url)
  POST /install    {"project_id": "...", "kind": "mod", "force": false}
  POST /cancel     cancel the running operation if it has not started cleaning

Operations run in the background; the request returns immediately.`,
		Annotations: map[string]string{annotationNoBridge: "true"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("listen") && a.settings.Progress.Listen != "" {
				listen = a.settings.Progress.Listen
			}
			if _, err := a.ledger(cmd.Context()); err != nil {
				return err
			}

			s := &server{app: a, ctx: cmd.Context()}
			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", listen, err)
			}
			srv := &http.Server{Handler: s.routes(), ReadHeaderTimeout: 10 * time.Second}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Serve(ln) }()
			a.logger.Info("serving", "addr", ln.Addr().String(), "dir", a.settings.InstallDir)

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-cmd.Context().Done():
				a.logger.Info("shutting down")
			}

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(ctx)
			s.wait()
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", defaultServeAddr, "Address to listen on")

	return cmd
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /progress", s.app.hub)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /update", s.handleUpdate)
	mux.HandleFunc("POST /install", s.handleInstall)
	mux.HandleFunc("POST /cancel", s.handleCancel)
	return mux
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	resp := statusResponse{Running: s.operation != "", Operation: s.operation, Clients: s.app.hub.ClientCount()}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

// handleUpdate starts an update (POST /update)
func (s *server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
			return
		}
	}
	url := req.URL
	if url == "" {
		url = s.app.settings.Update.URL
	}
	if url == "" {
		jsonError(w, "url is required", http.StatusBadRequest)
		return
	}

	svc, err := s.app.service(s.ctx)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	started := s.start("update", func(ctx context.Context) (interface{}, error) {
		return svc.StartUpdate(ctx, url).Wait()
	})
	if !started {
		jsonError(w, "another operation is running", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, actionResponse{Status: "started", Message: fmt.Sprintf("Updating from %s", url)})
}

// handleInstall starts an install (POST /install)
func (s *server) handleInstall(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if req.ProjectID == "" {
		jsonError(w, "project_id is required", http.StatusBadRequest)
		return
	}
	q, err := s.app.query(queryFlags{kind: req.Kind, loader: req.Loader, gameVersion: req.GameVersion})
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	svc, err := s.app.service(s.ctx)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	ireq := distrib.InstallRequest{ProjectID: req.ProjectID, Query: q, Force: req.Force}
	started := s.start("install", func(ctx context.Context) (interface{}, error) {
		return svc.StartInstall(ctx, ireq).Wait()
	})
	if !started {
		jsonError(w, "another operation is running", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, actionResponse{Status: "started", Message: fmt.Sprintf("Installing %s", req.ProjectID)})
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	cancel, op := s.cancel, s.operation
	s.mu.Unlock()

	if cancel == nil {
		jsonError(w, "no operation is running", http.StatusConflict)
		return
	}
	cancel()
	writeJSON(w, http.StatusAccepted, actionResponse{Status: "cancelling", Message: fmt.Sprintf("Cancelling %s", op)})
}

// start runs fn in the background unless another operation is running.
func (s *server) start(op string, fn func(context.Context) (interface{}, error)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.operation != "" {
		return false
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.operation = op
	s.cancel = cancel
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer cancel()

		res, err := fn(ctx)
		msg := resultMessage{Operation: op, Status: "success", ExitCode: ExitCode(err), Result: res}
		if err != nil {
			msg.Status = "error"
			msg.Error = err.Error()
			msg.Result = nil
			s.app.logger.Error("operation failed", "operation", op, "err", err)
		}
		s.app.hub.Broadcast("result", msg)

		s.mu.Lock()
		s.operation = ""
		s.cancel = nil
		s.mu.Unlock()
	}()
	return true
}

func (s *server) wait() {
	s.wg.Wait()
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}
