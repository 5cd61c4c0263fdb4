// Package statusapi serves the aggregate state of a running synchronizer
// over HTTP.
//
//	GET /state    the latest state as JSON; ?records=false omits the records
//	GET /healthz  200 once every collection loaded without error, 503 otherwise
package statusapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogecho "github.com/samber/slog-echo"

	"github.com/agencyops/opsync/pkg/livesync"
	"github.com/agencyops/opsync/pkg/models"
)

// StateSource is implemented by *livesync.Handle and *livesync.Session.
type StateSource interface {
	State() livesync.State
}

type Server struct {
	e   *echo.Echo
	src StateSource
}

func New(src StateSource, log *slog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = jsonSerializer{}

	e.Use(slogecho.New(log))
	e.Use(middleware.Recover())

	s := &Server{e: e, src: src}
	e.GET("/state", s.handleState)
	e.GET("/healthz", s.handleHealth)
	return s
}

// ServeHTTP makes the server usable with httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.e.ServeHTTP(w, r)
}

// Serve serves on l until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.e.Listener = l

	serverErr := make(chan error, 1)
	go func() {
		if err := s.e.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.e.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

// ListenAndServe binds addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

type StateView struct {
	Started     bool                      `json:"started"`
	Loading     bool                      `json:"loading"`
	Stopped     bool                      `json:"stopped"`
	Error       *ErrorView                `json:"error,omitempty"`
	Collections map[string]CollectionView `json:"collections"`
}

type ErrorView struct {
	Collection string `json:"collection"`
	Message    string `json:"message"`
}

type CollectionView struct {
	Delivered bool            `json:"delivered"`
	Count     int             `json:"count"`
	Records   []models.Record `json:"records,omitempty"`
}

// View converts a state to its JSON form.
func View(st livesync.State, withRecords bool) StateView {
	v := StateView{
		Started:     st.Started(),
		Loading:     st.Loading,
		Stopped:     st.Stopped,
		Collections: make(map[string]CollectionView, len(st.Collections)),
	}
	if st.Err != nil {
		v.Error = &ErrorView{Collection: string(st.Err.Collection), Message: st.Err.Err.Error()}
	}
	for c, records := range st.Collections {
		cv := CollectionView{Delivered: st.Delivered(c), Count: len(records)}
		if withRecords {
			cv.Records = records
		}
		v.Collections[string(c)] = cv
	}
	return v
}

func (s *Server) handleState(c echo.Context) error {
	withRecords := true
	if raw := c.QueryParam("records"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "records must be a boolean")
		}
		withRecords = b
	}
	return c.JSON(http.StatusOK, View(s.src.State(), withRecords))
}

type healthView struct {
	Status  string   `json:"status"`
	Pending []string `json:"pending,omitempty"`
	Error   string   `json:"error,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	st := s.src.State()
	switch {
	case !st.Started():
		return c.JSON(http.StatusServiceUnavailable, healthView{Status: "idle"})
	case st.Err != nil:
		return c.JSON(http.StatusServiceUnavailable, healthView{Status: "error", Error: st.Err.Error()})
	case st.Loading:
		return c.JSON(http.StatusServiceUnavailable, healthView{Status: "loading", Pending: pending(st)})
	}
	return c.JSON(http.StatusOK, healthView{Status: "ok"})
}

func pending(st livesync.State) []string {
	var out []string
	for c := range st.Collections {
		if !st.Delivered(c) {
			out = append(out, string(c))
		}
	}
	sort.Strings(out)
	return out
}
