package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/zjrosen/fleetreg/internal/discovery"
	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

// RegisterResponse is returned by POST /v1/entities.
type RegisterResponse struct {
	ID      domain.EntityID `json:"id"`
	Version int64           `json:"version"`
}

// UpdateRequest is the body of PATCH /v1/entities/:id.
type UpdateRequest struct {
	ExpectedVersion int64 `json:"expected_version"`
	domain.Patch
}

// VersionResponse carries the version produced by a write.
type VersionResponse struct {
	Version int64 `json:"version"`
}

// HeartbeatResponse is returned by POST /v1/entities/:id/heartbeat.
type HeartbeatResponse struct {
	Status      domain.Status `json:"status"`
	HealthScore int           `json:"health_score"`
}

// DependenciesResponse lists edges.
type DependenciesResponse struct {
	Edges []domain.DependencyEdge `json:"edges"`
}

func bindJSON(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return fmt.Errorf("%w: malformed body: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

func entityID(c echo.Context) domain.EntityID {
	return domain.EntityID(c.Param("id"))
}

func queryInt(c echo.Context, name string) (int64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", domain.ErrInvalidArgument, name)
	}
	return n, nil
}

func (s *Server) healthz(c echo.Context) error {
	if s.deps.Ping != nil {
		if err := s.deps.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// POST /v1/entities
func (s *Server) register(c echo.Context) error {
	var req domain.RegisterRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if token := c.Request().Header.Get(IdempotencyHeader); token != "" {
		req.IdempotencyToken = token
	}
	id, version, err := s.deps.Registry.Register(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, RegisterResponse{ID: id, Version: version})
}

// GET /v1/entities/:id
func (s *Server) get(c echo.Context) error {
	e, err := s.deps.Registry.GetByID(c.Request().Context(), entityID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, e)
}

// PATCH /v1/entities/:id
func (s *Server) update(c echo.Context) error {
	var req UpdateRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if req.ExpectedVersion <= 0 {
		return fmt.Errorf("%w: expected_version is required", domain.ErrInvalidArgument)
	}
	version, err := s.deps.Registry.Update(c.Request().Context(), entityID(c), req.ExpectedVersion, req.Patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, VersionResponse{Version: version})
}

// POST /v1/entities/:id/heartbeat
func (s *Server) heartbeat(c echo.Context) error {
	status, score, err := s.deps.Registry.Heartbeat(c.Request().Context(), entityID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, HeartbeatResponse{Status: status, HealthScore: score})
}

// DELETE /v1/entities/:id?version=
func (s *Server) deregister(c echo.Context) error {
	version, err := queryInt(c, "version")
	if err != nil {
		return err
	}
	if err := s.deps.Registry.Deregister(c.Request().Context(), entityID(c), version); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// GET /v1/entities?capability=&status=&type=&division=&department=
func (s *Server) find(c echo.Context) error {
	filter := domain.EntityFilter{
		Capability:   strings.TrimSpace(c.QueryParam("capability")),
		DivisionID:   strings.TrimSpace(c.QueryParam("division")),
		DepartmentID: strings.TrimSpace(c.QueryParam("department")),
	}
	for _, raw := range splitParam(c, "status") {
		st, err := domain.ParseStatus(raw)
		if err != nil {
			return err
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	for _, raw := range splitParam(c, "type") {
		t, err := domain.ParseEntityType(raw)
		if err != nil {
			return err
		}
		filter.Types = append(filter.Types, t)
	}
	res, err := s.deps.Discovery.Find(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func splitParam(c echo.Context, name string) []string {
	var out []string
	for _, v := range c.QueryParams()[name] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// GET /v1/select?capability=&strategy=
func (s *Server) selectOne(c echo.Context) error {
	var strategy discovery.Strategy
	if raw := c.QueryParam("strategy"); raw != "" {
		parsed, err := discovery.ParseStrategy(raw)
		if err != nil {
			return err
		}
		strategy = parsed
	}
	capability := strings.TrimSpace(c.QueryParam("capability"))
	sel, err := s.deps.Discovery.SelectOne(c.Request().Context(), capability, strategy)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sel)
}

// GET /v1/search?q=&limit=
func (s *Server) search(c echo.Context) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	res, err := s.deps.Discovery.Search(c.Request().Context(), c.QueryParam("q"), int(limit))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// GET /v1/summary
func (s *Server) summary(c echo.Context) error {
	sum, err := s.deps.Discovery.Summary(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sum)
}

// POST /v1/dependencies
func (s *Server) addDependency(c echo.Context) error {
	var edge domain.DependencyEdge
	if err := bindJSON(c, &edge); err != nil {
		return err
	}
	if edge.Criticality == "" {
		edge.Criticality = domain.CriticalityHard
	}
	if err := s.deps.Registry.AddDependency(c.Request().Context(), edge); err != nil {
		return err
	}
	return c.NoContent(http.StatusCreated)
}

// DELETE /v1/dependencies?dependent=&dependency=
func (s *Server) removeDependency(c echo.Context) error {
	dependent := domain.EntityID(c.QueryParam("dependent"))
	dependency := domain.EntityID(c.QueryParam("dependency"))
	if dependent == "" || dependency == "" {
		return fmt.Errorf("%w: dependent and dependency are required", domain.ErrInvalidArgument)
	}
	if err := s.deps.Registry.RemoveDependency(c.Request().Context(), dependent, dependency); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// GET /v1/entities/:id/dependencies
func (s *Server) dependencies(c echo.Context) error {
	edges, err := s.deps.Registry.ListDependencies(c.Request().Context(), entityID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, DependenciesResponse{Edges: edges})
}

// GET /v1/entities/:id/dependents
func (s *Server) dependents(c echo.Context) error {
	edges, err := s.deps.Registry.ListDependents(c.Request().Context(), entityID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, DependenciesResponse{Edges: edges})
}

// GET /v1/entities/:id/audit?since=&cursor=&limit=
func (s *Server) audit(c echo.Context) error {
	q := domain.AuditQuery{EntityID: entityID(c)}
	if raw := c.QueryParam("since"); raw != "" {
		since, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return fmt.Errorf("%w: since must be RFC 3339", domain.ErrInvalidArgument)
		}
		q.Since = since
	}
	cursor, err := queryInt(c, "cursor")
	if err != nil {
		return err
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	q.After, q.Limit = cursor, int(limit)

	page, err := s.deps.Registry.GetAuditTrail(c.Request().Context(), q)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}
