package httpapi

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"ember/relay/internal/ident"
	"ember/relay/internal/totals"
)

type otmCreateRequest struct {
	Ciphertext string `json:"ciphertext"`
}

type otmTakeResponse struct {
	Ciphertext string `json:"ciphertext"`
}

type idResponse struct {
	ID string `json:"id"`
}

// usedBody is the uniform miss response for one-time lookups. Unknown,
// expired and already-consumed ids are indistinguishable to callers.
type usedBody struct {
	Used bool `json:"used"`
}

func (s *Server) handleOtmCreate(c echo.Context) error {
	var req otmCreateRequest
	if err := decodeJSON(c, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Ciphertext) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed_request")
	}

	id := s.deps.Otm.Put([]byte(req.Ciphertext))
	s.deps.Totals.Increment(totals.OtmCreated)
	slog.Info("otm stored", "id", ident.Short(id))
	return c.JSON(http.StatusCreated, idResponse{ID: id})
}

func (s *Server) handleOtmTake(c echo.Context) error {
	id := c.Param("id")
	data, ok := s.deps.Otm.Take(id)
	if !ok {
		return c.JSON(http.StatusNotFound, usedBody{Used: true})
	}
	slog.Info("otm consumed", "id", ident.Short(id))
	return c.JSON(http.StatusOK, otmTakeResponse{Ciphertext: string(data)})
}

func (s *Server) handleFileUpload(c echo.Context) error {
	data, err := readBody(c)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed_request")
	}

	id := s.deps.Files.Put(data)
	s.deps.Totals.Increment(totals.FilesCreated)
	slog.Info("file stored", "id", ident.Short(id), "bytes", len(data))
	return c.JSON(http.StatusCreated, idResponse{ID: id})
}

func (s *Server) handleFileDownload(c echo.Context) error {
	id := c.Param("id")
	data, ok := s.deps.Files.Take(id)
	if !ok {
		return c.JSON(http.StatusNotFound, usedBody{Used: true})
	}
	slog.Info("file consumed", "id", ident.Short(id), "bytes", len(data))
	return c.Blob(http.StatusOK, echo.MIMEOctetStream, data)
}
