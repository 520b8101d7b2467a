package blob

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/Salah1221/signalhub/internal/ids"
)

const maxUploadBytes = 64 << 20

// Server exposes a Store over the HTTP side-channel contract consumed by
// HTTPStore.
type Server struct {
	logger *log.Logger
	store  Store
}

func NewServer(logger *log.Logger, store Store) *echo.Echo {
	s := &Server{logger: logger, store: store}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.POST("/upload/:folder", s.handleUpload)
	e.GET("/upload", s.handleRead)
	e.DELETE("/upload", s.handleDelete)
	return e
}

func (s *Server) handleUpload(c echo.Context) error {
	folder := strings.TrimSpace(c.Param("folder"))
	if folder == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "folder is required"})
	}

	name := strings.TrimSpace(c.Request().Header.Get("x-blob-name"))
	if name == "" {
		name = ids.New() + ".bin"
	}

	data, err := io.ReadAll(io.LimitReader(c.Request().Body, maxUploadBytes+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "read body failed"})
	}
	if len(data) > maxUploadBytes {
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "blob too large"})
	}

	path, err := s.store.Upload(c.Request().Context(), data, name, folder)
	if err != nil {
		s.logger.Printf("blob upload failed folder=%s name=%s err=%v", folder, name, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, uploadResponse{Path: path})
}

func (s *Server) handleRead(c echo.Context) error {
	path := strings.TrimSpace(c.QueryParam("path"))
	if path == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "path is required"})
	}

	data, err := s.store.Read(c.Request().Context(), path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
		}
		s.logger.Printf("blob read failed path=%s err=%v", path, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.Blob(http.StatusOK, "application/octet-stream", data)
}

func (s *Server) handleDelete(c echo.Context) error {
	path := strings.TrimSpace(c.QueryParam("path"))
	if path == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "path is required"})
	}

	deleted, err := s.store.Delete(c.Request().Context(), path)
	if err != nil {
		s.logger.Printf("blob delete failed path=%s err=%v", path, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, deleteResponse{Deleted: deleted})
}
