package paramserver

import (
	"errors"
	"net/http"
	"selfplay/value"

	"github.com/gin-gonic/gin"
)

const (
	ParamsPath = "/params"
	UpdatePath = "/update"
)

const codeDimensionMismatch = "DIMENSION_MISMATCH"

type ParamsResponse struct {
	Step   int64     `json:"step"`
	Params []float64 `json:"params"`
	Stop   bool      `json:"stop"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Server exposes a Holder over HTTP.
type Server struct {
	holder *Holder
}

func NewServer(holder *Holder) *Server {
	return &Server{holder: holder}
}

func (s *Server) Register(r gin.IRoutes) {
	r.GET(ParamsPath, s.handleParams)
	r.POST(UpdatePath, s.handleUpdate)
}

func (s *Server) handleParams(c *gin.Context) {
	snap := s.holder.Snapshot()
	c.JSON(http.StatusOK, ParamsResponse{Step: snap.Step, Params: snap.Params, Stop: snap.Stop})
}

func (s *Server) handleUpdate(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}

	res, err := s.holder.Submit(c.Request.Context(), req)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, res)
	case errors.Is(err, ErrStopped):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "STOPPED"})
	case errors.Is(err, value.ErrDimensionMismatch):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: codeDimensionMismatch})
	default:
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
	}
}
