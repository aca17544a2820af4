package admin

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"stock_research_backend/logger"
	"stock_research_backend/middleware"
	"stock_research_backend/scheduler"
	"stock_research_backend/services/collectionconfig"
)

// CollectionController exposes the action service over HTTP
type CollectionController struct {
	svc *Service
	log *logger.Logger
}

// NewCollectionController creates a new collection controller
func NewCollectionController(svc *Service) *CollectionController {
	return &CollectionController{svc: svc, log: logger.Category("http")}
}

// Handle runs the action named by the "action" query parameter or body field
// GET/POST /api/v1/collection
func (cc *CollectionController) Handle(c *gin.Context) {
	var req Request
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
		return
	}
	if c.Request.Method == http.MethodPost && c.Request.ContentLength != 0 {
		action := req.Action
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "Invalid JSON body: " + err.Error()})
			return
		}
		if req.Action == "" {
			req.Action = action
		}
	}
	req.Markets = splitList(req.Markets)
	req.Symbols = splitList(req.Symbols)

	if req.Action == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "action is required"})
		return
	}

	if req.Action.Mutating() {
		if c.Request.Method != http.MethodPost {
			c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "method_not_allowed", "message": "Mutating actions require POST"})
			return
		}
		if authed, _ := c.Get("authenticated"); authed != true {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Authorization required"})
			return
		}
		if !middleware.IsAdmin(c) {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Admin privileges required"})
			return
		}
	}

	data, err := cc.svc.Handle(c.Request.Context(), req)
	if err != nil {
		cc.writeError(c, req.Action, data, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"action": req.Action, "data": data})
}

func (cc *CollectionController) writeError(c *gin.Context, action Action, data interface{}, err error) {
	var reqErr *RequestError
	var cfgErr *collectionconfig.ConfigError

	switch {
	case errors.Is(err, ErrUnknownAction), errors.As(err, &reqErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
	case errors.As(err, &cfgErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_config", "message": err.Error(), "problems": cfgErr.Problems})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, scheduler.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": "busy", "message": err.Error(), "data": data})
	default:
		cc.log.WithError(err).WithField("action", action).Error("Action failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": err.Error()})
	}
}

// splitList accepts both repeated parameters and comma-separated values
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
