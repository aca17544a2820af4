package admin

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"stock_research_backend/logger"
	"stock_research_backend/middleware"
)

const tokenTTL = 24 * time.Hour

// AuthController issues admin tokens for the configured credentials
type AuthController struct {
	username     string
	passwordHash []byte
	secret       string
	limiter      *middleware.RateLimiter
	log          *logger.Logger
}

// NewAuthController creates a new auth controller. passwordHash is a bcrypt hash.
func NewAuthController(username, passwordHash, secret string, limiter *middleware.RateLimiter) *AuthController {
	return &AuthController{
		username:     username,
		passwordHash: []byte(passwordHash),
		secret:       secret,
		limiter:      limiter,
		log:          logger.Category("auth"),
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login checks the credentials and returns a bearer token
// POST /api/v1/auth/login
func (ac *AuthController) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "Username and password are required"})
		return
	}

	if len(ac.passwordHash) == 0 || ac.secret == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "Admin login is not configured"})
		return
	}

	ip := c.ClientIP()
	if !ac.checkCredentials(req.Username, req.Password) {
		ac.limiter.RecordAttempt(ip, false)
		ac.log.Warnf("Admin login failed for user %s from %s", req.Username, ip)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Invalid username or password"})
		return
	}
	ac.limiter.RecordAttempt(ip, true)

	token, expires, err := middleware.IssueToken(ac.secret, req.Username, middleware.RoleAdmin, tokenTTL)
	if err != nil {
		ac.log.WithError(err).Error("Failed to issue token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "Failed to create session"})
		return
	}

	ac.log.Infof("Admin user %s logged in", req.Username)
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"token_type": "Bearer",
		"expires_at": expires,
	})
}

func (ac *AuthController) checkCredentials(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(ac.username)) == 1
	passOK := bcrypt.CompareHashAndPassword(ac.passwordHash, []byte(password)) == nil
	return userOK && passOK
}
