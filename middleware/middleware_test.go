package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestIssueAndValidateToken(t *testing.T) {
	token, expires, err := IssueToken("s3cret", "alice", RoleAdmin, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if time.Until(expires) <= 0 {
		t.Errorf("expires = %v", expires)
	}

	claims, err := ValidateToken("s3cret", token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "alice" || claims.Role != RoleAdmin {
		t.Errorf("claims = %+v", claims)
	}

	if _, err := ValidateToken("other", token); err == nil {
		t.Error("token accepted with wrong secret")
	}
	expired, _, _ := IssueToken("s3cret", "alice", RoleAdmin, -time.Minute)
	if _, err := ValidateToken("s3cret", expired); err == nil {
		t.Error("expired token accepted")
	}
	if _, _, err := IssueToken("", "alice", RoleAdmin, time.Hour); err == nil {
		t.Error("token issued without secret")
	}
}

func TestJWTAuthAndAdminRole(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/admin", JWTAuthMiddleware("s3cret"), AdminRoleMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	admin, _, _ := IssueToken("s3cret", "alice", RoleAdmin, time.Hour)
	viewer, _, _ := IssueToken("s3cret", "bob", "viewer", time.Hour)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"no bearer prefix", admin, http.StatusUnauthorized},
		{"viewer", "Bearer " + viewer, http.StatusForbidden},
		{"admin", "Bearer " + admin, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestRateLimiterLocksAndExpires(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(3, 10*time.Minute, 30*time.Minute)
	rl.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		rl.RecordAttempt("1.2.3.4", false)
	}
	if ok, remaining, _ := rl.Check("1.2.3.4"); !ok || remaining != 1 {
		t.Fatalf("Check = %v, %d", ok, remaining)
	}

	rl.RecordAttempt("1.2.3.4", false)
	ok, _, wait := rl.Check("1.2.3.4")
	if ok || wait != 30*time.Minute {
		t.Fatalf("locked Check = %v, wait %v", ok, wait)
	}

	now = now.Add(31 * time.Minute)
	if ok, remaining, _ := rl.Check("1.2.3.4"); !ok || remaining != 3 {
		t.Fatalf("after lock expiry Check = %v, %d", ok, remaining)
	}

	rl.RecordAttempt("5.6.7.8", false)
	rl.RecordAttempt("5.6.7.8", true)
	if _, remaining, _ := rl.Check("5.6.7.8"); remaining != 3 {
		t.Errorf("success did not reset attempts: %d", remaining)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(3, time.Minute, time.Minute)
	rl.now = func() time.Time { return now }

	rl.RecordAttempt("a", false)
	now = now.Add(2 * time.Minute)
	rl.cleanup()
	if n := len(rl.attempts); n != 0 {
		t.Errorf("attempts after cleanup = %d", n)
	}
}
