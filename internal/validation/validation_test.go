package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestIsValidUserID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"user-42", true},
		{"alice@example.com", true},
		{"sk_live:9f8e7d", true},
		{"0a1b2c3d-4e5f-6789-abcd-ef0123456789", true},
		{"", false},
		{"has space", false},
		{"semi;colon", false},
		{strings.Repeat("a", 129), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsValidUserID(tt.id), "id %q", tt.id)
	}
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hello  ", 100))
	assert.Equal(t, "ab", SanitizeString("a\x00b", 100))
	assert.Equal(t, "abc", SanitizeString("abcdef", 3))
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("userId", ""),
		ValidUserID("userId", "bad id"),
		MaxLength("prompt", "short", 10),
	)
	assert.Len(t, errs, 2)
	assert.Equal(t, "userId: is required", errs.Error())

	assert.Empty(t, Validate(Required("userId", "u1"), ValidUserID("userId", "u1")))
}

func TestMaxLength(t *testing.T) {
	assert.Nil(t, MaxLength("f", "abc", 3)())
	assert.NotNil(t, MaxLength("f", "abcd", 3)())
}

func TestUserIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/users/:id", UserIDParamMiddleware(), func(c *gin.Context) {
		c.String(http.StatusOK, c.Param("id"))
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users/user-1", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users/bad%20id", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestSizeMiddleware(8))
	router.POST("/", func(c *gin.Context) {
		var body struct{ A string }
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"A":"0123456789"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
