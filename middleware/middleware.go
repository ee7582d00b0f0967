package middleware

import (
	"crypto/subtle"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

var (
	// Ids are opaque but restricted to a safe charset
	idParamRegex = regexp.MustCompile(`^[A-Za-z0-9_\-:.]{1,128}$`)
)

// BasicAuth returns a middleware that implements HTTP Basic Authentication
func BasicAuth(username, password string) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Skip auth if credentials not configured
		if username == "" || password == "" {
			c.Next()
			return
		}

		user, pass, hasAuth := c.Request.BasicAuth()
		if !hasAuth {
			c.Header("WWW-Authenticate", `Basic realm="Copy Trader"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authentication required",
			})
			return
		}

		// Use constant-time comparison to prevent timing attacks
		usernameMatch := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
		passwordMatch := subtle.ConstantTimeCompare([]byte(pass), []byte(password)) == 1

		if !usernameMatch || !passwordMatch {
			c.Header("WWW-Authenticate", `Basic realm="Copy Trader"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid credentials",
			})
			return
		}

		c.Next()
	}
}

// ValidateIDParam validates that the named path parameter is a well-formed id
func ValidateIDParam(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.Param(name))
		if !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "Invalid " + name + " parameter",
			})
			return
		}
		c.Next()
	}
}

// ValidateQueryParams validates common query parameters
func ValidateQueryParams() gin.HandlerFunc {
	return func(c *gin.Context) {
		if limitStr := c.Query("limit"); limitStr != "" {
			limit, err := strconv.Atoi(limitStr)
			if err != nil || limit < 1 || limit > 1000 {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error": "Invalid limit parameter. Must be a positive integer between 1 and 1000",
				})
				return
			}
		}

		if olderThan := c.Query("older_than"); olderThan != "" {
			d, err := time.ParseDuration(olderThan)
			if err != nil || d <= 0 {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error": "Invalid older_than parameter. Must be a positive duration such as 10m",
				})
				return
			}
		}

		c.Next()
	}
}

// IsValidID checks if a string is an acceptable leader trade or user id
func IsValidID(id string) bool {
	return idParamRegex.MatchString(id)
}
