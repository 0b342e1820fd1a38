package auth

import (
	"fmt"
	"net/http"
)

type MockClient struct {
	Client
}

func (c *MockClient) CurrentUser(r *http.Request) (string, error) {
	var uid string

	if c, err := r.Cookie("x-uid"); err == nil {
		uid = c.Value
	}

	if uid == "" {
		return "", fmt.Errorf("empty x-uid from cookie")
	}
	return uid, nil
}
