package auth

import "net/http"

type Client interface {
	// CurrentUser authenticates the request, returns the user id.
	CurrentUser(r *http.Request) (string, error)
}
