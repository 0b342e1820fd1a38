package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/minichat/chat"
)

const restTimeout = 10 * time.Second

// RestAPI implements API against the minichat HTTP endpoints.
type RestAPI struct {
	baseURL string
	uid     string
	hc      *http.Client
}

func NewRestAPI(baseURL, uid string) *RestAPI {
	return &RestAPI{
		baseURL: baseURL,
		uid:     uid,
		hc:      &http.Client{Timeout: restTimeout},
	}
}

func (a *RestAPI) ListMessages(ctx context.Context, channelID string) ([]*chat.Message, error) {
	var out []*chat.Message
	path := fmt.Sprintf("/messages/%s", channelID)
	if err := a.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *RestAPI) CreateMessage(ctx context.Context, channelID, content string) (*chat.Message, error) {
	var out chat.Message
	path := fmt.Sprintf("/messages/%s", channelID)
	if err := a.do(ctx, http.MethodPost, path, &contentBody{Content: content}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *RestAPI) UpdateMessage(ctx context.Context, channelID, messageID, content string) (*chat.Message, error) {
	var out chat.Message
	path := fmt.Sprintf("/messages/%s/%s", channelID, messageID)
	if err := a.do(ctx, http.MethodPatch, path, &contentBody{Content: content}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *RestAPI) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	var out struct {
		Ok bool `json:"ok"`
	}
	path := fmt.Sprintf("/messages/%s/%s", channelID, messageID)
	return a.do(ctx, http.MethodDelete, path, nil, &out)
}

type contentBody struct {
	Content string `json:"content"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (a *RestAPI) do(ctx context.Context, method, path string, body, out interface{}) error {
	op := method + " " + path

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return &chat.TransientError{Op: op, Cause: err}
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return &chat.TransientError{Op: op, Cause: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.AddCookie(&http.Cookie{Name: "x-uid", Value: a.uid})

	resp, err := a.hc.Do(req)
	if err != nil {
		return &chat.TransientError{Op: op, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return decodeError(op, resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &chat.TransientError{Op: op, Cause: err}
		}
	}
	return nil
}

// decodeError maps response status onto the error taxonomy.
func decodeError(op string, resp *http.Response) error {
	var body errorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		glog.V(5).Infof("rest: undecodable error body, op: %s, status: %d", op, resp.StatusCode)
	}
	reason := body.Error
	if reason == "" {
		reason = resp.Status
	}

	switch resp.StatusCode {
	case http.StatusBadRequest:
		return chat.NewValidationError("%s", reason)
	case http.StatusUnauthorized, http.StatusForbidden:
		return &chat.AuthorizationError{Op: op}
	case http.StatusNotFound:
		return &chat.NotFoundError{Kind: "resource", ID: op}
	default:
		return &chat.TransientError{Op: op, Cause: fmt.Errorf("status %d: %s", resp.StatusCode, reason)}
	}
}
