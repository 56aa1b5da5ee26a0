/*
Copyright 2022 Mailgun Technologies Inc

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package amari

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrNotFound      = errors.New("guild or user was not found")
	ErrInvalidToken  = errors.New("invalid authentication key; obtain one at https://amaribot.com/developer")
	ErrRatelimited   = errors.New("slow down; you are being rate limited")
	ErrServer        = errors.New("internal error in the Amari servers")
	ErrHTTP          = errors.New("unexpected http response")
	ErrRawPagination = errors.New("raw leaderboard endpoints do not support pagination")
)

// HTTPError is returned when the Amari API answers with a non 2xx status.
type HTTPError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: '%s' returned %d", e.Kind(), e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("%s: '%s' returned %d: %s", e.Kind(), e.Endpoint, e.StatusCode, e.Message)
}

// Kind classifies the error by status code.
func (e *HTTPError) Kind() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusForbidden:
		return ErrInvalidToken
	case http.StatusTooManyRequests:
		return ErrRatelimited
	case http.StatusInternalServerError:
		return ErrServer
	}
	return ErrHTTP
}

// Is allows `errors.Is(err, ErrNotFound)` and friends.
func (e *HTTPError) Is(target error) bool {
	return e.Kind() == target
}

func newHTTPError(endpoint string, status int, body []byte) *HTTPError {
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &HTTPError{
		StatusCode: status,
		Message:    msg,
		Endpoint:   endpoint,
	}
}
