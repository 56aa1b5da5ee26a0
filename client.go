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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mailgun/holster/v4/setter"
	"github.com/mailgun/holster/v4/tracing"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"
)

// Client talks to the Amari API. Every call goes through one shared rate
// gate and response cache, so a single Client should be shared by all
// goroutines using the same token.
type Client struct {
	conf  Config
	log   logrus.FieldLogger
	http  *http.Client
	gate  *RateGate
	cache *ResponseCache
	group singleflight.Group
}

type callOptions struct {
	noCache bool
}

type CallOption func(*callOptions)

// NoCache neither reads from nor writes to the response cache.
func NoCache() CallOption {
	return func(o *callOptions) {
		o.noCache = true
	}
}

type LeaderboardOptions struct {
	// Fetch the weekly leaderboard instead of the all time leaderboard.
	Weekly bool

	// Use the raw endpoint, which returns the entire leaderboard and does
	// not support pagination.
	Raw bool

	// Zero means the API default.
	Page  int
	Limit int
}

func NewClient(conf Config) (*Client, error) {
	conf.SetDefaults()
	if conf.Token == "" {
		return nil, errors.New("amari token is required")
	}
	if _, err := url.Parse(conf.BaseURL); err != nil {
		return nil, errors.Wrapf(err, "invalid base url '%s'", conf.BaseURL)
	}

	c := &Client{
		conf: conf,
		log:  conf.Logger,
	}

	transport := conf.HTTPClient.Transport
	setter.SetDefault(&transport, http.DefaultTransport)
	if conf.Stats != nil {
		transport = conf.Stats.RoundTripper(transport)
	}
	hc := *conf.HTTPClient
	hc.Transport = otelhttp.NewTransport(transport)
	c.http = &hc

	if !conf.DisableRateGate {
		gate, err := NewRateGate(GateConfig{
			Limit:    conf.MaxRequests,
			Period:   conf.RatePeriod,
			Headroom: conf.RateHeadroom,
			Logger:   conf.Logger,
		})
		if err != nil {
			return nil, err
		}
		c.gate = gate
		if conf.Metrics != nil {
			conf.Metrics.AddGate(gate)
		}
	}

	if conf.CacheTTL != 0 {
		cache, err := NewResponseCache(CacheConfig{
			TTL:      conf.CacheTTL,
			MaxBytes: conf.CacheMaxBytes,
		})
		if err != nil {
			return nil, err
		}
		c.cache = cache
		if conf.Metrics != nil {
			conf.Metrics.AddCache(cache)
		}
	}
	return c, nil
}

// FetchUser fetches a single guild member.
func (c *Client) FetchUser(ctx context.Context, guildID, userID uint64, opts ...CallOption) (_ *User, err error) {
	ctx = tracing.StartNamedScope(ctx, "Client.FetchUser")
	defer func() { tracing.EndScope(ctx, err) }()

	key := NewCacheKey("fetch_user", guildID, userID)
	raw, err := c.cached(ctx, key, opts, request{
		name:     "fetch_user",
		method:   http.MethodGet,
		endpoint: "guild/" + fmtID(guildID) + "/member/" + fmtID(userID),
	})
	if err != nil {
		return nil, err
	}
	return decodeUser(guildID, raw)
}

// FetchUsers fetches several guild members in one request. Members are
// cached individually, so the call is answered without a request when every
// member was fetched recently. Counts in a cached answer reflect only the
// members requested.
func (c *Client) FetchUsers(ctx context.Context, guildID uint64, userIDs []uint64, opts ...CallOption) (_ *Users, err error) {
	ctx = tracing.StartNamedScope(ctx, "Client.FetchUsers")
	defer func() { tracing.EndScope(ctx, err) }()

	o := newCallOptions(opts)
	if c.cache != nil && !o.noCache {
		if users, ok := c.cachedUsers(guildID, userIDs); ok {
			return users, nil
		}
	}

	members := make([]string, len(userIDs))
	for i, id := range userIDs {
		members[i] = fmtID(id)
	}
	body, err := c.do(ctx, request{
		name:     "fetch_users",
		method:   http.MethodPost,
		endpoint: "guild/" + fmtID(guildID) + "/members",
		body:     map[string]interface{}{"members": members},
	})
	if err != nil {
		return nil, err
	}

	var resp usersResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, "while decoding members response")
	}
	users, err := decodeUsers(guildID, resp)
	if err != nil {
		return nil, err
	}

	if c.cache != nil && !o.noCache {
		for i, u := range users.Members {
			c.store(NewCacheKey("fetch_user", guildID, uint64(u.ID)), resp.Members[i])
		}
	}
	return users, nil
}

func (c *Client) cachedUsers(guildID uint64, userIDs []uint64) (*Users, bool) {
	if len(userIDs) == 0 {
		return nil, false
	}

	users := &Users{GuildID: guildID}
	for _, id := range userIDs {
		v, ok := c.cache.Get(NewCacheKey("fetch_user", guildID, id))
		if !ok {
			return nil, false
		}
		u, err := decodeUser(guildID, v.(json.RawMessage))
		if err != nil {
			return nil, false
		}
		users.Members = append(users.Members, u)
	}
	users.TotalMembers = Int64(len(users.Members))
	users.QueriedMembers = Int64(len(users.Members))
	return users, true
}

// FetchLeaderboard fetches one page of a guild leaderboard, or the whole
// leaderboard when opts.Raw is set.
func (c *Client) FetchLeaderboard(ctx context.Context, guildID uint64, lo LeaderboardOptions, opts ...CallOption) (_ *Leaderboard, err error) {
	ctx = tracing.StartNamedScope(ctx, "Client.FetchLeaderboard")
	defer func() { tracing.EndScope(ctx, err) }()

	if lo.Raw && lo.Page != 0 {
		return nil, ErrRawPagination
	}

	query := url.Values{}
	if lo.Page != 0 {
		query.Set("page", strconv.Itoa(lo.Page))
	}
	if lo.Limit != 0 {
		query.Set("limit", strconv.Itoa(lo.Limit))
	}

	lbType := "leaderboard"
	if lo.Weekly {
		lbType = "weekly"
	}
	endpoint := "guild/" + lbType + "/" + fmtID(guildID)
	if lo.Raw {
		endpoint = "guild/raw/" + lbType + "/" + fmtID(guildID)
	}

	key := NewCacheKey("fetch_leaderboard", guildID, lo.Weekly, lo.Raw, lo.Page, lo.Limit)
	raw, err := c.cached(ctx, key, opts, request{
		name:     "fetch_leaderboard",
		method:   http.MethodGet,
		endpoint: endpoint,
		query:    query,
	})
	if err != nil {
		return nil, err
	}
	return decodeLeaderboard(guildID, raw)
}

// FetchFullLeaderboard fetches an entire guild leaderboard through the raw
// endpoint.
func (c *Client) FetchFullLeaderboard(ctx context.Context, guildID uint64, weekly bool, opts ...CallOption) (*Leaderboard, error) {
	return c.FetchLeaderboard(ctx, guildID, LeaderboardOptions{Weekly: weekly, Raw: true}, opts...)
}

// FetchRewards fetches a page of guild role rewards. Page defaults to 1 and
// limit to 50.
func (c *Client) FetchRewards(ctx context.Context, guildID uint64, page, limit int, opts ...CallOption) (_ *Rewards, err error) {
	ctx = tracing.StartNamedScope(ctx, "Client.FetchRewards")
	defer func() { tracing.EndScope(ctx, err) }()

	setter.SetDefault(&page, 1)
	setter.SetDefault(&limit, 50)

	key := NewCacheKey("fetch_rewards", guildID, page, limit)
	raw, err := c.cached(ctx, key, opts, request{
		name:     "fetch_rewards",
		method:   http.MethodGet,
		endpoint: "guild/rewards/" + fmtID(guildID),
		query: url.Values{
			"page":  []string{strconv.Itoa(page)},
			"limit": []string{strconv.Itoa(limit)},
		},
	})
	if err != nil {
		return nil, err
	}
	return decodeRewards(guildID, raw)
}

// Gate returns the rate gate, nil when disabled.
func (c *Client) Gate() *RateGate {
	return c.gate
}

// Cache returns the response cache, nil when disabled.
func (c *Client) Cache() *ResponseCache {
	return c.cache
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	if c.cache != nil {
		return c.cache.Close()
	}
	return nil
}

type request struct {
	name     string
	method   string
	endpoint string
	query    url.Values
	body     interface{}
}

// cached answers from the cache when possible, otherwise performs the
// request and caches the response body.
func (c *Client) cached(ctx context.Context, key CacheKey, opts []CallOption, r request) (json.RawMessage, error) {
	o := newCallOptions(opts)
	if c.cache == nil || o.noCache {
		return c.do(ctx, r)
	}

	if v, ok := c.cache.Get(key); ok {
		return v.(json.RawMessage), nil
	}

	// Concurrent misses on the same key share one request. The request runs
	// detached from any one caller so a caller giving up only abandons its
	// own wait.
	shared := detachedContext{parent: ctx}
	ch := c.group.DoChan(string(key), func() (interface{}, error) {
		body, err := c.do(shared, r)
		if err != nil {
			return nil, err
		}
		c.store(key, body)
		return body, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(json.RawMessage), nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "while waiting on shared request")
	}
}

// detachedContext keeps the values of its parent, such as the trace span,
// but is never cancelled and has no deadline.
type detachedContext struct {
	parent context.Context
}

func (detachedContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (detachedContext) Done() <-chan struct{} { return nil }
func (detachedContext) Err() error { return nil }

func (d detachedContext) Value(key interface{}) interface{} {
	return d.parent.Value(key)
}

func (c *Client) store(key CacheKey, raw json.RawMessage) {
	if err := c.cache.Set(key, raw); err != nil {
		c.log.WithError(err).WithField("key", key.Operation()).
			Warn("Response not cached")
	}
}

// do waits on the rate gate, then sends the request and returns the body of
// a 2xx response.
func (c *Client) do(ctx context.Context, r request) (json.RawMessage, error) {
	if c.gate != nil {
		if err := c.gate.Admit(ctx); err != nil {
			return nil, err
		}
	}

	u := c.conf.BaseURL + r.endpoint
	if len(r.query) != 0 {
		u += "?" + r.query.Encode()
	}

	var reqBody io.Reader
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return nil, errors.Wrapf(err, "while encoding request for '%s'", r.endpoint)
		}
		reqBody = bytes.NewReader(b)
	}

	ctx = ContextWithStats(ctx, &HTTPStats{Endpoint: r.name})
	req, err := http.NewRequestWithContext(ctx, r.method, u, reqBody)
	if err != nil {
		return nil, errors.Wrapf(err, "while creating request for '%s'", r.endpoint)
	}
	req.Header.Set("Authorization", c.conf.Token)
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "during %s '%s'", r.method, r.endpoint)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "while reading response from '%s'", r.endpoint)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 399 {
		herr := newHTTPError(r.endpoint, resp.StatusCode, body)
		c.log.WithError(herr).WithFields(logrus.Fields{
			"endpoint": r.endpoint,
			"status":   resp.StatusCode,
		}).Error("Amari API request failed")
		return nil, herr
	}
	return body, nil
}

func newCallOptions(opts []CallOption) callOptions {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func fmtID(id uint64) string {
	return strconv.FormatUint(id, 10)
}
