// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/nodevisor"
	"github.com/gdamore/nodevisor/history"
)

// LogInfo is a snapshot of the server's log records, with the etag that
// identifies it.
type LogInfo struct {
	etag    string
	Records []LogRecord
}

// Etag identifies this snapshot of the log.
func (li *LogInfo) Etag() string {
	return li.etag
}

// Client is a handle to a nodevisord server.
type Client struct {
	user   string // HTTP Basic-Auth
	pass   string
	base   string // URI to root of tree on server
	auth   bool
	client *http.Client

	// Cached data
	log  *LogInfo
	lock sync.Mutex
}

// defaultTimeout bounds requests that are not long polls.
const defaultTimeout = 30 * time.Second

func (c *Client) SetAuth(user string, pass string) {
	c.user = user
	c.pass = pass
	c.auth = true
}

func (c *Client) url(path string) string {
	return c.base + path
}

// do issues a request, and decodes a JSON reply into v (if not nil).  A
// non-2xx reply becomes an *Error, carrying the server's message when
// there is one.
func (c *Client) do(ctx context.Context, method, path string, body, v interface{}) error {
	var rd io.Reader
	if body != nil {
		b, e := json.Marshal(body)
		if e != nil {
			return e
		}
		rd = bytes.NewReader(b)
	}
	req, e := http.NewRequestWithContext(ctx, method, c.url(path), rd)
	if e != nil {
		return e
	}
	if body != nil {
		req.Header.Set("Content-Type", mimeJson)
	}
	if c.auth {
		req.SetBasicAuth(c.user, c.pass)
	}
	res, e := c.client.Do(req)
	if e != nil {
		return e
	}
	defer res.Body.Close()
	data, e := io.ReadAll(res.Body)
	if e != nil {
		return e
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		err := &Error{}
		if json.Unmarshal(data, err) != nil || err.Message == "" {
			err.Message = res.Status
		}
		err.Code = res.StatusCode
		return err
	}
	if v == nil {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (c *Client) get(path string, v interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	return c.do(ctx, "GET", path, nil, v)
}

func (c *Client) post(path string, body, v interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	return c.do(ctx, "POST", path, body, v)
}

func (c *Client) postResult(path string, body interface{}) (string, error) {
	var res Result
	if e := c.post(path, body, &res); e != nil {
		return "", e
	}
	return res.ProcessId, nil
}

// StartDefault starts the default process, returning its id.
func (c *Client) StartDefault() (string, error) {
	return c.postResult("/start", nil)
}

func (c *Client) StopDefault() error {
	return c.post("/stop", nil, nil)
}

func (c *Client) RestartDefault() (string, error) {
	return c.postResult("/restart", nil)
}

// Run starts mainFile in projectPath, returning the new process id.
func (c *Client) Run(projectPath, mainFile string) (string, error) {
	return c.postResult("/api/run", RunRequest{projectPath, mainFile})
}

func (c *Client) Stop(id string) error {
	return c.post("/api/stop/"+url.PathEscape(id), nil, nil)
}

// Restart restarts a process, returning the id of its replacement.
func (c *Client) Restart(id string) (string, error) {
	return c.postResult("/api/restart/"+url.PathEscape(id), nil)
}

// RestartProject restarts whatever runs mainFile in projectPath.
func (c *Client) RestartProject(projectPath, mainFile string) (string, error) {
	return c.postResult("/api/restart", RunRequest{projectPath, mainFile})
}

func (c *Client) Processes() ([]ProcessInfo, error) {
	v := []ProcessInfo{}
	if e := c.get("/api/processes", &v); e != nil {
		return nil, e
	}
	return v, nil
}

// Execute runs a one-off command.  It returns once the command has been
// accepted; its output arrives in the log.
func (c *Client) Execute(command, cwd string) error {
	return c.post("/api/execute", ExecuteRequest{command, cwd}, nil)
}

// Lines returns the log as display lines.
func (c *Client) Lines() ([]string, error) {
	v := []string{}
	if e := c.get("/api/logs", &v); e != nil {
		return nil, e
	}
	return v, nil
}

func (c *Client) ClearLogs() error {
	return c.post("/api/logs/clear", nil, nil)
}

func (c *Client) StartupConfig() (*nodevisor.StartupConfig, error) {
	v := &nodevisor.StartupConfig{}
	if e := c.get("/startup-config", v); e != nil {
		return nil, e
	}
	return v, nil
}

func (c *Client) SetStartupConfig(sc nodevisor.StartupConfig) error {
	return c.post("/startup-config", sc, nil)
}

func (c *Client) System() (*nodevisor.SystemInfo, error) {
	v := &nodevisor.SystemInfo{}
	if e := c.get("/api/system", v); e != nil {
		return nil, e
	}
	return v, nil
}

func (c *Client) History(limit int) ([]history.Run, error) {
	v := []history.Run{}
	if e := c.get("/api/history?limit="+strconv.Itoa(limit), &v); e != nil {
		return nil, e
	}
	return v, nil
}

func (c *Client) Health() (*Health, error) {
	v := &Health{}
	if e := c.get("/api/health", v); e != nil {
		return nil, e
	}
	return v, nil
}

// poll issues a GET for the log records, optionally checking against an
// etag, and optionally asking the server to hold the request until the
// value changes.  The return values are the new etag and any error.  If
// the value did not change, the returned etag is "" and the error is nil.
func (c *Client) poll(ctx context.Context, etag string, wait int, v interface{}) (string, error) {
	req, e := http.NewRequestWithContext(ctx, "GET", c.url("/api/logs/records"), nil)
	if e != nil {
		return "", e
	}
	if c.auth {
		req.SetBasicAuth(c.user, c.pass)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
		if wait > 0 {
			req.Header.Set(PollEtagHeader, etag)
			req.Header.Set(PollTimeHeader, strconv.Itoa(wait))
		}
	}

	res, e := c.client.Do(req)
	if e != nil {
		return "", e
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotModified {
		return "", nil
	}
	if res.StatusCode != http.StatusOK {
		return "", &Error{Code: res.StatusCode, Message: res.Status}
	}
	body, e := io.ReadAll(res.Body)
	if e != nil {
		return "", e
	}
	if e := json.Unmarshal(body, v); e != nil {
		return "", e
	}
	return res.Header.Get("Etag"), nil
}

func (c *Client) pollLog(ctx context.Context, secs int, last *LogInfo) (*LogInfo, error) {
	v := &LogInfo{}

	c.lock.Lock()
	cached := c.log
	c.lock.Unlock()

	otag := ""
	if last == nil {
		secs = 0
	} else if cached != nil && last.etag != cached.etag {
		// The caller is behind our cache, so it can have that.
		return cached, nil
	} else {
		otag = last.etag
	}

	etag, e := c.poll(ctx, otag, secs, &v.Records)
	if e != nil {
		c.lock.Lock()
		c.log = nil
		c.lock.Unlock()
		return nil, e
	}
	if etag == "" {
		if cached == nil {
			return last, nil
		}
		return cached, nil
	}
	v.etag = etag
	c.lock.Lock()
	c.log = v
	c.lock.Unlock()
	return v, nil
}

// GetLog returns the log records, without waiting for changes.
func (c *Client) GetLog() (*LogInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	return c.pollLog(ctx, 0, nil)
}

// WatchLog waits for the log to differ from last, for up to five minutes
// or until ctx is done.  If nothing changed, last is returned.
func (c *Client) WatchLog(ctx context.Context, last *LogInfo) (*LogInfo, error) {
	return c.pollLog(ctx, MaxPollTime, last)
}

// NewClient returns a Client handle.  The transport may be nil to use
// a default transport, but it may also be adjusted to support additional
// options such as TLS.  baseURI is the base URL to use.
func NewClient(t http.RoundTripper, baseURI string) *Client {
	if t == nil {
		t = &http.Transport{}
	}
	return &Client{
		base:   strings.TrimSuffix(baseURI, "/"),
		client: &http.Client{Transport: t},
	}
}
