package crm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	logx "crmbot/pkg/logx"
)

// ErrTransport marks page-fetch and login failures. The poll loop treats it
// as "abandon this cycle, retry next cycle".
var ErrTransport = errors.New("crm transport error")

// pageSize is the CRM's fixed page size; a shorter page ends pagination
// (the listing exposes no total count).
const pageSize = 30

type Config struct {
	BaseURL  string
	Login    string
	Password string

	MaxPages       int
	RequestTimeout time.Duration
}

// Client is a logged-in scrape session against the CRM's work-queue listing.
// It is not safe for concurrent use; the poll loop is its only caller.
type Client struct {
	cfg  Config
	log  logx.Logger
	http *http.Client

	loggedIn bool
}

func NewClient(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("crm base url is empty")
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 5
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		log:  log,
		http: &http.Client{Jar: jar, Timeout: cfg.RequestTimeout},
	}, nil
}

func (c *Client) loginURL() string { return c.cfg.BaseURL + "/admin/login" }

func (c *Client) requestsURL() string {
	return c.cfg.BaseURL + "/admin/domain/customer-request/index?__view-mode=chats"
}

// Login opens the Yii2 login form, lifts the CSRF token and posts the
// credentials. Success is detected by leaving the login page.
func (c *Client) Login(ctx context.Context) error {
	c.loggedIn = false

	page, _, err := c.get(ctx, c.loginURL())
	if err != nil {
		return fmt.Errorf("%w: login page: %v", ErrTransport, err)
	}

	form := url.Values{
		"LoginForm[email]":      {c.cfg.Login},
		"LoginForm[password]":   {c.cfg.Password},
		"LoginForm[rememberMe]": {"1"},
	}
	if token := csrfToken(page); token != "" {
		form.Set("_csrf-frontend", token)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.loginURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	setBrowserHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: login post: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: login status %d", ErrTransport, resp.StatusCode)
	}
	// After redirects resp.Request points at the final URL; still being on
	// the login page means the credentials were rejected.
	if strings.Contains(strings.ToLower(resp.Request.URL.Path), "login") {
		return fmt.Errorf("%w: still on login page after auth", ErrTransport)
	}

	c.loggedIn = true
	c.log.Info("crm login ok")
	return nil
}

// FetchPage returns the parsed awaiting-call rows of one listing page.
func (c *Client) FetchPage(ctx context.Context, page int) ([]RawRow, error) {
	u := c.requestsURL()
	if page > 1 {
		u += "&page=" + strconv.Itoa(page)
	}
	body, status, err := c.get(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("%w: page %d: %v", ErrTransport, page, err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: page %d: status %d", ErrTransport, page, status)
	}
	rows, err := ParseRows(body)
	if err != nil {
		return nil, fmt.Errorf("%w: page %d: %v", ErrTransport, page, err)
	}
	return rows, nil
}

// FindAwaitingCalls walks the listing until a short page or MaxPages.
// A transport failure mid-walk returns what was already collected along
// with the error; the caller decides whether a partial scrape is usable.
func (c *Client) FindAwaitingCalls(ctx context.Context) ([]RawRow, error) {
	if !c.loggedIn {
		if err := c.Login(ctx); err != nil {
			return nil, err
		}
	}

	var all []RawRow
	for page := 1; page <= c.cfg.MaxPages; page++ {
		rows, err := c.FetchPage(ctx, page)
		if err != nil {
			// A dropped session shows up as a fetch error; force a fresh
			// login on the next cycle.
			c.loggedIn = false
			return all, err
		}
		all = append(all, rows...)
		if len(rows) < pageSize {
			break
		}
	}
	c.log.Info("crm scrape done", logx.Int("rows", len(all)))
	return all, nil
}

func (c *Client) get(ctx context.Context, u string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", 0, err
	}
	setBrowserHeaders(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", resp.StatusCode, err
	}
	return string(b), resp.StatusCode, nil
}

func setBrowserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "ru-RU,ru;q=0.9,en-US;q=0.8,en;q=0.7")
}
