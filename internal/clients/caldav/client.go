package caldav

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
)

const (
	// Apple iCloud CalDAV endpoint
	DefaultiCloudURL = "https://caldav.icloud.com"
)

// Client pulls and pushes whole calendar objects on a remote CalDAV server.
type Client struct {
	baseURL      string
	username     string
	password     string
	calendarPath string
	client       *caldav.Client
}

// NewClient creates a new CalDAV client
func NewClient(baseURL, username, password string) *Client {
	if baseURL == "" {
		baseURL = DefaultiCloudURL
	}
	return &Client{
		baseURL:  baseURL,
		username: username,
		password: password,
	}
}

// IsConfigured returns true if the client has credentials
func (c *Client) IsConfigured() bool {
	return c.username != "" && c.password != ""
}

// SetCalendarPath sets the calendar used when a call passes an empty path.
func (c *Client) SetCalendarPath(p string) {
	c.calendarPath = p
}

func (c *Client) CalendarPath() string {
	return c.calendarPath
}

// connect establishes connection to CalDAV server
func (c *Client) connect() (*caldav.Client, error) {
	if c.client != nil {
		return c.client, nil
	}

	httpClient := &http.Client{
		Transport: &basicAuthTransport{
			username: c.username,
			password: c.password,
		},
		Timeout: 30 * time.Second,
	}

	client, err := caldav.NewClient(httpClient, c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to CalDAV: %w", err)
	}

	c.client = client
	return client, nil
}

// basicAuthTransport adds Basic Auth to HTTP requests
type basicAuthTransport struct {
	username string
	password string
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.username, t.password)
	return http.DefaultTransport.RoundTrip(req)
}

// DiscoverCalendars returns all calendars for the user
func (c *Client) DiscoverCalendars(ctx context.Context) ([]Calendar, error) {
	client, err := c.connect()
	if err != nil {
		return nil, err
	}

	principal, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("find principal: %w", err)
	}

	homeSet, err := client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("find home set: %w", err)
	}

	cals, err := client.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("find calendars: %w", err)
	}

	var result []Calendar
	for _, cal := range cals {
		result = append(result, Calendar{
			Path:        cal.Path,
			DisplayName: cal.Name,
			Description: cal.Description,
		})
	}

	return result, nil
}

func (c *Client) resolve(calendarPath string) (string, error) {
	if calendarPath == "" {
		calendarPath = c.calendarPath
	}
	if calendarPath == "" {
		return "", fmt.Errorf("calendar path not specified")
	}
	return calendarPath, nil
}

// ListObjects returns every object of the calendar that holds a VEVENT, with
// all properties and alarms.
func (c *Client) ListObjects(ctx context.Context, calendarPath string) ([]Object, error) {
	client, err := c.connect()
	if err != nil {
		return nil, err
	}
	calendarPath, err = c.resolve(calendarPath)
	if err != nil {
		return nil, err
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []caldav.CompFilter{{Name: ical.CompEvent}},
		},
	}

	found, err := client.QueryCalendar(ctx, calendarPath, query)
	if err != nil {
		return nil, fmt.Errorf("query calendar: %w", err)
	}

	objects := make([]Object, 0, len(found))
	for _, obj := range found {
		if obj.Data == nil {
			continue
		}
		objects = append(objects, Object{
			Path:    obj.Path,
			Name:    path.Base(obj.Path),
			ETag:    obj.ETag,
			ModTime: obj.ModTime,
			Data:    obj.Data,
		})
	}
	return objects, nil
}

// PutObject uploads cal as <calendar>/<name>.
func (c *Client) PutObject(ctx context.Context, calendarPath, name string, cal *ical.Calendar) error {
	client, err := c.connect()
	if err != nil {
		return err
	}
	calendarPath, err = c.resolve(calendarPath)
	if err != nil {
		return err
	}

	if _, err := client.PutCalendarObject(ctx, ObjectPath(calendarPath, name), cal); err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (c *Client) DeleteObject(ctx context.Context, calendarPath, name string) error {
	client, err := c.connect()
	if err != nil {
		return err
	}
	calendarPath, err = c.resolve(calendarPath)
	if err != nil {
		return err
	}

	if err := client.RemoveAll(ctx, ObjectPath(calendarPath, name)); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// ObjectPath joins a calendar collection path and an object name.
func ObjectPath(calendarPath, name string) string {
	if !strings.HasSuffix(calendarPath, "/") {
		calendarPath += "/"
	}
	return calendarPath + name
}
