// Package remote wraps the sensor cloud's JSON/REST API. It provides a
// [Client] with methods aligned to the sync engine's needs, forward
// pagination for bulk listing endpoints, and mapping of non-2xx responses
// to a structured [APIError].
//
// The client performs no retries: recovery from transient failure is the
// caller's responsibility.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"sensorbridge/internal/model"
)

const (
	liveBaseURL    = "https://api.sensorcloud.io/v1"
	stagingBaseURL = "https://staging.sensorcloud.io/v1"

	headerAppKey  = "APPLICATION-KEY"
	headerSession = "SESSION-ID"

	// listPageSize is the fixed page size used by the bulk listing
	// pagination helper.
	listPageSize = 100
)

// Config is the immutable client configuration. The live and staging
// endpoint sets are mutually exclusive and chosen here, at construction;
// there is no process-wide mutable endpoint state.
type Config struct {
	// AppKey is sent as the APPLICATION-KEY header on every request.
	AppKey string

	// Staging selects the staging endpoint set instead of live.
	Staging bool

	// BaseURL overrides the endpoint base entirely when non-empty.
	// Intended for tests against local servers.
	BaseURL string
}

// base resolves the endpoint base URL for this configuration.
func (c Config) base() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	if c.Staging {
		return stagingBaseURL
	}
	return liveBaseURL
}

// Doer is the subset of [http.Client] the client needs. Defining it as an
// interface allows mock injection in tests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client issues requests against the sensor cloud API. Create one with
// [NewClient]; the session token is fixed for the client's lifetime, so a
// credential change means constructing a new client.
type Client struct {
	cfg     Config
	session string
	hc      Doer
	log     *slog.Logger
}

// NewClient creates a Client for the given configuration and session token.
// If hc is nil, a default [http.Client] is used.
func NewClient(cfg Config, sessionToken string, hc Doer, logger *slog.Logger) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, session: sessionToken, hc: hc, log: logger}
}

// --- wire types --------------------------------------------------------------

// Sensor is the cloud's representation of a sensor.
type Sensor struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Source   string          `json:"source_name"`
	DataType model.ValueKind `json:"data_type"`
	Meta     string          `json:"meta,omitempty"`
}

// Point is a single sample on the wire: timestamp in milliseconds and the
// native JSON value.
type Point struct {
	Timestamp int64       `json:"date"`
	Value     model.Value `json:"value"`
}

// SensorBatch groups all pending points for one sensor into a single batch
// upload entry.
type SensorBatch struct {
	Source string  `json:"source_name"`
	Sensor string  `json:"sensor_name"`
	Data   []Point `json:"data"`
}

// Device is the cloud's representation of a registered device.
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	UUID string `json:"uuid"`
}

// Profile is a sensor value schema as served by the profile endpoint.
type Profile struct {
	Name string `json:"name"`

	// Type is the declared primitive kind: boolean, number, string, or
	// object.
	Type string `json:"type"`

	// Required lists mandatory properties for object schemas.
	Required []string `json:"required,omitempty"`
}

// --- request plumbing --------------------------------------------------------

// do issues a request with the required headers and decodes a 2xx JSON
// response into out (when out is non-nil). Non-2xx responses become an
// *APIError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := c.cfg.base() + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set(headerAppKey, c.cfg.AppKey)
	req.Header.Set(headerSession, c.session)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response for %s %s: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := errorFromResponse(resp.StatusCode, raw)
		c.log.Debug("remote request failed",
			"method", method, "path", path,
			"status", resp.StatusCode, "reason", apiErr.Reason)
		return apiErr
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decoding response for %s %s: %w", method, path, err)
		}
	}
	return nil
}

// dataQuery encodes QueryOptions into the data endpoint's query parameters,
// omitting parameters whose option is unset.
func dataQuery(q model.QueryOptions) url.Values {
	v := url.Values{}
	if q.Start != nil {
		v.Set("start_time", strconv.FormatInt(*q.Start, 10))
	}
	if q.End != nil {
		v.Set("end_time", strconv.FormatInt(*q.End, 10))
	}
	if q.Limit != nil {
		v.Set("limit", strconv.Itoa(*q.Limit))
	}
	if q.Sort != "" {
		v.Set("sort", string(q.Sort))
	}
	if q.Interval != "" {
		v.Set("interval", q.Interval)
	}
	return v
}

func sensorPath(source, name string) string {
	return "/sensors/" + url.PathEscape(source) + "/" + url.PathEscape(name)
}

// --- sensors -----------------------------------------------------------------

// ListSensors returns all remote sensors registered under the source,
// following the page-counter pagination until a short page.
func (c *Client) ListSensors(ctx context.Context, source string) ([]Sensor, error) {
	return listPages(ctx, func(ctx context.Context, page int) ([]Sensor, error) {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("count", strconv.Itoa(listPageSize))
		var out []Sensor
		err := c.do(ctx, http.MethodGet, "/sensors/"+url.PathEscape(source), q, nil, &out)
		return out, err
	})
}

// GetSensor fetches one remote sensor by source and name.
func (c *Client) GetSensor(ctx context.Context, source, name string) (*Sensor, error) {
	var out Sensor
	if err := c.do(ctx, http.MethodGet, sensorPath(source, name), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PutSensor creates or updates a remote sensor and returns the stored
// representation (including the assigned remote ID).
func (c *Client) PutSensor(ctx context.Context, s Sensor) (*Sensor, error) {
	var out Sensor
	if err := c.do(ctx, http.MethodPut, sensorPath(s.Source, s.Name), nil, s, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteSensor removes a remote sensor.
func (c *Client) DeleteSensor(ctx context.Context, source, name string) error {
	return c.do(ctx, http.MethodDelete, sensorPath(source, name), nil, nil, nil)
}

// --- sensor data -------------------------------------------------------------

// GetSensorData returns one page of data points for the sensor, narrowed
// by q. Pagination across pages is the caller's responsibility.
func (c *Client) GetSensorData(ctx context.Context, source, name string, q model.QueryOptions) ([]Point, error) {
	var out []Point
	err := c.do(ctx, http.MethodGet, sensorPath(source, name)+"/data", dataQuery(q), nil, &out)
	return out, err
}

// PutSensorData uploads points for a single sensor.
func (c *Client) PutSensorData(ctx context.Context, source, name string, points []Point) error {
	return c.do(ctx, http.MethodPut, sensorPath(source, name)+"/data", nil, points, nil)
}

// DeleteSensorData removes the sensor's remote points in the half-open
// range [start, end); nil bounds are open-ended.
func (c *Client) DeleteSensorData(ctx context.Context, source, name string, start, end *int64) error {
	q := url.Values{}
	if start != nil {
		q.Set("start_time", strconv.FormatInt(*start, 10))
	}
	if end != nil {
		q.Set("end_time", strconv.FormatInt(*end, 10))
	}
	return c.do(ctx, http.MethodDelete, sensorPath(source, name)+"/data", q, nil, nil)
}

// PutSensorDataBatch uploads data for multiple sensors in one call. Callers
// must batch all pending points for a sensor into one entry rather than
// issuing one request per point.
func (c *Client) PutSensorDataBatch(ctx context.Context, batches []SensorBatch) error {
	return c.do(ctx, http.MethodPut, "/sensors/data", nil, batches, nil)
}

// --- devices and profiles ----------------------------------------------------

// ListDevices returns all devices registered for the user, following the
// page-counter pagination until a short page.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	return listPages(ctx, func(ctx context.Context, page int) ([]Device, error) {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("count", strconv.Itoa(listPageSize))
		var out []Device
		err := c.do(ctx, http.MethodGet, "/devices", q, nil, &out)
		return out, err
	})
}

// AttachSensorToDevice associates a sensor with a registered device.
func (c *Client) AttachSensorToDevice(ctx context.Context, deviceUUID, source, name string) error {
	path := "/devices/" + url.PathEscape(deviceUUID) + sensorPath(source, name)
	return c.do(ctx, http.MethodPost, path, nil, nil, nil)
}

// GetSensorProfiles fetches the list of sensor value schemas.
func (c *Client) GetSensorProfiles(ctx context.Context) ([]json.RawMessage, error) {
	var out []json.RawMessage
	err := c.do(ctx, http.MethodGet, "/sensorprofiles", nil, nil, &out)
	return out, err
}

// listPages fetches consecutive pages starting at 0 until a page returns
// fewer than the fixed page size.
func listPages[T any](ctx context.Context, fetch func(ctx context.Context, page int) ([]T, error)) ([]T, error) {
	var all []T
	for page := 0; ; page++ {
		items, err := fetch(ctx, page)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		if len(items) < listPageSize {
			return all, nil
		}
	}
}
