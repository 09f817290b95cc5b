package feature

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"layerqa/internal/domain"
)

// Client talks to an ArcGIS-style feature service REST endpoint.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration

	// PageSize caps records per query request. Zero lets the server decide.
	PageSize int
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// APIError wraps non-2xx responses and service-level error envelopes.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("feature service error: status=%d body=%s", e.StatusCode, e.Body)
}

// serviceError is the error envelope the service returns with HTTP 200.
type serviceError struct {
	Error *struct {
		Code    int      `json:"code"`
		Message string   `json:"message"`
		Details []string `json:"details"`
	} `json:"error"`
}

type fieldJSON struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Alias    string `json:"alias"`
	Nullable bool   `json:"nullable"`
	Domain   *struct {
		Type        string `json:"type"`
		Name        string `json:"name"`
		CodedValues []struct {
			Name string `json:"name"`
			Code any    `json:"code"`
		} `json:"codedValues"`
	} `json:"domain"`
}

type layerJSON struct {
	Name          string      `json:"name"`
	ObjectIDField string      `json:"objectIdField"`
	Fields        []fieldJSON `json:"fields"`
}

// FetchSchema retrieves the layer's field definitions and coded-value
// domains.
func (c *Client) FetchSchema(ctx context.Context, layerID string) (domain.Schema, error) {
	var raw layerJSON
	if err := c.get(ctx, layerPath(layerID), url.Values{}, &raw); err != nil {
		return domain.Schema{}, fmt.Errorf("fetch schema for layer %s: %w", layerID, err)
	}
	s := domain.Schema{
		LayerName:     raw.Name,
		ObjectIDField: raw.ObjectIDField,
	}
	for _, f := range raw.Fields {
		def := domain.FieldDef{
			Name:     f.Name,
			Type:     f.Type,
			Alias:    f.Alias,
			Nullable: f.Nullable,
		}
		if f.Domain != nil && f.Domain.Type == "codedValue" && len(f.Domain.CodedValues) > 0 {
			cd := &domain.CodedDomain{Name: f.Domain.Name}
			for _, cv := range f.Domain.CodedValues {
				cd.Codes = append(cd.Codes, domain.FromAny(cv.Code))
			}
			def.Domain = cd
		}
		if s.ObjectIDField == "" && strings.EqualFold(f.Type, "esriFieldTypeOID") {
			s.ObjectIDField = f.Name
		}
		s.Fields = append(s.Fields, def)
	}
	return s, nil
}

type featureJSON struct {
	Attributes map[string]any  `json:"attributes"`
	Geometry   json.RawMessage `json:"geometry"`
}

type queryJSON struct {
	Features              []featureJSON `json:"features"`
	ExceededTransferLimit bool          `json:"exceededTransferLimit"`
}

// FetchRecords retrieves every record of the layer, with geometry presence,
// in server order. Pagination follows the service's transfer limit.
func (c *Client) FetchRecords(ctx context.Context, layerID, oidField string) ([]domain.Record, error) {
	if oidField == "" {
		oidField = "OBJECTID"
	}
	var records []domain.Record
	offset := 0
	for {
		params := url.Values{}
		params.Set("where", "1=1")
		params.Set("outFields", "*")
		params.Set("returnGeometry", "true")
		if offset > 0 {
			params.Set("resultOffset", fmt.Sprint(offset))
		}
		if c.PageSize > 0 {
			params.Set("resultRecordCount", fmt.Sprint(c.PageSize))
		}
		var page queryJSON
		if err := c.get(ctx, layerPath(layerID)+"/query", params, &page); err != nil {
			return nil, fmt.Errorf("fetch records for layer %s: %w", layerID, err)
		}
		for _, f := range page.Features {
			rec := domain.Record{
				Attrs:       make(map[string]domain.Value, len(f.Attributes)),
				HasGeometry: hasGeometry(f.Geometry),
			}
			for k, v := range f.Attributes {
				rec.Attrs[k] = domain.FromAny(v)
			}
			if oid, ok := f.Attributes[oidField]; ok {
				if n, ok := oid.(float64); ok {
					rec.ObjectID = int64(n)
				}
			}
			records = append(records, rec)
		}
		if !page.ExceededTransferLimit || len(page.Features) == 0 {
			break
		}
		offset += len(page.Features)
	}
	return records, nil
}

func hasGeometry(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed != "" && trimmed != "null" && trimmed != "{}"
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	params.Set("f", "json")
	if c.Token != "" {
		params.Set("token", c.Token)
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/") + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	// The service reports failures inside a 200 response.
	var envelope serviceError
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		return &APIError{StatusCode: envelope.Error.Code, Body: envelope.Error.Message}
	}
	if out != nil {
		return json.Unmarshal(body, out)
	}
	return nil
}

func layerPath(layerID string) string {
	return url.PathEscape(strings.Trim(layerID, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
