/**
 * @description
 * This package provides a client for the external geospatial feature service
 * that stores charity, needy, donor, and donation records. It encapsulates the
 * query/addFeatures/updateFeatures operation families, including the service's
 * quirks: form-encoded mutations, error objects delivered inside 200 responses,
 * and numeric attributes that arrive as either JSON numbers or numeric strings.
 *
 * @dependencies
 * - context, encoding/json, fmt, net/http, net/url, strings, time: Standard Go libraries.
 */
package featureclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned by lookups that match no feature.
var ErrNotFound = errors.New("feature not found")

// Client talks to the four feature layers of the external record store.
// Snapshots are point-in-time; the client never retries or merges, so
// staleness handling is entirely the caller's concern.
type Client struct {
	CharitiesLayerURL string
	NeediesLayerURL   string
	DonorsLayerURL    string
	DonationsLayerURL string
	HTTPClient        *http.Client
}

// NewClient creates a new feature service client.
func NewClient(charitiesURL, neediesURL, donorsURL, donationsURL string) *Client {
	return &Client{
		CharitiesLayerURL: strings.TrimRight(charitiesURL, "/"),
		NeediesLayerURL:   strings.TrimRight(neediesURL, "/"),
		DonorsLayerURL:    strings.TrimRight(donorsURL, "/"),
		DonationsLayerURL: strings.TrimRight(donationsURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Number is a float64 that also accepts numeric strings and null when
// decoding. Several layers in the external store serve the same field as a
// number for some records and a quoted string for others.
type Number float64

func (n *Number) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*n = 0
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*n = 0
			return nil
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("numeric string %q: %w", s, err)
		}
		*n = Number(parsed)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*n = Number(f)
	return nil
}

// Float64 returns the underlying value, treating a nil pointer as zero.
func (n *Number) Float64() float64 {
	if n == nil {
		return 0
	}
	return float64(*n)
}

// Geometry is the coordinate pair attached to a feature.
type Geometry struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// CharityRecord is one feature from the charities layer, with the geometry
// flattened onto the attributes the way callers consume it.
type CharityRecord struct {
	ObjectID      int     `json:"objectid"`
	CharityName   string  `json:"charity_name"`
	CharitySector string  `json:"charity_sector"`
	RemainingNeed *Number `json:"how_much_do_you_need"`
	Email         string  `json:"enter_your_e_mail"`
	X             *float64
	Y             *float64
}

// NeedyRecord is one feature from the needies layer.
type NeedyRecord struct {
	ObjectID      int     `json:"objectid"`
	FullName      string  `json:"full_name"`
	TypeOfNeed    string  `json:"type_of_need"`
	RemainingNeed *Number `json:"how_much_do_you_need"`
	Email         string  `json:"email"`
	X             *float64
	Y             *float64
}

// DonorRecord is one feature from the donors layer. The legacy
// how_much_do_you_need column still exists on this layer; it is read but
// never written by this service.
type DonorRecord struct {
	ObjectID      int     `json:"objectid"`
	FullName      string  `json:"full_name"`
	Email         string  `json:"enter_your_e_mail"`
	RemainingNeed *Number `json:"how_much_do_you_need"`
	X             *float64
	Y             *float64
}

// DonationFeature is the payload appended to the donations layer.
type DonationFeature struct {
	DonorEmail     string
	RecipientEmail string
	RecipientName  string
	DonationField  string
	Amount         float64
	DonatedAt      time.Time
	DonorX         float64
	DonorY         float64
	RecipientX     float64
	RecipientY     float64
}

// serviceError is the error object the feature service embeds in otherwise
// successful (HTTP 200) responses.
type serviceError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type editResult struct {
	ObjectID int  `json:"objectId"`
	Success  bool `json:"success"`
}

type editResponse struct {
	AddResults    []editResult  `json:"addResults"`
	UpdateResults []editResult  `json:"updateResults"`
	Error         *serviceError `json:"error"`
}

// GetCharities fetches a point-in-time snapshot of every charity record.
func (c *Client) GetCharities(ctx context.Context) ([]CharityRecord, error) {
	var resp struct {
		Features []struct {
			Attributes CharityRecord `json:"attributes"`
			Geometry   *Geometry     `json:"geometry"`
		} `json:"features"`
		Error *serviceError `json:"error"`
	}
	if err := c.query(ctx, c.CharitiesLayerURL, "1=1", &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("charities query failed: %s (code %d)", resp.Error.Message, resp.Error.Code)
	}
	records := make([]CharityRecord, 0, len(resp.Features))
	for _, f := range resp.Features {
		rec := f.Attributes
		if f.Geometry != nil {
			x, y := f.Geometry.X, f.Geometry.Y
			rec.X, rec.Y = &x, &y
		}
		records = append(records, rec)
	}
	return records, nil
}

// GetNeedies fetches a point-in-time snapshot of every needy record.
func (c *Client) GetNeedies(ctx context.Context) ([]NeedyRecord, error) {
	var resp struct {
		Features []struct {
			Attributes NeedyRecord `json:"attributes"`
			Geometry   *Geometry   `json:"geometry"`
		} `json:"features"`
		Error *serviceError `json:"error"`
	}
	if err := c.query(ctx, c.NeediesLayerURL, "1=1", &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("needies query failed: %s (code %d)", resp.Error.Message, resp.Error.Code)
	}
	records := make([]NeedyRecord, 0, len(resp.Features))
	for _, f := range resp.Features {
		rec := f.Attributes
		if f.Geometry != nil {
			x, y := f.Geometry.X, f.Geometry.Y
			rec.X, rec.Y = &x, &y
		}
		records = append(records, rec)
	}
	return records, nil
}

// GetDonorByEmail looks up a donor record by the only key the store keeps
// stable across calls. Returns ErrNotFound when no donor matches.
func (c *Client) GetDonorByEmail(ctx context.Context, email string) (*DonorRecord, error) {
	var resp struct {
		Features []struct {
			Attributes DonorRecord `json:"attributes"`
			Geometry   *Geometry   `json:"geometry"`
		} `json:"features"`
		Error *serviceError `json:"error"`
	}
	where := fmt.Sprintf("enter_your_e_mail='%s'", escapeWhereLiteral(email))
	if err := c.query(ctx, c.DonorsLayerURL, where, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("donor query failed: %s (code %d)", resp.Error.Message, resp.Error.Code)
	}
	if len(resp.Features) == 0 {
		return nil, ErrNotFound
	}
	rec := resp.Features[0].Attributes
	if g := resp.Features[0].Geometry; g != nil {
		x, y := g.X, g.Y
		rec.X, rec.Y = &x, &y
	}
	return &rec, nil
}

// GetCharityByEmail re-resolves a charity by contact email. Update paths use
// this to obtain a fresh objectid immediately before writing, because the
// store does not guarantee objectid stability between calls.
func (c *Client) GetCharityByEmail(ctx context.Context, email string) (*CharityRecord, error) {
	var resp struct {
		Features []struct {
			Attributes CharityRecord `json:"attributes"`
			Geometry   *Geometry     `json:"geometry"`
		} `json:"features"`
		Error *serviceError `json:"error"`
	}
	where := fmt.Sprintf("enter_your_e_mail='%s'", escapeWhereLiteral(email))
	if err := c.query(ctx, c.CharitiesLayerURL, where, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("charity query failed: %s (code %d)", resp.Error.Message, resp.Error.Code)
	}
	if len(resp.Features) == 0 {
		return nil, ErrNotFound
	}
	rec := resp.Features[0].Attributes
	if g := resp.Features[0].Geometry; g != nil {
		x, y := g.X, g.Y
		rec.X, rec.Y = &x, &y
	}
	return &rec, nil
}

// GetNeedyByEmail re-resolves a needy record by contact email.
func (c *Client) GetNeedyByEmail(ctx context.Context, email string) (*NeedyRecord, error) {
	var resp struct {
		Features []struct {
			Attributes NeedyRecord `json:"attributes"`
			Geometry   *Geometry   `json:"geometry"`
		} `json:"features"`
		Error *serviceError `json:"error"`
	}
	where := fmt.Sprintf("email='%s'", escapeWhereLiteral(email))
	if err := c.query(ctx, c.NeediesLayerURL, where, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("needy query failed: %s (code %d)", resp.Error.Message, resp.Error.Code)
	}
	if len(resp.Features) == 0 {
		return nil, ErrNotFound
	}
	rec := resp.Features[0].Attributes
	if g := resp.Features[0].Geometry; g != nil {
		x, y := g.X, g.Y
		rec.X, rec.Y = &x, &y
	}
	return &rec, nil
}

// AddDonation appends one donation feature to the donations layer. This call
// is the commit point for an allocation; any failure means the donation was
// not applied.
func (c *Client) AddDonation(ctx context.Context, d DonationFeature) error {
	features := []map[string]interface{}{
		{
			"attributes": map[string]interface{}{
				"donor_email":     d.DonorEmail,
				"recipient_email": d.RecipientEmail,
				"recipient_name":  d.RecipientName,
				"donation_field":  d.DonationField,
				"donation_amount": d.Amount,
				"donation_date":   d.DonatedAt.UnixMilli(),
				"donor_x":         d.DonorX,
				"donor_y":         d.DonorY,
				"recipient_x":     d.RecipientX,
				"recipient_y":     d.RecipientY,
			},
			"geometry": map[string]interface{}{
				"x":                d.DonorX,
				"y":                d.DonorY,
				"spatialReference": map[string]interface{}{"wkid": 4326},
			},
		},
	}
	resp, err := c.applyEdits(ctx, c.DonationsLayerURL+"/addFeatures", features)
	if err != nil {
		return fmt.Errorf("add donation: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("add donation rejected: %s (code %d)", resp.Error.Message, resp.Error.Code)
	}
	if len(resp.AddResults) == 0 || !resp.AddResults[0].Success {
		return errors.New("add donation reported no success")
	}
	return nil
}

// UpdateCharityNeed writes a charity's new remaining-need value by objectid.
func (c *Client) UpdateCharityNeed(ctx context.Context, objectID int, newNeed float64) error {
	return c.updateNeed(ctx, c.CharitiesLayerURL, objectID, newNeed)
}

// UpdateNeedyNeed writes a needy record's new remaining-need value by objectid.
func (c *Client) UpdateNeedyNeed(ctx context.Context, objectID int, newNeed float64) error {
	return c.updateNeed(ctx, c.NeediesLayerURL, objectID, newNeed)
}

// UpdateCharityNeedByEmail re-resolves the charity's objectid by email and
// then writes the new remaining need (read-verify-then-write).
func (c *Client) UpdateCharityNeedByEmail(ctx context.Context, email string, newNeed float64) error {
	charity, err := c.GetCharityByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("resolve charity by email: %w", err)
	}
	return c.updateNeed(ctx, c.CharitiesLayerURL, charity.ObjectID, newNeed)
}

// UpdateNeedyNeedByEmail re-resolves the needy record's objectid by email and
// then writes the new remaining need.
func (c *Client) UpdateNeedyNeedByEmail(ctx context.Context, email string, newNeed float64) error {
	needy, err := c.GetNeedyByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("resolve needy by email: %w", err)
	}
	return c.updateNeed(ctx, c.NeediesLayerURL, needy.ObjectID, newNeed)
}

func (c *Client) updateNeed(ctx context.Context, layerURL string, objectID int, newNeed float64) error {
	features := []map[string]interface{}{
		{
			"attributes": map[string]interface{}{
				"objectid":             objectID,
				"how_much_do_you_need": newNeed,
			},
		},
	}
	resp, err := c.applyEdits(ctx, layerURL+"/updateFeatures", features)
	if err != nil {
		return fmt.Errorf("update remaining need: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("update remaining need rejected: %s (code %d)", resp.Error.Message, resp.Error.Code)
	}
	if len(resp.UpdateResults) == 0 || !resp.UpdateResults[0].Success {
		return errors.New("update remaining need reported no success")
	}
	return nil
}

// query performs a GET against a layer's query endpoint and decodes the body into out.
func (c *Client) query(ctx context.Context, layerURL, where string, out interface{}) error {
	params := url.Values{}
	params.Set("where", where)
	params.Set("outFields", "*")
	params.Set("returnGeometry", "true")
	params.Set("f", "json")

	req, err := http.NewRequestWithContext(ctx, "GET", layerURL+"/query?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create query request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute query request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read query response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("level=warn component=feature_client op=query layer=%s status=%d msg=\"non-2xx response\"", layerURL, resp.StatusCode)
		return fmt.Errorf("query failed with status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode query response: %w", err)
	}
	return nil
}

// applyEdits posts a form-encoded features payload to an addFeatures or
// updateFeatures endpoint and decodes the per-item results. The service
// reports problems in the body with a 200 status, so callers must also check
// the embedded error and per-item success flags.
func (c *Client) applyEdits(ctx context.Context, editURL string, features []map[string]interface{}) (*editResponse, error) {
	featuresJSON, err := json.Marshal(features)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal features: %w", err)
	}
	form := url.Values{}
	form.Set("features", string(featuresJSON))
	form.Set("f", "json")

	req, err := http.NewRequestWithContext(ctx, "POST", editURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create edit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute edit request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read edit response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("level=warn component=feature_client op=apply_edits url=%s status=%d msg=\"non-2xx response\"", editURL, resp.StatusCode)
		return nil, fmt.Errorf("edit failed with status %d", resp.StatusCode)
	}

	var edit editResponse
	if err := json.Unmarshal(bodyBytes, &edit); err != nil {
		return nil, fmt.Errorf("failed to decode edit response: %w", err)
	}
	return &edit, nil
}

// escapeWhereLiteral doubles single quotes so an email cannot break out of
// the where-clause string literal.
func escapeWhereLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
