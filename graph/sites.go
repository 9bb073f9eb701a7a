package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Site is a SharePoint site.
type Site struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	WebURL      string `json:"webUrl"`
}

// Drive is a document library of a site.
type Drive struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	DriveType string `json:"driveType"`
	WebURL    string `json:"webUrl"`
}

// SitePath returns the Graph path addressing a site by its web URL,
// e.g. https://contoso.sharepoint.com/sites/team -> /sites/contoso.sharepoint.com:/sites/team.
func SitePath(siteURL string) (string, error) {
	u, err := url.Parse(siteURL)
	if err != nil {
		return "", fmt.Errorf("parse site url: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("site url %q has no host", siteURL)
	}
	path := strings.TrimSuffix(u.Path, "/")
	if path == "" {
		return "/sites/" + u.Hostname(), nil
	}
	return "/sites/" + u.Hostname() + ":" + path, nil
}

// ResolveSite looks up a site by its web URL.
func (c *Client) ResolveSite(ctx context.Context, siteURL string) (*Site, error) {
	path, err := SitePath(siteURL)
	if err != nil {
		return nil, err
	}
	var site Site
	if err := c.getJSON(ctx, c.baseURL+path, "resolve_site", "resolve site", &site); err != nil {
		return nil, err
	}
	if site.ID == "" {
		return nil, errors.New("resolve site: response has no id")
	}
	return &site, nil
}

// ListDrives returns the document libraries of a site, following @odata.nextLink pages.
func (c *Client) ListDrives(ctx context.Context, siteID string) ([]Drive, error) {
	var drives []Drive
	next := c.baseURL + "/sites/" + siteID + "/drives"
	for next != "" {
		var page struct {
			Value    []Drive `json:"value"`
			NextLink string  `json:"@odata.nextLink"`
		}
		if err := c.getJSON(ctx, next, "list_drives", "list drives", &page); err != nil {
			return nil, err
		}
		drives = append(drives, page.Value...)
		next = page.NextLink
	}
	return drives, nil
}

func (c *Client) getJSON(ctx context.Context, target, purpose, op string, out any) error {
	resp, err := c.send(ctx, http.MethodGet, target, http.NoBody, purpose)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer c.closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		return &APIError{Op: op, StatusCode: resp.StatusCode, Body: errorBody(resp.Body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", op, err)
	}
	return nil
}
