package patreon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/rewardsync/internal/drift/domain"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	ProviderID = "patreon"

	activePatron = "active_patron"
	pageSize     = 500
	maxPages     = 10000
)

var ErrNotConfigured = errors.New("patreon_not_configured")

var memberFields = []string{
	"email",
	"full_name",
	"patron_status",
	"last_charge_status",
	"last_charge_date",
	"pledge_relationship_start",
}

type Config struct {
	BaseURL           string
	CampaignID        string
	AccessToken       string
	RequestsPerSecond float64
	Timeout           time.Duration
}

// Client lists campaign members through the Patreon v2 API.
type Client struct {
	baseURL    string
	campaignID string
	token      string
	http       *http.Client
	limiter    *rate.Limiter
	log        *zap.Logger
}

func NewClient(cfg Config, log *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.CampaignID) == "" || strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, ErrNotConfigured
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		campaignID: strings.TrimSpace(cfg.CampaignID),
		token:      strings.TrimSpace(cfg.AccessToken),
		http:       &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, 1),
		log:        log.Named("patreon.client"),
	}, nil
}

func (c *Client) ProviderID() string { return ProviderID }

// GetAllCampaignMembers walks every page of the campaign member list.
func (c *Client) GetAllCampaignMembers(ctx context.Context) ([]domain.Member, error) {
	var (
		members []domain.Member
		cursor  string
		seen    = map[string]struct{}{}
	)
	for page := 0; page < maxPages; page++ {
		resp, err := c.fetchPage(ctx, cursor)
		if err != nil {
			return nil, err
		}
		for _, item := range resp.Data {
			if item.Type != "" && item.Type != "member" {
				continue
			}
			members = append(members, item.toMember())
		}

		next := resp.Meta.Pagination.Cursors.Next
		if next == "" {
			c.log.Debug("campaign members fetched", zap.Int("members", len(members)), zap.Int("pages", page+1))
			return members, nil
		}
		if _, dup := seen[next]; dup {
			return nil, fmt.Errorf("patreon pagination cursor repeated: %s", next)
		}
		seen[next] = struct{}{}
		cursor = next
	}
	return nil, fmt.Errorf("patreon pagination exceeded %d pages", maxPages)
}

func (c *Client) fetchPage(ctx context.Context, cursor string) (*membersResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("include", "currently_entitled_tiers")
	query.Set("fields[member]", strings.Join(memberFields, ","))
	query.Set("page[count]", fmt.Sprint(pageSize))
	if cursor != "" {
		query.Set("page[cursor]", cursor)
	}
	endpoint := fmt.Sprintf("%s/campaigns/%s/members?%s", c.baseURL, url.PathEscape(c.campaignID), query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.api+json")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 32<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= http.StatusBadRequest {
		return nil, decodeError(res.StatusCode, body)
	}

	var payload membersResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode patreon members: %w", err)
	}
	return &payload, nil
}

func decodeError(status int, body []byte) error {
	var payload struct {
		Errors []struct {
			Code   string `json:"code_name"`
			Detail string `json:"detail"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && len(payload.Errors) > 0 {
		e := payload.Errors[0]
		msg := strings.TrimSpace(e.Detail)
		if msg == "" {
			msg = e.Code
		}
		return fmt.Errorf("patreon api error (%d): %s", status, msg)
	}
	return fmt.Errorf("patreon api error (%d)", status)
}

type membersResponse struct {
	Data []memberResource `json:"data"`
	Meta struct {
		Pagination struct {
			Cursors struct {
				Next string `json:"next"`
			} `json:"cursors"`
			Total int `json:"total"`
		} `json:"pagination"`
	} `json:"meta"`
}

type memberResource struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Attributes struct {
		Email            string     `json:"email"`
		FullName         string     `json:"full_name"`
		PatronStatus     *string    `json:"patron_status"`
		LastChargeStatus *string    `json:"last_charge_status"`
		LastChargeDate   *time.Time `json:"last_charge_date"`
		PledgeStart      *time.Time `json:"pledge_relationship_start"`
	} `json:"attributes"`
	Relationships struct {
		Tiers struct {
			Data []struct {
				ID   string `json:"id"`
				Type string `json:"type"`
			} `json:"data"`
		} `json:"currently_entitled_tiers"`
	} `json:"relationships"`
}

func (r memberResource) toMember() domain.Member {
	m := domain.Member{
		ID:              r.ID,
		Email:           strings.TrimSpace(r.Attributes.Email),
		FullName:        r.Attributes.FullName,
		LastChargeDate:  r.Attributes.LastChargeDate,
		PledgeStartedAt: r.Attributes.PledgeStart,
		EntitledTierIDs: []string{},
	}
	if r.Attributes.PatronStatus != nil {
		m.PatronStatus = *r.Attributes.PatronStatus
	}
	if r.Attributes.LastChargeStatus != nil {
		m.LastChargeStatus = *r.Attributes.LastChargeStatus
	}
	m.IsActivePatron = m.PatronStatus == activePatron
	for _, t := range r.Relationships.Tiers.Data {
		if t.ID != "" {
			m.EntitledTierIDs = append(m.EntitledTierIDs, t.ID)
		}
	}
	return m
}
