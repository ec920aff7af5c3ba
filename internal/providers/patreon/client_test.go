package patreon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const firstPage = `{
  "data": [
    {"id": "m1", "type": "member",
     "attributes": {"email": "a@example.com", "full_name": "A", "patron_status": "active_patron",
                    "last_charge_status": "Paid", "last_charge_date": "2026-06-01T00:00:00Z"},
     "relationships": {"currently_entitled_tiers": {"data": [{"id": "t1", "type": "tier"}, {"id": "t2", "type": "tier"}]}}},
    {"id": "m2", "type": "member",
     "attributes": {"email": "b@example.com", "full_name": "B", "patron_status": "former_patron"},
     "relationships": {"currently_entitled_tiers": {"data": []}}}
  ],
  "meta": {"pagination": {"cursors": {"next": "c2"}, "total": 3}}
}`

const secondPage = `{
  "data": [
    {"id": "m3", "type": "member",
     "attributes": {"email": "c@example.com", "full_name": "C", "patron_status": null},
     "relationships": {"currently_entitled_tiers": {"data": [{"id": "t1", "type": "tier"}]}}}
  ],
  "meta": {"pagination": {"cursors": {"next": null}, "total": 3}}
}`

func TestGetAllCampaignMembersFollowsCursor(t *testing.T) {
	var cursors []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "/campaigns/42/members", r.URL.Path)
		assert.Equal(t, "currently_entitled_tiers", r.URL.Query().Get("include"))
		cursor := r.URL.Query().Get("page[cursor]")
		cursors = append(cursors, cursor)
		w.Header().Set("Content-Type", "application/vnd.api+json")
		if cursor == "" {
			_, _ = w.Write([]byte(firstPage))
			return
		}
		_, _ = w.Write([]byte(secondPage))
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, CampaignID: "42", AccessToken: "secret"}, zaptest.NewLogger(t))
	require.NoError(t, err)

	members, err := client.GetAllCampaignMembers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"", "c2"}, cursors)
	require.Len(t, members, 3)

	assert.Equal(t, "m1", members[0].ID)
	assert.True(t, members[0].IsActivePatron)
	assert.Equal(t, []string{"t1", "t2"}, members[0].EntitledTierIDs)
	assert.Equal(t, "Paid", members[0].LastChargeStatus)
	require.NotNil(t, members[0].LastChargeDate)

	assert.False(t, members[1].IsActivePatron)
	assert.Equal(t, "former_patron", members[1].PatronStatus)
	assert.Empty(t, members[1].EntitledTierIDs)

	assert.False(t, members[2].IsActivePatron)
	assert.Equal(t, []string{"t1"}, members[2].EntitledTierIDs)
}

func TestGetAllCampaignMembersReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"errors":[{"code_name":"Unauthorized","detail":"The server could not verify that you are authorized"}]}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, CampaignID: "42", AccessToken: "bad"}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = client.GetAllCampaignMembers(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "could not verify")
}

func TestGetAllCampaignMembersRejectsRepeatedCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data": [], "meta": {"pagination": {"cursors": {"next": "same"}}}}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, CampaignID: "42", AccessToken: "secret"}, nil)
	require.NoError(t, err)

	_, err = client.GetAllCampaignMembers(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repeated")
}

func TestNewClientRequiresCredentials(t *testing.T) {
	_, err := NewClient(Config{CampaignID: "42"}, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
}
