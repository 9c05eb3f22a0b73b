package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"ember/relay/internal/invite"
	"ember/relay/internal/totals"
)

type inviteCreateRequest struct {
	InviteID        string `json:"inviteId"`
	PublicKeyBundle string `json:"publicKeyBundle"`
	// ExpiresAt is an optional client-supplied expiry in Unix
	// milliseconds. Absent means the store's default TTL.
	ExpiresAt *int64 `json:"expiresAt"`
}

type inviteCreateResponse struct {
	Success  bool   `json:"success"`
	InviteID string `json:"inviteId"`
}

type inviteView struct {
	InviteID        string  `json:"inviteId"`
	PublicKeyBundle string  `json:"publicKeyBundle"`
	Claimed         bool    `json:"claimed"`
	ClaimerBundle   *string `json:"claimerBundle"`
}

type inviteClaimRequest struct {
	ClaimerBundle string `json:"claimerBundle"`
}

type inviteClaimResponse struct {
	Success       bool   `json:"success"`
	CreatorBundle string `json:"creatorBundle"`
}

func (s *Server) handleInviteCreate(c echo.Context) error {
	var req inviteCreateRequest
	if err := decodeJSON(c, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.InviteID) == "" || strings.TrimSpace(req.PublicKeyBundle) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed_request")
	}

	var expiresAt *time.Time
	if req.ExpiresAt != nil {
		t := time.UnixMilli(*req.ExpiresAt)
		expiresAt = &t
	}

	if err := s.deps.Invites.Create(req.InviteID, req.PublicKeyBundle, expiresAt); err != nil {
		if errors.Is(err, invite.ErrExists) {
			return echo.NewHTTPError(http.StatusConflict, "invite_exists")
		}
		return err
	}
	s.deps.Totals.Increment(totals.ChatInvitesCreated)
	return c.JSON(http.StatusCreated, inviteCreateResponse{Success: true, InviteID: req.InviteID})
}

func (s *Server) handleInviteGet(c echo.Context) error {
	v, err := s.deps.Invites.Get(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "not_found")
	}
	return c.JSON(http.StatusOK, inviteView{
		InviteID:        v.InviteID,
		PublicKeyBundle: v.CreatorBundle,
		Claimed:         v.Claimed,
		ClaimerBundle:   v.ClaimerBundle,
	})
}

func (s *Server) handleInviteClaim(c echo.Context) error {
	id := c.Param("id")

	var req inviteClaimRequest
	if err := decodeJSON(c, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.ClaimerBundle) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed_request")
	}

	creatorBundle, err := s.deps.Invites.Claim(id, req.ClaimerBundle)
	switch {
	case errors.Is(err, invite.ErrGone):
		return echo.NewHTTPError(http.StatusNotFound, "not_found")
	case errors.Is(err, invite.ErrClaimed):
		return echo.NewHTTPError(http.StatusConflict, "already_claimed")
	case err != nil:
		return err
	}

	return c.JSON(http.StatusOK, inviteClaimResponse{Success: true, CreatorBundle: creatorBundle})
}
